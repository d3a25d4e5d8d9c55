package stage

import (
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// acceptSize applies the policy's box size bounds to the shorter box side.
func acceptSize(p *types.Policy, c *types.Candidate) bool {
	side := c.Box.W
	if c.Box.H < side {
		side = c.Box.H
	}
	if p.MinBoxSize > 0 && side < p.MinBoxSize {
		return false
	}
	if p.MaxBoxSize > 0 && side > p.MaxBoxSize {
		return false
	}
	return true
}

// acceptScore applies confidence, quality and badness thresholds.
func acceptScore(p *types.Policy, c *types.Candidate) bool {
	if c.Confidence < p.MinConfidence {
		return false
	}
	if c.Quality < p.MinQuality {
		return false
	}
	if p.MaxBadness > 0 && c.Badness > p.MaxBadness {
		return false
	}
	return true
}

// acceptPose applies the head angle bounds. A zero bound is unlimited and a
// candidate without a pose passes.
func acceptPose(p *types.Policy, c *types.Candidate) bool {
	if c.Pose == nil {
		return true
	}
	return within(c.Pose.Yaw, p.MaxYaw) && within(c.Pose.Pitch, p.MaxPitch) && within(c.Pose.Roll, p.MaxRoll)
}

func within(angle, bound float32) bool {
	if bound <= 0 {
		return true
	}
	if angle < 0 {
		angle = -angle
	}
	return angle <= bound
}

// filterCandidates keeps the candidates accepted by keep, in place, and
// returns the kept slice plus the number removed.
func filterCandidates(cands []types.Candidate, keep func(*types.Candidate) bool) ([]types.Candidate, int) {
	n := 0
	for i := range cands {
		if keep(&cands[i]) {
			cands[n] = cands[i]
			n++
		}
	}
	removed := len(cands) - n
	for i := n; i < len(cands); i++ {
		cands[i] = types.Candidate{}
	}
	return cands[:n], removed
}
