// ============================================================================
// Frameflow Stage Processors - Routing and Policy Around Inference Calls
// ============================================================================
//
// Package: internal/stage
// File: processor.go
// Function: Stage-specific transforms run by the workers on every batch
//
// Routing:
//
//   Detect ──┬─ tracking ──→ Track ──┐
//            └─ otherwise ───────────┴→ Score → Keypoint → Align ─┬→ Analyze ─┐
//                                                                  │           │
//                             ┌────────────────────────────────────┴───────────┘
//                             ├─ best-shot window → Selector ──(cache fire)──┐
//                             └──────────────────────────────────────────────┴→ finish
//
//   finish: Extract → Emit when the policy extracts features, Emit otherwise
//
// Failures:
//   Any error from a channel call drops the (sub-)batch it covered; the
//   items are neither retried nor re-queued. The error goes back to the
//   manager which logs and counts it.
//
// ============================================================================

package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/internal/metrics"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// Router moves items between the stages of one pipeline.
type Router interface {
	// Forward hands items to the given stage. Empty calls are no-ops.
	Forward(to Kind, items ...*types.WorkItem)
	// Emit turns a finished item into results.
	types.Emitter
}

// Processor is the transform of one stage.
type Processor interface {
	Process(ch inference.Channel, batch []*types.WorkItem) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ch inference.Channel, batch []*types.WorkItem) error

func (f ProcessorFunc) Process(ch inference.Channel, batch []*types.WorkItem) error {
	return f(ch, batch)
}

// Env is the state the processors of one pipeline share. Nil caches turn
// the matching policy off.
type Env struct {
	Router     Router
	Metrics    *metrics.Collector
	Capture    *CaptureLimiter
	BestShot   *Selector
	Attributes *AttributeCache
}

// EnvConfig sizes the caches built by NewEnv.
type EnvConfig struct {
	Cache              CacheOptions
	AttributeCacheSize int
	AttributeCacheTTL  time.Duration
}

// NewEnv builds the shared state of a pipeline with every cache enabled.
func NewEnv(router Router, m *metrics.Collector, cfg EnvConfig) *Env {
	e := &Env{
		Router:     router,
		Metrics:    m,
		Capture:    NewCaptureLimiter(cfg.Cache, m),
		Attributes: NewAttributeCache(cfg.AttributeCacheSize, cfg.AttributeCacheTTL),
	}
	e.BestShot = NewSelector(cfg.Cache, e.finish, m)
	return e
}

// Start runs the sweep goroutines of the TTL caches.
func (e *Env) Start() {
	if e.Capture != nil {
		e.Capture.Start()
	}
	if e.BestShot != nil {
		e.BestShot.Start()
	}
}

// Stop ends the sweeps. Instances still held for best-shot are dropped.
func (e *Env) Stop() {
	if e.Capture != nil {
		e.Capture.Stop()
	}
	if e.BestShot != nil {
		e.BestShot.Stop()
	}
}

// Forget drops the per-track capture and attribute state of a source.
func (e *Env) Forget(src types.SourceID) {
	e.Capture.Forget(src)
	e.Attributes.Forget(src)
}

// NewProcessor returns the transform of a stage bound to env.
func NewProcessor(kind Kind, env *Env) Processor {
	switch kind {
	case Detect:
		return ProcessorFunc(env.detect)
	case Track:
		return ProcessorFunc(env.track)
	case Score:
		return ProcessorFunc(env.score)
	case Keypoint:
		return ProcessorFunc(env.keypoint)
	case Align:
		return ProcessorFunc(env.align)
	case Analyze:
		return ProcessorFunc(env.analyze)
	case Extract:
		return ProcessorFunc(env.extract)
	default:
		panic(fmt.Sprintf("stage: no processor for %v", kind))
	}
}

func cardinality(op string, got, want int) error {
	if got == want {
		return nil
	}
	return fmt.Errorf("%s: %d results for %d inputs: %w", op, got, want, inference.ErrCardinality)
}

func frameImages(items []*types.WorkItem) []types.Image {
	out := make([]types.Image, len(items))
	for i, it := range items {
		out[i] = it.Frame.Image
	}
	return out
}

func candidateLists(items []*types.WorkItem) [][]types.Candidate {
	out := make([][]types.Candidate, len(items))
	for i, it := range items {
		out[i] = it.Candidates
	}
	return out
}

// groupByResolution splits a batch into resolution-homogeneous groups in
// order of first appearance.
func groupByResolution(batch []*types.WorkItem) [][]*types.WorkItem {
	index := make(map[types.Resolution]int)
	var groups [][]*types.WorkItem
	for _, it := range batch {
		res := it.Frame.Image.Resolution()
		i, ok := index[res]
		if !ok {
			i = len(groups)
			index[res] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], it)
	}
	return groups
}

func (e *Env) detect(ch inference.Channel, batch []*types.WorkItem) error {
	var errs []error
	for _, group := range groupByResolution(batch) {
		found, err := ch.Detect(frameImages(group))
		if err == nil {
			err = cardinality("detect", len(found), len(group))
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		var toTrack, toScore []*types.WorkItem
		empty := 0
		for i, it := range group {
			if len(found[i]) == 0 {
				empty++
				continue
			}
			it.Candidates = found[i]
			it.Boxed = true
			if it.Policy.Tracking() {
				toTrack = append(toTrack, it)
			} else {
				toScore = append(toScore, it)
			}
		}
		e.Metrics.RecordFiltered(Detect.String(), empty)
		e.Router.Forward(Track, toTrack...)
		e.Router.Forward(Score, toScore...)
	}
	return errors.Join(errs...)
}

func (e *Env) track(ch inference.Channel, batch []*types.WorkItem) error {
	sources := make([]types.SourceID, len(batch))
	for i, it := range batch {
		sources[i] = it.Frame.Source
	}
	tracked, err := ch.Track(frameImages(batch), candidateLists(batch), sources)
	if err == nil {
		err = cardinality("track", len(tracked), len(batch))
	}
	if err != nil {
		return err
	}

	out := make([]*types.WorkItem, 0, len(batch))
	filtered := 0
	for i, it := range batch {
		p := it.Policy
		cands, removed := filterCandidates(tracked[i], func(c *types.Candidate) bool { return acceptSize(p, c) })
		filtered += removed
		if len(cands) == 0 {
			continue
		}
		it.Candidates = cands
		out = append(out, it)
	}
	e.Metrics.RecordFiltered(Track.String(), filtered)
	e.Router.Forward(Score, out...)
	return nil
}

func (e *Env) score(ch inference.Channel, batch []*types.WorkItem) error {
	scored, err := ch.Score(frameImages(batch), candidateLists(batch))
	if err == nil {
		err = cardinality("score", len(scored), len(batch))
	}
	if err != nil {
		return err
	}

	out := make([]*types.WorkItem, 0, len(batch))
	filtered := 0
	for i, it := range batch {
		p := it.Policy
		cands, removed := filterCandidates(scored[i], func(c *types.Candidate) bool { return acceptScore(p, c) })
		filtered += removed
		if len(cands) == 0 {
			continue
		}
		it.Candidates = cands
		out = append(out, it)
	}
	e.Metrics.RecordFiltered(Score.String(), filtered)
	e.Router.Forward(Keypoint, out...)
	return nil
}

func (e *Env) keypoint(ch inference.Channel, batch []*types.WorkItem) error {
	marked, err := ch.Keypoints(frameImages(batch), candidateLists(batch))
	if err == nil {
		err = cardinality("keypoints", len(marked), len(batch))
	}
	if err != nil {
		return err
	}

	out := make([]*types.WorkItem, 0, len(batch))
	filtered := 0
	for i, it := range batch {
		p := it.Policy
		src := it.Frame.Source
		cands, removed := filterCandidates(marked[i], func(c *types.Candidate) bool {
			// Allow consumes a capture slot, so it runs after the pose check
			return acceptPose(p, c) && e.Capture.Allow(src, c.TrackID, p)
		})
		filtered += removed
		if len(cands) == 0 {
			continue
		}
		it.Candidates = cands
		out = append(out, it)
	}
	e.Metrics.RecordFiltered(Keypoint.String(), filtered)
	e.Router.Forward(Align, out...)
	return nil
}
