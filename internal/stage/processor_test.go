package stage

import (
	"testing"
	"time"

	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/internal/inference/sim"
	"github.com/ChuLiYu/frameflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectGroupsByResolutionAndRoutes(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{
		Detect: func(img types.Image) []types.Candidate {
			if img.Width() == 640 {
				return tracked(0)
			}
			return nil
		},
	})
	r := newFakeRouter()
	env := &Env{Router: r}
	now := time.Now()

	a := newItem("cam1", 1, now, 640, 480, &types.Policy{Track: true})
	b := newItem("cam2", 1, now, 320, 240, &types.Policy{})
	c := newItem("cam3", 1, now, 640, 480, &types.Policy{})
	d := newItem("cam4", 1, now, 320, 240, &types.Policy{Track: true})
	portrait := newItem("cam5", 1, now, 640, 480, &types.Policy{Track: true, Portrait: true})

	require.NoError(t, env.detect(ch, []*types.WorkItem{a, b, c, d, portrait}))

	assert.Equal(t, []int{3, 2}, ch.detectSizes, "one call per resolution")
	assert.Equal(t, []*types.WorkItem{a}, r.get(Track))
	assert.Equal(t, []*types.WorkItem{c, portrait}, r.get(Score))
	assert.True(t, a.Boxed)
	assert.Len(t, a.Candidates, 1)
}

func TestTrackFiltersBySize(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r}
	policy := &types.Policy{Track: true, MinBoxSize: 50}

	hinted := newItem("cam", 1, time.Now(), 640, 480, policy)
	hinted.Candidates = []types.Candidate{
		{Box: types.Rect{W: 80, H: 80}, Confidence: 0.9},
		{Box: types.Rect{W: 20, H: 80}, Confidence: 0.9},
	}
	hinted.Boxed = true
	unknown := newItem("never-seen", 1, time.Now(), 640, 480, policy)

	require.NoError(t, env.track(ch, []*types.WorkItem{hinted, unknown}))

	require.Equal(t, []*types.WorkItem{hinted}, r.get(Score))
	require.Len(t, hinted.Candidates, 1)
	assert.Equal(t, int64(1), hinted.Candidates[0].TrackID)
}

func TestTrackPredictsPendingFrames(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r}
	policy := &types.Policy{Track: true, DetectInterval: 3}

	hinted := newItem("cam", 1, time.Now(), 640, 480, policy)
	hinted.Candidates = tracked(0, 0)
	hinted.Boxed = true
	require.NoError(t, env.track(ch, []*types.WorkItem{hinted}))

	pending := newItem("cam", 2, time.Now(), 640, 480, policy)
	require.NoError(t, env.track(ch, []*types.WorkItem{pending}))

	require.Len(t, pending.Candidates, 2)
	assert.Equal(t, int64(2), pending.Candidates[1].TrackID)
	assert.Len(t, r.get(Score), 2)
}

func TestScoreFilters(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r}
	policy := &types.Policy{MinConfidence: 0.5, MaxBadness: 0.2}

	mixed := newItem("cam", 1, time.Now(), 64, 64, policy)
	mixed.Candidates = []types.Candidate{{Confidence: 0.9}, {Confidence: 0.3}}
	weak := newItem("cam", 2, time.Now(), 64, 64, policy)
	weak.Candidates = []types.Candidate{{Confidence: 0.1}}
	strict := newItem("cam", 3, time.Now(), 64, 64, &types.Policy{MinQuality: 0.9})
	strict.Candidates = []types.Candidate{{Confidence: 0.9}}

	require.NoError(t, env.score(ch, []*types.WorkItem{mixed, weak, strict}))

	require.Equal(t, []*types.WorkItem{mixed}, r.get(Keypoint))
	require.Len(t, mixed.Candidates, 1)
	assert.Equal(t, float32(0.9), mixed.Candidates[0].Confidence)
	assert.Equal(t, float32(0.8), mixed.Candidates[0].Quality)
}

// TestFailedBatchIsDropped: an inference failure drops the whole batch
func TestFailedBatchIsDropped(t *testing.T) {
	ch := openChannel(t, sim.Config{FailRate: 1}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r}

	item := newItem("cam", 1, time.Now(), 64, 64, &types.Policy{})
	item.Candidates = tracked(1)

	err := env.score(ch, []*types.WorkItem{item})
	require.Error(t, err)
	assert.Equal(t, sim.CodeBatchFailed, inference.Code(err))
	assert.Empty(t, r.get(Keypoint))

	err = env.detect(ch, []*types.WorkItem{item})
	assert.Equal(t, sim.CodeBatchFailed, inference.Code(err))
	assert.Empty(t, r.get(Track))
}

func TestKeypointCaptureLimit(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	clock := newFakeClock()
	env := &Env{Router: r, Capture: NewCaptureLimiter(CacheOptions{Now: clock.Now}, nil)}
	policy := &types.Policy{CaptureInterval: time.Second, CaptureFrames: 2}

	run := func(id uint64) {
		item := newItem("cam", id, clock.Now(), 64, 64, policy)
		item.Candidates = tracked(5)
		require.NoError(t, env.keypoint(ch, []*types.WorkItem{item}))
	}

	run(1)
	run(2)
	run(3)
	assert.Len(t, r.get(Align), 2, "third instance within the interval is rejected")

	clock.Advance(time.Second)
	assert.Equal(t, 1, env.Capture.Sweep())
	run(4)
	assert.Len(t, r.get(Align), 3, "interval reset allows the next capture")

	aligned := r.get(Align)[0]
	assert.Len(t, aligned.Candidates[0].Landmarks, 5)
}

func TestKeypointPoseRejectsBeforeCapture(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{
		Keypoints: func(img types.Image, c types.Candidate) types.Candidate {
			c.Pose = &types.Pose{Yaw: -40}
			return c
		},
	})
	r := newFakeRouter()
	env := &Env{Router: r, Capture: NewCaptureLimiter(CacheOptions{}, nil)}
	policy := &types.Policy{MaxYaw: 30, CaptureInterval: time.Second}

	item := newItem("cam", 1, time.Now(), 64, 64, policy)
	item.Candidates = tracked(5)
	require.NoError(t, env.keypoint(ch, []*types.WorkItem{item}))

	assert.Empty(t, r.get(Align))
	assert.Equal(t, 0, env.Capture.Len())
}

func TestAlignSplitsPerCandidate(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r}

	item := newItem("cam", 1, time.Now(), 640, 480, &types.Policy{})
	item.Candidates = tracked(1, 2)
	extracting := newItem("cam", 2, time.Now(), 640, 480, &types.Policy{Extract: true})
	extracting.Candidates = tracked(3, 4)

	require.NoError(t, env.align(ch, []*types.WorkItem{item, extracting}))

	emitted := r.emits()
	require.Len(t, emitted, 2)
	for i, e := range emitted {
		require.Len(t, e.Candidates, 1)
		assert.Equal(t, int64(i+1), e.Candidates[0].TrackID)
		require.NotNil(t, e.Candidates[0].Aligned)
		assert.Equal(t, sim.CropSize, e.Candidates[0].Aligned.Width())
		assert.Same(t, item.Frame, e.Frame)
	}
	assert.Len(t, r.get(Extract), 2)
	assert.Len(t, item.Candidates, 2, "the source item is left alone")
}

func TestAlignUsesAttributeCache(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r, Attributes: NewAttributeCache(16, time.Minute)}
	policy := &types.Policy{Attributes: types.AttrAge | types.AttrMask}

	first := newItem("cam", 1, time.Now(), 640, 480, policy)
	first.Candidates = tracked(1, 0)
	require.NoError(t, env.align(ch, []*types.WorkItem{first}))

	toAnalyze := r.get(Analyze)
	require.Len(t, toAnalyze, 2)
	require.NoError(t, env.analyze(ch, toAnalyze))
	require.Len(t, r.emits(), 2)
	assert.Equal(t, 30, r.emits()[0].Candidates[0].Attributes.Age)
	assert.Equal(t, float32(0.05), r.emits()[0].Candidates[0].Attributes.Mask)
	assert.Equal(t, 1, env.Attributes.Len(), "untracked candidates are not cached")

	second := newItem("cam", 2, time.Now(), 640, 480, policy)
	second.Candidates = tracked(1, 0)
	require.NoError(t, env.align(ch, []*types.WorkItem{second}))

	assert.Len(t, r.get(Analyze), 3, "only the untracked candidate is analysed again")
	emitted := r.emits()
	require.Len(t, emitted, 3)
	assert.Equal(t, 30, emitted[2].Candidates[0].Attributes.Age)

	env.Attributes.Forget("cam")
	assert.Equal(t, 0, env.Attributes.Len())
}

func TestAnalyzeGroupsByFlags(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r}

	mk := func(flags types.AttributeFlags) *types.WorkItem {
		it := newItem("cam", 1, time.Now(), 64, 64, &types.Policy{Attributes: flags})
		crop := types.NewHostImage(sim.CropSize, sim.CropSize, nil)
		it.Candidates = tracked(1)
		it.Candidates[0].Aligned = &crop
		return it
	}
	batch := []*types.WorkItem{mk(types.AttrAge), mk(types.AttrGlasses), mk(types.AttrAge)}
	require.NoError(t, env.analyze(ch, batch))

	assert.Equal(t, []types.AttributeFlags{types.AttrAge, types.AttrGlasses}, ch.analyzeFlags)
	emitted := r.emits()
	require.Len(t, emitted, 3)
	assert.Equal(t, float32(0.1), batch[1].Candidates[0].Attributes.Glasses)
	assert.Equal(t, 0, batch[1].Candidates[0].Attributes.Age)
}

func TestAlignHoldsBestShot(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	clock := newFakeClock()
	env := &Env{Router: r}
	env.BestShot = NewSelector(CacheOptions{Now: clock.Now}, env.finish, nil)
	policy := &types.Policy{BestShotWindow: time.Second}

	item := newItem("cam", 1, clock.Now(), 640, 480, policy)
	item.Candidates = tracked(3, 0)
	require.NoError(t, env.align(ch, []*types.WorkItem{item}))

	require.Len(t, r.emits(), 1, "untracked candidate skips selection")
	assert.Equal(t, 1, env.BestShot.Len())

	clock.Advance(time.Second)
	assert.Equal(t, 1, env.BestShot.Sweep())
	emitted := r.emits()
	require.Len(t, emitted, 2)
	assert.Equal(t, int64(3), emitted[1].Candidates[0].TrackID)
}

func TestExtractAttachesFeatures(t *testing.T) {
	ch := openChannel(t, sim.Config{}, sim.Hooks{})
	r := newFakeRouter()
	env := &Env{Router: r}

	item := newItem("cam", 1, time.Now(), 640, 480, &types.Policy{Extract: true})
	crop := types.NewHostImage(sim.CropSize, sim.CropSize, nil)
	item.Candidates = tracked(1)
	item.Candidates[0].Aligned = &crop

	require.NoError(t, env.extract(ch, []*types.WorkItem{item}))

	require.Len(t, r.emits(), 1)
	c := item.Candidates[0]
	assert.Equal(t, []byte("112x112"), c.Feature)
	assert.Equal(t, 30, c.Attributes.Age)
	assert.Equal(t, 1, c.Attributes.Gender)
}

func TestNewEnvWiresCaches(t *testing.T) {
	r := newFakeRouter()
	env := NewEnv(r, nil, EnvConfig{Cache: CacheOptions{PollInterval: 5 * time.Millisecond}})
	require.NotNil(t, env.Capture)
	require.NotNil(t, env.BestShot)
	require.NotNil(t, env.Attributes)

	env.Start()
	defer env.Stop()

	item := newItem("cam", 1, time.Now(), 64, 64, &types.Policy{BestShotWindow: 20 * time.Millisecond})
	item.Candidates = tracked(4)
	env.afterAttributes(item)

	assert.Eventually(t, func() bool { return len(r.emits()) == 1 }, time.Second, 5*time.Millisecond,
		"background sweep delivers the held instance")

	require.True(t, env.Capture.Allow("cam", 4, &types.Policy{CaptureInterval: time.Minute}))
	env.Forget("cam")
	assert.Equal(t, 0, env.Capture.Len())
}
