package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/frameflow/internal/inference"
	"github.com/ChuLiYu/frameflow/internal/inference/sim"
	"github.com/ChuLiYu/frameflow/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// fakeRouter records every hand-off instead of pushing to stages
type fakeRouter struct {
	mu        sync.Mutex
	forwarded map[Kind][]*types.WorkItem
	emitted   []*types.WorkItem
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{forwarded: make(map[Kind][]*types.WorkItem)}
}

func (r *fakeRouter) Forward(to Kind, items ...*types.WorkItem) {
	if len(items) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded[to] = append(r.forwarded[to], items...)
}

func (r *fakeRouter) Emit(item *types.WorkItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitted = append(r.emitted, item)
}

func (r *fakeRouter) get(k Kind) []*types.WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.WorkItem(nil), r.forwarded[k]...)
}

func (r *fakeRouter) emits() []*types.WorkItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.WorkItem(nil), r.emitted...)
}

// recordingChannel counts batch calls on top of a sim channel
type recordingChannel struct {
	inference.Channel
	mu           sync.Mutex
	detectSizes  []int
	analyzeFlags []types.AttributeFlags
}

func (c *recordingChannel) Detect(images []types.Image) ([][]types.Candidate, error) {
	c.mu.Lock()
	c.detectSizes = append(c.detectSizes, len(images))
	c.mu.Unlock()
	return c.Channel.Detect(images)
}

func (c *recordingChannel) Analyze(crops []types.Image, attrs types.AttributeFlags) ([]types.Attributes, error) {
	c.mu.Lock()
	c.analyzeFlags = append(c.analyzeFlags, attrs)
	c.mu.Unlock()
	return c.Channel.Analyze(crops, attrs)
}

func openChannel(t *testing.T, cfg sim.Config, hooks sim.Hooks) *recordingChannel {
	t.Helper()
	cfg.Seed = 1
	ch, err := sim.New(cfg, hooks).Open(context.Background(), inference.OpenOptions{Stage: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return &recordingChannel{Channel: ch}
}

func newItem(src types.SourceID, id uint64, ts time.Time, w, h int, p *types.Policy) *types.WorkItem {
	return &types.WorkItem{
		Frame: &types.Frame{
			Source:         src,
			ID:             id,
			Timestamp:      ts,
			Image:          types.NewHostImage(w, h, nil),
			NeedsDetection: true,
		},
		Policy: p,
	}
}

func tracked(ids ...int64) []types.Candidate {
	out := make([]types.Candidate, len(ids))
	for i, id := range ids {
		out[i] = types.Candidate{
			TrackID:    id,
			Box:        types.Rect{X: 10, Y: 10, W: 80, H: 80},
			Confidence: 0.9,
		}
	}
	return out
}
