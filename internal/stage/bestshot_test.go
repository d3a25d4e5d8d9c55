package stage

import (
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/frameflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliveries struct {
	mu    sync.Mutex
	items []*types.WorkItem
}

func (d *deliveries) add(it *types.WorkItem) {
	d.mu.Lock()
	d.items = append(d.items, it)
	d.mu.Unlock()
}

func (d *deliveries) all() []*types.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.WorkItem(nil), d.items...)
}

func shotItem(clock *fakeClock, p *types.Policy, track int64, conf float32) *types.WorkItem {
	it := newItem("cam", 0, clock.Now(), 64, 64, p)
	it.Candidates = []types.Candidate{{TrackID: track, Confidence: conf}}
	return it
}

// TestSelectorKeepsBestWithinWindow: only the highest confidence instance
// is delivered, once, when the window closes
func TestSelectorKeepsBestWithinWindow(t *testing.T) {
	clock := newFakeClock()
	got := &deliveries{}
	s := NewSelector(CacheOptions{Now: clock.Now}, got.add, nil)
	p := &types.Policy{BestShotWindow: time.Second}

	s.Offer(shotItem(clock, p, 1, 0.5))
	best := shotItem(clock, p, 1, 0.9)
	s.Offer(best)
	s.Offer(shotItem(clock, p, 1, 0.7))

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 0, s.Sweep())

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, s.Sweep())
	require.Len(t, got.all(), 1)
	assert.Same(t, best, got.all()[0])

	// fired with no interval: later instances are ignored
	s.Offer(shotItem(clock, p, 1, 0.99))
	clock.Advance(time.Second)
	assert.Equal(t, 0, s.Sweep())

	// the entry leaves after the default linger without another delivery
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Len(t, got.all(), 1)
	assert.Equal(t, 0, s.Len())
}

func TestSelectorIntervalEmitsPeriodically(t *testing.T) {
	clock := newFakeClock()
	got := &deliveries{}
	s := NewSelector(CacheOptions{Now: clock.Now}, got.add, nil)
	p := &types.Policy{BestShotWindow: time.Second, BestShotInterval: 500 * time.Millisecond}

	s.Offer(shotItem(clock, p, 1, 0.5))
	clock.Advance(time.Second)
	assert.Equal(t, 1, s.Sweep())

	// nothing new seen: the interval fires with an empty slot
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, s.Sweep())
	assert.Len(t, got.all(), 1)

	next := shotItem(clock, p, 1, 0.6)
	s.Offer(next)
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, s.Sweep())
	require.Len(t, got.all(), 2)
	assert.Same(t, next, got.all()[1])
}

func TestSelectorLeaveDeliversHeldItem(t *testing.T) {
	clock := newFakeClock()
	got := &deliveries{}
	s := NewSelector(CacheOptions{Now: clock.Now}, got.add, nil)
	p := &types.Policy{BestShotWindow: 5 * time.Second, BestShotLinger: time.Second}

	held := shotItem(clock, p, 9, 0.8)
	s.Offer(held)
	clock.Advance(time.Second)
	assert.Equal(t, 1, s.Sweep())
	require.Len(t, got.all(), 1)
	assert.Same(t, held, got.all()[0])
	assert.Equal(t, 0, s.Len())
}

func TestSelectorTracksAreIndependent(t *testing.T) {
	clock := newFakeClock()
	got := &deliveries{}
	s := NewSelector(CacheOptions{Now: clock.Now}, got.add, nil)
	p := &types.Policy{BestShotWindow: time.Second}

	s.Offer(shotItem(clock, p, 1, 0.5))
	s.Offer(shotItem(clock, p, 2, 0.5))
	assert.Equal(t, 2, s.Len())

	s.Forget("cam")
	assert.Equal(t, 0, s.Len())
	clock.Advance(time.Second)
	assert.Equal(t, 0, s.Sweep())
	assert.Empty(t, got.all())
}

func TestSelectorHolds(t *testing.T) {
	clock := newFakeClock()
	s := NewSelector(CacheOptions{Now: clock.Now}, func(*types.WorkItem) {}, nil)
	windowed := &types.Policy{BestShotWindow: time.Second}

	assert.True(t, s.Holds(shotItem(clock, windowed, 1, 0.5)))
	assert.False(t, s.Holds(shotItem(clock, windowed, 0, 0.5)), "untracked")
	assert.False(t, s.Holds(shotItem(clock, &types.Policy{}, 1, 0.5)), "no window")

	var none *Selector
	assert.False(t, none.Holds(shotItem(clock, windowed, 1, 0.5)))
}

func TestCaptureLimiter(t *testing.T) {
	clock := newFakeClock()
	l := NewCaptureLimiter(CacheOptions{Now: clock.Now}, nil)
	p := &types.Policy{CaptureInterval: time.Second, CaptureFrames: 1, CaptureLinger: 3 * time.Second}

	assert.True(t, l.Allow("cam", 1, p))
	assert.False(t, l.Allow("cam", 1, p))
	assert.True(t, l.Allow("cam", 2, p), "tracks are limited separately")
	assert.True(t, l.Allow("cam2", 1, p), "sources are limited separately")
	assert.True(t, l.Allow("cam", 0, p), "untracked candidates are never limited")
	assert.True(t, l.Allow("cam", 1, &types.Policy{}), "no interval means no limit")

	l.Forget("cam")
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("cam", 1, p))

	var none *CaptureLimiter
	assert.True(t, none.Allow("cam", 1, p))
}

func TestCaptureLimiterLingerRemoves(t *testing.T) {
	clock := newFakeClock()
	l := NewCaptureLimiter(CacheOptions{Now: clock.Now}, nil)
	p := &types.Policy{CaptureInterval: 10 * time.Second, CaptureLinger: time.Second}

	require.True(t, l.Allow("cam", 1, p))
	clock.Advance(time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Len())
}

func TestOverflowReporterAggregates(t *testing.T) {
	o := newOverflowReporter("detect", 30, time.Hour)

	assert.False(t, o.report(0))
	assert.True(t, o.report(3), "first overflow is logged")
	assert.False(t, o.report(2), "inside the window only counts")
	assert.False(t, o.report(4))
	assert.Equal(t, int64(9), o.Total())
	assert.Equal(t, int64(6), o.pending.Load())

	assert.True(t, o.flush(), "tail inside the window is logged on flush")
	assert.Equal(t, int64(0), o.pending.Load())
	assert.False(t, o.flush())
	assert.Equal(t, int64(9), o.Total())
}
