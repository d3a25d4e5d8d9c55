package stage

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// overflowReporter aggregates drop-oldest evictions and logs their total at
// most once per window.
type overflowReporter struct {
	stage     string
	threshold int
	limiter   *rate.Limiter
	pending   atomic.Int64
	total     atomic.Int64
}

func newOverflowReporter(stage string, threshold int, window time.Duration) *overflowReporter {
	return &overflowReporter{
		stage:     stage,
		threshold: threshold,
		limiter:   rate.NewLimiter(rate.Every(window), 1),
	}
}

// report records n evictions and returns true when a warning was logged.
func (o *overflowReporter) report(n int) bool {
	if n <= 0 {
		return false
	}
	o.pending.Add(int64(n))
	o.total.Add(int64(n))
	if !o.limiter.Allow() {
		return false
	}
	return o.flush()
}

// flush logs the evictions not reported yet, regardless of the window.
func (o *overflowReporter) flush() bool {
	dropped := o.pending.Swap(0)
	if dropped == 0 {
		return false
	}
	log.Warn("Queue over capacity, dropped oldest items",
		"stage", o.stage,
		"dropped", dropped,
		"total", o.total.Load(),
		"threshold", o.threshold)
	return true
}

// Total returns every eviction seen so far.
func (o *overflowReporter) Total() int64 { return o.total.Load() }
