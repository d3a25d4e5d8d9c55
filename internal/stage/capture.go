package stage

import (
	"time"

	"github.com/ChuLiYu/frameflow/internal/metrics"
	"github.com/ChuLiYu/frameflow/internal/ttlcache"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// CacheOptions tune the TTL caches of a pipeline.
type CacheOptions struct {
	PollInterval time.Duration
	Now          func() time.Time
}

type captureCount struct {
	frames int
}

// CaptureLimiter lets at most Policy.CaptureFrames instances of a track
// through per Policy.CaptureInterval. Entries are keyed by (source, track)
// and the per-interval reset zeroes the count.
type CaptureLimiter struct {
	cache   *ttlcache.Cache[types.SourceID, int64, captureCount]
	metrics *metrics.Collector
}

const captureCache = "capture"

// NewCaptureLimiter creates the limiter; Start runs its sweep.
func NewCaptureLimiter(opts CacheOptions, m *metrics.Collector) *CaptureLimiter {
	l := &CaptureLimiter{metrics: m}
	l.cache = ttlcache.New(ttlcache.Options[types.SourceID, int64, captureCount]{
		PollInterval: opts.PollInterval,
		Now:          opts.Now,
		Reset:        func(captureCount) captureCount { return captureCount{} },
		OnFire: func(ev ttlcache.Event[types.SourceID, int64, captureCount]) {
			m.RecordCacheFired(captureCache, ev.Reason.String())
		},
		OnSweep: func([]ttlcache.Event[types.SourceID, int64, captureCount]) {
			m.SetCacheEntries(captureCache, l.cache.Len())
		},
	})
	return l
}

// Allow reports whether the candidate may be captured now. Untracked
// candidates and policies without a capture interval are never limited.
// A nil limiter allows everything.
func (l *CaptureLimiter) Allow(src types.SourceID, track int64, p *types.Policy) bool {
	if l == nil || p.CaptureInterval <= 0 || track == 0 {
		return true
	}
	limit := p.CaptureFrames
	if limit <= 0 {
		limit = 1
	}
	linger := p.CaptureLinger
	if linger <= 0 {
		linger = 2 * p.CaptureInterval
	}

	allowed := false
	l.cache.Upsert(src, track, p.CaptureInterval, 0, linger, func(v *captureCount, exists bool) {
		if v.frames < limit {
			v.frames++
			allowed = true
		}
	})
	return allowed
}

// Forget drops every entry of a source.
func (l *CaptureLimiter) Forget(src types.SourceID) {
	if l == nil {
		return
	}
	l.cache.RemoveGroup(src)
}

// Len returns the number of tracked entries.
func (l *CaptureLimiter) Len() int { return l.cache.Len() }

// Sweep runs one pass by hand.
func (l *CaptureLimiter) Sweep() int { return l.cache.Sweep() }

func (l *CaptureLimiter) Start() { l.cache.Start() }
func (l *CaptureLimiter) Stop()  { l.cache.Stop() }
