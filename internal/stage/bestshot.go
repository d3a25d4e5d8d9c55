package stage

import (
	"github.com/ChuLiYu/frameflow/internal/metrics"
	"github.com/ChuLiYu/frameflow/internal/ttlcache"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// shot is the best instance of one track seen in the current window.
type shot struct {
	item       *types.WorkItem
	confidence float32
	fired      bool
}

const bestShotCache = "best_shot"

// Selector keeps only the highest-confidence instance of a track within
// Policy.BestShotWindow and hands it to deliver when the window closes.
//
//	first instance     → Add(src, track, interval, enter=window, leave=linger)
//	better instance    → replaces the held item
//	enter/interval/leave fire → deliver(held item), reset clears it
//
// With BestShotInterval zero a track is emitted once; later instances are
// ignored until the entry leaves. A positive interval emits the best of
// every interval while the track stays visible.
type Selector struct {
	cache   *ttlcache.Cache[types.SourceID, int64, shot]
	deliver func(*types.WorkItem)
}

// NewSelector creates the selector; Start runs its sweep.
func NewSelector(opts CacheOptions, deliver func(*types.WorkItem), m *metrics.Collector) *Selector {
	s := &Selector{deliver: deliver}
	s.cache = ttlcache.New(ttlcache.Options[types.SourceID, int64, shot]{
		PollInterval: opts.PollInterval,
		Now:          opts.Now,
		Reset:        func(shot) shot { return shot{fired: true} },
		OnFire: func(ev ttlcache.Event[types.SourceID, int64, shot]) {
			m.RecordCacheFired(bestShotCache, ev.Reason.String())
			if ev.Value.item != nil {
				s.deliver(ev.Value.item)
			}
		},
		OnSweep: func([]ttlcache.Event[types.SourceID, int64, shot]) {
			m.SetCacheEntries(bestShotCache, s.cache.Len())
		},
	})
	return s
}

// Holds reports whether item goes through best-shot selection. That needs
// a window in the policy and a tracked candidate. A nil selector holds
// nothing.
func (s *Selector) Holds(item *types.WorkItem) bool {
	if s == nil || item.Policy.BestShotWindow <= 0 || len(item.Candidates) != 1 {
		return false
	}
	return item.Candidates[0].TrackID != 0
}

// Offer submits an instance. The selector owns the item afterwards.
func (s *Selector) Offer(item *types.WorkItem) {
	p := item.Policy
	c := item.Candidates[0]

	linger := p.BestShotLinger
	if linger <= 0 {
		linger = 2 * p.BestShotWindow
		if 2*p.BestShotInterval > linger {
			linger = 2 * p.BestShotInterval
		}
	}

	s.cache.Upsert(item.Frame.Source, c.TrackID, p.BestShotInterval, p.BestShotWindow, linger, func(v *shot, exists bool) {
		if v.fired && p.BestShotInterval <= 0 {
			return
		}
		if v.item == nil || c.Confidence > v.confidence {
			v.item = item
			v.confidence = c.Confidence
		}
	})
}

// Forget drops every held instance of a source without emitting it.
func (s *Selector) Forget(src types.SourceID) {
	if s == nil {
		return
	}
	s.cache.RemoveGroup(src)
}

// Len returns the number of tracks being selected.
func (s *Selector) Len() int { return s.cache.Len() }

// Sweep runs one pass by hand.
func (s *Selector) Sweep() int { return s.cache.Sweep() }

func (s *Selector) Start() { s.cache.Start() }
func (s *Selector) Stop()  { s.cache.Stop() }
