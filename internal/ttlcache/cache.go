// ============================================================================
// Frameflow Grouped TTL Cache - Debounce, Rate Limit and Best-Shot Timers
// ============================================================================
//
// Package: internal/ttlcache
// File: cache.go
// Function: Keyed cache partitioned by group, with three timers per entry and
//           a single background sweep goroutine that fires typed callbacks
//
// Entry timers:
//   enterTimeout - fire once when the entry has existed this long
//   leaveTimeout - fire and remove when the entry was not accessed this long
//   interval     - fire periodically while the entry stays alive
//
// Sweep order (per entry, first match wins):
//   1. enterTimeout > 0 && now-timestamp  >= enterTimeout → fire, clear enter, reset
//   2. leaveTimeout > 0 && now-accessTime >= leaveTimeout → fire, remove
//   3. interval     > 0 && now-timestamp  >= interval     → fire, reset
//
//   "reset" means timestamp = now and value = Reset(value) when a reset hook
//   is configured. Callbacks receive the value as it was before the reset.
//
// Callbacks:
//   OnFire is called once per fired entry, OnSweep once per sweep with every
//   fired entry. Both run on the sweep goroutine after the lock is released,
//   so they may call back into the cache.
//
// ============================================================================

package ttlcache

import (
	"sync"
	"time"
)

// Reason says which timer fired.
type Reason int

const (
	ReasonEnter Reason = iota
	ReasonLeave
	ReasonInterval
)

func (r Reason) String() string {
	switch r {
	case ReasonEnter:
		return "enter"
	case ReasonLeave:
		return "leave"
	case ReasonInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Event describes one fired entry.
type Event[G, K comparable, V any] struct {
	Group  G
	Key    K
	Value  V
	Reason Reason
}

// Options configure a Cache. Every field is optional.
type Options[G, K comparable, V any] struct {
	PollInterval time.Duration // sweep period, default 50ms
	OnFire       func(Event[G, K, V])
	OnSweep      func([]Event[G, K, V])
	Reset        func(V) V
	Now          func() time.Time
}

type entry[V any] struct {
	value        V
	enterTimeout time.Duration
	interval     time.Duration
	leaveTimeout time.Duration
	accessTime   time.Time
	timestamp    time.Time
}

// Cache is safe for concurrent use.
type Cache[G, K comparable, V any] struct {
	mu     sync.Mutex
	groups map[G]map[K]*entry[V]
	opts   Options[G, K, V]

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

const defaultPollInterval = 50 * time.Millisecond

// New creates a cache. Call Start to run the sweep goroutine.
func New[G, K comparable, V any](opts Options[G, K, V]) *Cache[G, K, V] {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[G, K, V]{
		groups: make(map[G]map[K]*entry[V]),
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Find returns the value for (group, key) and marks the entry as accessed.
func (c *Cache[G, K, V]) Find(group G, key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(group, key)
	if e == nil {
		var zero V
		return zero, false
	}
	e.accessTime = c.opts.Now()
	return e.value, true
}

// Add inserts or overwrites the entry and restarts all of its timers.
func (c *Cache[G, K, V]) Add(group G, key K, value V, interval, enterTimeout, leaveTimeout time.Duration) {
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[group]
	if !ok {
		g = make(map[K]*entry[V])
		c.groups[group] = g
	}
	g[key] = &entry[V]{
		value:        value,
		enterTimeout: enterTimeout,
		interval:     interval,
		leaveTimeout: leaveTimeout,
		accessTime:   now,
		timestamp:    now,
	}
}

// Update replaces the value without touching the timer configuration.
// With touch set the interval/enter timestamp restarts as well.
func (c *Cache[G, K, V]) Update(group G, key K, value V, touch bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(group, key)
	if e == nil {
		return false
	}
	now := c.opts.Now()
	e.value = value
	e.accessTime = now
	if touch {
		e.timestamp = now
	}
	return true
}

// Modify applies fn to the stored value under the lock and marks the entry
// as accessed. fn must not block or call into the cache.
func (c *Cache[G, K, V]) Modify(group G, key K, fn func(v *V)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(group, key)
	if e == nil {
		return false
	}
	fn(&e.value)
	e.accessTime = c.opts.Now()
	return true
}

// Upsert runs fn on the stored value, creating the entry with the given
// timers when it does not exist. exists tells fn which case it is in.
// Timers of an existing entry are left alone; only accessTime moves.
func (c *Cache[G, K, V]) Upsert(group G, key K, interval, enterTimeout, leaveTimeout time.Duration, fn func(v *V, exists bool)) {
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookupLocked(group, key); e != nil {
		fn(&e.value, true)
		e.accessTime = now
		return
	}

	g, ok := c.groups[group]
	if !ok {
		g = make(map[K]*entry[V])
		c.groups[group] = g
	}
	e := &entry[V]{
		enterTimeout: enterTimeout,
		interval:     interval,
		leaveTimeout: leaveTimeout,
		accessTime:   now,
		timestamp:    now,
	}
	fn(&e.value, false)
	g[key] = e
}

// Remove deletes one entry without firing callbacks.
func (c *Cache[G, K, V]) Remove(group G, key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.groups[group]; ok {
		delete(g, key)
		if len(g) == 0 {
			delete(c.groups, group)
		}
	}
}

// RemoveGroup deletes every entry of a group without firing callbacks.
func (c *Cache[G, K, V]) RemoveGroup(group G) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, group)
}

// Len returns the number of entries across all groups.
func (c *Cache[G, K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, g := range c.groups {
		n += len(g)
	}
	return n
}

func (c *Cache[G, K, V]) lookupLocked(group G, key K) *entry[V] {
	g, ok := c.groups[group]
	if !ok {
		return nil
	}
	return g[key]
}

// Start runs the sweep goroutine. Calling Start twice is a no-op.
func (c *Cache[G, K, V]) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop ends the sweep goroutine and waits for it.
func (c *Cache[G, K, V]) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache[G, K, V]) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep runs one pass over all entries and fires callbacks. The sweep
// goroutine calls it every PollInterval; it is exported for callers that
// drive the cache by hand.
func (c *Cache[G, K, V]) Sweep() int {
	now := c.opts.Now()
	var fired []Event[G, K, V]

	c.mu.Lock()
	for group, g := range c.groups {
		for key, e := range g {
			switch {
			case e.enterTimeout > 0 && now.Sub(e.timestamp) >= e.enterTimeout:
				fired = append(fired, Event[G, K, V]{Group: group, Key: key, Value: e.value, Reason: ReasonEnter})
				e.enterTimeout = 0
				c.resetLocked(e, now)

			case e.leaveTimeout > 0 && now.Sub(e.accessTime) >= e.leaveTimeout:
				fired = append(fired, Event[G, K, V]{Group: group, Key: key, Value: e.value, Reason: ReasonLeave})
				delete(g, key)

			case e.interval > 0 && now.Sub(e.timestamp) >= e.interval:
				fired = append(fired, Event[G, K, V]{Group: group, Key: key, Value: e.value, Reason: ReasonInterval})
				c.resetLocked(e, now)
			}
		}
		if len(g) == 0 {
			delete(c.groups, group)
		}
	}
	c.mu.Unlock()

	if len(fired) == 0 {
		return 0
	}
	if c.opts.OnFire != nil {
		for _, ev := range fired {
			c.opts.OnFire(ev)
		}
	}
	if c.opts.OnSweep != nil {
		c.opts.OnSweep(fired)
	}
	return len(fired)
}

func (c *Cache[G, K, V]) resetLocked(e *entry[V], now time.Time) {
	e.timestamp = now
	if c.opts.Reset != nil {
		e.value = c.opts.Reset(e.value)
	}
}
