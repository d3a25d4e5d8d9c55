package stage

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ChuLiYu/frameflow/pkg/types"
)

type attributeKey struct {
	source types.SourceID
	track  int64
	flags  types.AttributeFlags
}

// AttributeCache remembers attribute results per tracked candidate so a
// track is analysed once per TTL instead of once per frame.
type AttributeCache struct {
	lru *expirable.LRU[attributeKey, types.Attributes]
}

// Defaults for NewAttributeCache.
const (
	DefaultAttributeCacheSize = 1024
	DefaultAttributeCacheTTL  = 30 * time.Second
)

// NewAttributeCache creates a cache of at most size entries living ttl.
func NewAttributeCache(size int, ttl time.Duration) *AttributeCache {
	if size <= 0 {
		size = DefaultAttributeCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultAttributeCacheTTL
	}
	return &AttributeCache{lru: expirable.NewLRU[attributeKey, types.Attributes](size, nil, ttl)}
}

// Get returns cached attributes. Untracked candidates always miss.
func (a *AttributeCache) Get(src types.SourceID, track int64, flags types.AttributeFlags) (types.Attributes, bool) {
	if a == nil || track == 0 {
		return types.Attributes{}, false
	}
	return a.lru.Get(attributeKey{source: src, track: track, flags: flags})
}

// Put stores attributes of a tracked candidate.
func (a *AttributeCache) Put(src types.SourceID, track int64, flags types.AttributeFlags, attrs types.Attributes) {
	if a == nil || track == 0 {
		return
	}
	a.lru.Add(attributeKey{source: src, track: track, flags: flags}, attrs)
}

// Forget drops every entry of a source.
func (a *AttributeCache) Forget(src types.SourceID) {
	if a == nil {
		return
	}
	for _, k := range a.lru.Keys() {
		if k.source == src {
			a.lru.Remove(k)
		}
	}
}

// Len returns the number of cached entries.
func (a *AttributeCache) Len() int { return a.lru.Len() }
