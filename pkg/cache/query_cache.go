// Package cache keeps compiled statements so identical statements are only
// compiled once.
//
// Features:
//   - LRU eviction for bounded memory
//   - TTL expiration for stale entries
//   - Concurrent compiles of the same statement collapse into one
//   - Hit/miss statistics
//
// Usage:
//
//	c := cache.New[*pattern.Pattern](1000, 5*time.Minute)
//
//	p, err := c.GetOrCompile(c.Key(text, nil), func() (*pattern.Pattern, error) {
//		return pattern.Build(decl)
//	})
package cache

import (
	"container/list"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"
)

// Cache is a thread-safe LRU cache keyed by statement hash.
//
// The cache uses:
//   - Hash map for O(1) lookups
//   - Doubly-linked list for LRU ordering
//   - TTL for automatic expiration
//   - singleflight so a burst of misses on one key compiles once
type Cache[V any] struct {
	mu sync.Mutex

	// Configuration
	maxSize int
	ttl     time.Duration
	enabled atomic.Bool

	// LRU list and map
	list  *list.List
	items map[uint64]*list.Element

	group singleflight.Group

	// Statistics
	hits     atomic.Uint64
	misses   atomic.Uint64
	compiles atomic.Uint64
}

type entry[V any] struct {
	key       uint64
	value     V
	expiresAt time.Time
}

// New creates a cache.
//
// Parameters:
//   - maxSize: maximum number of entries (1000 when <= 0)
//   - ttl: time-to-live for entries (0 = no expiration)
func New[V any](maxSize int, ttl time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	c := &Cache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
	c.enabled.Store(true)
	return c
}

// Key hashes a statement together with the names of its parameters.
// Parameter values do not take part: a parameterized statement compiles to
// the same thing whatever the values are.
func (c *Cache[V]) Key(statement string, params map[string]any) uint64 {
	h := xxh3.New()
	h.WriteString(statement)
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		h.WriteString("\x00")
		h.WriteString(k)
	}
	return h.Sum64()
}

// Get returns a live entry and marks it most recently used.
func (c *Cache[V]) Get(key uint64) (V, bool) {
	var zero V
	if !c.enabled.Load() {
		c.misses.Add(1)
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		return zero, false
	}
	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Put stores value, evicting the least recently used entry when full.
func (c *Cache[V]) Put(key uint64, value V) {
	if !c.enabled.Load() {
		return
	}
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[V])
		e.value, e.expiresAt = value, expiresAt
		c.list.MoveToFront(elem)
		return
	}
	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
	}
	c.items[key] = c.list.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
}

// GetOrCompile returns the cached value for key, or runs compile and caches
// its result. Concurrent callers missing on the same key share one compile.
// Errors are returned to every waiting caller and are not cached.
func (c *Cache[V]) GetOrCompile(key uint64, compile func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		c.compiles.Add(1)
		v, err := compile()
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// peek reads without touching statistics or LRU order.
func (c *Cache[V]) peek(key uint64) (V, bool) {
	var zero V
	if !c.enabled.Load() {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Remove drops key.
func (c *Cache[V]) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear drops every entry. Statistics are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// Len returns the number of entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Stats holds cache statistics.
type Stats struct {
	Size     int
	MaxSize  int
	Hits     uint64
	Misses   uint64
	Compiles uint64
	HitRate  float64 // percent
}

// Stats returns a snapshot of the statistics.
func (c *Cache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:     c.Len(),
		MaxSize:  c.maxSize,
		Hits:     hits,
		Misses:   misses,
		Compiles: c.compiles.Load(),
		HitRate:  rate,
	}
}

// SetEnabled turns caching on or off. Disabling clears the cache.
func (c *Cache[V]) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	if !enabled {
		c.Clear()
	}
}

// removeElement must be called with mu held.
func (c *Cache[V]) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[V]).key)
}
