// Package pool provides object pooling for row storage to reduce allocations.
//
// Pooling reuses allocated property maps and row slices instead of creating
// new ones for every row a plan produces, reducing GC pressure on scans that
// touch many entries.
//
// Pooled objects:
//   - Property maps (the backing storage of result rows)
//   - Typed slices (materialized result sets, aggregation buffers)
//
// Usage:
//
//	rows := pool.NewSlicePool[*result.Result](64)
//	buf := rows.Get()
//	buf = append(buf, row)
//	rows.Put(buf)
package pool

import (
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize is the largest capacity a pooled object may have and still be
	// returned to its pool
	MaxSize int
}

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled: true,
		MaxSize: 1000,
	}
)

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	configMu.Lock()
	globalConfig = config
	configMu.Unlock()
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig.Enabled
}

func current() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// =============================================================================
// Property map pool
// =============================================================================

var mapPool = sync.Pool{
	New: func() any {
		return make(map[string]any, 8)
	},
}

// GetMap returns an empty property map.
func GetMap() map[string]any {
	if !IsEnabled() {
		return make(map[string]any, 8)
	}
	return mapPool.Get().(map[string]any)
}

// PutMap clears m and returns it to the pool.
// Maps that grew beyond MaxSize entries are left for the GC.
func PutMap(m map[string]any) {
	cfg := current()
	if !cfg.Enabled || m == nil || len(m) > cfg.MaxSize {
		return
	}
	clear(m)
	mapPool.Put(m)
}

// =============================================================================
// Typed slice pools
// =============================================================================

// SlicePool pools slices of T with a fixed initial capacity.
type SlicePool[T any] struct {
	capacity int
	pool     sync.Pool
}

// NewSlicePool creates a pool whose fresh slices have the given capacity.
func NewSlicePool[T any](capacity int) *SlicePool[T] {
	p := &SlicePool[T]{capacity: capacity}
	p.pool.New = func() any {
		s := make([]T, 0, capacity)
		return &s
	}
	return p
}

// Get returns an empty slice.
func (p *SlicePool[T]) Get() []T {
	if !IsEnabled() {
		return make([]T, 0, p.capacity)
	}
	s := p.pool.Get().(*[]T)
	return (*s)[:0]
}

// Put zeroes s and returns it to the pool. Oversized slices are dropped.
func (p *SlicePool[T]) Put(s []T) {
	cfg := current()
	if !cfg.Enabled || s == nil || cap(s) > cfg.MaxSize {
		return
	}
	clear(s[:cap(s)])
	s = s[:0]
	p.pool.Put(&s)
}
