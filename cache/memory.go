/*
Package cache holds read-through caches of encoded bill period documents.

PURPOSE:
  Bill period documents are read far more often than they change. The
  billing service reads through a billing.PeriodCache and every writer
  (generator, penalty refresher, payment recorder, reversal coordinator)
  invalidates the keys it touched after its commit. Invalidate also bumps
  the key's generation, and fills only land while the generation they
  started from is current.

BACKENDS:
  Memory: per-process map with a TTL
  Redis:  shared across processes; any Redis error is treated as a miss
  None:   billing.NopCache

A cache never holds authoritative state. Losing it only costs a store read.
*/
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hoa-billing/billing"
	"github.com/warp/hoa-billing/metrics"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"

	DefaultTTL = 5 * time.Minute
)

// entry is one cached value with its expiry.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process PeriodCache. Expired entries are dropped on read.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	gens    map[string]uint64
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithTTL sets how long entries live.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(m *Memory) { m.logger = logger }
}

// WithNow replaces the time source.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		gens:    make(map[string]uint64),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if ok && m.now().After(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	metrics.IncCacheLookup(BackendMemory, ok)
	if !ok {
		m.logger.Debug("bill cache miss", zap.String("key", key))
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Generation(_ context.Context, key string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[key], true
}

// SetIfGeneration stores a copy of value unless key was invalidated since gen was read.
func (m *Memory) SetIfGeneration(_ context.Context, key string, gen uint64, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[key] != gen {
		m.logger.Debug("bill cache fill dropped", zap.String("key", key))
		return
	}
	m.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: m.now().Add(m.ttl)}
}

func (m *Memory) Invalidate(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	m.gens[key]++
	m.logger.Debug("bill cache invalidated", zap.String("key", key))
}

// Len returns the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var _ billing.PeriodCache = (*Memory)(nil)
