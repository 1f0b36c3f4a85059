package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/drewdunne/labpulse/internal/logging"
)

// MemoryConfig configures a Memory cache.
type MemoryConfig struct {
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration // 0 disables the background sweep
}

// Memory is an in-process cache. At capacity the entry inserted longest ago is
// evicted; reads never change eviction order.
type Memory struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	logger  logrus.FieldLogger
	rec     recorder

	stop     chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock sets the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) MemoryOption {
	return func(m *Memory) { m.logger = logger }
}

// NewMemory creates a Memory cache and starts its sweeper.
func NewMemory(cfg MemoryConfig, opts ...MemoryOption) (*Memory, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	entries, err := lru.New[string, *Entry](cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}

	m := &Memory{
		entries: entries,
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		now:     time.Now,
		logger:  logging.Discard(),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.SweepInterval > 0 {
		go m.sweepLoop(cfg.SweepInterval)
	}
	return m, nil
}

// Get returns a copy of the stored value. Expired entries are removed.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Peek(key)
	if !ok {
		m.rec.miss(key)
		return nil, false
	}
	if e.Expired(m.now()) {
		m.entries.Remove(key)
		m.rec.miss(key)
		return nil, false
	}
	m.rec.hit(key)
	return append([]byte(nil), e.Value...), true
}

// Set stores a copy of value. Re-setting a key counts as a new insertion.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	// Remove first so an overwrite moves the key to the newest position.
	m.entries.Remove(key)
	if m.entries.Add(key, &Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}) {
		m.rec.evictions.Add(1)
	}
	m.rec.set(key)
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries.Remove(key) {
		m.rec.del(key)
	}
}

// Clear removes the keys matching pattern.
func (m *Memory) Clear(_ context.Context, pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pattern == "" {
		keys := m.entries.Keys()
		for _, key := range keys {
			m.rec.del(key)
		}
		m.entries.Purge()
		return len(keys)
	}

	match := NewMatcher(pattern)
	removed := 0
	for _, key := range m.entries.Keys() {
		if match(key) && m.entries.Remove(key) {
			m.rec.del(key)
			removed++
		}
	}
	return removed
}

// Sweep removes every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, key := range m.entries.Keys() {
		if e, ok := m.entries.Peek(key); ok && e.Expired(now) {
			m.entries.Remove(key)
			removed++
		}
	}
	return removed
}

func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.WithField("removed", n).Debug("swept expired cache entries")
			}
		case <-m.stop:
			return
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	return m.entries.Len()
}

// Stats returns the counters.
func (m *Memory) Stats() Stats {
	return m.rec.snapshot("memory", m.entries.Len(), m.maxSize)
}

// Close stops the sweeper.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
