// internal/signal/dedup.go
package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers source transaction ids for a bounded window of time.
type Dedup interface {
	// Seen marks key and reports whether it was already marked inside the window.
	Seen(ctx context.Context, key string) (bool, error)
	// Forget drops the mark on key, so a signal that was never recorded can
	// be emitted again.
	Forget(ctx context.Context, key string) error
}

// MemoryDedup is a process-local dedup window. Entries are evicted by age,
// never by count.
type MemoryDedup struct {
	mu        sync.Mutex
	window    time.Duration
	seen      map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryDedup(window time.Duration) *MemoryDedup {
	return &MemoryDedup{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (m *MemoryDedup) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)
	if at, ok := m.seen[key]; ok && now.Sub(at) < m.window {
		return true, nil
	}
	m.seen[key] = now
	return false, nil
}

// Mark seeds the window, e.g. from a journal replay.
func (m *MemoryDedup) Mark(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.seen[key]; !ok || at.After(prev) {
		m.seen[key] = at
	}
}

func (m *MemoryDedup) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// Len returns the number of keys currently held.
func (m *MemoryDedup) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *MemoryDedup) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < m.window/4 {
		return
	}
	for key, at := range m.seen {
		if now.Sub(at) >= m.window {
			delete(m.seen, key)
		}
	}
	m.lastSweep = now
}

// RedisDedup shares the dedup window between processes using SET NX with a TTL.
type RedisDedup struct {
	rdb    *redis.Client
	window time.Duration
	prefix string
}

// RedisConfig holds connection parameters for the dedup store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisDedup connects and pings Redis.
func NewRedisDedup(ctx context.Context, cfg RedisConfig, window time.Duration) (*RedisDedup, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "copybot:seen:"
	}
	return &RedisDedup{rdb: rdb, window: window, prefix: prefix}, nil
}

func (r *RedisDedup) Seen(ctx context.Context, key string) (bool, error) {
	fresh, err := r.rdb.SetNX(ctx, r.prefix+key, 1, r.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", key, err)
	}
	return !fresh, nil
}

// Mark seeds the window without reporting.
func (r *RedisDedup) Mark(ctx context.Context, key string) error {
	return r.rdb.SetNX(ctx, r.prefix+key, 1, r.window).Err()
}

func (r *RedisDedup) Forget(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}

func (r *RedisDedup) Close() error {
	return r.rdb.Close()
}
