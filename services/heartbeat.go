package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const heartbeatKey = "leadpilot:heartbeat"

// HeartbeatStore records when a human last showed signs of presence.
type HeartbeatStore interface {
	Beat(ctx context.Context, at time.Time) error
	LastBeat(ctx context.Context) (time.Time, bool, error)
}

// MemoryHeartbeat keeps the last beat in process memory.
type MemoryHeartbeat struct {
	mu   sync.RWMutex
	last time.Time
}

func NewMemoryHeartbeat() *MemoryHeartbeat {
	return &MemoryHeartbeat{}
}

func (m *MemoryHeartbeat) Beat(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.last) {
		m.last = at
	}
	return nil
}

func (m *MemoryHeartbeat) LastBeat(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, !m.last.IsZero(), nil
}

// RedisHeartbeat shares the heartbeat between the API and worker processes.
// The key expires after ttl, so a stale heartbeat disappears on its own.
type RedisHeartbeat struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisHeartbeat(client *redis.Client, ttl time.Duration) *RedisHeartbeat {
	return &RedisHeartbeat{client: client, ttl: ttl}
}

func (r *RedisHeartbeat) Beat(ctx context.Context, at time.Time) error {
	return r.client.Set(ctx, heartbeatKey, at.UnixMilli(), r.ttl).Err()
}

func (r *RedisHeartbeat) LastBeat(ctx context.Context) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, heartbeatKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// HeartbeatFresh reports whether the last beat is younger than maxAge.
func HeartbeatFresh(ctx context.Context, store HeartbeatStore, maxAge time.Duration, now time.Time) (bool, time.Duration, error) {
	last, ok, err := store.LastBeat(ctx)
	if err != nil || !ok {
		return false, 0, err
	}
	age := now.Sub(last)
	return age < maxAge, age, nil
}
