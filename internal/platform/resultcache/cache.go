package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	DefaultTTL = time.Hour
	keyPrefix  = "ingest:result:"
)

// Entry is the terminal outcome of an ingestion request.
type Entry struct {
	Status     string          `json:"status"`
	JobID      int64           `json:"jobId"`
	StudyID    string          `json:"studyId"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Cache stores terminal outcomes keyed by request id.
type Cache interface {
	Put(ctx context.Context, requestID string, e Entry, ttl time.Duration) error
	Get(ctx context.Context, requestID string) (*Entry, bool, error)
	Delete(ctx context.Context, requestID string) error
	Ping(ctx context.Context) error
}

// cmdable is the part of *redis.Client the cache uses.
type cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisCache keeps entries as JSON strings with SET ... EX.
type RedisCache struct {
	client cmdable
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Put(ctx context.Context, requestID string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal result entry: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+requestID, data, ttl).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", requestID, err)
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, requestID string) (*Entry, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load result %s: %w", requestID, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode result %s: %w", requestID, err)
	}
	return &e, true, nil
}

func (r *RedisCache) Delete(ctx context.Context, requestID string) error {
	if err := r.client.Del(ctx, keyPrefix+requestID).Err(); err != nil {
		return fmt.Errorf("delete result %s: %w", requestID, err)
	}
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryCache is the single-process fallback used when no redis is
// configured. Expired entries are hidden on read and swept periodically.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryCache starts a sweeper that runs every interval (one minute if
// interval is not positive). Call Close to stop it.
func NewMemoryCache(interval time.Duration) *MemoryCache {
	if interval <= 0 {
		interval = time.Minute
	}
	m := &MemoryCache{
		entries: make(map[string]memoryEntry),
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go m.cleanupLoop(interval)
	return m
}

func (m *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryCache) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *MemoryCache) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

func (m *MemoryCache) Put(_ context.Context, requestID string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[requestID] = memoryEntry{entry: e, expiresAt: m.nowFunc().Add(ttl)}
	return nil
}

func (m *MemoryCache) Get(_ context.Context, requestID string) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	me, ok := m.entries[requestID]
	if !ok || !m.nowFunc().Before(me.expiresAt) {
		return nil, false, nil
	}
	e := me.entry
	return &e, true, nil
}

func (m *MemoryCache) Delete(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, requestID)
	return nil
}

func (m *MemoryCache) Ping(context.Context) error { return nil }

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
