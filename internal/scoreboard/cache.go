package scoreboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cache stores computed standings keyed by contest id. Stale reads are
// acceptable for scoreboard display; lease decisions never go through
// this cache.
type Cache interface {
	Get(ctx context.Context, contestID int64) ([]Row, bool)
	Set(ctx context.Context, contestID int64, rows []Row)
	Del(ctx context.Context, contestID int64)
}

type nopCache struct{}

func (nopCache) Get(context.Context, int64) ([]Row, bool) { return nil, false }
func (nopCache) Set(context.Context, int64, []Row)        {}
func (nopCache) Del(context.Context, int64)               {}

// LocalCache is the process-local cache used by single-instance
// deployments and tests.
type LocalCache struct {
	mu sync.RWMutex
	m  map[int64][]Row
}

// NewLocalCache creates an empty local cache.
func NewLocalCache() *LocalCache {
	return &LocalCache{m: make(map[int64][]Row)}
}

func (c *LocalCache) Get(ctx context.Context, contestID int64) ([]Row, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rows, ok := c.m[contestID]
	return rows, ok
}

func (c *LocalCache) Set(ctx context.Context, contestID int64, rows []Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[contestID] = rows
}

func (c *LocalCache) Del(ctx context.Context, contestID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, contestID)
}

// RedisClient is the minimal Redis surface the scoreboard cache needs.
// The concrete go-redis adapter lives in cmd/courthouse wiring; the cache
// itself does not import a driver.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisCache shares standings between courthouse replicas behind a load
// balancer. Entries carry a TTL so an unnoticed invalidation heals.
type RedisCache struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache creates a Redis-backed scoreboard cache.
func NewRedisCache(client RedisClient, keyPrefix string, ttl time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "courthouse:scores:"
	}
	if ttl == 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (c *RedisCache) key(contestID int64) string {
	return fmt.Sprintf("%s%d", c.keyPrefix, contestID)
}

func (c *RedisCache) Get(ctx context.Context, contestID int64) ([]Row, bool) {
	data, err := c.client.Get(ctx, c.key(contestID))
	if err != nil {
		return nil, false
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		slog.Warn("scorecache: corrupt entry dropped", "contest_id", contestID, "error", err)
		_ = c.client.Del(ctx, c.key(contestID))
		return nil, false
	}
	return rows, true
}

func (c *RedisCache) Set(ctx context.Context, contestID int64, rows []Row) {
	data, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(contestID), data, c.ttl); err != nil {
		slog.Warn("scorecache: redis SET failed", "contest_id", contestID, "error", err)
	}
}

func (c *RedisCache) Del(ctx context.Context, contestID int64) {
	if err := c.client.Del(ctx, c.key(contestID)); err != nil {
		slog.Warn("scorecache: redis DEL failed", "contest_id", contestID, "error", err)
	}
}
