package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cooldown:"

// Tracker remembers upstreams that asked us to back off (HTTP 429/418 with
// Retry-After) so that later requests skip them until the window passes.
type Tracker interface {
	Active(ctx context.Context, key string) bool
	Start(ctx context.Context, key string, d time.Duration)
	Clear(ctx context.Context, key string)
}

// Redis is a Tracker backed by Redis key expiry.
type Redis struct {
	rdb *redis.Client
}

// New creates a Redis tracker and verifies the connection.
func New(redisURL, password string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Ping reports whether Redis answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Active returns true while key is cooling down. Redis errors fail open:
// an unreachable Redis never blocks an upstream.
func (r *Redis) Active(ctx context.Context, key string) bool {
	exists, err := r.rdb.Exists(ctx, keyPrefix+key).Result()
	return err == nil && exists > 0
}

// Start puts key into cooldown for d.
func (r *Redis) Start(ctx context.Context, key string, d time.Duration) {
	if d <= 0 {
		return
	}
	r.rdb.Set(ctx, keyPrefix+key, "1", d) //nolint:errcheck
}

// Clear ends a cooldown early.
func (r *Redis) Clear(ctx context.Context, key string) {
	r.rdb.Del(ctx, keyPrefix+key) //nolint:errcheck
}

// Memory is the in-process Tracker used when no Redis is configured.
type Memory struct {
	now   func() time.Time
	mu    sync.Mutex
	until map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, until: make(map[string]time.Time)}
}

func (m *Memory) Active(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.until[key]
	if !ok {
		return false
	}
	if !m.now().Before(u) {
		delete(m.until, key)
		return false
	}
	return true
}

func (m *Memory) Start(_ context.Context, key string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.until[key] = m.now().Add(d)
	m.mu.Unlock()
}

func (m *Memory) Clear(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.until, key)
	m.mu.Unlock()
}
