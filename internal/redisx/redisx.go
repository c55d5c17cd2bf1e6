package redisx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key formats and TTLs shared by the checkout engine.
const (
	// Dedup for webhook deliveries: dedup:callback:{correlationID}:{resultCode}.
	KeyCallbackDedup = "dedup:callback:%s:%s"

	// Cross-replica sweeper lease.
	KeySweeperLease = "lease:reservation-sweeper"
)

var (
	TTLCallbackDedup = 48 * time.Hour
)

func CallbackDedupKey(correlationID, resultCode string) string {
	return fmt.Sprintf(KeyCallbackDedup, correlationID, resultCode)
}

// Deduper marks a key exactly once within a TTL. It is a fast-path in front
// of the authoritative terminal-state check, so a Redis outage degrades to
// "every delivery reaches the state machine", never to lost callbacks.
type Deduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (first bool, err error)
}

// Locker is a best-effort cross-replica lease; only the holder runs the
// sweep for that interval.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Client wraps go-redis behind both interfaces.
type Client struct {
	rdb *redis.Client
}

var (
	_ Deduper = (*Client)(nil)
	_ Locker  = (*Client)(nil)
)

func New(addr string) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, 1, ttl).Result()
}

func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, 1, ttl).Result()
}

func (c *Client) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Memory is the in-process stand-in used by tests and by deployments
// without Redis configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

var (
	_ Deduper = (*Memory)(nil)
	_ Locker  = (*Memory)(nil)
)

func NewMemoryClient() *Memory {
	return &Memory{entries: make(map[string]time.Time)}
}

func (m *Memory) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.entries[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.entries[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.MarkOnce(ctx, key, ttl)
}

func (m *Memory) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
