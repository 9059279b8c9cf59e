// Package broker implements minder's transient coordination state on Redis:
// the intake log, the prioritized review queue, the approved-outbound list,
// TTL'd caches and counters, and the protocol_changed pub/sub channel.
//
// Everything here is recoverable from the store except the intake log,
// which is the authoritative buffer between Ingress and the Supervisor.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Kept in one place so the janitor and tests agree with the
// producers.
const (
	keyIntake     = "intake"
	keyDeadLetter = "intake:dead-letter"
	keyReview     = "review_queue"
	keyReviewSeq  = "review_queue:seq"
	keyReviewMeta = "review_queue:meta"
	keyApproved   = "approved"

	processingPrefix = "processing:"
	bufferPrefix     = "buffer:"
	protocolPrefix   = "protocol:"
	typingPrefix     = "typing:"
	quotaPrefix      = "quota:"
	handlePrefix     = "handle:"
	userLockPrefix   = "lock:user:"
	memoryPrefix     = "memory:"

	channelProtocolChanged = "protocol_changed"
)

// Config holds broker connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// OpTimeout bounds each cache operation (CACHE_TIMEOUT_MS).
	OpTimeout time.Duration
}

// Client wraps the Redis connection.
type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// NewClient connects to Redis and verifies reachability.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &Client{rdb: rdb, opTimeout: opTimeout}, nil
}

// NewClientFromRedis wraps an existing connection (miniredis in tests).
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, opTimeout: time.Second}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the broker.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// opCtx bounds a single cache operation.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}
