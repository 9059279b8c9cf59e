package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when a per-user lock is already taken.
var ErrLockHeld = errors.New("user lock held")

// SetTyping marks the user as actively typing for ttl. The debouncer
// extends its window while this flag is present.
func (c *Client) SetTyping(ctx context.Context, userID string, ttl time.Duration) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, typingPrefix+userID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set typing flag: %w", err)
	}
	return nil
}

// ClearTyping drops the typing flag when the platform reports the user
// stopped.
func (c *Client) ClearTyping(ctx context.Context, userID string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, typingPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to clear typing flag: %w", err)
	}
	return nil
}

// IsTyping reports whether the user's typing flag is live. Errors degrade
// to false: a missed typing hint only shortens a debounce window.
func (c *Client) IsTyping(ctx context.Context, userID string) bool {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, typingPrefix+userID).Result()
	return err == nil && n > 0
}

// CachedProtocolActive reads the quarantine-protocol cache entry. The
// second return reports a cache hit; on miss or error the caller falls
// back to the store.
func (c *Client) CachedProtocolActive(ctx context.Context, userID string) (bool, bool) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, protocolPrefix+userID).Result()
	if err != nil {
		return false, false
	}
	return v == "1", true
}

// CacheProtocolActive writes the protocol cache entry with ttl.
func (c *Client) CacheProtocolActive(ctx context.Context, userID string, active bool, ttl time.Duration) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	v := "0"
	if active {
		v = "1"
	}
	if err := c.rdb.Set(ctx, protocolPrefix+userID, v, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache protocol state: %w", err)
	}
	return nil
}

// InvalidateProtocol drops the cache entry so the next read hits the store.
func (c *Client) InvalidateProtocol(ctx context.Context, userID string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, protocolPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate protocol cache: %w", err)
	}
	return nil
}

// IncrQuota increments the daily token counter for a model and returns the
// new total. The key expires after 48h so stale days clean themselves up.
func (c *Client) IncrQuota(ctx context.Context, model string, day time.Time, tokens int64) (int64, error) {
	key := fmt.Sprintf("%s%s:%s", quotaPrefix, model, day.UTC().Format("20060102"))
	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, tokens)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment quota counter: %w", err)
	}
	return incr.Val(), nil
}

// Quota reads the current daily token count for a model.
func (c *Client) Quota(ctx context.Context, model string, day time.Time) (int64, error) {
	key := fmt.Sprintf("%s%s:%s", quotaPrefix, model, day.UTC().Format("20060102"))
	v, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota counter: %w", err)
	}
	return v, nil
}

// AcquireUserLock takes the per-user supervisor mutex. The TTL bounds how
// long a crashed worker can block its user. owner must be unique per worker
// so release cannot drop someone else's lock.
func (c *Client) AcquireUserLock(ctx context.Context, userID, owner string, ttl time.Duration) error {
	ok, err := c.rdb.SetNX(ctx, userLockPrefix+userID, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire user lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// ReleaseUserLock drops the mutex only if owner still holds it.
func (c *Client) ReleaseUserLock(ctx context.Context, userID, owner string) error {
	const script = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	if err := c.rdb.Eval(ctx, script, []string{userLockPrefix + userID}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release user lock: %w", err)
	}
	return nil
}

// CacheHandle stores the user's outbound platform handle.
func (c *Client) CacheHandle(ctx context.Context, userID, handle string, ttl time.Duration) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, handlePrefix+userID, handle, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache handle: %w", err)
	}
	return nil
}

// Handle reads the cached outbound handle. Empty on miss.
func (c *Client) Handle(ctx context.Context, userID string) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, handlePrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cached handle: %w", err)
	}
	return v, nil
}
