package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conversation memory primitives. The memory manager owns the message
// format and the byte/length budgets; the broker only moves raw entries.

// MemoryAppend pushes a serialized message onto the user's history, trims
// the list to maxLen from the newest end, and refreshes the retention TTL.
func (c *Client) MemoryAppend(ctx context.Context, userID string, raw string, maxLen int64, ttl time.Duration) error {
	key := memoryPrefix + userID
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -maxLen, -1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append memory entry: %w", err)
	}
	return nil
}

// MemoryRange returns the user's history oldest-first.
func (c *Client) MemoryRange(ctx context.Context, userID string) ([]string, error) {
	out, err := c.rdb.LRange(ctx, memoryPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	return out, nil
}

// MemoryTrimOldest drops the n oldest entries, used when the byte budget
// forces compression beyond the length cap.
func (c *Client) MemoryTrimOldest(ctx context.Context, userID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := c.rdb.LTrim(ctx, memoryPrefix+userID, n, -1).Err(); err != nil {
		return fmt.Errorf("failed to trim memory: %w", err)
	}
	return nil
}

// SetMemorySummary stores the rolling compression summary for a user.
func (c *Client) SetMemorySummary(ctx context.Context, userID, summary string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, memoryPrefix+userID+":summary", summary, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set memory summary: %w", err)
	}
	return nil
}

// MemorySummary reads the rolling summary. Empty when none exists.
func (c *Client) MemorySummary(ctx context.Context, userID string) (string, error) {
	v, err := c.rdb.Get(ctx, memoryPrefix+userID+":summary").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read memory summary: %w", err)
	}
	return v, nil
}

// ForgetMemory erases all conversational state for a user.
func (c *Client) ForgetMemory(ctx context.Context, userID string) error {
	keys := []string{
		memoryPrefix + userID,
		memoryPrefix + userID + ":summary",
		bufferPrefix + userID,
		protocolPrefix + userID,
		typingPrefix + userID,
		handlePrefix + userID,
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to forget user state: %w", err)
	}
	return nil
}
