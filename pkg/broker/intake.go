package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitloop/minder/pkg/models"
)

// ErrNoEntry is returned by blocking pops that time out empty.
var ErrNoEntry = errors.New("no intake entry available")

// AppendIntake pushes an entry onto the durable FIFO intake log.
func (c *Client) AppendIntake(ctx context.Context, entry *models.IntakeEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode intake entry: %w", err)
	}
	if err := c.rdb.LPush(ctx, keyIntake, raw).Err(); err != nil {
		return fmt.Errorf("failed to append intake entry: %w", err)
	}
	return nil
}

// RequeueIntake puts an entry back at the consuming end of the intake log
// so it is picked up next. Used for supervisor retries and janitor
// re-injection.
func (c *Client) RequeueIntake(ctx context.Context, entry *models.IntakeEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode intake entry: %w", err)
	}
	if err := c.rdb.RPush(ctx, keyIntake, raw).Err(); err != nil {
		return fmt.Errorf("failed to requeue intake entry: %w", err)
	}
	return nil
}

// IntakeLen returns the intake log depth, for backpressure checks.
func (c *Client) IntakeLen(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, keyIntake).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read intake length: %w", err)
	}
	return n, nil
}

// MoveToProcessing block-pops the oldest intake entry onto the worker's
// processing list (the BRPOPLPUSH two-step protocol). The raw payload is
// returned alongside the decoded entry so the caller can ack it later.
func (c *Client) MoveToProcessing(ctx context.Context, workerID string, timeout time.Duration) (*models.IntakeEntry, string, error) {
	raw, err := c.rdb.BLMove(ctx, keyIntake, processingPrefix+workerID, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNoEntry
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to move intake entry to processing: %w", err)
	}

	// Heartbeat for the janitor: a worker whose marker goes stale has its
	// processing list re-injected.
	c.rdb.Set(ctx, processingPrefix+workerID+":seen", time.Now().UTC().Format(time.RFC3339), 0)

	var entry models.IntakeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// Corrupt intake entries are fatal-class: park in dead-letter and
		// surface the error.
		_ = c.rdb.LPush(ctx, keyDeadLetter, raw).Err()
		_ = c.rdb.LRem(ctx, processingPrefix+workerID, 1, raw).Err()
		return nil, "", fmt.Errorf("corrupt intake entry: %w", err)
	}
	return &entry, raw, nil
}

// AckProcessing removes a consumed entry from the worker's processing list.
func (c *Client) AckProcessing(ctx context.Context, workerID, raw string) error {
	if err := c.rdb.LRem(ctx, processingPrefix+workerID, 1, raw).Err(); err != nil {
		return fmt.Errorf("failed to ack processing entry: %w", err)
	}
	return nil
}

// DeadLetter parks an entry that exhausted its retries, with the error
// recorded alongside.
func (c *Client) DeadLetter(ctx context.Context, entry *models.IntakeEntry, cause error) error {
	payload := struct {
		Entry *models.IntakeEntry `json:"entry"`
		Error string              `json:"error"`
		At    time.Time           `json:"at"`
	}{entry, cause.Error(), time.Now().UTC()}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter entry: %w", err)
	}
	if err := c.rdb.LPush(ctx, keyDeadLetter, raw).Err(); err != nil {
		return fmt.Errorf("failed to append dead-letter entry: %w", err)
	}
	return nil
}

// DeadLetters lists parked entries, newest first.
func (c *Client) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := c.rdb.LRange(ctx, keyDeadLetter, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return out, nil
}

// ReinjectStaleProcessing scans processing:* lists whose worker heartbeat
// is older than staleAfter and moves their entries back to the consuming
// end of intake. Returns the number of entries re-injected. Duplicates this
// may introduce are filtered by the Supervisor's idempotence check.
func (c *Client) ReinjectStaleProcessing(ctx context.Context, staleAfter time.Duration) (int, error) {
	var reinjected int
	iter := c.rdb.Scan(ctx, 0, processingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":seen") {
			continue
		}
		workerID := strings.TrimPrefix(key, processingPrefix)
		seen, err := c.rdb.Get(ctx, processingPrefix+workerID+":seen").Result()
		if err == nil {
			if ts, perr := time.Parse(time.RFC3339, seen); perr == nil && time.Since(ts) < staleAfter {
				continue
			}
		} else if !errors.Is(err, redis.Nil) {
			return reinjected, fmt.Errorf("failed to read worker heartbeat: %w", err)
		}

		for {
			// Consumers pop from the right, so the orphaned entries go to
			// the right end and run before anything newly appended.
			err := c.rdb.LMove(ctx, key, keyIntake, "RIGHT", "RIGHT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return reinjected, fmt.Errorf("failed to reinject processing entry: %w", err)
			}
			reinjected++
		}
	}
	if err := iter.Err(); err != nil {
		return reinjected, fmt.Errorf("failed to scan processing lists: %w", err)
	}
	return reinjected, nil
}
