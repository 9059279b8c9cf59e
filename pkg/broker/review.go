package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// QueuedReview is a review queue member with its ordering fields.
type QueuedReview struct {
	InteractionID string
	Priority      float64
	Sequence      int64
}

// EnqueueReview adds an interaction to the prioritized review queue and
// assigns it a monotonic sequence number. Re-enqueueing an existing member
// updates its priority but keeps the original sequence, so refreshes do not
// reset FIFO order among equals.
func (c *Client) EnqueueReview(ctx context.Context, interactionID string, priority float64) (int64, error) {
	seqField := interactionID
	existing, err := c.rdb.HGet(ctx, keyReviewMeta, seqField).Result()
	var seq int64
	switch {
	case err == nil:
		seq, err = strconv.ParseInt(existing, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt review sequence for %s: %w", interactionID, err)
		}
	case errors.Is(err, redis.Nil):
		seq, err = c.rdb.Incr(ctx, keyReviewSeq).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate review sequence: %w", err)
		}
		if err := c.rdb.HSet(ctx, keyReviewMeta, seqField, seq).Err(); err != nil {
			return 0, fmt.Errorf("failed to record review sequence: %w", err)
		}
	default:
		return 0, fmt.Errorf("failed to read review sequence: %w", err)
	}

	if err := c.rdb.ZAdd(ctx, keyReview, redis.Z{Score: priority, Member: interactionID}).Err(); err != nil {
		return 0, fmt.Errorf("failed to enqueue review item: %w", err)
	}
	return seq, nil
}

// UpdateReviewPriority rescores an existing member. Missing members are
// added, which is harmless: the store is the source of truth for what is
// actually pending.
func (c *Client) UpdateReviewPriority(ctx context.Context, interactionID string, priority float64) error {
	if err := c.rdb.ZAdd(ctx, keyReview, redis.Z{Score: priority, Member: interactionID}).Err(); err != nil {
		return fmt.Errorf("failed to update review priority: %w", err)
	}
	return nil
}

// RemoveReview drops an interaction from the queue after a terminal review
// action (approve, reject, cancel).
func (c *Client) RemoveReview(ctx context.Context, interactionID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, keyReview, interactionID)
	pipe.HDel(ctx, keyReviewMeta, interactionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove review item: %w", err)
	}
	return nil
}

// ListReview returns queue members ordered by priority descending, ties
// broken by ascending sequence (strict FIFO among equal priorities).
func (c *Client) ListReview(ctx context.Context, limit int64) ([]QueuedReview, error) {
	if limit <= 0 {
		limit = 50
	}
	zs, err := c.rdb.ZRevRangeWithScores(ctx, keyReview, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i] = z.Member.(string)
	}
	seqs, err := c.rdb.HMGet(ctx, keyReviewMeta, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read review sequences: %w", err)
	}

	out := make([]QueuedReview, len(zs))
	for i, z := range zs {
		var seq int64
		if s, ok := seqs[i].(string); ok {
			seq, _ = strconv.ParseInt(s, 10, 64)
		}
		out[i] = QueuedReview{
			InteractionID: ids[i],
			Priority:      z.Score,
			Sequence:      seq,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// ReviewQueueLen returns the number of pending review items.
func (c *Client) ReviewQueueLen(ctx context.Context) (int64, error) {
	n, err := c.rdb.ZCard(ctx, keyReview).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read review queue length: %w", err)
	}
	return n, nil
}
