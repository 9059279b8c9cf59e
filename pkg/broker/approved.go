package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DispatchJob is one approved interaction queued for outbound delivery.
type DispatchJob struct {
	InteractionID string    `json:"interaction_id"`
	UserID        string    `json:"user_id"`
	FinalBubbles  []string  `json:"final_bubbles"`
	ApprovedAt    time.Time `json:"approved_at"`
	// Attempts counts dispatch send retries across requeues.
	Attempts int `json:"attempts,omitempty"`
}

// PushApproved appends a job to the FIFO approved list.
func (c *Client) PushApproved(ctx context.Context, job *DispatchJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch job: %w", err)
	}
	if err := c.rdb.LPush(ctx, keyApproved, raw).Err(); err != nil {
		return fmt.Errorf("failed to push approved job: %w", err)
	}
	return nil
}

// PopApproved block-pops the oldest approved job. Returns ErrNoEntry when
// the timeout elapses with nothing to deliver.
func (c *Client) PopApproved(ctx context.Context, timeout time.Duration) (*DispatchJob, error) {
	res, err := c.rdb.BRPop(ctx, timeout, keyApproved).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop approved job: %w", err)
	}
	var job DispatchJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("corrupt dispatch job: %w", err)
	}
	return &job, nil
}

// ApprovedLen returns the outbound backlog depth.
func (c *Client) ApprovedLen(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, keyApproved).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read approved length: %w", err)
	}
	return n, nil
}
