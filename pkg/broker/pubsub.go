package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ProtocolEvent is published whenever a user's quarantine protocol flips.
type ProtocolEvent struct {
	UserID string    `json:"user_id"`
	Active bool      `json:"active"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// PublishProtocolChanged notifies every instance of a protocol flip.
func (c *Client) PublishProtocolChanged(ctx context.Context, ev ProtocolEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode protocol event: %w", err)
	}
	if err := c.rdb.Publish(ctx, channelProtocolChanged, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish protocol event: %w", err)
	}
	return nil
}

// SubscribeProtocolChanged delivers protocol flips until ctx is cancelled.
// Malformed payloads are logged and skipped; the subscription survives.
func (c *Client) SubscribeProtocolChanged(ctx context.Context, logger *slog.Logger) (<-chan ProtocolEvent, error) {
	sub := c.rdb.Subscribe(ctx, channelProtocolChanged)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to protocol channel: %w", err)
	}

	out := make(chan ProtocolEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev ProtocolEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warn("Dropping malformed protocol event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
