// Package ingress accepts platform events, routes them past the quarantine
// gate, and appends accepted messages to the intake log.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/protocol"
	"github.com/hitloop/minder/pkg/store"
)

// handleTTL keeps the outbound handle warm well past any realistic
// review-and-dispatch delay.
const handleTTL = 7 * 24 * time.Hour

// backpressureDelay is applied to appends while intake is above the high
// watermark.
const backpressureDelay = 250 * time.Millisecond

// MessageEvent is one inbound platform message.
type MessageEvent struct {
	UserID        string
	Nickname      string
	ChannelID     string
	PlatformMsgID int64
	Text          string
	PlatformTS    time.Time
}

// Stats counts event outcomes since process start.
type Stats struct {
	Appended    int64
	Quarantined int64
	Duplicates  int64
}

// Adapter is the ingress surface. One instance serves all events.
type Adapter struct {
	stores    *store.Stores
	broker    *broker.Client
	protocol  *protocol.Manager
	typingTTL time.Duration
	highWater int64
	logger    *slog.Logger

	appended    atomic.Int64
	quarantined atomic.Int64
	duplicates  atomic.Int64
}

// NewAdapter builds the ingress adapter.
func NewAdapter(stores *store.Stores, b *broker.Client, pm *protocol.Manager, typingTTL time.Duration, highWater int, logger *slog.Logger) *Adapter {
	return &Adapter{
		stores:    stores,
		broker:    b,
		protocol:  pm,
		typingTTL: typingTTL,
		highWater: int64(highWater),
		logger:    logger.With("component", "ingress"),
	}
}

// HandleMessage processes one new_message event: upsert the user, cache the
// outbound handle, route past the quarantine gate, and append to intake.
// Re-delivered events are dropped idempotently.
func (a *Adapter) HandleMessage(ctx context.Context, ev MessageEvent) error {
	if ev.UserID == "" || ev.PlatformMsgID == 0 {
		return store.NewValidationError("event", "user_id and platform_msg_id required")
	}

	if _, err := a.stores.Users.Upsert(ctx, ev.UserID, ev.Nickname); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	// Cache the reply handle now: later address resolution may fail even
	// when this message arrived fine.
	if ev.ChannelID != "" {
		if err := a.broker.CacheHandle(ctx, ev.UserID, ev.ChannelID, handleTTL); err != nil {
			a.logger.Warn("Failed to cache outbound handle", "user_id", ev.UserID, "error", err)
		}
	}

	dup, err := a.isDuplicate(ctx, ev)
	if err != nil {
		return err
	}
	if dup {
		a.duplicates.Add(1)
		a.logger.Debug("Dropping duplicate ingest",
			"user_id", ev.UserID, "platform_msg_id", ev.PlatformMsgID)
		return nil
	}

	decision, err := a.protocol.Route(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if decision == protocol.DecisionQuarantine {
		if _, err := a.protocol.Quarantine(ctx, ev.UserID, ev.PlatformMsgID, ev.Text); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				a.duplicates.Add(1)
				return nil
			}
			return err
		}
		a.quarantined.Add(1)
		return nil
	}

	a.applyBackpressure(ctx)

	if err := a.broker.AppendIntake(ctx, &models.IntakeEntry{
		UserID:        ev.UserID,
		PlatformMsgID: ev.PlatformMsgID,
		Text:          ev.Text,
		PlatformTS:    ev.PlatformTS,
		ReceivedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := a.stores.Cursors.Advance(ctx, ev.UserID, ev.PlatformMsgID); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	a.appended.Add(1)
	return nil
}

// HandleTyping updates the TTL'd typing flag. Never persisted.
func (a *Adapter) HandleTyping(ctx context.Context, userID string, active bool) error {
	if active {
		return a.broker.SetTyping(ctx, userID, a.typingTTL)
	}
	return a.broker.ClearTyping(ctx, userID)
}

// Stats returns outcome counters since process start.
func (a *Adapter) Stats() Stats {
	return Stats{
		Appended:    a.appended.Load(),
		Quarantined: a.quarantined.Load(),
		Duplicates:  a.duplicates.Load(),
	}
}

// isDuplicate checks the processing cursor first (covers everything already
// appended to intake), then the interaction and quarantine tables.
func (a *Adapter) isDuplicate(ctx context.Context, ev MessageEvent) (bool, error) {
	cursor, err := a.stores.Cursors.Get(ctx, ev.UserID)
	if err != nil {
		return false, err
	}
	if ev.PlatformMsgID <= cursor.LastMsgID {
		return true, nil
	}
	exists, err := a.stores.Interactions.ExistsPlatformMessage(ctx, ev.UserID, []int64{ev.PlatformMsgID})
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (a *Adapter) applyBackpressure(ctx context.Context) {
	depth, err := a.broker.IntakeLen(ctx)
	if err != nil || depth <= a.highWater {
		return
	}
	a.logger.Warn("Intake above high watermark, delaying append",
		"depth", depth, "watermark", a.highWater)
	select {
	case <-time.After(backpressureDelay):
	case <-ctx.Done():
	}
}
