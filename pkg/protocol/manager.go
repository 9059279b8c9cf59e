// Package protocol manages the per-user quarantine ("silence") switch that
// short-circuits intake, and the release path that feeds parked messages
// back into the pipeline.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/store"
)

// Routing decisions for inbound messages.
type Decision string

const (
	DecisionProcess    Decision = "process"
	DecisionQuarantine Decision = "quarantine"
)

const cacheTTL = 5 * time.Minute

// Manager owns protocol state with a TTL'd broker cache in front of the
// store. A single-flight guard keeps cache expiry from stampeding the
// store.
type Manager struct {
	stores *store.Stores
	broker *broker.Client
	sf     singleflight.Group
	logger *slog.Logger
}

// NewManager builds the manager.
func NewManager(stores *store.Stores, b *broker.Client, logger *slog.Logger) *Manager {
	return &Manager{
		stores: stores,
		broker: b,
		logger: logger.With("component", "protocol"),
	}
}

// Route decides whether a user's inbound message is processed or parked.
func (m *Manager) Route(ctx context.Context, userID string) (Decision, error) {
	active, err := m.IsActive(ctx, userID)
	if err != nil {
		return "", err
	}
	if active {
		return DecisionQuarantine, nil
	}
	return DecisionProcess, nil
}

// IsActive reads protocol state through the cache.
func (m *Manager) IsActive(ctx context.Context, userID string) (bool, error) {
	if active, hit := m.broker.CachedProtocolActive(ctx, userID); hit {
		return active, nil
	}
	v, err, _ := m.sf.Do(userID, func() (any, error) {
		st, err := m.stores.Protocol.Get(ctx, userID)
		if err != nil {
			return false, err
		}
		if err := m.broker.CacheProtocolActive(ctx, userID, st.Active, cacheTTL); err != nil {
			m.logger.Warn("Failed to cache protocol state", "user_id", userID, "error", err)
		}
		return st.Active, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Activate turns the protocol on, cancels the user's in-flight reviews, and
// notifies all instances.
func (m *Manager) Activate(ctx context.Context, userID, actor string) error {
	if err := m.stores.Protocol.Set(ctx, userID, true, actor); err != nil {
		return err
	}
	cancelled, err := m.stores.Interactions.CancelPendingForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel pending reviews: %w", err)
	}
	for _, id := range cancelled {
		if err := m.broker.RemoveReview(ctx, id); err != nil {
			m.logger.Warn("Failed to drop cancelled review from queue", "interaction_id", id, "error", err)
		}
	}
	m.afterFlip(ctx, userID, true, actor)
	m.logger.Info("Quarantine protocol activated",
		"user_id", userID,
		"actor", actor,
		"cancelled_reviews", len(cancelled))
	return nil
}

// Deactivate turns the protocol off; subsequent messages flow normally.
func (m *Manager) Deactivate(ctx context.Context, userID, actor string) error {
	if err := m.stores.Protocol.Set(ctx, userID, false, actor); err != nil {
		return err
	}
	m.afterFlip(ctx, userID, false, actor)
	m.logger.Info("Quarantine protocol deactivated", "user_id", userID, "actor", actor)
	return nil
}

func (m *Manager) afterFlip(ctx context.Context, userID string, active bool, actor string) {
	if err := m.broker.InvalidateProtocol(ctx, userID); err != nil {
		m.logger.Warn("Failed to invalidate protocol cache", "user_id", userID, "error", err)
	}
	ev := broker.ProtocolEvent{UserID: userID, Active: active, Actor: actor, At: time.Now().UTC()}
	if err := m.broker.PublishProtocolChanged(ctx, ev); err != nil {
		m.logger.Warn("Failed to publish protocol event", "user_id", userID, "error", err)
	}
}

// State returns the persisted protocol row.
func (m *Manager) State(ctx context.Context, userID string) (*models.ProtocolState, error) {
	return m.stores.Protocol.Get(ctx, userID)
}

// Quarantine parks a message for reviewer inspection.
func (m *Manager) Quarantine(ctx context.Context, userID string, platformMsgID int64, text string) (*models.QuarantineEntry, error) {
	entry, err := m.stores.Quarantine.Add(ctx, userID, platformMsgID, text)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Message quarantined", "user_id", userID, "platform_msg_id", platformMsgID)
	return entry, nil
}

// QuarantineQueue lists a user's parked messages in time order.
func (m *Manager) QuarantineQueue(ctx context.Context, userID string, limit int) ([]*models.QuarantineEntry, error) {
	return m.stores.Quarantine.ListForUser(ctx, userID, limit)
}

// Release feeds one parked entry back into the intake log. The quarantine
// row is removed first so the platform id never lives in two places.
func (m *Manager) Release(ctx context.Context, entryID string) error {
	entry, err := m.stores.Quarantine.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if err := m.stores.Quarantine.MarkReleased(ctx, entryID); err != nil {
		return err
	}
	err = m.broker.AppendIntake(ctx, &models.IntakeEntry{
		UserID:                 entry.UserID,
		PlatformMsgID:          entry.PlatformMsgID,
		Text:                   entry.Text,
		PlatformTS:             entry.QuarantinedAt,
		ReceivedAt:             time.Now().UTC(),
		ReleasedFromQuarantine: true,
	})
	if err != nil {
		return fmt.Errorf("failed to reinject released entry: %w", err)
	}
	m.logger.Info("Quarantine entry released",
		"entry_id", entryID,
		"user_id", entry.UserID,
		"platform_msg_id", entry.PlatformMsgID)
	return nil
}

// ReleaseRange bulk-releases a user's entries with platform ids in
// [fromID, toID]. Returns how many were released.
func (m *Manager) ReleaseRange(ctx context.Context, userID string, fromID, toID int64) (int, error) {
	entries, err := m.stores.Quarantine.ListForUser(ctx, userID, 1000)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, e := range entries {
		if e.PlatformMsgID < fromID || e.PlatformMsgID > toID {
			continue
		}
		if err := m.Release(ctx, e.ID); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// Purge soft-deletes all of a user's parked entries.
func (m *Manager) Purge(ctx context.Context, userID string) (int64, error) {
	return m.stores.Quarantine.Purge(ctx, userID)
}
