package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hitloop/minder/pkg/models"
)

// Quarantine persists messages intercepted by the silence protocol.
type Quarantine struct {
	db *sqlx.DB
}

// NewQuarantine creates a quarantine store.
func NewQuarantine(db *sqlx.DB) *Quarantine {
	return &Quarantine{db: db}
}

// Add parks a message. Duplicate (user, platform_msg_id) pairs surface as
// ErrDuplicate so callers can drop re-delivered events idempotently.
func (s *Quarantine) Add(ctx context.Context, userID string, platformMsgID int64, text string) (*models.QuarantineEntry, error) {
	entry := &models.QuarantineEntry{
		ID:            uuid.New().String(),
		UserID:        userID,
		PlatformMsgID: platformMsgID,
		Text:          text,
	}
	err := s.db.GetContext(ctx, entry, `
		INSERT INTO quarantine_entries (entry_id, user_id, platform_msg_id, text, quarantined_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING entry_id, user_id, platform_msg_id, text, quarantined_at, processed, released_at, deleted_at`,
		entry.ID, userID, platformMsgID, text)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to add quarantine entry: %w", err)
	}
	return entry, nil
}

// Get fetches one live entry.
func (s *Quarantine) Get(ctx context.Context, entryID string) (*models.QuarantineEntry, error) {
	var entry models.QuarantineEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT entry_id, user_id, platform_msg_id, text, quarantined_at, processed, released_at, deleted_at
		FROM quarantine_entries WHERE entry_id = $1 AND deleted_at IS NULL`, entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quarantine entry: %w", err)
	}
	return &entry, nil
}

// ListForUser returns live entries for a user in time order.
func (s *Quarantine) ListForUser(ctx context.Context, userID string, limit int) ([]*models.QuarantineEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*models.QuarantineEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT entry_id, user_id, platform_msg_id, text, quarantined_at, processed, released_at, deleted_at
		FROM quarantine_entries
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY quarantined_at ASC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine entries: %w", err)
	}
	return entries, nil
}

// MarkReleased flags an entry as fed back into the intake log. The row is
// deleted rather than kept: a platform id must live in at most one of
// intake log, quarantine, interaction store.
func (s *Quarantine) MarkReleased(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM quarantine_entries
		WHERE entry_id = $1 AND processed = FALSE AND deleted_at IS NULL`, entryID)
	if err != nil {
		return fmt.Errorf("failed to release quarantine entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge soft-deletes entries for a user; rows are retained 30 days for
// audit before physical cleanup.
func (s *Quarantine) Purge(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quarantine_entries SET deleted_at = now()
		WHERE user_id = $1 AND deleted_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge quarantine entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpired physically removes soft-deleted rows past the retention
// window. Run from a periodic cleanup task.
func (s *Quarantine) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM quarantine_entries
		WHERE deleted_at IS NOT NULL AND deleted_at < now() - INTERVAL '30 days'`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired quarantine entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
