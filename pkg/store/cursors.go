package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitloop/minder/pkg/models"
)

// Cursors persists per-user processing cursors. A cursor is the highest
// platform message id durably ingested for the user and never regresses.
type Cursors struct {
	db *sqlx.DB
}

// NewCursors creates a cursor store.
func NewCursors(db *sqlx.DB) *Cursors {
	return &Cursors{db: db}
}

// Get returns the cursor for a user, zero-valued when absent.
func (s *Cursors) Get(ctx context.Context, userID string) (*models.ProcessingCursor, error) {
	var cur models.ProcessingCursor
	err := s.db.GetContext(ctx, &cur,
		`SELECT user_id, last_msg_id, updated_at FROM processing_cursors WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.ProcessingCursor{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &cur, nil
}

// GetBulk fetches cursors for many users in one round trip. Users without a
// cursor row are absent from the result map.
func (s *Cursors) GetBulk(ctx context.Context, userIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT user_id, last_msg_id FROM processing_cursors WHERE user_id IN (?)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build bulk cursor query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bulk-fetch cursors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		var lastMsgID int64
		if err := rows.Scan(&userID, &lastMsgID); err != nil {
			return nil, fmt.Errorf("failed to scan cursor row: %w", err)
		}
		out[userID] = lastMsgID
	}
	return out, rows.Err()
}

// Advance moves the cursor forward to msgID. The guard keeps the cursor
// monotonic: a smaller or equal id leaves the row untouched and returns nil,
// so out-of-order ingestion is allowed while the cursor never regresses.
func (s *Cursors) Advance(ctx context.Context, userID string, msgID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_cursors (user_id, last_msg_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		SET last_msg_id = EXCLUDED.last_msg_id, updated_at = now()
		WHERE processing_cursors.last_msg_id < EXCLUDED.last_msg_id`,
		userID, msgID)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// CompareAndSet moves the cursor from expected to next. Returns ErrConflict
// when the stored value no longer matches expected.
func (s *Cursors) CompareAndSet(ctx context.Context, userID string, expected, next int64) error {
	if next < expected {
		return NewValidationError("last_msg_id", "cursor may not regress")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_cursors SET last_msg_id = $3, updated_at = now()
		WHERE user_id = $1 AND last_msg_id = $2`, userID, expected, next)
	if err != nil {
		return fmt.Errorf("failed to compare-and-set cursor: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if expected == 0 {
			// First write for this user.
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO processing_cursors (user_id, last_msg_id, updated_at)
				VALUES ($1, $2, now()) ON CONFLICT (user_id) DO NOTHING`, userID, next)
			if err != nil {
				return fmt.Errorf("failed to insert cursor: %w", err)
			}
			return nil
		}
		return ErrConflict
	}
	return nil
}
