package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hitloop/minder/pkg/models"
)

// Commitments persists persona promises extracted by coherence analysis.
type Commitments struct {
	db *sqlx.DB
}

// NewCommitments creates a commitment store.
func NewCommitments(db *sqlx.DB) *Commitments {
	return &Commitments{db: db}
}

// Add records a new active commitment.
func (s *Commitments) Add(ctx context.Context, userID, text string, targetTS time.Time) (*models.Commitment, error) {
	if text == "" {
		return nil, NewValidationError("text", "required")
	}
	c := &models.Commitment{
		ID:       uuid.New().String(),
		UserID:   userID,
		Text:     text,
		TargetTS: targetTS,
		Status:   models.CommitmentActive,
	}
	err := s.db.GetContext(ctx, c, `
		INSERT INTO commitments (commitment_id, user_id, text, target_ts, status, created_at)
		VALUES ($1, $2, $3, $4, 'active', now())
		RETURNING commitment_id, user_id, text, target_ts, status, created_at, deleted_at`,
		c.ID, userID, text, targetTS)
	if err != nil {
		return nil, fmt.Errorf("failed to add commitment: %w", err)
	}
	return c, nil
}

// ActiveWithin returns active commitments for a user whose target falls
// inside [now, now+window]. The coherence check uses a 7-day window.
func (s *Commitments) ActiveWithin(ctx context.Context, userID string, window time.Duration) ([]*models.Commitment, error) {
	var out []*models.Commitment
	err := s.db.SelectContext(ctx, &out, `
		SELECT commitment_id, user_id, text, target_ts, status, created_at, deleted_at
		FROM commitments
		WHERE user_id = $1 AND status = 'active' AND deleted_at IS NULL
		  AND target_ts >= now() AND target_ts <= now() + $2::INTERVAL
		ORDER BY target_ts ASC`,
		userID, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to list active commitments: %w", err)
	}
	return out, nil
}

// ExpireOverdue soft-deletes commitments whose target has passed, marking
// them expired. Returns the number touched.
func (s *Commitments) ExpireOverdue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commitments SET status = 'expired', deleted_at = now()
		WHERE status = 'active' AND deleted_at IS NULL AND target_ts < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire commitments: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkFulfilled flags a commitment as kept.
func (s *Commitments) MarkFulfilled(ctx context.Context, commitmentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commitments SET status = 'fulfilled'
		WHERE commitment_id = $1 AND status = 'active'`, commitmentID)
	if err != nil {
		return fmt.Errorf("failed to mark commitment fulfilled: %w", err)
	}
	return requireRow(res)
}
