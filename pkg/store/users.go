package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitloop/minder/pkg/models"
)

// Users persists platform contacts.
type Users struct {
	db *sqlx.DB
}

// NewUsers creates a user store.
func NewUsers(db *sqlx.DB) *Users {
	return &Users{db: db}
}

// Upsert inserts the user on first contact and refreshes the nickname on
// subsequent contacts. Customer status and lifetime value are reviewer-owned
// and never touched here.
func (s *Users) Upsert(ctx context.Context, userID, nickname string) (*models.User, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	var user models.User
	err := s.db.GetContext(ctx, &user, `
		INSERT INTO users (user_id, nickname, first_seen_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET nickname = CASE WHEN EXCLUDED.nickname <> '' THEN EXCLUDED.nickname ELSE users.nickname END,
		    updated_at = now()
		RETURNING user_id, nickname, customer_status, lifetime_value, first_seen_at, updated_at`,
		userID, nickname)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &user, nil
}

// Get fetches a user row.
func (s *Users) Get(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, `
		SELECT user_id, nickname, customer_status, lifetime_value, first_seen_at, updated_at
		FROM users WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SetNickname updates the display nickname.
func (s *Users) SetNickname(ctx context.Context, userID, nickname string) error {
	if nickname == "" {
		return NewValidationError("nickname", "required")
	}
	return s.update(ctx, userID, `UPDATE users SET nickname = $2, updated_at = now() WHERE user_id = $1`, nickname)
}

// SetCustomerStatus updates the reviewer-assigned customer label and value.
func (s *Users) SetCustomerStatus(ctx context.Context, userID, status string, lifetimeValue float64) error {
	if status == "" {
		return NewValidationError("customer_status", "required")
	}
	if lifetimeValue < 0 || lifetimeValue > 1 {
		return NewValidationError("lifetime_value", "must be within [0,1]")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET customer_status = $2, lifetime_value = $3, updated_at = now()
		WHERE user_id = $1`, userID, status, lifetimeValue)
	if err != nil {
		return fmt.Errorf("failed to update customer status: %w", err)
	}
	return requireRow(res)
}

// Erase removes a user and dependent rows (explicit erasure request only).
func (s *Users) Erase(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM coherence_records WHERE interaction_id IN (SELECT interaction_id FROM interactions WHERE user_id = $1)`,
		`DELETE FROM interactions WHERE user_id = $1`,
		`DELETE FROM quarantine_entries WHERE user_id = $1`,
		`DELETE FROM commitments WHERE user_id = $1`,
		`DELETE FROM protocol_states WHERE user_id = $1`,
		`DELETE FROM processing_cursors WHERE user_id = $1`,
		`DELETE FROM users WHERE user_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("failed to erase user: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Users) update(ctx context.Context, userID, query string, args ...any) error {
	allArgs := append([]any{userID}, args...)
	res, err := s.db.ExecContext(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
