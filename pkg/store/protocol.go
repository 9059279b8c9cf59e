package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hitloop/minder/pkg/models"
)

// Protocol persists per-user quarantine protocol state.
type Protocol struct {
	db *sqlx.DB
}

// NewProtocol creates a protocol state store.
func NewProtocol(db *sqlx.DB) *Protocol {
	return &Protocol{db: db}
}

// Get returns the protocol row for a user; inactive when absent.
func (s *Protocol) Get(ctx context.Context, userID string) (*models.ProtocolState, error) {
	var st models.ProtocolState
	err := s.db.GetContext(ctx, &st, `
		SELECT user_id, active, last_changed_at, actor
		FROM protocol_states WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.ProtocolState{UserID: userID, Active: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get protocol state: %w", err)
	}
	return &st, nil
}

// Set writes the protocol state for a user.
func (s *Protocol) Set(ctx context.Context, userID string, active bool, actor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protocol_states (user_id, active, last_changed_at, actor)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (user_id) DO UPDATE
		SET active = EXCLUDED.active, last_changed_at = now(), actor = EXCLUDED.actor`,
		userID, active, actor)
	if err != nil {
		return fmt.Errorf("failed to set protocol state: %w", err)
	}
	return nil
}
