package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hitloop/minder/pkg/models"
)

// Recovery persists recovery operation rows.
type Recovery struct {
	db *sqlx.DB
}

// NewRecovery creates a recovery operation store.
func NewRecovery(db *sqlx.DB) *Recovery {
	return &Recovery{db: db}
}

type recoveryRow struct {
	ID           string       `db:"operation_id"`
	Trigger      string       `db:"trigger"`
	StartedAt    time.Time    `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
	Counts       []byte       `db:"counts"`
	UsersScanned int          `db:"users_scanned"`
	Errors       []byte       `db:"errors"`
	Status       string       `db:"status"`
}

func (r *recoveryRow) toModel() (*models.RecoveryOperation, error) {
	op := &models.RecoveryOperation{
		ID:           r.ID,
		Trigger:      models.RecoveryTrigger(r.Trigger),
		StartedAt:    r.StartedAt,
		UsersScanned: r.UsersScanned,
		Status:       models.RecoveryStatus(r.Status),
	}
	if r.FinishedAt.Valid {
		op.FinishedAt = &r.FinishedAt.Time
	}
	if len(r.Counts) > 0 {
		if err := json.Unmarshal(r.Counts, &op.Counts); err != nil {
			return nil, fmt.Errorf("failed to decode recovery counts: %w", err)
		}
	}
	if len(r.Errors) > 0 {
		if err := json.Unmarshal(r.Errors, &op.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode recovery errors: %w", err)
		}
	}
	return op, nil
}

// Begin inserts a running operation row.
func (s *Recovery) Begin(ctx context.Context, op *models.RecoveryOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_operations (operation_id, trigger, started_at, status)
		VALUES ($1, $2, now(), 'running')`, op.ID, string(op.Trigger))
	if err != nil {
		return fmt.Errorf("failed to begin recovery operation: %w", err)
	}
	return nil
}

// Finish writes the terminal state of an operation.
func (s *Recovery) Finish(ctx context.Context, op *models.RecoveryOperation) error {
	counts, _ := json.Marshal(op.Counts)
	errs, _ := json.Marshal(op.Errors)
	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_operations
		SET finished_at = now(), counts = $2, users_scanned = $3, errors = $4, status = $5
		WHERE operation_id = $1`,
		op.ID, counts, op.UsersScanned, errs, string(op.Status))
	if err != nil {
		return fmt.Errorf("failed to finish recovery operation: %w", err)
	}
	return requireRow(res)
}

// Latest returns the most recent operation, or ErrNotFound when none exist.
func (s *Recovery) Latest(ctx context.Context) (*models.RecoveryOperation, error) {
	var row recoveryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT operation_id, trigger, started_at, finished_at, counts, users_scanned, errors, status
		FROM recovery_operations ORDER BY started_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest recovery operation: %w", err)
	}
	return row.toModel()
}

// History returns past operations newest-first.
func (s *Recovery) History(ctx context.Context, limit int) ([]*models.RecoveryOperation, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []recoveryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT operation_id, trigger, started_at, finished_at, counts, users_scanned, errors, status
		FROM recovery_operations ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery operations: %w", err)
	}
	out := make([]*models.RecoveryOperation, 0, len(rows))
	for i := range rows {
		op, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}
