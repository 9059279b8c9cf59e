package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hitloop/minder/pkg/models"
)

// Coherence persists per-interaction coherence verdicts.
type Coherence struct {
	db *sqlx.DB
}

// NewCoherence creates a coherence record store.
func NewCoherence(db *sqlx.DB) *Coherence {
	return &Coherence{db: db}
}

// Record stores the verdict for an interaction.
func (s *Coherence) Record(ctx context.Context, rec *models.CoherenceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coherence_records (record_id, interaction_id, verdict, original_span, replacement_span, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		rec.ID, rec.InteractionID, string(rec.Verdict), rec.OriginalSpan, rec.ReplacementSpan)
	if err != nil {
		return fmt.Errorf("failed to record coherence verdict: %w", err)
	}
	return nil
}

// ForInteraction returns the verdicts recorded for an interaction.
func (s *Coherence) ForInteraction(ctx context.Context, interactionID string) ([]*models.CoherenceRecord, error) {
	var out []*models.CoherenceRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT record_id, interaction_id, verdict, original_span, replacement_span, created_at
		FROM coherence_records WHERE interaction_id = $1 ORDER BY created_at ASC`, interactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list coherence records: %w", err)
	}
	return out, nil
}
