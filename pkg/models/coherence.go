package models

import "time"

// CommitmentStatus tracks a persona promise over time.
type CommitmentStatus string

const (
	CommitmentActive    CommitmentStatus = "active"
	CommitmentFulfilled CommitmentStatus = "fulfilled"
	CommitmentExpired   CommitmentStatus = "expired"
)

// Commitment is a short promise or schedule item extracted from persona
// output ("I'll text you after my exam"), used to catch contradictions in
// later drafts. Soft-deleted on expiry.
type Commitment struct {
	ID        string           `db:"commitment_id" json:"commitment_id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Text      string           `db:"text" json:"text"`
	TargetTS  time.Time        `db:"target_ts" json:"target_ts"`
	Status    CommitmentStatus `db:"status" json:"status"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	DeletedAt *time.Time       `db:"deleted_at" json:"-"`
}

// CoherenceVerdict is the analysis outcome for one draft.
type CoherenceVerdict string

const (
	CoherenceOK                   CoherenceVerdict = "ok"
	CoherenceAvailabilityConflict CoherenceVerdict = "availability_conflict"
	CoherenceIdentityConflict     CoherenceVerdict = "identity_conflict"
)

// CoherenceRecord stores the per-interaction coherence analysis.
type CoherenceRecord struct {
	ID              string           `db:"record_id" json:"record_id"`
	InteractionID   string           `db:"interaction_id" json:"interaction_id"`
	Verdict         CoherenceVerdict `db:"verdict" json:"verdict"`
	OriginalSpan    string           `db:"original_span" json:"original_span,omitempty"`
	ReplacementSpan string           `db:"replacement_span" json:"replacement_span,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}
