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

// Interactions persists processed units and their review lifecycle.
type Interactions struct {
	db *sqlx.DB
}

// NewInteractions creates an interaction store.
func NewInteractions(db *sqlx.DB) *Interactions {
	return &Interactions{db: db}
}

// interactionRow is the flat scan target; JSONB columns come back as bytes.
type interactionRow struct {
	ID             string         `db:"interaction_id"`
	UserID         string         `db:"user_id"`
	PlatformMsgID  int64          `db:"platform_msg_id"`
	PlatformMsgIDs []byte         `db:"platform_msg_ids"`
	PlatformTS     time.Time      `db:"platform_ts"`
	ReceivedAt     time.Time      `db:"received_at"`
	UserText       string         `db:"user_text"`
	DraftText      string         `db:"draft_text"`
	Bubbles        []byte         `db:"bubbles"`
	Safety         []byte         `db:"safety"`
	Status         string         `db:"review_status"`
	ReviewerID     sql.NullString `db:"reviewer_id"`
	ReviewLatency  sql.NullInt64  `db:"review_latency_ms"`
	GenCost        []byte         `db:"generation_cost"`
	RefineCost     []byte         `db:"refine_cost"`
	IsRecovered    bool           `db:"is_recovered"`
	ReviewerNote   string         `db:"reviewer_note"`
	EditTags       []byte         `db:"edit_tags"`
	QualityScore   sql.NullInt64  `db:"quality_score"`
	FinalBubbles   []byte         `db:"final_bubbles"`
	Dispatch       string         `db:"dispatch_status"`
	CreatedAt      time.Time      `db:"created_at"`
	ClaimedAt      sql.NullTime   `db:"claimed_at"`
	ReviewedAt     sql.NullTime   `db:"reviewed_at"`
}

const interactionColumns = `interaction_id, user_id, platform_msg_id, platform_msg_ids,
	platform_ts, received_at, user_text, draft_text, bubbles, safety, review_status,
	reviewer_id, review_latency_ms, generation_cost, refine_cost, is_recovered,
	reviewer_note, edit_tags, quality_score, final_bubbles, dispatch_status,
	created_at, claimed_at, reviewed_at`

func (r *interactionRow) toModel() (*models.Interaction, error) {
	it := &models.Interaction{
		ID:            r.ID,
		UserID:        r.UserID,
		PlatformMsgID: r.PlatformMsgID,
		PlatformTS:    r.PlatformTS,
		ReceivedAt:    r.ReceivedAt,
		UserText:      r.UserText,
		DraftText:     r.DraftText,
		Status:        models.ReviewStatus(r.Status),
		IsRecovered:   r.IsRecovered,
		ReviewerNote:  r.ReviewerNote,
		Dispatch:      models.DispatchStatus(r.Dispatch),
		CreatedAt:     r.CreatedAt,
	}
	for raw, dst := range map[*[]byte]any{
		&r.PlatformMsgIDs: &it.PlatformMsgIDs,
		&r.Bubbles:        &it.Bubbles,
		&r.Safety:         &it.Safety,
		&r.GenCost:        &it.GenCost,
		&r.RefineCost:     &it.RefineCost,
		&r.EditTags:       &it.EditTags,
		&r.FinalBubbles:   &it.FinalBubbles,
	} {
		if len(*raw) == 0 {
			continue
		}
		if err := json.Unmarshal(*raw, dst); err != nil {
			return nil, fmt.Errorf("failed to decode interaction %s: %w", r.ID, err)
		}
	}
	if r.ReviewerID.Valid {
		it.ReviewerID = &r.ReviewerID.String
	}
	if r.ReviewLatency.Valid {
		it.ReviewLatency = &r.ReviewLatency.Int64
	}
	if r.QualityScore.Valid {
		q := int(r.QualityScore.Int64)
		it.QualityScore = &q
	}
	if r.ClaimedAt.Valid {
		it.ClaimedAt = &r.ClaimedAt.Time
	}
	if r.ReviewedAt.Valid {
		it.ReviewedAt = &r.ReviewedAt.Time
	}
	return it, nil
}

// Create inserts a freshly supervised interaction in pending state.
func (s *Interactions) Create(ctx context.Context, it *models.Interaction) error {
	msgIDs, _ := json.Marshal(it.PlatformMsgIDs)
	bubbles, _ := json.Marshal(it.Bubbles)
	safety, _ := json.Marshal(it.Safety)
	genCost, _ := json.Marshal(it.GenCost)
	refineCost, _ := json.Marshal(it.RefineCost)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (interaction_id, user_id, platform_msg_id, platform_msg_ids,
			platform_ts, received_at, user_text, draft_text, bubbles, safety,
			review_status, generation_cost, refine_cost, is_recovered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())`,
		it.ID, it.UserID, it.PlatformMsgID, msgIDs, it.PlatformTS, it.ReceivedAt,
		it.UserText, it.DraftText, bubbles, safety, models.StatusPending,
		genCost, refineCost, it.IsRecovered)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create interaction: %w", err)
	}
	return nil
}

// Get fetches one interaction.
func (s *Interactions) Get(ctx context.Context, id string) (*models.Interaction, error) {
	var row interactionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+interactionColumns+` FROM interactions WHERE interaction_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return row.toModel()
}

// ListPending returns pending interactions oldest-first, for queue rebuilds.
func (s *Interactions) ListPending(ctx context.Context, limit int) ([]*models.Interaction, error) {
	var rows []interactionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE review_status = 'pending' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending interactions: %w", err)
	}
	out := make([]*models.Interaction, 0, len(rows))
	for i := range rows {
		it, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// Claim transitions pending → claimed for the given reviewer. Claiming a row
// already claimed by the same reviewer is a no-op success; any other state
// returns ErrConflict.
func (s *Interactions) Claim(ctx context.Context, id, reviewerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions
		SET review_status = 'claimed', reviewer_id = $2, claimed_at = now()
		WHERE interaction_id = $1
		  AND (review_status = 'pending'
		       OR (review_status = 'claimed' AND reviewer_id = $2))`,
		id, reviewerID)
	if err != nil {
		return fmt.Errorf("failed to claim interaction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ApproveParams carries the reviewer's final decision.
type ApproveParams struct {
	ReviewerID   string
	FinalBubbles []string
	EditTags     []string
	QualityScore int
	Note         string
}

// Approve transitions pending/claimed → approved and records latency. A row
// claimed by a different reviewer cannot be approved.
func (s *Interactions) Approve(ctx context.Context, id string, p ApproveParams) (*models.Interaction, error) {
	if len(p.FinalBubbles) == 0 {
		return nil, NewValidationError("final_bubbles", "must be non-empty")
	}
	finalBubbles, _ := json.Marshal(p.FinalBubbles)
	editTags, _ := json.Marshal(p.EditTags)

	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions
		SET review_status = 'approved', reviewer_id = $2, final_bubbles = $3,
		    edit_tags = $4, quality_score = $5, reviewer_note = $6,
		    reviewed_at = now(),
		    review_latency_ms = (EXTRACT(EPOCH FROM (now() - created_at)) * 1000)::BIGINT
		WHERE interaction_id = $1
		  AND (review_status = 'pending'
		       OR (review_status = 'claimed' AND reviewer_id = $2))`,
		id, p.ReviewerID, finalBubbles, editTags, p.QualityScore, p.Note)
	if err != nil {
		return nil, fmt.Errorf("failed to approve interaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

// Reject transitions pending/claimed → rejected. The user receives nothing.
func (s *Interactions) Reject(ctx context.Context, id, reviewerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions
		SET review_status = 'rejected', reviewer_id = $2, reviewer_note = $3,
		    reviewed_at = now(),
		    review_latency_ms = (EXTRACT(EPOCH FROM (now() - created_at)) * 1000)::BIGINT
		WHERE interaction_id = $1
		  AND (review_status = 'pending'
		       OR (review_status = 'claimed' AND reviewer_id = $2))`,
		id, reviewerID, reason)
	if err != nil {
		return fmt.Errorf("failed to reject interaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// Cancel transitions pending/claimed → cancelled. Used when quarantine
// activates for the user mid-review.
func (s *Interactions) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET review_status = 'cancelled', reviewed_at = now()
		WHERE interaction_id = $1 AND review_status IN ('pending', 'claimed')`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel interaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// CancelPendingForUser cancels every reviewable interaction for a user and
// returns the cancelled ids. Invoked on quarantine activation.
func (s *Interactions) CancelPendingForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE interactions SET review_status = 'cancelled', reviewed_at = now()
		WHERE user_id = $1 AND review_status IN ('pending', 'claimed')
		RETURNING interaction_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel interactions for user: %w", err)
	}
	return ids, nil
}

// SetNote updates the reviewer note post-approval (audit trail).
func (s *Interactions) SetNote(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET reviewer_note = $2 WHERE interaction_id = $1`, id, note)
	if err != nil {
		return fmt.Errorf("failed to set reviewer note: %w", err)
	}
	return requireRow(res)
}

// SetDispatchStatus records the outcome of outbound delivery.
func (s *Interactions) SetDispatchStatus(ctx context.Context, id string, status models.DispatchStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET dispatch_status = $2 WHERE interaction_id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set dispatch status: %w", err)
	}
	return requireRow(res)
}

// ExistsPlatformMessage reports whether any of the given platform ids for
// the user already live in the interaction or quarantine tables. This backs
// both ingress dedupe and supervisor idempotence.
func (s *Interactions) ExistsPlatformMessage(ctx context.Context, userID string, platformMsgIDs []int64) (bool, error) {
	if len(platformMsgIDs) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(`
		SELECT EXISTS (
			SELECT 1 FROM interactions i, jsonb_array_elements(i.platform_msg_ids) AS e
			WHERE i.user_id = ? AND e::BIGINT IN (?)
		) OR EXISTS (
			SELECT 1 FROM quarantine_entries q
			WHERE q.user_id = ? AND q.platform_msg_id IN (?) AND q.deleted_at IS NULL
		)`, userID, platformMsgIDs, userID, platformMsgIDs)
	if err != nil {
		return false, fmt.Errorf("failed to build duplicate query: %w", err)
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, s.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("failed to check duplicate ingest: %w", err)
	}
	return exists, nil
}

func isUniqueViolation(err error) bool {
	// pgx surfaces SQLSTATE 23505 in the error text; checking the code
	// string avoids importing the pgconn error type everywhere.
	return err != nil && (containsSQLState(err, "23505"))
}

func containsSQLState(err error, state string) bool {
	type sqlStater interface{ SQLState() string }
	var st sqlStater
	if errors.As(err, &st) {
		return st.SQLState() == state
	}
	return false
}
