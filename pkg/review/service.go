package review

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/store"
)

// repriceInterval is how often queue priorities are recomputed so age keeps
// lifting stale items.
const repriceInterval = time.Minute

// editTagWhitelist is the closed set of reviewer edit tags.
var editTagWhitelist = map[string]bool{
	"TONE":      true,
	"FACTUAL":   true,
	"SAFETY":    true,
	"LENGTH":    true,
	"PERSONA":   true,
	"GRAMMAR":   true,
	"COHERENCE": true,
	"OTHER":     true,
}

// ApproveRequest is the reviewer's final verdict on an interaction.
type ApproveRequest struct {
	ReviewerID   string   `json:"reviewer_id" validate:"required"`
	FinalBubbles []string `json:"final_bubbles" validate:"required,min=1,max=10,dive,min=1,max=4096"`
	EditTags     []string `json:"edit_tags" validate:"max=20"`
	QualityScore int      `json:"quality_score" validate:"required,min=1,max=5"`
	Note         string   `json:"reviewer_notes" validate:"max=1000"`
}

// Service drives the review queue lifecycle: listing, claiming, verdicts,
// and the periodic reprice that keeps old items from starving.
type Service struct {
	stores   *store.Stores
	broker   *broker.Client
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds the review service.
func NewService(stores *store.Stores, b *broker.Client, logger *slog.Logger) *Service {
	return &Service{
		stores:   stores,
		broker:   b,
		validate: validator.New(),
		logger:   logger.With("component", "review"),
		now:      time.Now,
	}
}

// ListPending returns the queue head in priority order, hydrated with the
// interaction rows. Queue entries whose row vanished are pruned in passing.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*models.ReviewItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	queued, err := s.broker.ListReview(ctx, int64(limit))
	if err != nil {
		return nil, err
	}

	items := make([]*models.ReviewItem, 0, len(queued))
	for _, q := range queued {
		it, err := s.stores.Interactions.Get(ctx, q.InteractionID)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Pruning stale review queue entry", "interaction_id", q.InteractionID)
			if rmErr := s.broker.RemoveReview(ctx, q.InteractionID); rmErr != nil {
				s.logger.Warn("Failed to prune queue entry", "error", rmErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if it.Status != models.StatusPending && it.Status != models.StatusClaimed {
			// Terminal row still queued, likely a crash between store write
			// and queue removal.
			if rmErr := s.broker.RemoveReview(ctx, q.InteractionID); rmErr != nil {
				s.logger.Warn("Failed to prune settled queue entry", "error", rmErr)
			}
			continue
		}
		item := &models.ReviewItem{
			InteractionID: it.ID,
			UserID:        it.UserID,
			UserText:      it.UserText,
			Bubbles:       it.Bubbles,
			Priority:      q.Priority,
			Sequence:      q.Sequence,
			RiskScore:     it.Safety.RiskScore,
			SafetyFlags:   it.Safety.Flags,
			IsRecovered:   it.IsRecovered,
			CreatedAt:     it.CreatedAt,
		}
		if u, err := s.stores.Users.Get(ctx, it.UserID); err == nil {
			item.Nickname = u.Nickname
		}
		items = append(items, item)
	}
	return items, nil
}

// Claim marks an interaction as being reviewed.
func (s *Service) Claim(ctx context.Context, interactionID, reviewerID string) error {
	if reviewerID == "" {
		return store.NewValidationError("reviewer_id", "must be set")
	}
	return s.stores.Interactions.Claim(ctx, interactionID, reviewerID)
}

// Approve applies the reviewer's verdict: the interaction becomes approved,
// leaves the review queue, and its final bubbles join the dispatch backlog.
func (s *Service) Approve(ctx context.Context, interactionID string, req ApproveRequest) (*models.Interaction, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, store.NewValidationError("approve_request", err.Error())
	}
	for _, tag := range req.EditTags {
		if !editTagWhitelist[tag] {
			return nil, store.NewValidationError("edit_tags", fmt.Sprintf("unknown tag %q", tag))
		}
	}

	it, err := s.stores.Interactions.Approve(ctx, interactionID, store.ApproveParams{
		ReviewerID:   req.ReviewerID,
		FinalBubbles: req.FinalBubbles,
		EditTags:     req.EditTags,
		QualityScore: req.QualityScore,
		Note:         html.EscapeString(req.Note),
	})
	if err != nil {
		return nil, err
	}

	if err := s.broker.PushApproved(ctx, &broker.DispatchJob{
		InteractionID: it.ID,
		UserID:        it.UserID,
		FinalBubbles:  req.FinalBubbles,
		ApprovedAt:    s.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("approved but failed to queue dispatch: %w", err)
	}
	if err := s.broker.RemoveReview(ctx, interactionID); err != nil {
		s.logger.Warn("Failed to remove approved item from queue", "interaction_id", interactionID, "error", err)
	}

	s.logger.Info("Interaction approved",
		"interaction_id", it.ID,
		"reviewer_id", req.ReviewerID,
		"bubbles", len(req.FinalBubbles),
		"quality", req.QualityScore)
	return it, nil
}

// Reject drops the draft; the user receives nothing.
func (s *Service) Reject(ctx context.Context, interactionID, reviewerID, reason string) error {
	if reviewerID == "" {
		return store.NewValidationError("reviewer_id", "must be set")
	}
	if len(reason) > 1000 {
		return store.NewValidationError("reason", "must be at most 1000 chars")
	}
	if err := s.stores.Interactions.Reject(ctx, interactionID, reviewerID, html.EscapeString(reason)); err != nil {
		return err
	}
	if err := s.broker.RemoveReview(ctx, interactionID); err != nil {
		s.logger.Warn("Failed to remove rejected item from queue", "interaction_id", interactionID, "error", err)
	}
	s.logger.Info("Interaction rejected", "interaction_id", interactionID, "reviewer_id", reviewerID)
	return nil
}

// Cancel pulls an interaction out of review without a verdict, used when
// quarantine activates for its user.
func (s *Service) Cancel(ctx context.Context, interactionID string) error {
	if err := s.stores.Interactions.Cancel(ctx, interactionID); err != nil {
		return err
	}
	return s.broker.RemoveReview(ctx, interactionID)
}

// SetNote updates the reviewer note, allowed post-approval for audit.
func (s *Service) SetNote(ctx context.Context, interactionID, note string) error {
	if len(note) > 1000 {
		return store.NewValidationError("reviewer_notes", "must be at most 1000 chars")
	}
	return s.stores.Interactions.SetNote(ctx, interactionID, html.EscapeString(note))
}

// RunRepricer periodically recomputes queue priorities so the age term
// keeps rising. Sequence numbers are untouched, preserving FIFO ties.
func (s *Service) RunRepricer(ctx context.Context) {
	ticker := time.NewTicker(repriceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.repriceOnce(ctx); err != nil {
				s.logger.Error("Reprice sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) repriceOnce(ctx context.Context) error {
	queued, err := s.broker.ListReview(ctx, 1000)
	if err != nil {
		return err
	}
	now := s.now()
	for _, q := range queued {
		it, err := s.stores.Interactions.Get(ctx, q.InteractionID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var userValue float64
		if u, uerr := s.stores.Users.Get(ctx, it.UserID); uerr == nil {
			userValue = u.LifetimeValue
		}
		p := Priority(now.Sub(it.CreatedAt).Minutes(), userValue, it.Safety.RiskScore)
		if err := s.broker.UpdateReviewPriority(ctx, q.InteractionID, p); err != nil {
			s.logger.Warn("Failed to reprice queue item", "interaction_id", q.InteractionID, "error", err)
		}
	}
	return nil
}
