// Package supervisor runs the two-stage drafting pipeline: it consumes
// debounced processing units, generates and refines a persona reply, checks
// it for coherence against stored commitments, and parks the result in the
// human review queue. Nothing leaves this package toward the user; dispatch
// happens only after approval.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/llm"
	"github.com/hitloop/minder/pkg/memory"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/protocol"
	"github.com/hitloop/minder/pkg/review"
	"github.com/hitloop/minder/pkg/safety"
	"github.com/hitloop/minder/pkg/store"
)

const (
	// userLockTTL bounds how long a crashed worker can block a user.
	userLockTTL = 5 * time.Minute
	// lockPollInterval and lockPollAttempts bound the wait for a busy user
	// before the unit goes back to intake.
	lockPollInterval = 500 * time.Millisecond
	lockPollAttempts = 10
	// historyTurns is how many recent memory entries feed the generator.
	historyTurns = 6
	// maxBubbles caps refiner output; extras are folded into the last one.
	maxBubbles = 5
)

// errUserBusy signals that another worker holds the user's lock. The unit
// is requeued without consuming a retry attempt.
var errUserBusy = errors.New("user locked by another worker")

// Config tunes the supervisor pool.
type Config struct {
	// Workers is the number of concurrent pipeline goroutines.
	Workers int
	// RetryMax is how many times a failed unit's entries are requeued
	// before moving to the dead-letter list.
	RetryMax int
	// InstanceID identifies this process in lock ownership.
	InstanceID string
}

// Supervisor owns the drafting pipeline.
type Supervisor struct {
	cfg      Config
	stores   *store.Stores
	broker   *broker.Client
	router   *llm.Router
	memory   *memory.Manager
	safety   *safety.Filter
	protocol *protocol.Manager
	persona  *Persona
	variants *variantRotation
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New builds a supervisor. A nil persona falls back to the default.
func New(cfg Config, stores *store.Stores, b *broker.Client, router *llm.Router, mem *memory.Manager, filter *safety.Filter, proto *protocol.Manager, persona *Persona, logger *slog.Logger) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if persona == nil {
		persona = DefaultPersona()
	}
	return &Supervisor{
		cfg:      cfg,
		stores:   stores,
		broker:   b,
		router:   router,
		memory:   mem,
		safety:   filter,
		protocol: proto,
		persona:  persona,
		variants: newVariantRotation(),
		logger:   logger.With("component", "supervisor"),
		now:      time.Now,
	}
}

// Run consumes units until the channel closes or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, units <-chan *models.ProcessingUnit) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case unit, ok := <-units:
					if !ok {
						return
					}
					s.handle(ctx, unit)
				}
			}
		}()
	}
	wg.Wait()
}

// handle runs one unit through Process and applies the retry policy.
func (s *Supervisor) handle(ctx context.Context, unit *models.ProcessingUnit) {
	err := s.Process(ctx, unit)
	if err == nil {
		return
	}
	if errors.Is(err, errUserBusy) {
		s.logger.Debug("User busy, requeueing unit", "user_id", unit.UserID)
		s.requeueEntries(ctx, unit, false)
		return
	}
	if errors.Is(err, llm.ErrQuotaExhausted) {
		// Quota resets at midnight UTC; burning retry attempts on it would
		// dead-letter units that only need to wait.
		s.logger.Warn("Daily LLM quota exhausted, requeueing unit",
			"user_id", unit.UserID,
			"platform_msg_id", unit.PlatformMsgID)
		s.requeueEntries(ctx, unit, false)
		return
	}
	s.logger.Error("Pipeline failed",
		"user_id", unit.UserID,
		"platform_msg_id", unit.PlatformMsgID,
		"attempts", unit.Attempts,
		"error", err)
	s.requeueEntries(ctx, unit, true)
}

// requeueEntries puts the unit's original entries back on intake so the
// debouncer can rebuild the batch. countAttempt moves entries past
// RetryMax to the dead-letter list instead.
func (s *Supervisor) requeueEntries(ctx context.Context, unit *models.ProcessingUnit, countAttempt bool) {
	entries := unit.Entries
	if len(entries) == 0 {
		// Recovered legacy unit without entry detail; synthesize one.
		entries = []models.IntakeEntry{{
			UserID:        unit.UserID,
			PlatformMsgID: unit.PlatformMsgID,
			Text:          unit.CombinedText,
			PlatformTS:    unit.PlatformTS,
			ReceivedAt:    unit.ReceivedAt,
			IsRecovered:   unit.IsRecovered,
			Attempts:      unit.Attempts,
		}}
	}
	for i := range entries {
		e := entries[i]
		if countAttempt {
			e.Attempts = unit.Attempts + 1
		}
		if e.Attempts > s.cfg.RetryMax {
			if err := s.broker.DeadLetter(ctx, &e, fmt.Errorf("retries exhausted after %d attempts", e.Attempts)); err != nil {
				s.logger.Error("Failed to dead-letter entry",
					"user_id", e.UserID,
					"platform_msg_id", e.PlatformMsgID,
					"error", err)
			}
			continue
		}
		if err := s.broker.RequeueIntake(ctx, &e); err != nil {
			s.logger.Error("Failed to requeue entry",
				"user_id", e.UserID,
				"platform_msg_id", e.PlatformMsgID,
				"error", err)
		}
	}
}

// Process runs the full pipeline for one unit. Steps run strictly in
// order; any error before the interaction row exists leaves no trace, so
// a retry starts clean.
func (s *Supervisor) Process(ctx context.Context, unit *models.ProcessingUnit) error {
	// Step 1: idempotence. A janitor re-injection or double delivery may
	// hand us ids that already produced an interaction.
	exists, err := s.stores.Interactions.ExistsPlatformMessage(ctx, unit.UserID, unit.PlatformMsgIDs)
	if err != nil {
		return fmt.Errorf("idempotence check failed: %w", err)
	}
	if exists {
		s.logger.Info("Skipping already-processed unit",
			"user_id", unit.UserID,
			"platform_msg_id", unit.PlatformMsgID)
		return nil
	}

	// Step 2: quarantine protocol. Active means nothing reaches the LLM.
	active, err := s.protocol.IsActive(ctx, unit.UserID)
	if err != nil {
		return fmt.Errorf("protocol check failed: %w", err)
	}
	if active {
		s.quarantineUnit(ctx, unit)
		return nil
	}

	// Step 3: per-user serialization.
	if err := s.acquireLock(ctx, unit.UserID); err != nil {
		return err
	}
	defer func() {
		if err := s.broker.ReleaseUserLock(context.WithoutCancel(ctx), unit.UserID, s.cfg.InstanceID); err != nil {
			s.logger.Warn("Failed to release user lock", "user_id", unit.UserID, "error", err)
		}
	}()

	now := s.now()
	summary, err := s.memory.Summary(ctx, unit.UserID)
	if err != nil {
		s.logger.Warn("Failed to load memory summary", "user_id", unit.UserID, "error", err)
	}
	history, err := s.memory.Recent(ctx, unit.UserID, historyTurns)
	if err != nil {
		s.logger.Warn("Failed to load history", "user_id", unit.UserID, "error", err)
	}

	// Step 4: generation.
	personaBlock := s.variants.blockFor(s.persona, unit.UserID)
	genMsgs := buildGeneratorMessages(history, unit.CombinedText)
	genRes, err := s.router.Generate(ctx, s.buildGeneratorSystem(personaBlock, summary, unit, now), genMsgs)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	draft := genRes.Text

	// Step 5: coherence.
	commitments, err := s.stores.Commitments.ActiveWithin(ctx, unit.UserID, commitmentWindow)
	if err != nil {
		return fmt.Errorf("failed to load commitments: %w", err)
	}
	stablePrefix := refinerStablePrefix(personaBlock, summary)
	v, _, err := s.checkCoherence(ctx, stablePrefix, draft, commitments, now)
	if err != nil {
		return fmt.Errorf("coherence check failed: %w", err)
	}

	var extraFlags []string
	var verdicts []*models.CoherenceRecord
	switch v.Status {
	case string(models.CoherenceAvailabilityConflict):
		draft = applyAvailabilityFix(draft, v)
		verdicts = append(verdicts, recordFor(v))
	case string(models.CoherenceIdentityConflict):
		// Rotate the persona variant and regenerate once. A second
		// identity conflict is surfaced to the reviewer instead of
		// looping.
		variant := s.variants.rotate(s.persona, unit.UserID)
		s.logger.Warn("Identity conflict, rotating persona variant",
			"user_id", unit.UserID,
			"variant", variant)
		verdicts = append(verdicts, recordFor(v))
		personaBlock = s.variants.blockFor(s.persona, unit.UserID)
		genRes, err = s.router.Generate(ctx, s.buildGeneratorSystem(personaBlock, summary, unit, now), genMsgs)
		if err != nil {
			return fmt.Errorf("regeneration failed: %w", err)
		}
		draft = genRes.Text
		stablePrefix = refinerStablePrefix(personaBlock, summary)
		v2, _, err := s.checkCoherence(ctx, stablePrefix, draft, commitments, now)
		if err != nil {
			return fmt.Errorf("coherence recheck failed: %w", err)
		}
		switch v2.Status {
		case string(models.CoherenceAvailabilityConflict):
			draft = applyAvailabilityFix(draft, v2)
			verdicts = append(verdicts, recordFor(v2))
		case string(models.CoherenceIdentityConflict):
			extraFlags = append(extraFlags, "identity_loop_suspected")
			verdicts = append(verdicts, recordFor(v2))
		}
		v = v2
	}

	// Step 6: bubble formatting.
	refRes, err := s.router.Refine(ctx, stablePrefix, []llm.Message{
		{Role: llm.RoleUser, Content: draft},
	})
	if err != nil {
		return fmt.Errorf("refine failed: %w", err)
	}
	bubbles := clampBubbles(splitBubbles(refRes.Text))
	if len(bubbles) == 0 {
		bubbles = []string{draft}
	}

	ann := s.safety.AnalyzeAll(bubbles)
	ann.Flags = append(ann.Flags, extraFlags...)

	// Step 7: protocol re-check. The LLM calls take seconds; an operator
	// may have activated the protocol in the meantime, and nothing may
	// persist for a quarantined user.
	active, err = s.protocol.IsActive(ctx, unit.UserID)
	if err != nil {
		return fmt.Errorf("protocol recheck failed: %w", err)
	}
	if active {
		s.quarantineUnit(ctx, unit)
		return nil
	}

	it := &models.Interaction{
		ID:             uuid.New().String(),
		UserID:         unit.UserID,
		PlatformMsgID:  unit.PlatformMsgID,
		PlatformMsgIDs: unit.PlatformMsgIDs,
		PlatformTS:     unit.PlatformTS,
		ReceivedAt:     unit.ReceivedAt,
		UserText:       unit.CombinedText,
		DraftText:      draft,
		Bubbles:        bubbles,
		Safety:         ann,
		GenCost:        genRes.Cost,
		RefineCost:     refRes.Cost,
		IsRecovered:    unit.IsRecovered,
	}
	if err := s.stores.Interactions.Create(ctx, it); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.logger.Info("Interaction already exists, dropping unit",
				"user_id", unit.UserID,
				"platform_msg_id", unit.PlatformMsgID)
			return nil
		}
		return fmt.Errorf("failed to persist interaction: %w", err)
	}

	for _, rec := range verdicts {
		rec.InteractionID = it.ID
		if err := s.stores.Coherence.Record(ctx, rec); err != nil {
			s.logger.Warn("Failed to record coherence verdict", "interaction_id", it.ID, "error", err)
		}
	}
	s.persistNewCommitments(ctx, unit.UserID, v)

	priority := s.scorePriority(ctx, unit, ann, now)
	if _, err := s.broker.EnqueueReview(ctx, it.ID, priority); err != nil {
		return fmt.Errorf("failed to enqueue for review: %w", err)
	}

	// User text enters memory only after the interaction exists, so a
	// retried unit never double-appends.
	if err := s.memory.Append(ctx, unit.UserID, memory.RoleUser, unit.CombinedText); err != nil {
		s.logger.Warn("Failed to append user turn to memory", "user_id", unit.UserID, "error", err)
	}

	s.logger.Info("Interaction queued for review",
		"interaction_id", it.ID,
		"user_id", unit.UserID,
		"bubbles", len(bubbles),
		"risk_score", ann.RiskScore,
		"priority", priority,
		"recovered", unit.IsRecovered)
	return nil
}

// acquireLock waits briefly for the per-user lock, then gives up with
// errUserBusy so the unit cycles through intake instead of pinning a
// worker.
func (s *Supervisor) acquireLock(ctx context.Context, userID string) error {
	for i := 0; i < lockPollAttempts; i++ {
		err := s.broker.AcquireUserLock(ctx, userID, s.cfg.InstanceID, userLockTTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, broker.ErrLockHeld) {
			return fmt.Errorf("failed to acquire user lock: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	return errUserBusy
}

// quarantineUnit parks every contributing entry; duplicates from a
// concurrent protocol drain are fine.
func (s *Supervisor) quarantineUnit(ctx context.Context, unit *models.ProcessingUnit) {
	entries := unit.Entries
	if len(entries) == 0 {
		entries = []models.IntakeEntry{{
			UserID:        unit.UserID,
			PlatformMsgID: unit.PlatformMsgID,
			Text:          unit.CombinedText,
		}}
	}
	for _, e := range entries {
		if _, err := s.protocol.Quarantine(ctx, e.UserID, e.PlatformMsgID, e.Text); err != nil && !errors.Is(err, store.ErrDuplicate) {
			s.logger.Error("Failed to quarantine message",
				"user_id", e.UserID,
				"platform_msg_id", e.PlatformMsgID,
				"error", err)
		}
	}
	s.logger.Info("Unit quarantined, protocol active",
		"user_id", unit.UserID,
		"messages", len(entries))
}

// scorePriority combines queue age, customer value, and risk. Missing user
// rows degrade to zero value rather than failing the pipeline.
func (s *Supervisor) scorePriority(ctx context.Context, unit *models.ProcessingUnit, ann models.SafetyAnnotation, now time.Time) float64 {
	var userValue float64
	if u, err := s.stores.Users.Get(ctx, unit.UserID); err == nil {
		userValue = u.LifetimeValue
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Failed to load user for priority", "user_id", unit.UserID, "error", err)
	}
	age := now.Sub(unit.ReceivedAt).Minutes()
	return review.Priority(age, userValue, ann.RiskScore)
}

func recordFor(v *verdict) *models.CoherenceRecord {
	return &models.CoherenceRecord{
		Verdict:         models.CoherenceVerdict(v.Status),
		OriginalSpan:    v.OriginalSpan,
		ReplacementSpan: v.ReplacementSpan,
	}
}

// clampBubbles folds anything past the cap into the final bubble.
func clampBubbles(bubbles []string) []string {
	if len(bubbles) <= maxBubbles {
		return bubbles
	}
	head := bubbles[:maxBubbles-1]
	tail := bubbles[maxBubbles-1:]
	joined := tail[0]
	for _, t := range tail[1:] {
		joined += " " + t
	}
	return append(head, joined)
}
