// Package recovery reconciles platform history with the store after
// downtime: it walks every dialog, compares against the processing
// cursors, and re-ingests missed messages in age tiers without ever
// duplicating an interaction.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/platform"
	"github.com/hitloop/minder/pkg/store"
)

// ErrAlreadyRunning is returned when a recovery pass is triggered while
// another is still in flight.
var ErrAlreadyRunning = errors.New("recovery operation already running")

// Age tier boundaries and pacing. Messages older than Config.MaxAge are
// counted but never ingested.
const (
	tier1MaxAge = 2 * time.Hour
	tier2MaxAge = 6 * time.Hour

	tierBatchSize = 5
	tier2Pacing   = 2 * time.Second
	tier3Pacing   = 10 * time.Second

	historyPageSize = 100
	rateBurst       = 10
)

// Config tunes a recovery pass.
type Config struct {
	// MaxAge is the skip boundary; older messages are not re-ingested.
	MaxAge time.Duration
	// MaxMessages caps total ingested messages per invocation.
	MaxMessages int
	// MaxUsers caps dialogs examined per invocation.
	MaxUsers int
	// RatePerSec throttles platform API calls.
	RatePerSec int
	// Workers bounds inter-user concurrency.
	Workers int
	// BreakerTrip is the consecutive platform error count that opens the
	// circuit; BreakerRetry is how long until the next attempt.
	BreakerTrip  uint32
	BreakerRetry time.Duration
	// Cron, when set, schedules periodic passes (standard cron syntax).
	Cron string
}

// Agent runs bounded recovery passes.
type Agent struct {
	cfg      Config
	stores   *store.Stores
	broker   *broker.Client
	platform platform.Client
	logger   *slog.Logger

	running atomic.Bool
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// New builds a recovery agent.
func New(cfg Config, stores *store.Stores, b *broker.Client, p platform.Client, logger *slog.Logger) *Agent {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 12 * time.Hour
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if cfg.MaxUsers <= 0 {
		cfg.MaxUsers = 50
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 30
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.BreakerTrip == 0 {
		cfg.BreakerTrip = 5
	}
	if cfg.BreakerRetry <= 0 {
		cfg.BreakerRetry = time.Minute
	}
	log := logger.With("component", "recovery")
	a := &Agent{
		cfg:      cfg,
		stores:   stores,
		broker:   b,
		platform: p,
		logger:   log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), rateBurst),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "platform",
		Timeout: cfg.BreakerRetry,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerTrip
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("Platform circuit breaker state change",
				"from", from.String(),
				"to", to.String())
		},
	})
	return a
}

// Running reports whether a pass is in flight.
func (a *Agent) Running() bool {
	return a.running.Load()
}

// Run executes one recovery pass. A second invocation while one is active
// returns ErrAlreadyRunning.
func (a *Agent) Run(ctx context.Context, trigger models.RecoveryTrigger) (*models.RecoveryOperation, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer a.running.Store(false)

	op := &models.RecoveryOperation{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		StartedAt: a.now().UTC(),
		Status:    models.RecoveryRunning,
	}
	if err := a.stores.Recovery.Begin(ctx, op); err != nil {
		return nil, err
	}
	a.logger.Info("Recovery pass started", "operation_id", op.ID, "trigger", string(trigger))

	scanErr := a.scan(ctx, op)
	op.Status = models.RecoveryCompleted
	if scanErr != nil {
		op.Status = models.RecoveryFailed
		op.Errors = append(op.Errors, scanErr.Error())
	}
	finished := a.now().UTC()
	op.FinishedAt = &finished
	if err := a.stores.Recovery.Finish(context.WithoutCancel(ctx), op); err != nil {
		a.logger.Error("Failed to finish recovery operation", "operation_id", op.ID, "error", err)
	}

	a.logger.Info("Recovery pass finished",
		"operation_id", op.ID,
		"status", string(op.Status),
		"users_scanned", op.UsersScanned,
		"tier1", op.Counts.Tier1,
		"tier2", op.Counts.Tier2,
		"tier3", op.Counts.Tier3,
		"skipped", op.Counts.Skipped,
		"errors", len(op.Errors))

	if scanErr != nil && errors.Is(scanErr, gobreaker.ErrOpenState) {
		a.scheduleBreakerRetry(trigger)
	}
	return op, scanErr
}

// scheduleBreakerRetry re-runs the pass once the breaker's timeout has
// elapsed.
func (a *Agent) scheduleBreakerRetry(trigger models.RecoveryTrigger) {
	a.logger.Warn("Scheduling recovery retry after breaker cooldown",
		"retry_in", a.cfg.BreakerRetry)
	time.AfterFunc(a.cfg.BreakerRetry, func() {
		if _, err := a.Run(context.Background(), trigger); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			a.logger.Error("Breaker retry pass failed", "error", err)
		}
	})
}

func (a *Agent) scan(ctx context.Context, op *models.RecoveryOperation) error {
	dialogs, err := a.listDialogs(ctx)
	if err != nil {
		return fmt.Errorf("dialog scan failed: %w", err)
	}
	if len(dialogs) > a.cfg.MaxUsers {
		a.logger.Warn("Capping recovery user scan",
			"dialogs", len(dialogs),
			"cap", a.cfg.MaxUsers)
		dialogs = dialogs[:a.cfg.MaxUsers]
	}
	op.UsersScanned = len(dialogs)
	if len(dialogs) == 0 {
		return nil
	}

	userIDs := make([]string, len(dialogs))
	for i, d := range dialogs {
		userIDs[i] = d.UserID
	}
	cursors, err := a.stores.Cursors.GetBulk(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("cursor bulk read failed: %w", err)
	}

	var (
		mu       sync.Mutex
		ingested atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for _, dlg := range dialogs {
		g.Go(func() error {
			counts, derr := a.recoverDialog(gctx, dlg, cursors[dlg.UserID], &ingested)
			mu.Lock()
			op.Counts.Tier1 += counts.Tier1
			op.Counts.Tier2 += counts.Tier2
			op.Counts.Tier3 += counts.Tier3
			op.Counts.Skipped += counts.Skipped
			if derr != nil {
				op.Errors = append(op.Errors, fmt.Sprintf("user %s: %v", dlg.UserID, derr))
			}
			mu.Unlock()
			// Breaker-open aborts the whole pass; per-user errors do not.
			if errors.Is(derr, gobreaker.ErrOpenState) {
				return derr
			}
			return nil
		})
	}
	return g.Wait()
}

// recoverDialog replays one user's gap between the stored cursor and the
// platform head, honoring tiers, pacing, and the global message cap.
func (a *Agent) recoverDialog(ctx context.Context, dlg platform.Dialog, cursor int64, ingested *atomic.Int64) (models.TierCounts, error) {
	var counts models.TierCounts
	after := cursor
	advanced := cursor
	var tierBatch [4]int

	// Skipped and bot-authored messages never pass through ingest, so the
	// cursor is settled once the scan for this dialog ends. Without this a
	// dialog whose tail is past MaxAge would be re-scanned on every run.
	defer func() {
		if after <= advanced {
			return
		}
		if err := a.stores.Cursors.Advance(context.WithoutCancel(ctx), dlg.UserID, after); err != nil {
			a.logger.Warn("Failed to settle recovery cursor",
				"user_id", dlg.UserID,
				"last_msg_id", after,
				"error", err)
		}
	}()

	for {
		msgs, err := a.messagesSince(ctx, dlg.ChannelID, after)
		if err != nil {
			return counts, err
		}
		if len(msgs) == 0 {
			return counts, nil
		}
		for _, m := range msgs {
			if !m.FromUser {
				after = m.ID
				continue
			}
			tier := a.classify(m.TS)
			if tier == 0 {
				after = m.ID
				counts.Skipped++
				a.logger.Info("Skipping message past recovery age",
					"user_id", dlg.UserID,
					"platform_msg_id", m.ID,
					"age", a.now().Sub(m.TS).Round(time.Minute))
				continue
			}
			if ingested.Load() >= int64(a.cfg.MaxMessages) {
				a.logger.Warn("Recovery message cap reached, stopping",
					"cap", a.cfg.MaxMessages)
				return counts, nil
			}
			if err := a.ingest(ctx, dlg.UserID, m); err != nil {
				return counts, err
			}
			after = m.ID
			advanced = m.ID
			ingested.Add(1)
			switch tier {
			case 1:
				counts.Tier1++
			case 2:
				counts.Tier2++
			case 3:
				counts.Tier3++
			}
			tierBatch[tier]++
			if tierBatch[tier] >= tierBatchSize {
				tierBatch[tier] = 0
				switch tier {
				case 2:
					a.sleep(ctx, tier2Pacing)
				case 3:
					a.sleep(ctx, tier3Pacing)
				}
			}
		}
		if len(msgs) < historyPageSize {
			return counts, nil
		}
	}
}

// ingest appends one recovered message to intake and advances the cursor.
func (a *Agent) ingest(ctx context.Context, userID string, m platform.Message) error {
	entry := &models.IntakeEntry{
		UserID:        userID,
		PlatformMsgID: m.ID,
		Text:          m.Text,
		PlatformTS:    m.TS,
		ReceivedAt:    a.now().UTC(),
		IsRecovered:   true,
	}
	if err := a.broker.AppendIntake(ctx, entry); err != nil {
		return fmt.Errorf("intake append failed: %w", err)
	}
	if err := a.stores.Cursors.Advance(ctx, userID, m.ID); err != nil {
		return fmt.Errorf("cursor advance failed: %w", err)
	}
	return nil
}

// classify returns the age tier of a message: 1..3, or 0 for skip.
func (a *Agent) classify(ts time.Time) int {
	age := a.now().Sub(ts)
	switch {
	case age < tier1MaxAge:
		return 1
	case age < tier2MaxAge:
		return 2
	case age < a.cfg.MaxAge:
		return 3
	default:
		return 0
	}
}

func (a *Agent) listDialogs(ctx context.Context) ([]platform.Dialog, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	v, err := a.breaker.Execute(func() (any, error) {
		return a.platform.ListDialogs(ctx, a.cfg.MaxUsers)
	})
	if err != nil {
		return nil, err
	}
	return v.([]platform.Dialog), nil
}

func (a *Agent) messagesSince(ctx context.Context, channelID string, afterID int64) ([]platform.Message, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	v, err := a.breaker.Execute(func() (any, error) {
		return a.platform.MessagesSince(ctx, channelID, afterID, historyPageSize)
	})
	if err != nil {
		return nil, err
	}
	return v.([]platform.Message), nil
}

// StartCron schedules periodic passes when Config.Cron is set. The
// returned stop function is safe to call once.
func (a *Agent) StartCron(ctx context.Context) (func(), error) {
	if a.cfg.Cron == "" {
		return func() {}, nil
	}
	c := cron.New()
	_, err := c.AddFunc(a.cfg.Cron, func() {
		if _, err := a.Run(ctx, models.RecoveryTriggerScheduled); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			a.logger.Error("Scheduled recovery pass failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid recovery cron expression %q: %w", a.cfg.Cron, err)
	}
	c.Start()
	a.logger.Info("Recovery schedule active", "cron", a.cfg.Cron)
	return func() { c.Stop() }, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
