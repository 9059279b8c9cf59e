// Package dispatch delivers approved bubbles to the platform with typing
// pacing, the last hop of the pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/memory"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/platform"
	"github.com/hitloop/minder/pkg/protocol"
	"github.com/hitloop/minder/pkg/store"
)

const (
	popTimeout = 2 * time.Second
	// handleTTL refreshes the outbound-handle cache on successful lookup.
	handleTTL = 7 * 24 * time.Hour
	// maxSendAttempts bounds requeues of a failing job before it is marked
	// dispatch_failed.
	maxSendAttempts = 3
)

// handleBackoff paces the outbound-handle lookup retries.
var handleBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Config tunes the dispatcher pool.
type Config struct {
	Workers int
}

// Dispatcher consumes the approved list and emits bubbles to the platform.
type Dispatcher struct {
	cfg      Config
	stores   *store.Stores
	broker   *broker.Client
	platform platform.Client
	memory   *memory.Manager
	protocol *protocol.Manager
	logger   *slog.Logger

	// quarantined mirrors protocol activations seen on pub/sub so an
	// in-flight job can abort between bubbles without a store read.
	mu          sync.Mutex
	quarantined map[string]bool

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds a dispatcher.
func New(cfg Config, stores *store.Stores, b *broker.Client, p platform.Client, mem *memory.Manager, proto *protocol.Manager, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Dispatcher{
		cfg:         cfg,
		stores:      stores,
		broker:      b,
		platform:    p,
		memory:      mem,
		protocol:    proto,
		logger:      logger.With("component", "dispatch"),
		quarantined: make(map[string]bool),
		sleep:       sleepCtx,
	}
}

// Run starts the worker pool and the protocol subscription, blocking until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, err := d.broker.SubscribeProtocolChanged(ctx, d.logger)
	if err != nil {
		return fmt.Errorf("failed to subscribe to protocol events: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.protocolLoop(events)
	}()
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := d.broker.PopApproved(ctx, popTimeout)
		if errors.Is(err, broker.ErrNoEntry) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Failed to pop approved job", "error", err)
			d.sleep(ctx, time.Second)
			continue
		}
		d.Deliver(ctx, job)
	}
}

func (d *Dispatcher) protocolLoop(events <-chan broker.ProtocolEvent) {
	for ev := range events {
		d.mu.Lock()
		d.quarantined[ev.UserID] = ev.Active
		d.mu.Unlock()
	}
}

func (d *Dispatcher) isQuarantined(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quarantined[userID]
}

// Deliver sends one approved job. Exported for tests.
func (d *Dispatcher) Deliver(ctx context.Context, job *broker.DispatchJob) {
	active, err := d.protocol.IsActive(ctx, job.UserID)
	if err != nil {
		d.logger.Warn("Protocol check failed before dispatch", "user_id", job.UserID, "error", err)
	}
	if active || d.isQuarantined(job.UserID) {
		d.cancelForQuarantine(ctx, job)
		return
	}

	handle, err := d.resolveHandle(ctx, job.UserID)
	if err != nil {
		d.logger.Error("ALERT: cannot resolve outbound handle, dispatch failed",
			"interaction_id", job.InteractionID,
			"user_id", job.UserID,
			"error", err)
		d.setStatus(ctx, job.InteractionID, models.DispatchFailed)
		return
	}

	for i, bubble := range job.FinalBubbles {
		if d.isQuarantined(job.UserID) {
			d.cancelForQuarantine(ctx, job)
			return
		}
		if err := d.platform.SendTyping(ctx, handle); err != nil {
			d.logger.Debug("Typing signal failed", "user_id", job.UserID, "error", err)
		}
		d.sleep(ctx, typingDuration(bubble))
		if ctx.Err() != nil {
			d.requeueRemainder(context.WithoutCancel(ctx), job, i)
			return
		}
		if _, err := d.platform.SendMessage(ctx, handle, bubble); err != nil {
			d.logger.Error("Failed to send bubble",
				"interaction_id", job.InteractionID,
				"user_id", job.UserID,
				"bubble", i,
				"error", err)
			d.requeueRemainder(ctx, job, i)
			return
		}
		if i < len(job.FinalBubbles)-1 {
			d.sleep(ctx, interBubblePause(bubble))
		}
	}

	for _, bubble := range job.FinalBubbles {
		if err := d.memory.Append(ctx, job.UserID, memory.RoleAssistant, bubble); err != nil {
			d.logger.Warn("Failed to append assistant turn to memory", "user_id", job.UserID, "error", err)
		}
	}
	d.setStatus(ctx, job.InteractionID, models.DispatchSent)
	d.logger.Info("Interaction dispatched",
		"interaction_id", job.InteractionID,
		"user_id", job.UserID,
		"bubbles", len(job.FinalBubbles))
}

// requeueRemainder puts the unsent tail back on the approved list so a
// retry never re-sends delivered bubbles. Exhausted jobs are marked failed.
func (d *Dispatcher) requeueRemainder(ctx context.Context, job *broker.DispatchJob, from int) {
	if job.Attempts+1 >= maxSendAttempts {
		d.logger.Error("ALERT: dispatch retries exhausted",
			"interaction_id", job.InteractionID,
			"user_id", job.UserID,
			"attempts", job.Attempts+1)
		d.setStatus(ctx, job.InteractionID, models.DispatchFailed)
		return
	}
	retry := &broker.DispatchJob{
		InteractionID: job.InteractionID,
		UserID:        job.UserID,
		FinalBubbles:  job.FinalBubbles[from:],
		ApprovedAt:    job.ApprovedAt,
		Attempts:      job.Attempts + 1,
	}
	if err := d.broker.PushApproved(ctx, retry); err != nil {
		d.logger.Error("Failed to requeue dispatch job", "interaction_id", job.InteractionID, "error", err)
		d.setStatus(ctx, job.InteractionID, models.DispatchFailed)
	}
}

func (d *Dispatcher) cancelForQuarantine(ctx context.Context, job *broker.DispatchJob) {
	d.setStatus(ctx, job.InteractionID, models.DispatchCancelled)
	d.logger.Info("Dispatch cancelled, quarantine active",
		"interaction_id", job.InteractionID,
		"user_id", job.UserID)
}

// resolveHandle returns the outbound channel for a user: the ingress-cached
// handle when present, otherwise a dialog scan with paced retries.
func (d *Dispatcher) resolveHandle(ctx context.Context, userID string) (string, error) {
	if h, err := d.broker.Handle(ctx, userID); err == nil && h != "" {
		return h, nil
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		h, err := d.lookupHandle(ctx, userID)
		if err == nil {
			if cacheErr := d.broker.CacheHandle(ctx, userID, h, handleTTL); cacheErr != nil {
				d.logger.Warn("Failed to cache handle", "user_id", userID, "error", cacheErr)
			}
			return h, nil
		}
		lastErr = err
		if attempt >= len(handleBackoff) {
			break
		}
		d.sleep(ctx, handleBackoff[attempt])
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("handle lookup exhausted retries: %w", lastErr)
}

func (d *Dispatcher) lookupHandle(ctx context.Context, userID string) (string, error) {
	dialogs, err := d.platform.ListDialogs(ctx, 500)
	if err != nil {
		return "", err
	}
	for _, dlg := range dialogs {
		if dlg.UserID == userID {
			return dlg.ChannelID, nil
		}
	}
	return "", fmt.Errorf("no dialog found for user %s", userID)
}

func (d *Dispatcher) setStatus(ctx context.Context, interactionID string, status models.DispatchStatus) {
	if err := d.stores.Interactions.SetDispatchStatus(ctx, interactionID, status); err != nil {
		d.logger.Error("Failed to set dispatch status",
			"interaction_id", interactionID,
			"status", string(status),
			"error", err)
	}
}

// typingDuration simulates composing time for a bubble, clamped to stay
// believable for very short or very long text.
func typingDuration(bubble string) time.Duration {
	secs := float64(len(bubble)) / 40
	if secs < 1.2 {
		secs = 1.2
	}
	if secs > 6 {
		secs = 6
	}
	return time.Duration(secs * float64(time.Second))
}

// interBubblePause is the gap before the next bubble.
func interBubblePause(bubble string) time.Duration {
	secs := float64(len(bubble)) / 80
	if secs > 1.5 {
		secs = 1.5
	}
	return time.Duration(secs * float64(time.Second))
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
