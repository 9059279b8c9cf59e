// Package activity implements the per-user debouncer that collapses rapid
// message bursts into single processing units for the supervisor.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/store"
)

// janitorInterval is how often stale processing lists are swept.
const janitorInterval = 30 * time.Second

// processingStaleAfter is the worker heartbeat age past which a processing
// list is considered orphaned.
const processingStaleAfter = 2 * time.Minute

// Config tunes the debouncer.
type Config struct {
	// DebounceWindow is the quiet period after the last message before a
	// buffer is released.
	DebounceWindow time.Duration
	// MaxBatch releases a buffer immediately once it holds this many
	// messages.
	MaxBatch int
	// MaxWait bounds the total time from the first buffered message.
	MaxWait time.Duration
	// DrainWorkers is the number of intake drain goroutines.
	DrainWorkers int
}

// userState is the in-process timer half of a user's buffer; the messages
// themselves live in the broker so a crash loses no data.
type userState struct {
	count    int
	debounce *time.Timer
	deadline *time.Timer
	released bool
}

// Tracker owns per-user buffers and the intake drain loop. Released units
// are delivered on Units(); the channel is bounded so a slow supervisor
// backpressures the drain.
type Tracker struct {
	cfg    Config
	broker *broker.Client
	stores *store.Stores
	logger *slog.Logger

	units chan *models.ProcessingUnit

	mu    sync.Mutex
	users map[string]*userState
}

// NewTracker builds the tracker.
func NewTracker(cfg Config, b *broker.Client, stores *store.Stores, logger *slog.Logger) *Tracker {
	if cfg.DrainWorkers <= 0 {
		cfg.DrainWorkers = 4
	}
	return &Tracker{
		cfg:    cfg,
		broker: b,
		stores: stores,
		logger: logger.With("component", "activity"),
		units:  make(chan *models.ProcessingUnit, 64),
		users:  make(map[string]*userState),
	}
}

// Units delivers released processing units.
func (t *Tracker) Units() <-chan *models.ProcessingUnit {
	return t.units
}

// Run starts the drain workers, the janitor, and the protocol subscription.
// It blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	events, err := t.broker.SubscribeProtocolChanged(ctx, t.logger)
	if err != nil {
		return fmt.Errorf("failed to subscribe to protocol events: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < t.cfg.DrainWorkers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("drain-%d", i)
		go func() {
			defer wg.Done()
			t.drainLoop(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.janitorLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.protocolLoop(ctx, events)
	}()

	<-ctx.Done()
	wg.Wait()
	close(t.units)
	return nil
}

// Ingest adds one intake entry to its user's buffer and applies the
// release rules. Exported for the drain loop and for tests.
func (t *Tracker) Ingest(ctx context.Context, entry *models.IntakeEntry) error {
	n, err := t.broker.BufferAppend(ctx, entry.UserID, entry)
	if err != nil {
		return err
	}

	t.mu.Lock()
	st, ok := t.users[entry.UserID]
	if !ok || st.released {
		st = &userState{}
		t.users[entry.UserID] = st
		userID := entry.UserID
		st.deadline = time.AfterFunc(t.cfg.MaxWait, func() {
			t.release(context.Background(), userID, "max_wait")
		})
	}
	st.count = int(n)
	userID := entry.UserID
	if st.debounce != nil {
		st.debounce.Stop()
	}
	st.debounce = time.AfterFunc(t.cfg.DebounceWindow, func() {
		t.onDebounceExpired(context.Background(), userID)
	})
	full := st.count >= t.cfg.MaxBatch
	t.mu.Unlock()

	if full {
		t.release(ctx, entry.UserID, "max_batch")
	}
	return nil
}

// onDebounceExpired fires when the quiet period elapses. An active typing
// flag extends the window instead of releasing.
func (t *Tracker) onDebounceExpired(ctx context.Context, userID string) {
	if t.broker.IsTyping(ctx, userID) {
		t.mu.Lock()
		if st, ok := t.users[userID]; ok && !st.released {
			st.debounce = time.AfterFunc(t.cfg.DebounceWindow, func() {
				t.onDebounceExpired(context.Background(), userID)
			})
		}
		t.mu.Unlock()
		return
	}
	t.release(ctx, userID, "debounce")
}

// release drains the user's buffer into one processing unit.
func (t *Tracker) release(ctx context.Context, userID, reason string) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || st.released {
		t.mu.Unlock()
		return
	}
	st.released = true
	st.stopTimers()
	delete(t.users, userID)
	t.mu.Unlock()

	entries, err := t.broker.BufferDrain(ctx, userID)
	if err != nil {
		t.logger.Error("Failed to drain buffer", "user_id", userID, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	unit := buildUnit(userID, entries)
	t.logger.Debug("Releasing processing unit",
		"user_id", userID,
		"messages", len(entries),
		"reason", reason)
	select {
	case t.units <- unit:
	case <-ctx.Done():
	}
}

func (s *userState) stopTimers() {
	if s.debounce != nil {
		s.debounce.Stop()
	}
	if s.deadline != nil {
		s.deadline.Stop()
	}
}

// buildUnit merges buffered entries in arrival order into one unit.
func buildUnit(userID string, entries []models.IntakeEntry) *models.ProcessingUnit {
	texts := make([]string, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	unit := &models.ProcessingUnit{
		UserID:     userID,
		ReceivedAt: entries[0].ReceivedAt,
	}
	for _, e := range entries {
		texts = append(texts, e.Text)
		ids = append(ids, e.PlatformMsgID)
		if e.PlatformMsgID > unit.PlatformMsgID {
			unit.PlatformMsgID = e.PlatformMsgID
			unit.PlatformTS = e.PlatformTS
		}
		if e.IsRecovered {
			unit.IsRecovered = true
		}
		if e.Attempts > unit.Attempts {
			unit.Attempts = e.Attempts
		}
	}
	unit.CombinedText = strings.Join(texts, "\n")
	unit.PlatformMsgIDs = ids
	unit.Entries = entries
	return unit
}

// drainLoop block-pops intake entries and feeds the debouncer.
func (t *Tracker) drainLoop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		entry, raw, err := t.broker.MoveToProcessing(ctx, workerID, 2*time.Second)
		if errors.Is(err, broker.ErrNoEntry) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("Intake drain failed", "worker", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if err := t.Ingest(ctx, entry); err != nil {
			t.logger.Error("Failed to buffer intake entry",
				"worker", workerID,
				"user_id", entry.UserID,
				"error", err)
			if reqErr := t.broker.RequeueIntake(ctx, entry); reqErr != nil {
				t.logger.Error("Failed to requeue entry", "error", reqErr)
			}
		}
		if err := t.broker.AckProcessing(ctx, workerID, raw); err != nil {
			t.logger.Warn("Failed to ack processing entry", "worker", workerID, "error", err)
		}
	}
}

// janitorLoop re-injects processing lists orphaned by crashed workers.
func (t *Tracker) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.broker.ReinjectStaleProcessing(ctx, processingStaleAfter)
			if err != nil {
				t.logger.Error("Janitor sweep failed", "error", err)
				continue
			}
			if n > 0 {
				t.logger.Info("Re-injected orphaned intake entries", "count", n)
			}
		}
	}
}

// protocolLoop drains open buffers into quarantine when the protocol
// activates mid-window.
func (t *Tracker) protocolLoop(ctx context.Context, events <-chan broker.ProtocolEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Active {
				continue
			}
			t.quarantineBuffer(ctx, ev.UserID)
		}
	}
}

func (t *Tracker) quarantineBuffer(ctx context.Context, userID string) {
	t.mu.Lock()
	if st, ok := t.users[userID]; ok {
		st.released = true
		st.stopTimers()
		delete(t.users, userID)
	}
	t.mu.Unlock()

	entries, err := t.broker.BufferDrain(ctx, userID)
	if err != nil {
		t.logger.Error("Failed to drain buffer for quarantine", "user_id", userID, "error", err)
		return
	}
	for _, e := range entries {
		if _, err := t.stores.Quarantine.Add(ctx, e.UserID, e.PlatformMsgID, e.Text); err != nil && !errors.Is(err, store.ErrDuplicate) {
			t.logger.Error("Failed to quarantine buffered message",
				"user_id", e.UserID,
				"platform_msg_id", e.PlatformMsgID,
				"error", err)
		}
	}
	if len(entries) > 0 {
		t.logger.Info("Drained open buffer into quarantine",
			"user_id", userID,
			"messages", len(entries))
	}
}
