// Package memory maintains per-user bounded conversation history with
// progressive compression. Writers are serialized per user by the
// supervisor's user mutex; readers may see a slightly stale view.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitloop/minder/pkg/broker"
)

// Roles recorded in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const retentionTTL = 30 * 24 * time.Hour

// Entry is one remembered turn.
type Entry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

// Manager owns the history budgets and the compression policy.
type Manager struct {
	broker   *broker.Client
	maxMsgs  int
	maxBytes int
	logger   *slog.Logger
}

// NewManager builds a manager with the configured budgets.
func NewManager(b *broker.Client, maxMsgs, maxBytes int, logger *slog.Logger) *Manager {
	if maxMsgs <= 0 {
		maxMsgs = 50
	}
	if maxBytes <= 0 {
		maxBytes = 100 * 1024
	}
	return &Manager{
		broker:   b,
		maxMsgs:  maxMsgs,
		maxBytes: maxBytes,
		logger:   logger.With("component", "memory"),
	}
}

// Append records a turn and enforces the budgets. Called after each user
// message is accepted for processing and after each approval.
func (m *Manager) Append(ctx context.Context, userID, role, text string) error {
	raw, err := json.Marshal(Entry{Role: role, Text: text, TS: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode memory entry: %w", err)
	}
	if err := m.broker.MemoryAppend(ctx, userID, string(raw), int64(m.maxMsgs), retentionTTL); err != nil {
		return err
	}
	return m.enforceByteBudget(ctx, userID)
}

// Recent returns the last k entries, oldest first. k<=0 uses the default
// prompt window of 6.
func (m *Manager) Recent(ctx context.Context, userID string, k int) ([]Entry, error) {
	if k <= 0 {
		k = 6
	}
	raws, err := m.broker.MemoryRange(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(raws) > k {
		raws = raws[len(raws)-k:]
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			m.logger.Warn("Skipping corrupt memory entry", "user_id", userID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Summary returns the rolling digest used in prompts. It only changes when
// compression rewrites the oldest entries, which keeps the refiner's stable
// prefix byte-identical between calls.
func (m *Manager) Summary(ctx context.Context, userID string) (string, error) {
	return m.broker.MemorySummary(ctx, userID)
}

// Forget erases all conversational state for the user.
func (m *Manager) Forget(ctx context.Context, userID string) error {
	return m.broker.ForgetMemory(ctx, userID)
}

// enforceByteBudget applies progressive compression: drop the oldest
// user/assistant pairs first; if still over budget, fold the oldest third
// into the deterministic summary.
func (m *Manager) enforceByteBudget(ctx context.Context, userID string) error {
	raws, err := m.broker.MemoryRange(ctx, userID)
	if err != nil {
		return err
	}
	total := 0
	for _, raw := range raws {
		total += len(raw)
	}
	if total <= m.maxBytes {
		return nil
	}

	dropped := 0
	for total > m.maxBytes && len(raws)-dropped > 2 {
		total -= len(raws[dropped])
		if dropped+1 < len(raws) {
			total -= len(raws[dropped+1])
		}
		dropped += 2
	}
	if dropped > 0 {
		if err := m.broker.MemoryTrimOldest(ctx, userID, int64(dropped)); err != nil {
			return err
		}
		raws = raws[dropped:]
	}
	if total <= m.maxBytes || len(raws) < 3 {
		return nil
	}

	// Still over budget: summarize the oldest third.
	third := len(raws) / 3
	digest := Digest(decode(raws[:third]), "")
	if err := m.broker.SetMemorySummary(ctx, userID, digest, retentionTTL); err != nil {
		return err
	}
	if err := m.broker.MemoryTrimOldest(ctx, userID, int64(third)); err != nil {
		return err
	}
	m.logger.Info("Compressed conversation memory",
		"user_id", userID,
		"dropped_pairs", dropped/2,
		"summarized", third)
	return nil
}

func decode(raws []string) []Entry {
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if json.Unmarshal([]byte(raw), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}
