package activity

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/models"
)

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *broker.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := broker.NewClientFromRedis(rdb)
	return NewTracker(cfg, b, nil, slog.New(slog.DiscardHandler)), b
}

func entry(userID string, id int64, text string) *models.IntakeEntry {
	return &models.IntakeEntry{
		UserID:        userID,
		PlatformMsgID: id,
		Text:          text,
		PlatformTS:    time.UnixMicro(id).UTC(),
		ReceivedAt:    time.Now().UTC(),
	}
}

func awaitUnit(t *testing.T, tr *Tracker, within time.Duration) *models.ProcessingUnit {
	t.Helper()
	select {
	case u := <-tr.Units():
		return u
	case <-time.After(within):
		t.Fatal("no processing unit released in time")
		return nil
	}
}

func TestBurstIsBatchedIntoOneUnit(t *testing.T) {
	tr, _ := newTestTracker(t, Config{
		DebounceWindow: 50 * time.Millisecond,
		MaxBatch:       5,
		MaxWait:        time.Second,
	})
	ctx := context.Background()

	require.NoError(t, tr.Ingest(ctx, entry("u1", 200, "hi")))
	require.NoError(t, tr.Ingest(ctx, entry("u1", 201, "you there")))
	require.NoError(t, tr.Ingest(ctx, entry("u1", 202, "??")))

	unit := awaitUnit(t, tr, time.Second)
	assert.Equal(t, "hi\nyou there\n??", unit.CombinedText)
	assert.Equal(t, []int64{200, 201, 202}, unit.PlatformMsgIDs)
	assert.Equal(t, int64(202), unit.PlatformMsgID)

	// Nothing else comes out.
	select {
	case u := <-tr.Units():
		t.Fatalf("unexpected extra unit: %+v", u)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestMaxBatchReleasesImmediately(t *testing.T) {
	tr, _ := newTestTracker(t, Config{
		DebounceWindow: time.Minute,
		MaxBatch:       2,
		MaxWait:        time.Hour,
	})
	ctx := context.Background()

	require.NoError(t, tr.Ingest(ctx, entry("u1", 1, "a")))
	require.NoError(t, tr.Ingest(ctx, entry("u1", 2, "b")))

	unit := awaitUnit(t, tr, time.Second)
	assert.Len(t, unit.PlatformMsgIDs, 2)
}

func TestMaxWaitForcesRelease(t *testing.T) {
	tr, b := newTestTracker(t, Config{
		DebounceWindow: 40 * time.Millisecond,
		MaxBatch:       10,
		MaxWait:        120 * time.Millisecond,
	})
	ctx := context.Background()

	// A live typing flag keeps extending the debounce window, so only the
	// max-wait deadline can release this buffer.
	require.NoError(t, b.SetTyping(ctx, "u1", time.Minute))
	require.NoError(t, tr.Ingest(ctx, entry("u1", 1, "still typing...")))

	unit := awaitUnit(t, tr, time.Second)
	assert.Equal(t, "still typing...", unit.CombinedText)
}

func TestTypingExtendsDebounce(t *testing.T) {
	tr, b := newTestTracker(t, Config{
		DebounceWindow: 40 * time.Millisecond,
		MaxBatch:       10,
		MaxWait:        time.Second,
	})
	ctx := context.Background()

	require.NoError(t, b.SetTyping(ctx, "u1", time.Minute))
	require.NoError(t, tr.Ingest(ctx, entry("u1", 1, "a")))

	// Debounce alone would have fired well within 120ms.
	select {
	case <-tr.Units():
		t.Fatal("unit released while user was typing")
	case <-time.After(120 * time.Millisecond):
	}

	require.NoError(t, b.ClearTyping(ctx, "u1"))
	awaitUnit(t, tr, time.Second)
}

func TestDistinctUsersReleaseIndependently(t *testing.T) {
	tr, _ := newTestTracker(t, Config{
		DebounceWindow: 30 * time.Millisecond,
		MaxBatch:       5,
		MaxWait:        time.Second,
	})
	ctx := context.Background()

	require.NoError(t, tr.Ingest(ctx, entry("u1", 1, "from u1")))
	require.NoError(t, tr.Ingest(ctx, entry("u2", 2, "from u2")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		u := awaitUnit(t, tr, time.Second)
		seen[u.UserID] = true
	}
	assert.True(t, seen["u1"] && seen["u2"])
}

func TestRecoveredFlagPropagates(t *testing.T) {
	tr, _ := newTestTracker(t, Config{
		DebounceWindow: 30 * time.Millisecond,
		MaxBatch:       5,
		MaxWait:        time.Second,
	})
	ctx := context.Background()

	e := entry("u1", 1, "old message")
	e.IsRecovered = true
	require.NoError(t, tr.Ingest(ctx, e))

	unit := awaitUnit(t, tr, time.Second)
	assert.True(t, unit.IsRecovered)
}
