package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitloop/minder/pkg/models"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFromRedis(rdb), mr
}

func TestIntakeRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	first := &models.IntakeEntry{UserID: "u1", PlatformMsgID: 100, Text: "hello"}
	second := &models.IntakeEntry{UserID: "u1", PlatformMsgID: 101, Text: "again"}
	require.NoError(t, c.AppendIntake(ctx, first))
	require.NoError(t, c.AppendIntake(ctx, second))

	n, err := c.IntakeLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// FIFO: the first append comes out first.
	entry, raw, err := c.MoveToProcessing(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.PlatformMsgID)

	require.NoError(t, c.AckProcessing(ctx, "w1", raw))

	entry, _, err = c.MoveToProcessing(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(101), entry.PlatformMsgID)
}

func TestRequeueGoesToConsumingEnd(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AppendIntake(ctx, &models.IntakeEntry{UserID: "u1", PlatformMsgID: 1}))
	require.NoError(t, c.RequeueIntake(ctx, &models.IntakeEntry{UserID: "u1", PlatformMsgID: 2, Attempts: 1}))

	entry, _, err := c.MoveToProcessing(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.PlatformMsgID)
	assert.Equal(t, 1, entry.Attempts)
}

func TestReinjectStaleProcessing(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AppendIntake(ctx, &models.IntakeEntry{UserID: "u1", PlatformMsgID: 7}))
	_, _, err := c.MoveToProcessing(ctx, "dead-worker", 100*time.Millisecond)
	require.NoError(t, err)

	// Heartbeat is fresh: nothing to reinject yet.
	n, err := c.ReinjectStaleProcessing(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Expire the heartbeat and the orphaned entry comes back.
	mr.Del("processing:dead-worker:seen")
	n, err = c.ReinjectStaleProcessing(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, _, err := c.MoveToProcessing(ctx, "w2", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.PlatformMsgID)
}

func TestReinjectedEntriesRunBeforeNewerArrivals(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AppendIntake(ctx, &models.IntakeEntry{UserID: "u1", PlatformMsgID: 1}))
	_, _, err := c.MoveToProcessing(ctx, "dead-worker", 100*time.Millisecond)
	require.NoError(t, err)

	// A newer message arrives while the entry is stranded.
	require.NoError(t, c.AppendIntake(ctx, &models.IntakeEntry{UserID: "u2", PlatformMsgID: 2}))

	mr.Del("processing:dead-worker:seen")
	n, err := c.ReinjectStaleProcessing(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The orphaned entry kept its place at the consuming end.
	entry, _, err := c.MoveToProcessing(ctx, "w2", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.PlatformMsgID)

	entry, _, err = c.MoveToProcessing(ctx, "w2", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.PlatformMsgID)
}

func TestReviewOrderingWithFIFOTiebreak(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.EnqueueReview(ctx, "low", 0.2)
	require.NoError(t, err)
	_, err = c.EnqueueReview(ctx, "tied-first", 0.5)
	require.NoError(t, err)
	_, err = c.EnqueueReview(ctx, "tied-second", 0.5)
	require.NoError(t, err)
	_, err = c.EnqueueReview(ctx, "high", 0.9)
	require.NoError(t, err)

	items, err := c.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "high", items[0].InteractionID)
	assert.Equal(t, "tied-first", items[1].InteractionID)
	assert.Equal(t, "tied-second", items[2].InteractionID)
	assert.Equal(t, "low", items[3].InteractionID)
}

func TestReviewRepriceKeepsSequence(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	seq1, err := c.EnqueueReview(ctx, "a", 0.3)
	require.NoError(t, err)
	seq2, err := c.EnqueueReview(ctx, "a", 0.8)
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)

	items, err := c.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.InDelta(t, 0.8, items[0].Priority, 1e-9)
}

func TestRemoveReview(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.EnqueueReview(ctx, "a", 0.3)
	require.NoError(t, err)
	require.NoError(t, c.RemoveReview(ctx, "a"))

	n, err := c.ReviewQueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApprovedFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.PushApproved(ctx, &DispatchJob{InteractionID: "i1", UserID: "u1", FinalBubbles: []string{"hi"}}))
	require.NoError(t, c.PushApproved(ctx, &DispatchJob{InteractionID: "i2", UserID: "u1", FinalBubbles: []string{"bye"}}))

	job, err := c.PopApproved(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "i1", job.InteractionID)
}

func TestUserLockOwnership(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AcquireUserLock(ctx, "u1", "worker-a", time.Minute))
	assert.ErrorIs(t, c.AcquireUserLock(ctx, "u1", "worker-b", time.Minute), ErrLockHeld)

	// Wrong owner cannot release.
	require.NoError(t, c.ReleaseUserLock(ctx, "u1", "worker-b"))
	assert.ErrorIs(t, c.AcquireUserLock(ctx, "u1", "worker-b", time.Minute), ErrLockHeld)

	require.NoError(t, c.ReleaseUserLock(ctx, "u1", "worker-a"))
	require.NoError(t, c.AcquireUserLock(ctx, "u1", "worker-b", time.Minute))
}

func TestQuotaCounter(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	n, err := c.IncrQuota(ctx, "gen-model", day, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	n, err = c.IncrQuota(ctx, "gen-model", day, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), n)

	got, err := c.Quota(ctx, "gen-model", day)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got)

	// Different day, fresh counter.
	got, err = c.Quota(ctx, "gen-model", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestBufferDrainIsAtomic(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		_, err := c.BufferAppend(ctx, "u1", &models.IntakeEntry{UserID: "u1", PlatformMsgID: i})
		require.NoError(t, err)
	}

	entries, err := c.BufferDrain(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].PlatformMsgID)

	n, err := c.BufferLen(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProtocolCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	_, hit := c.CachedProtocolActive(ctx, "u1")
	assert.False(t, hit)

	require.NoError(t, c.CacheProtocolActive(ctx, "u1", true, time.Minute))
	active, hit := c.CachedProtocolActive(ctx, "u1")
	assert.True(t, hit)
	assert.True(t, active)

	mr.FastForward(2 * time.Minute)
	_, hit = c.CachedProtocolActive(ctx, "u1")
	assert.False(t, hit)
}

func TestMemoryAppendTrimsToBudget(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, raw := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, c.MemoryAppend(ctx, "u1", raw, 3, time.Hour))
	}

	got, err := c.MemoryRange(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, got)
}
