package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/memory"
	"github.com/hitloop/minder/pkg/platform"
	"github.com/hitloop/minder/pkg/protocol"
	"github.com/hitloop/minder/pkg/store"
)

// fakePlatform records sends and can fail a specific send call.
type fakePlatform struct {
	mu      sync.Mutex
	sent    []string
	typing  int
	dialogs []platform.Dialog
	// failAt makes the Nth SendMessage call (1-based) fail.
	failAt int
	calls  int
	nextID int64
}

func (f *fakePlatform) SendMessage(_ context.Context, _, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return 0, errors.New("send failed")
	}
	f.nextID++
	f.sent = append(f.sent, text)
	return f.nextID, nil
}

func (f *fakePlatform) SendTyping(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakePlatform) ListDialogs(context.Context, int) ([]platform.Dialog, error) {
	return f.dialogs, nil
}

func (f *fakePlatform) MessagesSince(context.Context, string, int64, int) ([]platform.Message, error) {
	return nil, nil
}

func (f *fakePlatform) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type testEnv struct {
	d    *Dispatcher
	mock sqlmock.Sqlmock
	brk  *broker.Client
	fp   *fakePlatform
	mem  *memory.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.DiscardHandler)
	brk := broker.NewClientFromRedis(rdb)
	stores := store.New(sqlx.NewDb(db, "pgx"))
	mem := memory.NewManager(brk, 0, 0, logger)
	fp := &fakePlatform{}

	d := New(Config{Workers: 1}, stores, brk, fp, mem, protocol.NewManager(stores, brk, logger), logger)
	d.sleep = func(context.Context, time.Duration) {}
	return &testEnv{d: d, mock: mock, brk: brk, fp: fp, mem: mem}
}

func job(bubbles ...string) *broker.DispatchJob {
	return &broker.DispatchJob{
		InteractionID: "i1",
		UserID:        "u1",
		FinalBubbles:  bubbles,
		ApprovedAt:    time.Now().UTC(),
	}
}

func (e *testEnv) expectProtocolInactive() {
	e.mock.ExpectQuery(`SELECT user_id, active, last_changed_at, actor`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "active"}))
}

func (e *testEnv) expectStatus(status string) {
	e.mock.ExpectExec(`UPDATE interactions SET dispatch_status`).
		WithArgs("i1", status).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestDeliverSendsBubblesInOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.brk.CacheHandle(ctx, "u1", "D100", time.Hour))

	e.expectProtocolInactive()
	e.expectStatus("sent")

	e.d.Deliver(ctx, job("hey!", "how was your day?"))

	assert.Equal(t, []string{"hey!", "how was your day?"}, e.fp.sentTexts())
	assert.Equal(t, 2, e.fp.typing)

	// Assistant turns recorded after delivery.
	hist, err := e.mem.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, memory.RoleAssistant, hist[0].Role)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestDeliverCancelsWhenQuarantineActive(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.mock.ExpectQuery(`SELECT user_id, active, last_changed_at, actor`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "active"}).AddRow("u1", true))
	e.expectStatus("cancelled_quarantine")

	e.d.Deliver(ctx, job("hi"))

	assert.Empty(t, e.fp.sentTexts())
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestDeliverResolvesHandleFromDialogScan(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fp.dialogs = []platform.Dialog{{ChannelID: "D200", UserID: "u1"}}

	e.expectProtocolInactive()
	e.expectStatus("sent")

	e.d.Deliver(ctx, job("hi"))

	assert.Equal(t, []string{"hi"}, e.fp.sentTexts())
	// The scan result was cached for next time.
	h, err := e.brk.Handle(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "D200", h)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestDeliverFailsWhenHandleUnresolvable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.expectProtocolInactive()
	e.expectStatus("dispatch_failed")

	e.d.Deliver(ctx, job("hi"))

	assert.Empty(t, e.fp.sentTexts())
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestSendFailureRequeuesOnlyUnsentTail(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.brk.CacheHandle(ctx, "u1", "D100", time.Hour))

	e.expectProtocolInactive()

	// First bubble goes out, second send fails.
	e.fp.failAt = 2
	e.d.Deliver(ctx, job("first", "second"))

	assert.Equal(t, []string{"first"}, e.fp.sentTexts())
	queued, err := e.brk.PopApproved(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, queued.FinalBubbles)
	assert.Equal(t, 1, queued.Attempts)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestExhaustedSendRetriesMarkDispatchFailed(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.brk.CacheHandle(ctx, "u1", "D100", time.Hour))

	e.expectProtocolInactive()
	e.expectStatus("dispatch_failed")

	j := job("hi")
	j.Attempts = maxSendAttempts - 1
	e.fp.failAt = 1
	e.d.Deliver(ctx, j)

	// Nothing requeued.
	_, err := e.brk.PopApproved(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrNoEntry)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestTypingPacing(t *testing.T) {
	// Short bubbles floor at 1.2s, long ones cap at 6s.
	assert.Equal(t, 1200*time.Millisecond, typingDuration("hi"))
	assert.Equal(t, 6*time.Second, typingDuration(string(make([]byte, 400))))
	// 120 chars: 3 seconds.
	assert.Equal(t, 3*time.Second, typingDuration(string(make([]byte, 120))))

	// Inter-bubble gap caps at 1.5s.
	assert.Equal(t, 1500*time.Millisecond, interBubblePause(string(make([]byte, 400))))
	assert.Equal(t, time.Duration(0.5*float64(time.Second)), interBubblePause(string(make([]byte, 40))))
}
