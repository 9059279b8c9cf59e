package supervisor

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"strings"
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
	"github.com/hitloop/minder/pkg/llm"
	"github.com/hitloop/minder/pkg/memory"
	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/protocol"
	"github.com/hitloop/minder/pkg/safety"
	"github.com/hitloop/minder/pkg/store"
)

// fakeProvider serves scripted responses per model, FIFO. onComplete, when
// set, runs for every call so tests can mutate state mid-pipeline.
type fakeProvider struct {
	mu         sync.Mutex
	byModel    map[string][]string
	requests   []llm.Request
	onComplete func(model string)
}

func (f *fakeProvider) Name() string { return "anthropic" }

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (*llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.onComplete != nil {
		f.onComplete(req.Model)
	}
	q := f.byModel[req.Model]
	if len(q) == 0 {
		return nil, fmt.Errorf("no scripted response for %s: %w", req.Model, llm.ErrMalformedResponse)
	}
	text := q[0]
	f.byModel[req.Model] = q[1:]
	return &llm.Result{Text: text, TokensIn: 10, TokensOut: 5, Model: req.Model}, nil
}

func (f *fakeProvider) queue(model string, texts ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byModel[model] = append(f.byModel[model], texts...)
}

func (f *fakeProvider) callsTo(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Model == model {
			n++
		}
	}
	return n
}

type testEnv struct {
	sup  *Supervisor
	mock sqlmock.Sqlmock
	prov *fakeProvider
	brk  *broker.Client
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
	prov := &fakeProvider{byModel: map[string][]string{}}

	profiles := map[string]*llm.Profile{
		"test": {
			Name:              "test",
			Generator:         llm.RoleConfig{Model: "claude-gen", MaxTokens: 512},
			Refiner:           llm.RoleConfig{Model: "claude-ref", MaxTokens: 512},
			CacheHintStrategy: llm.CacheHintStablePrefix,
		},
	}
	router, err := llm.NewRouter(map[string]llm.Provider{"anthropic": prov}, profiles, "test", brk, logger)
	require.NoError(t, err)

	sup := New(
		Config{Workers: 1, RetryMax: 2, InstanceID: "sup-test"},
		stores, brk, router,
		mem,
		safety.NewFilter(safety.Config{}),
		protocol.NewManager(stores, brk, logger),
		nil,
		logger,
	)
	return &testEnv{sup: sup, mock: mock, prov: prov, brk: brk, mem: mem}
}

func testUnit(userID, text string, ids ...int64) *models.ProcessingUnit {
	now := time.Now().UTC().Truncate(time.Second)
	unit := &models.ProcessingUnit{
		UserID:         userID,
		CombinedText:   text,
		PlatformMsgIDs: ids,
		PlatformMsgID:  ids[len(ids)-1],
		PlatformTS:     now,
		ReceivedAt:     now,
	}
	for _, id := range ids {
		unit.Entries = append(unit.Entries, models.IntakeEntry{
			UserID:        userID,
			PlatformMsgID: id,
			Text:          text,
			PlatformTS:    now,
			ReceivedAt:    now,
		})
	}
	return unit
}

// argContains matches any SQL argument whose string form contains substr.
type argContains struct{ substr string }

func (a argContains) Match(v driver.Value) bool {
	switch s := v.(type) {
	case string:
		return strings.Contains(s, a.substr)
	case []byte:
		return strings.Contains(string(s), a.substr)
	default:
		return false
	}
}

func (e *testEnv) expectNotYetIngested() {
	e.mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
}

func (e *testEnv) expectProtocolInactive(userID string) {
	e.mock.ExpectQuery(`SELECT user_id, active, last_changed_at, actor`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "active"}))
}

func (e *testEnv) expectNoCommitments(userID string) {
	e.mock.ExpectQuery(`SELECT commitment_id, user_id, text, target_ts`).
		WithArgs(userID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"commitment_id"}))
}

func (e *testEnv) expectUserLookup(userID string, lifetimeValue float64) {
	e.mock.ExpectQuery(`SELECT user_id, nickname, customer_status, lifetime_value`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(
			[]string{"user_id", "nickname", "customer_status", "lifetime_value", "first_seen_at", "updated_at"}).
			AddRow(userID, "sam", "regular", lifetimeValue, time.Now(), time.Now()))
}

func TestProcessQueuesInteractionForReview(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.prov.queue("claude-gen", "Hey! I was just thinking about you.")
	e.prov.queue("claude-ref", `{"status":"ok"}`, "Hey![BUBBLE]I was just thinking about you.")

	e.expectNotYetIngested()
	e.expectProtocolInactive("u1")
	e.expectNoCommitments("u1")
	e.mock.ExpectExec(`INSERT INTO interactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.expectUserLookup("u1", 0.5)

	require.NoError(t, e.sup.Process(ctx, testUnit("u1", "hey, you around?", 100)))

	queued, err := e.brk.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Greater(t, queued[0].Priority, 0.0)

	// User turn entered memory after the persist.
	hist, err := e.mem.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, memory.RoleUser, hist[0].Role)
	assert.Equal(t, "hey, you around?", hist[0].Text)

	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestProcessSkipsAlreadyIngestedUnit(t *testing.T) {
	e := newTestEnv(t)

	e.mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, e.sup.Process(context.Background(), testUnit("u1", "hi", 100)))
	assert.Zero(t, e.prov.callsTo("claude-gen"))
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestProcessQuarantinesWhenProtocolActive(t *testing.T) {
	e := newTestEnv(t)

	e.expectNotYetIngested()
	e.mock.ExpectQuery(`SELECT user_id, active, last_changed_at, actor`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "active"}).AddRow("u1", true))
	e.mock.ExpectQuery(`INSERT INTO quarantine_entries`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"entry_id", "user_id", "platform_msg_id", "text", "quarantined_at", "processed", "released_at", "deleted_at"}).
			AddRow("q1", "u1", int64(100), "hi", time.Now(), false, nil, nil))

	require.NoError(t, e.sup.Process(context.Background(), testUnit("u1", "hi", 100)))
	assert.Zero(t, e.prov.callsTo("claude-gen"))
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestAvailabilityConflictRewritesDraft(t *testing.T) {
	e := newTestEnv(t)

	e.prov.queue("claude-gen", "Sure, let's talk tonight at 8!")
	e.prov.queue("claude-ref",
		`{"status":"availability_conflict","original_span":"tonight at 8","replacement_span":"tomorrow evening"}`,
		"Sure, let's talk tomorrow evening!")

	e.expectNotYetIngested()
	e.expectProtocolInactive("u1")
	e.expectNoCommitments("u1")
	e.mock.ExpectExec(`INSERT INTO interactions`).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			argContains{"tomorrow evening"}, // corrected draft
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectExec(`INSERT INTO coherence_records`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "availability_conflict",
			"tonight at 8", "tomorrow evening").
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.expectUserLookup("u1", 0)

	require.NoError(t, e.sup.Process(context.Background(), testUnit("u1", "free tonight?", 100)))
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestIdentityConflictRotatesVariantAndRegenerates(t *testing.T) {
	e := newTestEnv(t)

	e.prov.queue("claude-gen", "I'm actually a lawyer in Boston.", "Design school keeps me busy!")
	e.prov.queue("claude-ref",
		`{"status":"identity_conflict"}`,
		`{"status":"ok"}`,
		"Design school keeps me busy!")

	e.expectNotYetIngested()
	e.expectProtocolInactive("u1")
	e.expectNoCommitments("u1")
	e.mock.ExpectExec(`INSERT INTO interactions`).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			argContains{"Design school"}, // regenerated draft
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectExec(`INSERT INTO coherence_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.expectUserLookup("u1", 0)

	require.NoError(t, e.sup.Process(context.Background(), testUnit("u1", "what do you do?", 100)))
	assert.Equal(t, 2, e.prov.callsTo("claude-gen"))
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestRepeatedIdentityConflictFlagsForReviewer(t *testing.T) {
	e := newTestEnv(t)

	e.prov.queue("claude-gen", "draft one", "draft two")
	e.prov.queue("claude-ref",
		`{"status":"identity_conflict"}`,
		`{"status":"identity_conflict"}`,
		"draft two")

	e.expectNotYetIngested()
	e.expectProtocolInactive("u1")
	e.expectNoCommitments("u1")
	e.mock.ExpectExec(`INSERT INTO interactions`).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			argContains{"identity_loop_suspected"}, // safety annotation
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectExec(`INSERT INTO coherence_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectExec(`INSERT INTO coherence_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.expectUserLookup("u1", 0)

	require.NoError(t, e.sup.Process(context.Background(), testUnit("u1", "who are you?", 100)))
	// No third generation attempt.
	assert.Equal(t, 2, e.prov.callsTo("claude-gen"))
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestProtocolFlipDuringPipelineQuarantinesUnit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.prov.queue("claude-gen", "Hey, good to hear from you!")
	e.prov.queue("claude-ref", `{"status":"ok"}`, "Hey, good to hear from you!")
	// An operator activates the protocol while generation is in flight.
	e.prov.onComplete = func(model string) {
		if model == "claude-gen" {
			require.NoError(t, e.brk.CacheProtocolActive(ctx, "u1", true, time.Minute))
		}
	}

	e.expectNotYetIngested()
	e.expectProtocolInactive("u1")
	e.expectNoCommitments("u1")
	e.mock.ExpectQuery(`INSERT INTO quarantine_entries`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"entry_id", "user_id", "platform_msg_id", "text", "quarantined_at", "processed", "released_at", "deleted_at"}).
			AddRow("q1", "u1", int64(100), "hi", time.Now(), false, nil, nil))

	require.NoError(t, e.sup.Process(ctx, testUnit("u1", "hi", 100)))

	// No interaction row, nothing queued for review.
	queued, err := e.brk.ListReview(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestQuotaExhaustionRequeuesWithoutBurningRetries(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	profiles := map[string]*llm.Profile{
		"test": {
			Name:              "test",
			Generator:         llm.RoleConfig{Model: "claude-gen", MaxTokens: 512},
			Refiner:           llm.RoleConfig{Model: "claude-ref", MaxTokens: 512},
			DailyQuota:        map[string]int64{"claude-gen": 1000},
			CacheHintStrategy: llm.CacheHintStablePrefix,
		},
	}
	router, err := llm.NewRouter(map[string]llm.Provider{"anthropic": e.prov}, profiles, "test", e.brk, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	e.sup.router = router

	// Burn the whole generator budget for today.
	_, err = e.brk.IncrQuota(ctx, "claude-gen", time.Now().UTC(), 1000)
	require.NoError(t, err)

	e.expectNotYetIngested()
	e.expectProtocolInactive("u1")

	e.sup.handle(ctx, testUnit("u1", "hi", 100))

	assert.Zero(t, e.prov.callsTo("claude-gen"))

	// The unit cycles back through intake untouched; quota resets at
	// midnight, so no retry attempt is consumed.
	entry, _, err := e.brk.MoveToProcessing(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.PlatformMsgID)
	assert.Zero(t, entry.Attempts)

	dead, err := e.brk.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestRequeueMovesExhaustedEntriesToDeadLetter(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	unit := testUnit("u1", "hi", 100)
	unit.Attempts = 2 // at RetryMax; the next failure exhausts it
	unit.Entries[0].Attempts = 2

	e.sup.requeueEntries(ctx, unit, true)

	dead, err := e.brk.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
	n, err := e.brk.IntakeLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeueWithoutCountingAttemptGoesBackToIntake(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	unit := testUnit("u1", "hi", 100, 101)
	e.sup.requeueEntries(ctx, unit, false)

	n, err := e.brk.IntakeLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		status  string
		wantErr bool
	}{
		{name: "plain ok", raw: `{"status":"ok"}`, status: "ok"},
		{name: "fenced", raw: "```json\n{\"status\":\"availability_conflict\"}\n```", status: "availability_conflict"},
		{name: "leading prose", raw: `Here is the verdict: {"status":"identity_conflict"}`, status: "identity_conflict"},
		{name: "unknown status", raw: `{"status":"maybe"}`, wantErr: true},
		{name: "not json", raw: "I think it looks fine", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, v.Status)
		})
	}
}

func TestApplyAvailabilityFix(t *testing.T) {
	v := &verdict{OriginalSpan: "at 8", ReplacementSpan: "tomorrow"}
	assert.Equal(t, "see you tomorrow!", applyAvailabilityFix("see you at 8!", v))

	// Span not found: the correction is appended instead.
	missing := &verdict{OriginalSpan: "never present", ReplacementSpan: "actually I'm busy then"}
	assert.Equal(t, "see you soon\nactually I'm busy then", applyAvailabilityFix("see you soon", missing))
}

func TestSplitBubblesFallsBackToWholeText(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitBubbles("a[BUBBLE]b"))
	assert.Equal(t, []string{"just one message"}, splitBubbles("just one message"))
	assert.Nil(t, splitBubbles("   "))
}

func TestClampBubblesFoldsOverflow(t *testing.T) {
	in := []string{"1", "2", "3", "4", "5", "6", "7"}
	out := clampBubbles(in)
	require.Len(t, out, maxBubbles)
	assert.Equal(t, "5 6 7", out[maxBubbles-1])
}

func TestBuildGeneratorMessagesMergesTrailingUserTurn(t *testing.T) {
	history := []memory.Entry{
		{Role: memory.RoleAssistant, Text: "hey!"},
		{Role: memory.RoleUser, Text: "hi"},
	}
	msgs := buildGeneratorMessages(history, "you there?")
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "hi\nyou there?", msgs[1].Content)
}
