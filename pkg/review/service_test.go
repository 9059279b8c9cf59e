package review

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *broker.Client) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	brk := broker.NewClientFromRedis(rdb)
	svc := NewService(store.New(sqlx.NewDb(db, "pgx")), brk, slog.New(slog.DiscardHandler))
	return svc, mock, brk
}

func interactionRows(id, userID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"interaction_id", "user_id", "platform_msg_id", "platform_msg_ids",
		"platform_ts", "received_at", "user_text", "draft_text", "bubbles",
		"safety", "review_status", "reviewer_id", "review_latency_ms",
		"generation_cost", "refine_cost", "is_recovered", "reviewer_note",
		"edit_tags", "quality_score", "final_bubbles", "dispatch_status",
		"created_at", "claimed_at", "reviewed_at",
	}).AddRow(
		id, userID, int64(100), []byte(`[100]`),
		time.Now(), time.Now(), "hey", "draft", []byte(`["hi","there"]`),
		[]byte(`{"risk_score":0.3,"flags":["mild"]}`), status, nil, nil,
		[]byte(`{}`), []byte(`{}`), false, "",
		nil, nil, nil, "pending",
		time.Now(), nil, nil,
	)
}

func TestPriorityFormula(t *testing.T) {
	// Age saturates at one hour.
	assert.InDelta(t, 0.4, Priority(120, 0, 0), 1e-9)
	assert.InDelta(t, 0.2, Priority(30, 0, 0), 1e-9)
	// Value and risk each contribute 0.3 at their cap.
	assert.InDelta(t, 1.0, Priority(60, 1, 1), 1e-9)
	// Out-of-range inputs are clamped.
	assert.InDelta(t, 0.3, Priority(-5, 2.0, 0), 1e-9)
}

func TestApproveQueuesDispatchAndClearsQueue(t *testing.T) {
	svc, mock, brk := newTestService(t)
	ctx := context.Background()

	_, err := brk.EnqueueReview(ctx, "i1", 0.5)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE interactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT interaction_id`).
		WillReturnRows(interactionRows("i1", "u1", "approved"))

	it, err := svc.Approve(ctx, "i1", ApproveRequest{
		ReviewerID:   "rev-1",
		FinalBubbles: []string{"hi", "there"},
		EditTags:     []string{"TONE"},
		QualityScore: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "i1", it.ID)

	job, err := brk.PopApproved(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "i1", job.InteractionID)
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, []string{"hi", "there"}, job.FinalBubbles)

	n, err := brk.ReviewQueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApproveRejectsInvalidRequests(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var verr *store.ValidationError

	// No bubbles.
	_, err := svc.Approve(ctx, "i1", ApproveRequest{ReviewerID: "r", QualityScore: 3})
	require.ErrorAs(t, err, &verr)

	// Quality out of range.
	_, err = svc.Approve(ctx, "i1", ApproveRequest{
		ReviewerID: "r", FinalBubbles: []string{"hi"}, QualityScore: 9,
	})
	require.ErrorAs(t, err, &verr)

	// Unknown edit tag.
	_, err = svc.Approve(ctx, "i1", ApproveRequest{
		ReviewerID: "r", FinalBubbles: []string{"hi"}, QualityScore: 3,
		EditTags: []string{"VIBES"},
	})
	require.ErrorAs(t, err, &verr)
}

func TestRejectRemovesFromQueue(t *testing.T) {
	svc, mock, brk := newTestService(t)
	ctx := context.Background()

	_, err := brk.EnqueueReview(ctx, "i1", 0.5)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE interactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Reject(ctx, "i1", "rev-1", "off persona"))

	n, err := brk.ReviewQueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingPrunesStaleEntries(t *testing.T) {
	svc, mock, brk := newTestService(t)
	ctx := context.Background()

	_, err := brk.EnqueueReview(ctx, "gone", 0.9)
	require.NoError(t, err)
	_, err = brk.EnqueueReview(ctx, "i1", 0.5)
	require.NoError(t, err)

	// Higher priority first; its row no longer exists.
	mock.ExpectQuery(`SELECT interaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"interaction_id"}))
	mock.ExpectQuery(`SELECT interaction_id`).
		WillReturnRows(interactionRows("i1", "u1", "pending"))
	mock.ExpectQuery(`SELECT user_id, nickname`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"user_id", "nickname", "customer_status", "lifetime_value", "first_seen_at", "updated_at"}).
			AddRow("u1", "sam", "regular", 0.4, time.Now(), time.Now()))

	items, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "i1", items[0].InteractionID)
	assert.Equal(t, "sam", items[0].Nickname)
	assert.InDelta(t, 0.3, items[0].RiskScore, 1e-9)

	// The dangling entry was pruned.
	n, err := brk.ReviewQueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepriceKeepsSequenceAndLiftsOldItems(t *testing.T) {
	svc, mock, brk := newTestService(t)
	ctx := context.Background()
	svc.now = func() time.Time { return time.Now() }

	seq1, err := brk.EnqueueReview(ctx, "i1", 0.1)
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	rows := sqlmock.NewRows([]string{
		"interaction_id", "user_id", "platform_msg_id", "platform_msg_ids",
		"platform_ts", "received_at", "user_text", "draft_text", "bubbles",
		"safety", "review_status", "reviewer_id", "review_latency_ms",
		"generation_cost", "refine_cost", "is_recovered", "reviewer_note",
		"edit_tags", "quality_score", "final_bubbles", "dispatch_status",
		"created_at", "claimed_at", "reviewed_at",
	}).AddRow(
		"i1", "u1", int64(100), []byte(`[100]`),
		old, old, "hey", "draft", []byte(`[]`),
		[]byte(`{"risk_score":0,"flags":[]}`), "pending", nil, nil,
		[]byte(`{}`), []byte(`{}`), false, "",
		nil, nil, nil, "pending",
		old, nil, nil,
	)
	mock.ExpectQuery(`SELECT interaction_id`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT user_id, nickname`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	require.NoError(t, svc.repriceOnce(ctx))

	queued, err := brk.ListReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	// Two hours old: age term saturated at 0.4.
	assert.InDelta(t, 0.4, queued[0].Priority, 1e-9)
	assert.Equal(t, seq1, queued[0].Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}
