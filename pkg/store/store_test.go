package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
)

func testStores(t *testing.T) *Stores {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStores(t)

	cp := &contracts.Checkpoint{
		ThreadID: "action-1",
		State:    map[string]any{"draft": "hello"},
		Metadata: contracts.ThreadMetadata{
			Status:            contracts.StatusPending,
			ApprovalRequestID: "apr-abc123def456",
			RequestedBy:       "U123",
			Chat:              &contracts.ChatHandle{Channel: "C1", MessageTS: "1.1"},
		},
	}
	require.NoError(t, s.Checkpoints.Upsert(ctx, s.DB, cp))

	got, err := s.Checkpoints.Get(ctx, s.DB, "action-1", false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, contracts.StatusPending, got.Metadata.Status)
	assert.Equal(t, "apr-abc123def456", got.Metadata.ApprovalRequestID)
	assert.Equal(t, "hello", got.State["draft"])
	require.NotNil(t, got.Metadata.Chat)
	assert.Equal(t, "C1", got.Metadata.Chat.Channel)

	// Unknown thread reads as nil, not an error.
	missing, err := s.Checkpoints.Get(ctx, s.DB, "action-999", false)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCheckpointApprovalIndex(t *testing.T) {
	ctx := context.Background()
	s := testStores(t)

	cp := &contracts.Checkpoint{
		ThreadID: "action-7",
		Metadata: contracts.ThreadMetadata{
			Status:            contracts.StatusPending,
			ApprovalRequestID: "apr-0011223344aa",
		},
	}
	require.NoError(t, s.Checkpoints.Upsert(ctx, s.DB, cp))

	threadID, err := s.Checkpoints.ThreadByApprovalID(ctx, s.DB, "apr-0011223344aa")
	require.NoError(t, err)
	assert.Equal(t, "action-7", threadID)

	_, err = s.Checkpoints.ThreadByApprovalID(ctx, s.DB, "apr-nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	// Re-upserting the same approval id keeps a single index row.
	require.NoError(t, s.Checkpoints.Upsert(ctx, s.DB, cp))
	threadID, err = s.Checkpoints.ThreadByApprovalID(ctx, s.DB, "apr-0011223344aa")
	require.NoError(t, err)
	assert.Equal(t, "action-7", threadID)
}

func TestCheckpointThreadByChatTS(t *testing.T) {
	ctx := context.Background()
	s := testStores(t)

	require.NoError(t, s.Checkpoints.Upsert(ctx, s.DB, &contracts.Checkpoint{
		ThreadID: "action-11",
		Metadata: contracts.ThreadMetadata{
			Chat: &contracts.ChatHandle{Channel: "C1", MessageTS: "42.0001"},
		},
	}))

	got, err := s.Checkpoints.ThreadByChatTS(ctx, s.DB, "42.0001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "action-11", got.ThreadID)

	got, err = s.Checkpoints.ThreadByChatTS(ctx, s.DB, "99.9999")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestActionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := testStores(t)

	id, err := s.Actions.Insert(ctx, s.DB, &contracts.Action{
		ActionType:   contracts.ActionTypeEmail,
		DraftContent: "draft one",
		Status:       contracts.StatusDrafted,
	})
	require.NoError(t, err)
	require.Positive(t, id)

	a, err := s.Actions.Get(ctx, s.DB, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDrafted, a.Status)
	assert.False(t, a.IsApproved)

	require.NoError(t, s.Actions.SetStatus(ctx, s.DB, id, contracts.StatusApproved))
	a, err = s.Actions.Get(ctx, s.DB, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, a.Status)
	assert.True(t, a.IsApproved)

	require.NoError(t, s.Actions.SetDraft(ctx, s.DB, id, "draft two"))
	a, err = s.Actions.Get(ctx, s.DB, id)
	require.NoError(t, err)
	assert.Equal(t, "draft two", a.DraftContent)

	_, err = s.Actions.Get(ctx, s.DB, 9999)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.ErrorIs(t, s.Actions.SetStatus(ctx, s.DB, 9999, contracts.StatusRejected), contracts.ErrNotFound)
}

func TestRunLedger(t *testing.T) {
	ctx := context.Background()
	s := testStores(t)

	run := &contracts.ExecutionRun{
		RunID:      "ext-aaa111bbb222",
		JobID:      "job-ccc333ddd444",
		ActionID:   5,
		ActionType: contracts.ActionTypeEmail,
		Provider:   "mock",
		Status:     contracts.RunSucceeded,
		Payload:    map[string]any{"to": []any{"a@example.com"}},
		Response:   map[string]any{"id": "mail-0123456789"},
	}
	require.NoError(t, s.Runs.Insert(ctx, s.DB, run))

	runs, err := s.Runs.ListByAction(ctx, s.DB, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ext-aaa111bbb222", runs[0].RunID)
	assert.Equal(t, contracts.RunSucceeded, runs[0].Status)
	assert.Equal(t, "mail-0123456789", runs[0].Response["id"])

	n, err := s.Runs.CountByJob(ctx, s.DB, "job-ccc333ddd444")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Runs.CountByJob(ctx, s.DB, "job-unknown")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWatchdogJobTransitions(t *testing.T) {
	ctx := context.Background()
	s := testStores(t)

	require.NoError(t, s.Jobs.Enqueue(ctx, s.DB, "wd-1"))
	j, err := s.Jobs.Get(ctx, s.DB, "wd-1")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, j.Status)

	require.NoError(t, s.Jobs.MarkRunning(ctx, s.DB, "wd-1"))
	require.NoError(t, s.Jobs.MarkFinished(ctx, s.DB, "wd-1", JobSucceeded, "2 alerts"))

	j, err = s.Jobs.Get(ctx, s.DB, "wd-1")
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, j.Status)
	assert.Equal(t, "2 alerts", j.Summary)
	assert.False(t, j.FinishedAt.IsZero())

	_, err = s.Jobs.Get(ctx, s.DB, "wd-missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	require.NoError(t, s.Jobs.RecordAlert(ctx, s.DB, "P-1", "Critical", 5))
}

func TestCheckpointUpsertPropagatesWriteError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()

	db := &database.DB{DB: raw, Dialect: database.DialectSQLite}
	s := New(db)

	mock.ExpectQuery(`SELECT 1 FROM langgraph_checkpoints`).
		WithArgs("action-1").
		WillReturnError(errors.New("disk I/O error"))

	err = s.Checkpoints.Upsert(context.Background(), db, &contracts.Checkpoint{ThreadID: "action-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
