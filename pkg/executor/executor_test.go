package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
	"github.com/saihai-dev/saihai/pkg/store"
)

func testHarness(t *testing.T) (*Executor, *store.Stores) {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores := store.New(db)
	cfg := Config{
		Defaults: Defaults{
			EmailTo:          "manager@example.com",
			EmailFrom:        "no-reply@saihai.local",
			CalendarAttendee: "team@example.com",
			CalendarTimezone: "Asia/Tokyo",
		},
	}
	return New(cfg, stores, nil, nil, nil), stores
}

func insertAction(t *testing.T, stores *store.Stores, actionType contracts.ActionType, draft string) int64 {
	t.Helper()
	id, err := stores.Actions.Insert(context.Background(), stores.DB, &contracts.Action{
		ActionType:   actionType,
		DraftContent: draft,
		Status:       contracts.StatusApproved,
	})
	require.NoError(t, err)
	return id
}

func TestExecuteEmailMock(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)

	id := insertAction(t, stores, contracts.ActionTypeEmail,
		"Please follow up.\n"+`{"to":"a@example.com","subject":"Follow-up"}`)

	runs, err := e.Execute(ctx, stores.DB, "job-000000000001", id, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunSucceeded, runs[0].Status)
	assert.Equal(t, ProviderMock, runs[0].Provider)
	assert.True(t, strings.HasPrefix(runs[0].Response["message_id"].(string), "mail-"))
	assert.Equal(t, "a@example.com", runs[0].Response["to"])

	// The attempt is on the ledger.
	ledger, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, runs[0].RunID, ledger[0].RunID)
	assert.Equal(t, "job-000000000001", ledger[0].JobID)
}

func TestExecuteCalendarMockNeverRaises(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)
	e.cfg.CalendarProvider = "unsupported-provider"

	id := insertAction(t, stores, contracts.ActionTypeCalendar, `{"title":"Sync"}`)

	runs, err := e.Execute(ctx, stores.DB, "job-000000000002", id, nil)
	require.NoError(t, err, "calendar failures are recorded, not raised")
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)

	ledger, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, contracts.RunFailed, ledger[0].Status)
}

func TestExecuteHRMock(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)

	id := insertAction(t, stores, contracts.ActionTypeHR, `{"hr_request":{"kind":"transfer"}}`)
	runs, err := e.Execute(ctx, stores.DB, "job-000000000003", id, nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, strings.HasPrefix(runs[0].Response["request_id"].(string), "hr-"))
	assert.Equal(t, map[string]any{"kind": "transfer"}, runs[0].Payload)
}

func TestExecuteEmailFailureRaisesAfterRecording(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)
	e.cfg.EmailProvider = "smtp" // not supported: must fail

	id := insertAction(t, stores, contracts.ActionTypeEmail, "body")
	runs, err := e.Execute(ctx, stores.DB, "job-000000000004", id, nil)
	require.Error(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunFailed, runs[0].Status)

	ledger, lerr := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, lerr)
	assert.Len(t, ledger, 1, "failed attempts are still recorded")
}

func TestExecuteBatch(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)

	draft := `{"actions":[` +
		`{"type":"mail_draft","payload":{"to":"a@example.com","subject":"s","body":"b"}},` +
		`{"type":"hr_request","payload":{"kind":"transfer"}},` +
		`{"type":"unknown_type","payload":{}}]}`
	id := insertAction(t, stores, contracts.ActionTypeEmail, draft)

	runs, err := e.Execute(ctx, stores.DB, "job-000000000005", id, nil)
	require.NoError(t, err)
	require.Len(t, runs, 2, "unknown batch entries are skipped")
	assert.Equal(t, contracts.ActionTypeEmail, runs[0].ActionType)
	assert.Equal(t, contracts.ActionTypeHR, runs[1].ActionType)
}

func TestExecuteUnknownActionType(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)

	_, err := stores.DB.ExecContext(ctx,
		`INSERT INTO autonomous_actions (action_type, draft_content, status, is_approved, created_at)
		 VALUES ('mystery', '', 'approved', 1, '2026-03-01T00:00:00Z')`)
	require.NoError(t, err)

	runs, err := e.Execute(ctx, stores.DB, "job-000000000006", 1, nil)
	require.NoError(t, err)
	assert.Nil(t, runs)
}

func TestExecuteMissingAction(t *testing.T) {
	e, stores := testHarness(t)
	_, err := e.Execute(context.Background(), stores.DB, "job-x", 404, nil)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestExecutePayloadOverride(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)

	id := insertAction(t, stores, contracts.ActionTypeEmail, `{"to":"draft@example.com"}`)
	runs, err := e.Execute(ctx, stores.DB, "job-000000000007", id,
		map[string]any{"to": "override@example.com", "subject": "s", "body": "b"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "override@example.com", runs[0].Response["to"])
}

func TestCreateTentativeHold(t *testing.T) {
	ctx := context.Background()
	e, stores := testHarness(t)
	_ = stores

	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })

	resp, err := e.CreateTentativeHold(ctx, map[string]any{"title": "Sync", "timezone": "Asia/Tokyo"}, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp["event_id"].(string), "cal-"))
	assert.Equal(t, "Tentative: Sync", resp["title"])

	tokyo, _ := time.LoadLocation("Asia/Tokyo")
	start, err := time.Parse(time.RFC3339, resp["start_at"].(string))
	require.NoError(t, err)
	end, err := time.Parse(time.RFC3339, resp["end_at"].(string))
	require.NoError(t, err)
	wantStart := time.Date(2026, 3, 2, 18, 0, 0, 0, tokyo)
	assert.Equal(t, wantStart.Unix(), start.Unix())
	assert.Equal(t, time.Hour, end.Sub(start))
}

func TestRedact(t *testing.T) {
	out := redact(map[string]any{
		"to":           "a@example.com",
		"access_token": "secret-value",
		"apiSecret":    "x",
		"password":     "y",
	})
	assert.Equal(t, map[string]any{"to": "a@example.com"}, out)
}
