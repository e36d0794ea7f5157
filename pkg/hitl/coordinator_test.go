package hitl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
	"github.com/saihai-dev/saihai/pkg/executor"
	"github.com/saihai-dev/saihai/pkg/policy"
	"github.com/saihai-dev/saihai/pkg/slack"
	"github.com/saihai-dev/saihai/pkg/store"
)

// fakeGateway records everything posted so tests can assert on chat traffic.
type fakeGateway struct {
	mu       sync.Mutex
	prompts  []slack.ApprovalPrompt
	messages []string
	handle   *contracts.ChatHandle
}

func (g *fakeGateway) SendApprovalPrompt(_ context.Context, p slack.ApprovalPrompt) (*contracts.ChatHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	return g.handle, nil
}

func (g *fakeGateway) PostThreadMessage(_ context.Context, _ contracts.ChatHandle, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, text)
}

func (g *fakeGateway) SendDemoAlert(context.Context, string) (*contracts.ChatHandle, error) {
	return g.handle, nil
}

func (g *fakeGateway) SendDemoPrompt(context.Context, contracts.ChatHandle, string, string) {}

func (g *fakeGateway) SendDemoRetryPrompt(context.Context, contracts.ChatHandle, string, string) {}

func testCoordinator(t *testing.T) (*Coordinator, *store.Stores, *fakeGateway) {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores := store.New(db)
	exec := executor.New(executor.Config{
		Defaults: executor.Defaults{
			EmailTo:          "manager@example.com",
			EmailFrom:        "no-reply@saihai.local",
			CalendarAttendee: "team@example.com",
			CalendarTimezone: "Asia/Tokyo",
		},
	}, stores, nil, nil, nil)

	gw := &fakeGateway{handle: &contracts.ChatHandle{Channel: "C1", MessageTS: "111.222"}}
	return New(stores, exec, gw, nil, nil, nil), stores, gw
}

func mustInsertAction(t *testing.T, stores *store.Stores, actionType contracts.ActionType, draft string) int64 {
	t.Helper()
	id, err := stores.Actions.Insert(context.Background(), stores.DB, &contracts.Action{
		ActionType:   actionType,
		DraftContent: draft,
	})
	require.NoError(t, err)
	return id
}

func auditTypes(events []contracts.AuditEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestHappyPathEmail(t *testing.T) {
	ctx := context.Background()
	c, stores, gw := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		"Send the update.\n"+`{"to":"a@example.com","subject":"Update","body":"hello"}`)

	req, err := c.RequestApproval(ctx, id, "U_req", "intake-1", "Send status mail")
	require.NoError(t, err)
	assert.Equal(t, ThreadID(id), req.ThreadID)
	assert.True(t, strings.HasPrefix(req.ApprovalRequestID, "apr-"))
	assert.Equal(t, contracts.StatusPending, req.Status)
	require.NotNil(t, req.Chat)

	action, err := stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPending, action.Status)

	job, err := c.Approve(ctx, req.ApprovalRequestID, "U_boss", "click-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.JobID, "job-"))
	assert.Equal(t, contracts.StatusExecuted, job.Status)

	action, err = stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, action.Status)
	assert.True(t, action.IsApproved)

	runs, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunSucceeded, runs[0].Status)
	assert.Equal(t, job.JobID, runs[0].JobID)

	events, err := c.FetchAuditLogs(ctx, req.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		contracts.AuditApprovalRequested,
		contracts.AuditApprovalApproved,
		contracts.AuditExecutionStarted,
		contracts.AuditExecutionSuccess,
	}, auditTypes(events))
	assert.Equal(t, "U_boss", events[1].Actor)
	assert.Equal(t, "worker", events[2].Actor)
	assert.Equal(t, job.JobID, events[3].CorrelationID)
	assert.NotEmpty(t, events[3].ContentHash, "terminal events carry a content hash")

	require.Len(t, gw.prompts, 1)
	assert.Equal(t, "Send status mail", gw.prompts[0].Summary)
}

func TestRequestApprovalIdempotent(t *testing.T) {
	ctx := context.Background()
	c, stores, gw := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail, "draft")

	first, err := c.RequestApproval(ctx, id, "U_req", "intake-1", "s")
	require.NoError(t, err)
	second, err := c.RequestApproval(ctx, id, "U_req", "intake-1", "s")
	require.NoError(t, err)

	assert.Equal(t, first.ApprovalRequestID, second.ApprovalRequestID)
	assert.Len(t, gw.prompts, 1, "no duplicate prompt")

	events, err := c.FetchAuditLogs(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDuplicateApproveSharesJob(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)

	first, err := c.Approve(ctx, req.ApprovalRequestID, "U_boss", "click-1")
	require.NoError(t, err)
	second, err := c.Approve(ctx, req.ApprovalRequestID, "U_boss", "click-1-retry")
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, contracts.StatusExecuted, second.Status)

	runs, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "the external action ran exactly once")
}

func TestSteerThenApprove(t *testing.T) {
	ctx := context.Background()
	c, stores, gw := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)

	steered, err := c.ApplySteer(ctx, req.ApprovalRequestID, "U_editor", "add CC", "B", "")
	require.NoError(t, err)
	assert.NotEqual(t, req.ApprovalRequestID, steered.ApprovalRequestID, "steer mints a fresh approval request")
	assert.Equal(t, contracts.StatusPending, steered.Status)

	action, err := stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(action.DraftContent, "\n\n[Steer] add CC\n[Plan] B"))

	events, err := c.FetchAuditLogs(ctx, req.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		contracts.AuditApprovalRequested,
		contracts.AuditFeedbackReceived,
		contracts.AuditApprovalRequested,
	}, auditTypes(events))
	assert.Equal(t, "U_editor", events[1].Actor)
	assert.Equal(t, "U_req", events[1].Detail["requested_by"])

	require.Len(t, gw.prompts, 2)
	assert.Equal(t, "steer update", gw.prompts[1].Summary)

	job, err := c.Approve(ctx, steered.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, job.Status)
}

func TestSteerIdempotentByDerivedKey(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail, "draft")
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)

	first, err := c.ApplySteer(ctx, req.ApprovalRequestID, "U_editor", "tighten tone", "", "")
	require.NoError(t, err)

	action, err := stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	draftAfterFirst := action.DraftContent

	// Same feedback replayed against the original approval id: the derived
	// key suppresses a second amendment.
	second, err := c.ApplySteer(ctx, req.ApprovalRequestID, "U_editor", "tighten tone", "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ApprovalRequestID, second.ApprovalRequestID)

	action, err = stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Equal(t, draftAfterFirst, action.DraftContent)
	assert.Equal(t, 1, strings.Count(action.DraftContent, "[Steer]"))
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	c, stores, gw := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail, "draft")
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)

	require.NoError(t, c.Reject(ctx, req.ApprovalRequestID, "U_boss", "click-1"))

	action, err := stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, action.Status)

	events, err := c.FetchAuditLogs(ctx, req.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AuditApprovalRejected, events[len(events)-1].EventType)

	runs, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Contains(t, gw.messages[len(gw.messages)-1], "Rejected")

	// Re-rejecting is a no-op; approving a rejected request conflicts.
	require.NoError(t, c.Reject(ctx, req.ApprovalRequestID, "U_boss", "click-2"))
	_, err = c.Approve(ctx, req.ApprovalRequestID, "U_boss", "")
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestRejectAfterExecutionConflicts(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)
	_, err = c.Approve(ctx, req.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)

	err = c.Reject(ctx, req.ApprovalRequestID, "U_boss", "")
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestSteerAfterExecutionConflicts(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)
	_, err = c.Approve(ctx, req.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)

	_, err = c.ApplySteer(ctx, req.ApprovalRequestID, "U_editor", "too late", "", "")
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestExecutionFailureMarksThreadFailed(t *testing.T) {
	ctx := context.Background()
	c, stores, gw := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail, "draft")
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)
	_ = req

	job, err := c.ProcessExecutionJob(ctx, id, true, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, job.Status)

	action, err := stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, action.Status)

	events, err := c.FetchAuditLogs(ctx, ThreadID(id))
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, contracts.AuditExecutionFailed, last.EventType)
	assert.Equal(t, "simulated failure", last.Detail["error"])
	assert.NotEmpty(t, last.ContentHash)

	assert.Contains(t, gw.messages[len(gw.messages)-1], "failed")
}

func TestCalendarProviderFailureMarksThreadFailed(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores := store.New(db)
	// Google backend without credentials or a client: every insert fails at
	// the provider, which the executor records without raising.
	exec := executor.New(executor.Config{
		CalendarProvider: executor.ProviderGoogle,
		Defaults: executor.Defaults{
			CalendarAttendee: "team@example.com",
			CalendarTimezone: "Asia/Tokyo",
		},
	}, stores, nil, nil, nil)
	gw := &fakeGateway{handle: &contracts.ChatHandle{Channel: "C1", MessageTS: "111.222"}}
	c := New(stores, exec, gw, nil, nil, nil)

	id := mustInsertAction(t, stores, contracts.ActionTypeCalendar,
		`{"title":"1on1","start_at":"2026-03-02T10:00","end_at":"2026-03-02T11:00"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "meet")
	require.NoError(t, err)

	job, err := c.Approve(ctx, req.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, job.Status)

	action, err := stores.Actions.Get(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, action.Status)

	runs, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "not wired")

	events, err := c.FetchAuditLogs(ctx, req.ThreadID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, contracts.AuditExecutionFailed, last.EventType)
	assert.Contains(t, last.Detail["error"], "not wired")

	assert.Contains(t, gw.messages[len(gw.messages)-1], "failed")
}

func TestConcurrentApprovesRunOnce(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)

	const n = 8
	results := make([]*ExecutionJobResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Approve(ctx, req.ApprovalRequestID, "U_boss", fmt.Sprintf("click-%d", i))
		}(i)
	}
	wg.Wait()

	// Exactly one call drives execution; the rest share its job or observe
	// the approved-but-not-started window as a conflict.
	var jobIDs []string
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], contracts.ErrConflict)
			continue
		}
		require.NotNil(t, results[i])
		require.NotEmpty(t, results[i].JobID)
		jobIDs = append(jobIDs, results[i].JobID)
	}
	require.NotEmpty(t, jobIDs, "at least one approve must win")
	for _, jobID := range jobIDs {
		assert.Equal(t, jobIDs[0], jobID)
	}

	runs, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	require.Len(t, runs, 1, "the external action ran exactly once")
	assert.Equal(t, jobIDs[0], runs[0].JobID)

	events, err := c.FetchAuditLogs(ctx, req.ThreadID)
	require.NoError(t, err)
	started := 0
	for _, e := range events {
		if e.EventType == contracts.AuditExecutionStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestApproveBeforeJobStartConflicts(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "s")
	require.NoError(t, err)

	// Force the window between the approved commit and the job mint.
	cp, err := stores.Checkpoints.Get(ctx, stores.DB, req.ThreadID, false)
	require.NoError(t, err)
	cp.Metadata.Status = contracts.StatusApproved
	require.NoError(t, stores.Checkpoints.Upsert(ctx, stores.DB, cp))

	_, err = c.Approve(ctx, req.ApprovalRequestID, "U_boss", "")
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestApprovePolicyDenied(t *testing.T) {
	ctx := context.Background()
	c, stores, gw := testCoordinator(t)

	approver, err := policy.New(`actor != requested_by`)
	require.NoError(t, err)
	c.approver = approver

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail, "draft")
	req, err := c.RequestApproval(ctx, id, "U_self", "", "s")
	require.NoError(t, err)

	_, err = c.Approve(ctx, req.ApprovalRequestID, "U_self", "")
	assert.ErrorIs(t, err, contracts.ErrConflict)
	assert.Contains(t, gw.messages[len(gw.messages)-1], "not allowed")

	runs, err := stores.Runs.ListByAction(ctx, stores.DB, id)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// A different actor still can.
	job, err := c.Approve(ctx, req.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, job.Status)
}

func TestApproveUnknownApproval(t *testing.T) {
	c, _, _ := testCoordinator(t)
	_, err := c.Approve(context.Background(), "apr-missing", "U1", "")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestTentativeHoldOnCalendarRequest(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	id := mustInsertAction(t, stores, contracts.ActionTypeCalendar,
		`{"title":"1on1","timezone":"Asia/Tokyo"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "meet")
	require.NoError(t, err)

	cp, err := stores.Checkpoints.Get(ctx, stores.DB, req.ThreadID, false)
	require.NoError(t, err)
	require.NotNil(t, cp.Metadata.Tentative)
	assert.Equal(t, "created", cp.Metadata.Tentative.Status)
	assert.True(t, strings.HasPrefix(cp.Metadata.Tentative.EventID, "cal-"))
}

func TestFetchAuditLogsUnknownThread(t *testing.T) {
	c, _, _ := testCoordinator(t)
	_, err := c.FetchAuditLogs(context.Background(), "action-999")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestFetchHistory(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)

	id1 := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	id2 := mustInsertAction(t, stores, contracts.ActionTypeEmail, "draft")

	r1, err := c.RequestApproval(ctx, id1, "U_req", "", "first")
	require.NoError(t, err)
	_, err = c.Approve(ctx, r1.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)

	_, err = c.RequestApproval(ctx, id2, "U_req", "", "second")
	require.NoError(t, err)
	require.NoError(t, c.TagThread(ctx, ThreadID(id2), "watchdog", "proj-1", "Critical"))

	all, err := c.FetchHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ThreadID(id2), all[0].ThreadID, "most recently updated first")
	assert.Equal(t, "second", all[0].Summary)
	assert.Equal(t, "proj-1", all[0].ProjectID)

	executed, err := c.FetchHistory(ctx, HistoryFilter{Status: contracts.StatusExecuted})
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, ThreadID(id1), executed[0].ThreadID)

	byProject, err := c.FetchHistory(ctx, HistoryFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, ThreadID(id2), byProject[0].ThreadID)
}

// recordingStream captures mirrored audit events.
type recordingStream struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingStream) Record(threadID, _, eventType string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, threadID+"/"+eventType)
	return nil
}

func TestAuditStreamMirrorsEvents(t *testing.T) {
	ctx := context.Background()
	c, stores, _ := testCoordinator(t)
	stream := &recordingStream{}
	c.WithAuditStream(stream)

	id := mustInsertAction(t, stores, contracts.ActionTypeEmail,
		`{"to":"a@example.com","subject":"s","body":"b"}`)
	req, err := c.RequestApproval(ctx, id, "U_req", "", "mail")
	require.NoError(t, err)
	_, err = c.Approve(ctx, req.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)

	thread := ThreadID(id)
	assert.Equal(t, []string{
		thread + "/approval_requested",
		thread + "/approval_approved",
		thread + "/execution_started",
		thread + "/execution_succeeded",
	}, stream.lines)
}
