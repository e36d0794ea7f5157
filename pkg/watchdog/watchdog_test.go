package watchdog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
	"github.com/saihai-dev/saihai/pkg/executor"
	"github.com/saihai-dev/saihai/pkg/hitl"
	"github.com/saihai-dev/saihai/pkg/store"
)

func TestScoreMotivation(t *testing.T) {
	score, sentiment := ScoreMotivation("挑戦と成長の機会。学びが多い。")
	assert.Equal(t, 96.0, score)
	assert.Equal(t, 0.75, sentiment)

	score, sentiment = ScoreMotivation("疲労が限界。燃え尽き気味。")
	assert.Equal(t, 0.0, score)
	assert.Equal(t, -0.75, sentiment)

	score, sentiment = ScoreMotivation("特に変化なし")
	assert.Equal(t, 60.0, score)
	assert.Equal(t, 0.0, sentiment)
}

func TestScoreProjectHealth(t *testing.T) {
	score, level := ScoreProjectHealth("順調です")
	assert.Equal(t, 80.0, score)
	assert.Equal(t, RiskSafe, level)

	score, level = ScoreProjectHealth("疲労 炎上")
	assert.Equal(t, 55.0, score)
	assert.Equal(t, RiskWarning, level)

	score, level = ScoreProjectHealth("炎上 炎上 疲労 限界")
	assert.Equal(t, 30.0, score)
	assert.Equal(t, RiskCritical, level)
}

func TestVarianceAndManagerGap(t *testing.T) {
	assert.Equal(t, 0.0, Variance(nil))
	assert.Equal(t, 0.0, Variance([]float64{70}))
	assert.Equal(t, 0.4, Variance([]float64{30, 70, 50}))

	mgr := 90.0
	assert.Equal(t, 0.4, ManagerGap(&mgr, []float64{40, 60}))
	assert.Equal(t, 0.0, ManagerGap(nil, []float64{40, 60}))
	assert.Equal(t, 0.0, ManagerGap(&mgr, nil))
}

func TestDeterminePattern(t *testing.T) {
	assert.Equal(t, "burnout", DeterminePattern("疲労が続く 挑戦したい"))
	assert.Equal(t, "toxic", DeterminePattern("対人トラブルの噂"))
	assert.Equal(t, "rising_star", DeterminePattern("挑戦と伸びしろ"))
	assert.Equal(t, "constraint", DeterminePattern("顧問として週1稼働"))
	assert.Equal(t, "luxury", DeterminePattern("高単価だが優秀"))
	assert.Equal(t, "the_savior", DeterminePattern("順調"))
}

func TestRecommendedPlan(t *testing.T) {
	assert.Equal(t, "Plan_B", RecommendedPlan(60))
	assert.Equal(t, "Plan_A", RecommendedPlan(61))
}

func testWatchdog(t *testing.T) (*Watchdog, *store.Stores, *hitl.Coordinator) {
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
	coordinator := hitl.New(stores, exec, nil, nil, nil, nil)
	return New(stores, coordinator, nil), stores, coordinator
}

func seedOrg(t *testing.T, stores *store.Stores) {
	t.Helper()
	ctx := context.Background()
	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO users (user_id, name, role, career_aspiration) VALUES (?, ?, ?, ?)`,
			[]any{"U1", "Sato", "engineer", "成長したい"}},
		{`INSERT INTO users (user_id, name, role, career_aspiration) VALUES (?, ?, ?, ?)`,
			[]any{"U2", "Suzuki", "engineer", ""}},
		{`INSERT INTO users (user_id, name, role, career_aspiration) VALUES (?, ?, ?, ?)`,
			[]any{"M1", "Tanaka", "manager", ""}},
		{`INSERT INTO projects (project_id, project_name, manager_id) VALUES (?, ?, ?)`,
			[]any{"P_RISKY", "Risky Project", "M1"}},
		{`INSERT INTO projects (project_id, project_name, manager_id) VALUES (?, ?, ?)`,
			[]any{"P_SAFE", "Safe Project", "M1"}},
		{`INSERT INTO assignments (user_id, project_id, allocation_rate) VALUES (?, ?, ?)`,
			[]any{"U1", "P_RISKY", 1.0}},
		{`INSERT INTO assignments (user_id, project_id, allocation_rate) VALUES (?, ?, ?)`,
			[]any{"U2", "P_RISKY", 0.5}},
		{`INSERT INTO assignments (user_id, project_id, allocation_rate) VALUES (?, ?, ?)`,
			[]any{"U2", "P_SAFE", 0.5}},
		{`INSERT INTO weekly_reports (user_id, project_id, reporting_date, content_text) VALUES (?, ?, ?, ?)`,
			[]any{"U1", "P_RISKY", "2026-08-24", "炎上 炎上 疲労で限界です"}},
		{`INSERT INTO weekly_reports (user_id, project_id, reporting_date, content_text) VALUES (?, ?, ?, ?)`,
			[]any{"U2", "P_SAFE", "2026-08-24", "順調に成長しています"}},
	}
	for _, s := range stmts {
		_, err := stores.DB.ExecContext(ctx, stores.DB.Rebind(s.query), s.args...)
		require.NoError(t, err)
	}
}

func TestWatchdogCycleMintsAction(t *testing.T) {
	ctx := context.Background()
	w, stores, coordinator := testWatchdog(t)
	seedOrg(t, stores)

	enqueued, err := w.Enqueue(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enqueued.JobID, "wdjob-"))

	result, err := w.Run(ctx, enqueued.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, result.Status)
	assert.Contains(t, result.Summary, "created 1 actions")

	job, err := stores.Jobs.Get(ctx, stores.DB, enqueued.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, job.Status)

	// Motivation rows: one per user per day.
	var motivationRows int
	require.NoError(t, stores.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_motivation_history`).Scan(&motivationRows))
	assert.Equal(t, 3, motivationRows)

	// Snapshots: one per project, risky project Critical.
	var riskLevel string
	require.NoError(t, stores.DB.QueryRowContext(ctx, stores.DB.Rebind(
		`SELECT risk_level FROM project_health_snapshots WHERE project_id = ?`), "P_RISKY").Scan(&riskLevel))
	assert.Equal(t, RiskCritical, riskLevel)

	// Proposals seeded with Plan_B recommended for the unhealthy project.
	planner := NewPlannerStore(stores.DB)
	proposal, err := planner.RecommendedProposal(ctx, stores.DB, "P_RISKY")
	require.NoError(t, err)
	require.NotNil(t, proposal)
	assert.Equal(t, "Plan_B", proposal.PlanType)

	// The minted action is a meeting request awaiting approval.
	action, err := stores.Actions.Get(ctx, stores.DB, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionTypeCalendar, action.ActionType)
	assert.Equal(t, contracts.StatusPending, action.Status)
	assert.Contains(t, action.DraftContent, "P_RISKY / Plan_B")

	cp, err := stores.Checkpoints.Get(ctx, stores.DB, hitl.ThreadID(action.ActionID), false)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "watchdog", cp.Metadata.RequestedBy)
	assert.Equal(t, "watchdog", cp.Metadata.Mode)
	assert.Equal(t, "P_RISKY", cp.Metadata.ProjectID)
	assert.Equal(t, RiskCritical, cp.Metadata.Severity)
	require.NotEmpty(t, cp.Metadata.AuditEvents)
	assert.Equal(t, "P_RISKY risk Critical", cp.Metadata.AuditEvents[0].Detail["summary"])

	var alerts int
	require.NoError(t, stores.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM watchdog_alerts`).Scan(&alerts))
	assert.Equal(t, 1, alerts)

	_ = coordinator
}

func TestWatchdogCycleIsIdempotentPerDay(t *testing.T) {
	ctx := context.Background()
	w, stores, _ := testWatchdog(t)
	seedOrg(t, stores)

	_, err := w.Run(ctx, "")
	require.NoError(t, err)
	second, err := w.Run(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, second.Summary, "watchdog updated", "open action suppresses a second mint")

	var motivationRows int
	require.NoError(t, stores.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_motivation_history`).Scan(&motivationRows))
	assert.Equal(t, 3, motivationRows, "one history row per user per day")

	var actions int
	require.NoError(t, stores.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM autonomous_actions`).Scan(&actions))
	assert.Equal(t, 1, actions)

	var proposals int
	require.NoError(t, stores.DB.QueryRowContext(ctx, stores.DB.Rebind(
		`SELECT COUNT(*) FROM ai_strategy_proposals WHERE project_id = ?`), "P_RISKY").Scan(&proposals))
	assert.Equal(t, 3, proposals)
}

func TestWatchdogApproveMintedAction(t *testing.T) {
	ctx := context.Background()
	w, stores, coordinator := testWatchdog(t)
	seedOrg(t, stores)

	_, err := w.Run(ctx, "")
	require.NoError(t, err)

	cp, err := stores.Checkpoints.Get(ctx, stores.DB, hitl.ThreadID(1), false)
	require.NoError(t, err)
	require.NotNil(t, cp)

	job, err := coordinator.Approve(ctx, cp.Metadata.ApprovalRequestID, "U_boss", "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, job.Status)

	runs, err := stores.Runs.ListByAction(ctx, stores.DB, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.ActionTypeCalendar, runs[0].ActionType)
}

func TestWatchdogRunOnEmptyOrg(t *testing.T) {
	ctx := context.Background()
	w, _, _ := testWatchdog(t)

	result, err := w.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, store.JobSucceeded, result.Status)
	assert.Contains(t, result.Summary, "0 projects / 0 users")
}

func TestWatchdogClock(t *testing.T) {
	w, _, _ := testWatchdog(t)
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	w.WithClock(func() time.Time { return fixed })
	assert.Equal(t, fixed, w.nowFunc())
}
