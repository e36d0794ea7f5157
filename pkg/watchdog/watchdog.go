package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/hitl"
	"github.com/saihai-dev/saihai/pkg/store"
)

// Watchdog runs the planner cycle and mints approval-gated actions for
// projects at risk.
type Watchdog struct {
	stores      *store.Stores
	planner     *PlannerStore
	coordinator *hitl.Coordinator
	logger      *slog.Logger
	nowFunc     func() time.Time
}

// New builds a Watchdog over the shared stores and coordinator.
func New(stores *store.Stores, coordinator *hitl.Coordinator, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		stores:      stores,
		planner:     NewPlannerStore(stores.DB),
		coordinator: coordinator,
		logger:      logger,
		nowFunc:     time.Now,
	}
}

// WithClock overrides the time source for tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.nowFunc = now
	return w
}

// JobResult reports a job transition to the caller.
type JobResult struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// Enqueue records a queued job row and returns its id. Execution happens in
// Run, typically dispatched by the API on a background goroutine.
func (w *Watchdog) Enqueue(ctx context.Context) (*JobResult, error) {
	jobID := contracts.NewID("wdjob", 12)
	if err := w.stores.Jobs.Enqueue(ctx, w.stores.DB, jobID); err != nil {
		return nil, err
	}
	return &JobResult{JobID: jobID, Status: store.JobQueued}, nil
}

// Run executes one full planner cycle under jobID. A missing jobID gets a
// fresh row. The cycle itself never returns partial state: scoring failures
// mark the job failed and leave prior rows untouched.
func (w *Watchdog) Run(ctx context.Context, jobID string) (*JobResult, error) {
	if jobID == "" {
		enqueued, err := w.Enqueue(ctx)
		if err != nil {
			return nil, err
		}
		jobID = enqueued.JobID
	}
	if err := w.stores.Jobs.MarkRunning(ctx, w.stores.DB, jobID); err != nil {
		return nil, err
	}

	summary, err := w.cycle(ctx)
	if err != nil {
		w.logger.Error("watchdog cycle failed", "job_id", jobID, "error", err)
		if markErr := w.stores.Jobs.MarkFinished(ctx, w.stores.DB, jobID, store.JobFailed, err.Error()); markErr != nil {
			return nil, markErr
		}
		return &JobResult{JobID: jobID, Status: store.JobFailed, Summary: err.Error()}, nil
	}

	if err := w.stores.Jobs.MarkFinished(ctx, w.stores.DB, jobID, store.JobSucceeded, summary); err != nil {
		return nil, err
	}
	w.logger.Info("watchdog cycle finished", "job_id", jobID, "summary", summary)
	return &JobResult{JobID: jobID, Status: store.JobSucceeded, Summary: summary}, nil
}

func (w *Watchdog) cycle(ctx context.Context) (string, error) {
	db := w.stores.DB
	today := w.nowFunc().UTC().Format("2006-01-02")

	users, err := w.planner.ListUsers(ctx, db)
	if err != nil {
		return "", err
	}
	projects, err := w.planner.ListProjects(ctx, db)
	if err != nil {
		return "", err
	}
	assignments, err := w.planner.ListAssignments(ctx, db)
	if err != nil {
		return "", err
	}
	reports, err := w.planner.ListReports(ctx, db)
	if err != nil {
		return "", err
	}

	reportByUser := latestReportByUser(reports)
	reportByProject := reportsByProject(reports)

	motivation := map[string]float64{}
	for _, user := range users {
		notes := reportByUser[user.UserID]
		if notes == "" {
			notes = user.CareerAspiration
		}
		score, sentiment := ScoreMotivation(notes)
		motivation[user.UserID] = score

		exists, err := w.planner.HasMotivationRecord(ctx, db, user.UserID, today)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		if err := w.planner.InsertMotivation(ctx, db, user.UserID, score, sentiment, SummarizeMotivation(notes), today); err != nil {
			return "", err
		}
	}

	health := map[string]projectHealth{}
	for _, project := range projects {
		notes := strings.Join(reportByProject[project.ProjectID], " ")
		score, riskLevel := ScoreProjectHealth(notes)

		var memberScores []float64
		for _, a := range assignments {
			if a.ProjectID == project.ProjectID {
				memberScores = append(memberScores, motivation[a.UserID])
			}
		}
		var managerScore *float64
		if project.ManagerID != "" {
			if v, ok := motivation[project.ManagerID]; ok {
				managerScore = &v
			}
		}
		h := projectHealth{
			Score:      score,
			RiskLevel:  riskLevel,
			Variance:   Variance(memberScores),
			ManagerGap: ManagerGap(managerScore, memberScores),
		}
		health[project.ProjectID] = h

		exists, err := w.planner.HasSnapshot(ctx, db, project.ProjectID, today)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		calculatedAt := w.nowFunc().UTC().Format(time.RFC3339Nano)
		if err := w.planner.InsertSnapshot(ctx, db, project.ProjectID, h.Score, h.RiskLevel, h.Variance, h.ManagerGap, calculatedAt); err != nil {
			return "", err
		}
	}

	if err := w.ensurePatterns(ctx); err != nil {
		return "", err
	}
	if err := w.refreshAnalysis(ctx, assignments, reportByUser); err != nil {
		return "", err
	}
	if err := w.ensureProposals(ctx, projects, health); err != nil {
		return "", err
	}
	created, err := w.ensureActions(ctx, projects, health)
	if err != nil {
		return "", err
	}

	if created > 0 {
		return fmt.Sprintf("watchdog created %d actions", created), nil
	}
	return fmt.Sprintf("watchdog updated: %d projects / %d users", len(projects), len(users)), nil
}

type projectHealth struct {
	Score      float64
	RiskLevel  string
	Variance   float64
	ManagerGap float64
}

func (w *Watchdog) ensurePatterns(ctx context.Context) error {
	patterns := []struct{ id, nameJA, description string }{
		{"the_savior", "全会一致", "All signals align"},
		{"burnout", "燃え尽き", "High burnout risk"},
		{"rising_star", "ダイヤの原石", "High growth potential"},
		{"luxury", "高嶺の花", "Over budget but strong"},
		{"toxic", "隠れ爆弾", "Team risk"},
		{"constraint", "制約あり", "Availability constraints"},
	}
	for _, p := range patterns {
		if err := w.planner.EnsurePattern(ctx, w.stores.DB, p.id, p.nameJA, p.description); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watchdog) refreshAnalysis(ctx context.Context, assignments []Assignment, reportByUser map[string]string) error {
	for _, a := range assignments {
		exists, err := w.planner.HasAnalysis(ctx, w.stores.DB, a.UserID, a.ProjectID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		notes := reportByUser[a.UserID]
		patternID := DeterminePattern(notes)
		debate, err := json.Marshal(map[string]string{
			"PM":   fmt.Sprintf("allocation_rate=%g", a.AllocationRate),
			"HR":   SummarizeMotivation(notes),
			"Risk": fmt.Sprintf("flags=%d", countHits(notes, riskWords)),
		})
		if err != nil {
			return err
		}
		if err := w.planner.InsertAnalysis(ctx, w.stores.DB, a.UserID, a.ProjectID, patternID, string(debate), DecisionFromPattern(patternID)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watchdog) ensureProposals(ctx context.Context, projects []Project, health map[string]projectHealth) error {
	for _, project := range projects {
		existing, err := w.planner.ProposalTypes(ctx, w.stores.DB, project.ProjectID)
		if err != nil {
			return err
		}
		for _, plan := range DefaultPlans() {
			if existing[plan.Type] {
				continue
			}
			if err := w.planner.InsertProposal(ctx, w.stores.DB, project.ProjectID, plan); err != nil {
				return err
			}
		}
		if err := w.planner.SetRecommended(ctx, w.stores.DB, project.ProjectID, RecommendedPlan(health[project.ProjectID].Score)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watchdog) ensureActions(ctx context.Context, projects []Project, health map[string]projectHealth) (int, error) {
	created := 0
	for _, project := range projects {
		h := health[project.ProjectID]
		if h.RiskLevel == "" || h.RiskLevel == RiskSafe {
			continue
		}

		open, err := w.planner.HasOpenAction(ctx, w.stores.DB, project.ProjectID)
		if err != nil {
			return created, err
		}
		if open {
			continue
		}

		proposal, err := w.planner.RecommendedProposal(ctx, w.stores.DB, project.ProjectID)
		if err != nil {
			return created, err
		}
		if proposal == nil {
			continue
		}

		actionType := contracts.ActionTypeEmail
		if h.RiskLevel == RiskCritical {
			actionType = contracts.ActionTypeCalendar
		}
		draft := strings.TrimSpace(fmt.Sprintf("%s / %s を提案します。\n%s\nImpact: %s",
			project.ProjectID, proposal.PlanType, proposal.Description, proposal.Impact))

		actionID, err := w.stores.Actions.Insert(ctx, w.stores.DB, &contracts.Action{
			ProposalID:   &proposal.ProposalID,
			ActionType:   actionType,
			DraftContent: draft,
		})
		if err != nil {
			return created, err
		}

		summary := fmt.Sprintf("%s risk %s", project.ProjectID, h.RiskLevel)
		approval, err := w.coordinator.RequestApproval(ctx, actionID, "watchdog", "", summary)
		if err != nil {
			return created, err
		}
		if err := w.coordinator.TagThread(ctx, approval.ThreadID, "watchdog", project.ProjectID, h.RiskLevel); err != nil {
			return created, err
		}
		if err := w.stores.Jobs.RecordAlert(ctx, w.stores.DB, project.ProjectID, h.RiskLevel, actionID); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func latestReportByUser(reports []Report) map[string]string {
	latest := map[string]string{}
	for _, r := range reports {
		if _, ok := latest[r.UserID]; !ok {
			latest[r.UserID] = r.Content
		}
	}
	return latest
}

func reportsByProject(reports []Report) map[string][]string {
	grouped := map[string][]string{}
	for _, r := range reports {
		grouped[r.ProjectID] = append(grouped[r.ProjectID], r.Content)
	}
	return grouped
}
