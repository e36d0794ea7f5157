package watchdog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/saihai-dev/saihai/pkg/database"
	"github.com/saihai-dev/saihai/pkg/store"
)

// PlannerStore reads the org tables the watchdog scores against and writes
// its derived rows: motivation history, health snapshots, patterns, analysis
// results, and strategy proposals.
type PlannerStore struct {
	db *database.DB
}

// NewPlannerStore builds the store.
func NewPlannerStore(db *database.DB) *PlannerStore {
	return &PlannerStore{db: db}
}

// User is one member of the org.
type User struct {
	UserID           string
	Name             string
	Role             string
	CareerAspiration string
}

// Project is one monitored project.
type Project struct {
	ProjectID   string
	ProjectName string
	ManagerID   string
}

// Assignment links a user to a project.
type Assignment struct {
	AssignmentID   int64
	UserID         string
	ProjectID      string
	AllocationRate float64
}

// Report is one weekly report row, newest first in listings.
type Report struct {
	UserID        string
	ProjectID     string
	ReportingDate string
	Content       string
}

// Proposal is one strategy proposal row.
type Proposal struct {
	ProposalID    int64
	ProjectID     string
	PlanType      string
	IsRecommended bool
	Description   string
	Impact        string
}

func (s *PlannerStore) ListUsers(ctx context.Context, q store.Querier) ([]User, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, name, role, career_aspiration FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.Name, &u.Role, &u.CareerAspiration); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PlannerStore) ListProjects(ctx context.Context, q store.Querier) ([]Project, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT project_id, project_name, manager_id FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Project
	for rows.Next() {
		var p Project
		var manager sql.NullString
		if err := rows.Scan(&p.ProjectID, &p.ProjectName, &manager); err != nil {
			return nil, err
		}
		p.ManagerID = manager.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PlannerStore) ListAssignments(ctx context.Context, q store.Querier) ([]Assignment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT assignment_id, user_id, project_id, allocation_rate FROM assignments ORDER BY assignment_id`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.AssignmentID, &a.UserID, &a.ProjectID, &a.AllocationRate); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PlannerStore) ListReports(ctx context.Context, q store.Querier) ([]Report, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, project_id, reporting_date, content_text FROM weekly_reports ORDER BY reporting_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.UserID, &r.ProjectID, &r.ReportingDate, &r.Content); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasMotivationRecord reports whether the user already has a history row for
// the given date (YYYY-MM-DD). One row per user per day.
func (s *PlannerStore) HasMotivationRecord(ctx context.Context, q store.Querier, userID, date string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT 1 FROM user_motivation_history WHERE user_id = ? AND recorded_at = ?`),
		userID, date,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PlannerStore) InsertMotivation(ctx context.Context, q store.Querier, userID string, score, sentiment float64, summary, date string) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO user_motivation_history (user_id, motivation_score, sentiment_score, ai_summary, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`),
		userID, score, sentiment, summary, date,
	)
	if err != nil {
		return fmt.Errorf("insert motivation %s: %w", userID, err)
	}
	return nil
}

// HasSnapshot reports whether the project already has a snapshot whose
// calculated_at starts with the given date.
func (s *PlannerStore) HasSnapshot(ctx context.Context, q store.Querier, projectID, date string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT 1 FROM project_health_snapshots WHERE project_id = ? AND CAST(calculated_at AS TEXT) LIKE ?`),
		projectID, date+"%",
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PlannerStore) InsertSnapshot(ctx context.Context, q store.Querier, projectID string, health float64, riskLevel string, variance, managerGap float64, calculatedAt string) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO project_health_snapshots
		   (project_id, health_score, risk_level, variance_score, manager_gap_score, calculated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		projectID, health, riskLevel, variance, managerGap, calculatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", projectID, err)
	}
	return nil
}

// EnsurePattern inserts the pattern row unless it already exists.
func (s *PlannerStore) EnsurePattern(ctx context.Context, q store.Querier, patternID, nameJA, description string) error {
	var one int
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT 1 FROM assignment_patterns WHERE pattern_id = ?`), patternID,
	).Scan(&one)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err = q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO assignment_patterns (pattern_id, name_ja, description) VALUES (?, ?, ?)`),
		patternID, nameJA, description,
	)
	if err != nil {
		return fmt.Errorf("insert pattern %s: %w", patternID, err)
	}
	return nil
}

func (s *PlannerStore) HasAnalysis(ctx context.Context, q store.Querier, userID, projectID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT 1 FROM ai_analysis_results WHERE user_id = ? AND project_id = ? LIMIT 1`),
		userID, projectID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *PlannerStore) InsertAnalysis(ctx context.Context, q store.Querier, userID, projectID, patternID, debateLog, finalDecision string) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO ai_analysis_results (user_id, project_id, pattern_id, debate_log, final_decision)
		 VALUES (?, ?, ?, ?, ?)`),
		userID, projectID, patternID, debateLog, finalDecision,
	)
	if err != nil {
		return fmt.Errorf("insert analysis %s/%s: %w", userID, projectID, err)
	}
	return nil
}

// ProposalTypes returns the plan types already seeded for the project.
func (s *PlannerStore) ProposalTypes(ctx context.Context, q store.Querier, projectID string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, s.db.Rebind(
		`SELECT plan_type FROM ai_strategy_proposals WHERE project_id = ?`), projectID)
	if err != nil {
		return nil, fmt.Errorf("list proposal types %s: %w", projectID, err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]bool{}
	for rows.Next() {
		var planType string
		if err := rows.Scan(&planType); err != nil {
			return nil, err
		}
		out[planType] = true
	}
	return out, rows.Err()
}

func (s *PlannerStore) InsertProposal(ctx context.Context, q store.Querier, projectID string, plan Plan) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO ai_strategy_proposals (project_id, plan_type, is_recommended, description, predicted_future_impact)
		 VALUES (?, ?, ?, ?, ?)`),
		projectID, plan.Type, false, plan.Description, plan.Impact,
	)
	if err != nil {
		return fmt.Errorf("insert proposal %s/%s: %w", projectID, plan.Type, err)
	}
	return nil
}

// SetRecommended flips is_recommended so only planType carries it.
func (s *PlannerStore) SetRecommended(ctx context.Context, q store.Querier, projectID, planType string) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE ai_strategy_proposals
		 SET is_recommended = CASE WHEN plan_type = ? THEN TRUE ELSE FALSE END
		 WHERE project_id = ?`),
		planType, projectID,
	)
	if err != nil {
		return fmt.Errorf("set recommended %s: %w", projectID, err)
	}
	return nil
}

// RecommendedProposal loads the recommended proposal for the project, or nil.
func (s *PlannerStore) RecommendedProposal(ctx context.Context, q store.Querier, projectID string) (*Proposal, error) {
	var p Proposal
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT proposal_id, project_id, plan_type, is_recommended, description, predicted_future_impact
		 FROM ai_strategy_proposals
		 WHERE project_id = ? AND is_recommended = TRUE
		 ORDER BY proposal_id LIMIT 1`),
		projectID,
	).Scan(&p.ProposalID, &p.ProjectID, &p.PlanType, &p.IsRecommended, &p.Description, &p.Impact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recommended proposal %s: %w", projectID, err)
	}
	return &p, nil
}

// HasOpenAction reports whether the project already has an action awaiting
// approval, joined through the proposal the action was minted from.
func (s *PlannerStore) HasOpenAction(ctx context.Context, q store.Querier, projectID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT 1
		 FROM autonomous_actions aa
		 JOIN ai_strategy_proposals ap ON ap.proposal_id = aa.proposal_id
		 WHERE ap.project_id = ? AND aa.status IN ('drafted', 'approval_pending')
		 LIMIT 1`),
		projectID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
