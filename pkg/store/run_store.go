package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
)

// RunStore owns the append-only external_action_runs ledger.
type RunStore struct {
	db *database.DB
}

// Insert appends one run record. Records are never updated afterwards.
func (s *RunStore) Insert(ctx context.Context, q Querier, run *contracts.ExecutionRun) error {
	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return fmt.Errorf("encode run payload: %w", err)
	}
	response, err := json.Marshal(run.Response)
	if err != nil {
		return fmt.Errorf("encode run response: %w", err)
	}
	if run.ExecutedAt.IsZero() {
		run.ExecutedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO external_action_runs
		   (run_id, job_id, action_id, action_type, provider, status, payload, response, error, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.RunID, run.JobID, run.ActionID, run.ActionType, run.Provider,
		run.Status, string(payload), string(response), run.Error, formatTime(run.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

// ListByAction returns all runs for actionID in execution order.
func (s *RunStore) ListByAction(ctx context.Context, q Querier, actionID int64) ([]contracts.ExecutionRun, error) {
	rows, err := q.QueryContext(ctx, s.db.Rebind(
		`SELECT run_id, job_id, action_id, action_type, provider, status, payload, response, error, executed_at
		 FROM external_action_runs WHERE action_id = ? ORDER BY id`), actionID)
	if err != nil {
		return nil, fmt.Errorf("list runs for action %d: %w", actionID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ExecutionRun
	for rows.Next() {
		var r contracts.ExecutionRun
		var payload, response, runErr sql.NullString
		var executed sql.NullString
		if err := rows.Scan(&r.RunID, &r.JobID, &r.ActionID, &r.ActionType, &r.Provider,
			&r.Status, &payload, &response, &runErr, &executed); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &r.Payload)
		}
		if response.Valid && response.String != "" {
			_ = json.Unmarshal([]byte(response.String), &r.Response)
		}
		r.Error = runErr.String
		r.ExecutedAt = parseTime(executed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByJob reports how many runs a job has already recorded. A nonzero
// count means the job executed; callers use it to enforce at-most-once.
func (s *RunStore) CountByJob(ctx context.Context, q Querier, jobID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM external_action_runs WHERE job_id = ?`), jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs for job %s: %w", jobID, err)
	}
	return n, nil
}

// WatchdogJob is one queued or completed analysis cycle.
type WatchdogJob struct {
	JobID      string
	Status     string
	Summary    string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Watchdog job statuses.
const (
	JobQueued   = "queued"
	JobRunning  = "running"
	JobSucceeded = "succeeded"
	JobFailed   = "failed"
)

// WatchdogJobStore owns watchdog_jobs and watchdog_alerts.
type WatchdogJobStore struct {
	db *database.DB
}

// Enqueue records a new queued job.
func (s *WatchdogJobStore) Enqueue(ctx context.Context, q Querier, jobID string) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO watchdog_jobs (job_id, status, created_at) VALUES (?, ?, ?)`),
		jobID, JobQueued, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// MarkRunning transitions the job to running.
func (s *WatchdogJobStore) MarkRunning(ctx context.Context, q Querier, jobID string) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE watchdog_jobs SET status = ? WHERE job_id = ?`), JobRunning, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	return nil
}

// MarkFinished records the job outcome and summary.
func (s *WatchdogJobStore) MarkFinished(ctx context.Context, q Querier, jobID, status, summary string) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE watchdog_jobs SET status = ?, summary = ?, finished_at = ? WHERE job_id = ?`),
		status, summary, formatTime(time.Now()), jobID,
	)
	if err != nil {
		return fmt.Errorf("mark job %s finished: %w", jobID, err)
	}
	return nil
}

// Get returns one job. Returns contracts.ErrNotFound for unknown ids.
func (s *WatchdogJobStore) Get(ctx context.Context, q Querier, jobID string) (*WatchdogJob, error) {
	var j WatchdogJob
	var summary, created, finished sql.NullString
	err := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT job_id, status, summary, created_at, finished_at FROM watchdog_jobs WHERE job_id = ?`),
		jobID).Scan(&j.JobID, &j.Status, &summary, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	j.Summary = summary.String
	j.CreatedAt = parseTime(created)
	j.FinishedAt = parseTime(finished)
	return &j, nil
}

// RecordAlert writes one watchdog alert row linking a project to the action
// the cycle created for it.
func (s *WatchdogJobStore) RecordAlert(ctx context.Context, q Querier, projectID, riskLevel string, actionID int64) error {
	_, err := q.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO watchdog_alerts (project_id, risk_level, action_id, created_at) VALUES (?, ?, ?, ?)`),
		projectID, riskLevel, actionID, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record alert for %s: %w", projectID, err)
	}
	return nil
}
