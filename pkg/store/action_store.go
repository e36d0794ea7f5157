package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
)

// ActionStore owns the autonomous_actions table.
type ActionStore struct {
	db *database.DB
}

// Get loads one action. Returns contracts.ErrNotFound for unknown ids.
func (s *ActionStore) Get(ctx context.Context, q Querier, actionID int64) (*contracts.Action, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(
		`SELECT action_id, proposal_id, action_type, draft_content, status, is_approved, created_at
		 FROM autonomous_actions WHERE action_id = ?`), actionID)
	return scanAction(row, actionID)
}

func scanAction(row *sql.Row, actionID int64) (*contracts.Action, error) {
	var a contracts.Action
	var proposal sql.NullInt64
	var created sql.NullString
	err := row.Scan(&a.ActionID, &proposal, &a.ActionType, &a.DraftContent, &a.Status, &a.IsApproved, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %d: %w", actionID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load action %d: %w", actionID, err)
	}
	if proposal.Valid {
		v := proposal.Int64
		a.ProposalID = &v
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// Insert creates a new action row and returns its id.
func (s *ActionStore) Insert(ctx context.Context, q Querier, a *contracts.Action) (int64, error) {
	if a.Status == "" {
		a.Status = contracts.StatusDrafted
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var proposal any
	if a.ProposalID != nil {
		proposal = *a.ProposalID
	}

	if s.db.Dialect == database.DialectPostgres {
		var id int64
		err := q.QueryRowContext(ctx, s.db.Rebind(
			`INSERT INTO autonomous_actions (proposal_id, action_type, draft_content, status, is_approved, created_at)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING action_id`),
			proposal, a.ActionType, a.DraftContent, a.Status, a.IsApproved, formatTime(a.CreatedAt),
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert action: %w", err)
		}
		a.ActionID = id
		return id, nil
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO autonomous_actions (proposal_id, action_type, draft_content, status, is_approved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		proposal, a.ActionType, a.DraftContent, a.Status, a.IsApproved, formatTime(a.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert action id: %w", err)
	}
	a.ActionID = id
	return id, nil
}

// SetStatus updates the action row's status mirror; is_approved tracks whether
// the status counts as execution underway.
func (s *ActionStore) SetStatus(ctx context.Context, q Querier, actionID int64, status contracts.Status) error {
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE autonomous_actions SET status = ?, is_approved = ? WHERE action_id = ?`),
		status, status.ExecutionUnderway(), actionID,
	)
	if err != nil {
		return fmt.Errorf("set action %d status: %w", actionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("action %d: %w", actionID, contracts.ErrNotFound)
	}
	return nil
}

// SetDraft replaces the draft content, used after steering feedback.
func (s *ActionStore) SetDraft(ctx context.Context, q Querier, actionID int64, draft string) error {
	res, err := q.ExecContext(ctx, s.db.Rebind(
		`UPDATE autonomous_actions SET draft_content = ? WHERE action_id = ?`),
		draft, actionID,
	)
	if err != nil {
		return fmt.Errorf("set action %d draft: %w", actionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("action %d: %w", actionID, contracts.ErrNotFound)
	}
	return nil
}
