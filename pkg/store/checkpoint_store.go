package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
)

// CheckpointStore reads and writes langgraph_checkpoints rows plus the
// approval_request_id secondary index. The index row is written in the same
// transaction as the checkpoint, so approval lookup never needs a table scan.
type CheckpointStore struct {
	db *database.DB
}

// Get loads the checkpoint for threadID, locking the row when forUpdate is
// set on dialects that support it. Returns nil when the thread is unknown.
func (s *CheckpointStore) Get(ctx context.Context, q Querier, threadID string, forUpdate bool) (*contracts.Checkpoint, error) {
	query := s.db.Rebind(`SELECT checkpoint, metadata FROM langgraph_checkpoints WHERE thread_id = ?`)
	if forUpdate {
		query += s.db.ForUpdate()
	}

	var blob []byte
	var metaRaw sql.NullString
	err := q.QueryRowContext(ctx, query, threadID).Scan(&blob, &metaRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}

	cp := &contracts.Checkpoint{ThreadID: threadID, State: map[string]any{}}
	if len(blob) > 0 {
		// Tolerate malformed blobs: state is advisory, metadata is authoritative.
		_ = json.Unmarshal(blob, &cp.State)
	}
	if metaRaw.Valid && metaRaw.String != "" {
		if err := json.Unmarshal([]byte(metaRaw.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", threadID, err)
		}
	}
	return cp, nil
}

// Upsert persists the checkpoint and keeps the approval index consistent.
func (s *CheckpointStore) Upsert(ctx context.Context, q Querier, cp *contracts.Checkpoint) error {
	blob, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", cp.ThreadID, err)
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", cp.ThreadID, err)
	}

	var exists int
	err = q.QueryRowContext(ctx,
		s.db.Rebind(`SELECT 1 FROM langgraph_checkpoints WHERE thread_id = ?`), cp.ThreadID,
	).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO langgraph_checkpoints (thread_id, checkpoint, metadata) VALUES (?, ?, ?)`),
			cp.ThreadID, blob, string(meta),
		)
	case err == nil:
		_, err = q.ExecContext(ctx,
			s.db.Rebind(`UPDATE langgraph_checkpoints SET checkpoint = ?, metadata = ? WHERE thread_id = ?`),
			blob, string(meta), cp.ThreadID,
		)
	}
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", cp.ThreadID, err)
	}

	if apr := cp.Metadata.ApprovalRequestID; apr != "" {
		if err := s.indexApproval(ctx, q, apr, cp.ThreadID); err != nil {
			return err
		}
	}
	return nil
}

func (s *CheckpointStore) indexApproval(ctx context.Context, q Querier, approvalRequestID, threadID string) error {
	var exists int
	err := q.QueryRowContext(ctx,
		s.db.Rebind(`SELECT 1 FROM checkpoint_approvals WHERE approval_request_id = ?`), approvalRequestID,
	).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO checkpoint_approvals (approval_request_id, thread_id) VALUES (?, ?)`),
			approvalRequestID, threadID,
		)
	case err == nil:
		_, err = q.ExecContext(ctx,
			s.db.Rebind(`UPDATE checkpoint_approvals SET thread_id = ? WHERE approval_request_id = ?`),
			threadID, approvalRequestID,
		)
	}
	if err != nil {
		return fmt.Errorf("index approval %s: %w", approvalRequestID, err)
	}
	return nil
}

// ThreadByApprovalID resolves the thread owning approvalRequestID.
// Returns contracts.ErrNotFound when no thread claims the id.
func (s *CheckpointStore) ThreadByApprovalID(ctx context.Context, q Querier, approvalRequestID string) (string, error) {
	var threadID string
	err := q.QueryRowContext(ctx,
		s.db.Rebind(`SELECT thread_id FROM checkpoint_approvals WHERE approval_request_id = ?`),
		approvalRequestID,
	).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("approval %s: %w", approvalRequestID, contracts.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve approval %s: %w", approvalRequestID, err)
	}
	return threadID, nil
}

// ThreadByChatTS finds the thread whose chat handle matches ts. Used for
// message-based steering, where only the thread timestamp is known.
func (s *CheckpointStore) ThreadByChatTS(ctx context.Context, q Querier, ts string) (*contracts.Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `SELECT thread_id, checkpoint, metadata FROM langgraph_checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("scan checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var threadID string
		var blob []byte
		var metaRaw sql.NullString
		if err := rows.Scan(&threadID, &blob, &metaRaw); err != nil {
			return nil, err
		}
		if !metaRaw.Valid || metaRaw.String == "" {
			continue
		}
		var meta contracts.ThreadMetadata
		if err := json.Unmarshal([]byte(metaRaw.String), &meta); err != nil {
			continue
		}
		if meta.Chat == nil {
			continue
		}
		if meta.Chat.ThreadTS == ts || meta.Chat.MessageTS == ts {
			cp := &contracts.Checkpoint{ThreadID: threadID, State: map[string]any{}, Metadata: meta}
			if len(blob) > 0 {
				_ = json.Unmarshal(blob, &cp.State)
			}
			return cp, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// List returns every checkpoint. History projection and filtering happen in
// the coordinator, which owns the metadata semantics.
func (s *CheckpointStore) List(ctx context.Context, q Querier) ([]*contracts.Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `SELECT thread_id, checkpoint, metadata FROM langgraph_checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Checkpoint
	for rows.Next() {
		var threadID string
		var blob []byte
		var metaRaw sql.NullString
		if err := rows.Scan(&threadID, &blob, &metaRaw); err != nil {
			return nil, err
		}
		cp := &contracts.Checkpoint{ThreadID: threadID, State: map[string]any{}}
		if len(blob) > 0 {
			_ = json.Unmarshal(blob, &cp.State)
		}
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &cp.Metadata); err != nil {
				continue
			}
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
