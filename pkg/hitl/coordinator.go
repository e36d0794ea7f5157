// Package hitl is the human-in-the-loop coordinator: a durable state machine
// over checkpoints that shepherds actions from draft through approval to
// execution. All mutating operations are idempotent per thread-scoped key and
// every transition leaves an audit event.
package hitl

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/executor"
	"github.com/saihai-dev/saihai/pkg/policy"
	"github.com/saihai-dev/saihai/pkg/slack"
	"github.com/saihai-dev/saihai/pkg/store"
)

// ApprovalResult is the outcome of requestApproval and applySteer.
type ApprovalResult struct {
	ThreadID          string                `json:"thread_id"`
	ApprovalRequestID string                `json:"approval_request_id"`
	Status            contracts.Status      `json:"status"`
	ActionID          int64                 `json:"action_id"`
	Chat              *contracts.ChatHandle `json:"slack,omitempty"`
}

// ExecutionJobResult is the outcome of approve and processExecutionJob.
type ExecutionJobResult struct {
	JobID    string           `json:"job_id"`
	Status   contracts.Status `json:"status"`
	ThreadID string           `json:"thread_id"`
	ActionID int64            `json:"action_id"`
}

// AuditStream receives a copy of every audit event as it is appended. The
// durable trail stays in checkpoint metadata; the stream is a tail for log
// pipelines.
type AuditStream interface {
	Record(threadID, actor, eventType string, detail map[string]any) error
}

// Coordinator owns every state transition. It composes the checkpoint store,
// the executor, the chat gateway, and the approval policy.
type Coordinator struct {
	stores   *store.Stores
	exec     *executor.Executor
	gateway  slack.Gateway
	approver *policy.Approver
	metrics  *Metrics
	audit    AuditStream
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// New builds a Coordinator. gateway may be the Noop gateway; approver and
// metrics may be nil.
func New(stores *store.Stores, exec *executor.Executor, gateway slack.Gateway, approver *policy.Approver, metrics *Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if gateway == nil {
		gateway = slack.NewNoop()
	}
	return &Coordinator{
		stores:   stores,
		exec:     exec,
		gateway:  gateway,
		approver: approver,
		metrics:  metrics,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.nowFunc = now
	return c
}

// WithAuditStream mirrors appended audit events onto stream.
func (c *Coordinator) WithAuditStream(stream AuditStream) *Coordinator {
	c.audit = stream
	return c
}

// ThreadID derives the durable thread key for an action.
func ThreadID(actionID int64) string {
	return fmt.Sprintf("action-%d", actionID)
}

func (c *Coordinator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.stores.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RequestApproval mints a new approval request for the action and posts the
// approval prompt. Re-entrant: a pending request or a replayed idempotency
// key returns the existing tuple without a second prompt.
func (c *Coordinator) RequestApproval(ctx context.Context, actionID int64, requestedBy, idempotencyKey, summary string) (result *ApprovalResult, err error) {
	defer func() { c.metrics.recordOp(ctx, "request_approval", err) }()

	threadID := ThreadID(actionID)
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		action, err := c.stores.Actions.Get(ctx, tx, actionID)
		if err != nil {
			return err
		}

		cp, err := c.stores.Checkpoints.Get(ctx, tx, threadID, true)
		if err != nil {
			return err
		}
		if cp == nil {
			cp = &contracts.Checkpoint{ThreadID: threadID, State: map[string]any{}}
		}

		if cp.Metadata.Status == contracts.StatusPending && cp.Metadata.ApprovalRequestID != "" {
			result = approvalResultFrom(cp, actionID)
			return nil
		}
		if cp.Metadata.HasIdempotencyKey(idempotencyKey) && cp.Metadata.ApprovalRequestID != "" {
			result = approvalResultFrom(cp, actionID)
			return nil
		}

		approvalRequestID := contracts.NewID("apr", 12)
		now := c.nowFunc().UTC()
		cp.Metadata.ApprovalRequestID = approvalRequestID
		cp.Metadata.Status = contracts.StatusPending
		cp.Metadata.RequestedBy = requestedBy
		cp.Metadata.RequestedAt = now.Format(time.RFC3339)
		cp.Metadata.RecordIdempotencyKey(idempotencyKey)

		if cp.State == nil {
			cp.State = map[string]any{}
		}
		cp.State["thread_id"] = threadID
		cp.State["action_id"] = actionID
		if action.ProposalID != nil {
			cp.State["proposal_id"] = *action.ProposalID
		}
		cp.State["draft"] = action.DraftContent

		c.appendAudit(cp, contracts.AuditApprovalRequested, requestedBy, approvalRequestID, map[string]any{
			"action_id": actionID,
			"summary":   summary,
		})

		if action.ActionType == contracts.ActionTypeCalendar && c.exec != nil {
			c.placeTentativeHold(ctx, cp, action)
		}

		handle, sendErr := c.gateway.SendApprovalPrompt(ctx, slack.ApprovalPrompt{
			ActionID:          actionID,
			ApprovalRequestID: approvalRequestID,
			ThreadID:          threadID,
			Summary:           summary,
			Draft:             action.DraftContent,
		})
		if sendErr != nil {
			c.logger.Warn("approval prompt delivery failed", "thread_id", threadID, "error", sendErr)
		}
		if handle != nil {
			cp.Metadata.Chat = handle
		}

		if err := c.stores.Checkpoints.Upsert(ctx, tx, cp); err != nil {
			return err
		}
		if err := c.stores.Actions.SetStatus(ctx, tx, actionID, contracts.StatusPending); err != nil {
			return err
		}
		result = approvalResultFrom(cp, actionID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// placeTentativeHold books the placeholder slot and records the outcome in
// metadata. Hold failures never block the approval request.
func (c *Coordinator) placeTentativeHold(ctx context.Context, cp *contracts.Checkpoint, action *contracts.Action) {
	raw := executor.ExtractDraftPayload(action.DraftContent)
	now := c.nowFunc().UTC().Format(time.RFC3339)
	resp, err := c.exec.CreateTentativeHold(ctx, raw, action.DraftContent)
	if err != nil {
		c.logger.Warn("tentative hold failed", "thread_id", cp.ThreadID, "error", err)
		cp.Metadata.Tentative = &contracts.TentativeCalendar{
			Status:    "failed",
			Error:     err.Error(),
			CreatedAt: now,
		}
		return
	}
	eventID, _ := resp["event_id"].(string)
	if eventID == "" {
		eventID, _ = resp["id"].(string)
	}
	cp.Metadata.Tentative = &contracts.TentativeCalendar{
		EventID:   eventID,
		Status:    "created",
		CreatedAt: now,
	}
}

// Approve flips the thread to approved and drives execution. Duplicate
// deliveries for an already-executing or finished thread return the cached
// job result; the executor runs at most once per approved transition.
func (c *Coordinator) Approve(ctx context.Context, approvalRequestID, actor, idempotencyKey string) (result *ExecutionJobResult, err error) {
	defer func() { c.metrics.recordOp(ctx, "approve", err) }()

	var actionID int64
	var cached bool
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		cp, err := c.checkpointByApproval(ctx, tx, approvalRequestID, true)
		if err != nil {
			return err
		}
		actionID = actionIDFrom(cp)
		if actionID == 0 {
			return fmt.Errorf("thread %s has no action: %w", cp.ThreadID, contracts.ErrNotFound)
		}

		// A duplicate that lands between the approved commit and the job
		// mint has no job to report yet; answer Conflict so the caller
		// retries against the cached result once the winner has started.
		shortCircuit := func() error {
			if cp.Metadata.ExecutionJobID == "" {
				return fmt.Errorf("approval %s accepted, execution starting: %w",
					approvalRequestID, contracts.ErrConflict)
			}
			result = cachedJobResult(cp, actionID)
			cached = true
			return nil
		}
		if cp.Metadata.ExecutionStatus.Terminal() || cp.Metadata.Status.ExecutionUnderway() {
			return shortCircuit()
		}
		if cp.Metadata.HasIdempotencyKey(idempotencyKey) {
			return shortCircuit()
		}

		if cp.Metadata.Status != contracts.StatusPending {
			return fmt.Errorf("cannot approve %s in status %s: %w",
				approvalRequestID, cp.Metadata.Status, contracts.ErrConflict)
		}

		action, err := c.stores.Actions.Get(ctx, tx, actionID)
		if err != nil {
			return err
		}
		if action.Status.ExecutionUnderway() {
			return shortCircuit()
		}

		if allowed, perr := c.approver.Allow(policy.Input{
			Actor:       actor,
			RequestedBy: cp.Metadata.RequestedBy,
			ActionType:  string(action.ActionType),
			ProjectID:   cp.Metadata.ProjectID,
			Severity:    cp.Metadata.Severity,
		}); perr != nil {
			return perr
		} else if !allowed {
			if cp.Metadata.Chat != nil {
				c.gateway.PostThreadMessage(ctx, *cp.Metadata.Chat, fmt.Sprintf("<@%s> is not allowed to approve this request.", actor))
			}
			return fmt.Errorf("actor %s not allowed to approve: %w", actor, contracts.ErrConflict)
		}

		cp.Metadata.Status = contracts.StatusApproved
		cp.Metadata.RecordIdempotencyKey(idempotencyKey)
		c.appendAudit(cp, contracts.AuditApprovalApproved, actor, approvalRequestID, map[string]any{
			"action_id": actionID,
		})
		if err := c.stores.Checkpoints.Upsert(ctx, tx, cp); err != nil {
			return err
		}
		return c.stores.Actions.SetStatus(ctx, tx, actionID, contracts.StatusApproved)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return result, nil
	}
	return c.ProcessExecutionJob(ctx, actionID, false, nil)
}

// Reject closes the approval without execution. Refused once execution is
// underway; idempotent by key.
func (c *Coordinator) Reject(ctx context.Context, approvalRequestID, actor, idempotencyKey string) (err error) {
	defer func() { c.metrics.recordOp(ctx, "reject", err) }()

	return c.inTx(ctx, func(tx *sql.Tx) error {
		cp, err := c.checkpointByApproval(ctx, tx, approvalRequestID, true)
		if err != nil {
			return err
		}
		if cp.Metadata.HasIdempotencyKey(idempotencyKey) {
			return nil
		}
		if cp.Metadata.Status == contracts.StatusRejected {
			return nil
		}
		if cp.Metadata.Status.ExecutionUnderway() {
			return fmt.Errorf("cannot reject %s in status %s: %w",
				approvalRequestID, cp.Metadata.Status, contracts.ErrConflict)
		}

		actionID := actionIDFrom(cp)
		cp.Metadata.Status = contracts.StatusRejected
		cp.Metadata.RecordIdempotencyKey(idempotencyKey)
		c.appendAudit(cp, contracts.AuditApprovalRejected, actor, approvalRequestID, map[string]any{
			"action_id": actionID,
		})
		if err := c.stores.Checkpoints.Upsert(ctx, tx, cp); err != nil {
			return err
		}
		if actionID != 0 {
			if err := c.stores.Actions.SetStatus(ctx, tx, actionID, contracts.StatusRejected); err != nil {
				return err
			}
		}
		if cp.Metadata.Chat != nil {
			c.gateway.PostThreadMessage(ctx, *cp.Metadata.Chat, "Rejected. No external action will be taken.")
		}
		return nil
	})
}

// ApplySteer amends the draft with human feedback, resets the machine to
// drafted, and re-requests approval under a new approval_request_id. The
// steering actor may differ from the original requester; both appear in the
// audit detail.
func (c *Coordinator) ApplySteer(ctx context.Context, approvalRequestID, actor, feedback, selectedPlan, idempotencyKey string) (result *ApprovalResult, err error) {
	defer func() { c.metrics.recordOp(ctx, "apply_steer", err) }()

	var actionID int64
	var effectiveKey string
	var cached bool
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		cp, err := c.checkpointByApproval(ctx, tx, approvalRequestID, true)
		if err != nil {
			return err
		}
		actionID = actionIDFrom(cp)
		if actionID == 0 {
			return fmt.Errorf("thread %s has no action: %w", cp.ThreadID, contracts.ErrNotFound)
		}
		switch cp.Metadata.Status {
		case contracts.StatusExecuting, contracts.StatusExecuted, contracts.StatusFailed:
			return fmt.Errorf("cannot steer %s in status %s: %w",
				approvalRequestID, cp.Metadata.Status, contracts.ErrConflict)
		}

		// The re-request below records this key, so a replayed steer lands
		// here and returns the request it already minted.
		effectiveKey = idempotencyKey
		if effectiveKey == "" {
			effectiveKey = fmt.Sprintf("%s:%s:steer", cp.ThreadID, approvalRequestID)
		}
		if cp.Metadata.HasIdempotencyKey(effectiveKey) {
			result = approvalResultFrom(cp, actionID)
			cached = true
			return nil
		}
		action, err := c.stores.Actions.Get(ctx, tx, actionID)
		if err != nil {
			return err
		}
		updated := action.DraftContent + "\n\n[Steer] " + feedback
		if selectedPlan != "" {
			updated += "\n[Plan] " + selectedPlan
		}
		updated = strings.TrimSpace(updated)
		if err := c.stores.Actions.SetDraft(ctx, tx, actionID, updated); err != nil {
			return err
		}
		if err := c.stores.Actions.SetStatus(ctx, tx, actionID, contracts.StatusDrafted); err != nil {
			return err
		}

		if cp.State == nil {
			cp.State = map[string]any{}
		}
		cp.State["draft"] = updated
		cp.State["feedback"] = feedback
		if selectedPlan != "" {
			cp.State["selected_plan"] = selectedPlan
		}
		cp.Metadata.Status = contracts.StatusDrafted
		c.appendAudit(cp, contracts.AuditFeedbackReceived, actor, approvalRequestID, map[string]any{
			"feedback":      feedback,
			"selected_plan": selectedPlan,
			"requested_by":  cp.Metadata.RequestedBy,
		})
		return c.stores.Checkpoints.Upsert(ctx, tx, cp)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return result, nil
	}
	return c.RequestApproval(ctx, actionID, actor, effectiveKey, "steer update")
}

// ProcessExecutionJob drives the approved action through the executor under
// a freshly minted job id. Terminal execution states short-circuit to the
// cached result, so concurrent approvals collapse to one run.
func (c *Coordinator) ProcessExecutionJob(ctx context.Context, actionID int64, simulateFailure bool, payloadOverride map[string]any) (result *ExecutionJobResult, err error) {
	defer func() { c.metrics.recordOp(ctx, "process_execution_job", err) }()

	threadID := ThreadID(actionID)
	jobID := contracts.NewID("job", 12)

	var cached bool
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		cp, err := c.stores.Checkpoints.Get(ctx, tx, threadID, true)
		if err != nil {
			return err
		}
		if cp == nil {
			cp = &contracts.Checkpoint{ThreadID: threadID, State: map[string]any{"action_id": actionID}}
		}
		if cp.Metadata.ExecutionStatus.Terminal() || cp.Metadata.Status == contracts.StatusExecuting {
			result = cachedJobResult(cp, actionID)
			cached = true
			return nil
		}

		cp.Metadata.Status = contracts.StatusExecuting
		cp.Metadata.ExecutionStatus = contracts.StatusExecuting
		cp.Metadata.ExecutionJobID = jobID
		c.appendAudit(cp, contracts.AuditExecutionStarted, "worker", jobID, map[string]any{
			"action_id": actionID,
		})
		if err := c.stores.Checkpoints.Upsert(ctx, tx, cp); err != nil {
			return err
		}
		return c.stores.Actions.SetStatus(ctx, tx, actionID, contracts.StatusExecuting)
	})
	if err != nil {
		return nil, err
	}
	if cached {
		return result, nil
	}

	var runs []contracts.ExecutionRun
	var execErr error
	if simulateFailure {
		execErr = fmt.Errorf("simulated failure")
	} else {
		runs, execErr = c.exec.Execute(ctx, c.stores.DB, jobID, actionID, payloadOverride)
	}

	if execErr != nil {
		return c.finishExecution(ctx, threadID, actionID, jobID, contracts.StatusFailed, execErr.Error())
	}
	// Calendar failures do not raise inside the executor; the run ledger is
	// authoritative for the job outcome.
	if msg, failed := failedRunMessage(runs); failed {
		return c.finishExecution(ctx, threadID, actionID, jobID, contracts.StatusFailed, msg)
	}
	return c.finishExecution(ctx, threadID, actionID, jobID, contracts.StatusExecuted, "")
}

// failedRunMessage returns the first failed run's error, if any run failed.
func failedRunMessage(runs []contracts.ExecutionRun) (string, bool) {
	for _, run := range runs {
		if run.Status != contracts.RunFailed {
			continue
		}
		if run.Error != "" {
			return run.Error, true
		}
		return "external action failed", true
	}
	return "", false
}

// finishExecution records the terminal outcome and posts the thread note.
func (c *Coordinator) finishExecution(ctx context.Context, threadID string, actionID int64, jobID string, status contracts.Status, errorMessage string) (*ExecutionJobResult, error) {
	var handle *contracts.ChatHandle
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		cp, err := c.stores.Checkpoints.Get(ctx, tx, threadID, true)
		if err != nil {
			return err
		}
		if cp == nil {
			return fmt.Errorf("thread %s vanished during execution: %w", threadID, contracts.ErrInvariant)
		}

		cp.Metadata.Status = status
		cp.Metadata.ExecutionStatus = status

		detail := map[string]any{"action_id": actionID}
		eventType := contracts.AuditExecutionSuccess
		if status == contracts.StatusFailed {
			eventType = contracts.AuditExecutionFailed
			detail["error"] = errorMessage
		}
		event := c.appendAudit(cp, eventType, "worker", jobID, detail)
		event.ContentHash = contentHash(detail)

		if err := c.stores.Checkpoints.Upsert(ctx, tx, cp); err != nil {
			return err
		}
		if err := c.stores.Actions.SetStatus(ctx, tx, actionID, status); err != nil {
			return err
		}
		handle = cp.Metadata.Chat
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.metrics.recordExecution(ctx, string(status))
	if handle != nil {
		text := fmt.Sprintf("✅ Executed action %d (job %s).", actionID, jobID)
		if status == contracts.StatusFailed {
			text = fmt.Sprintf("⚠️ Execution failed for action %d (job %s): %s", actionID, jobID, errorMessage)
		}
		c.gateway.PostThreadMessage(ctx, *handle, text)
	}
	return &ExecutionJobResult{JobID: jobID, Status: status, ThreadID: threadID, ActionID: actionID}, nil
}

// FetchAuditLogs returns the thread's ordered audit trail.
func (c *Coordinator) FetchAuditLogs(ctx context.Context, threadID string) ([]contracts.AuditEvent, error) {
	cp, err := c.stores.Checkpoints.Get(ctx, c.stores.DB, threadID, false)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, contracts.ErrNotFound)
	}
	return cp.Metadata.AuditEvents, nil
}

// TagThread stamps planner metadata onto the checkpoint. Used by the
// watchdog to mark threads it opened.
func (c *Coordinator) TagThread(ctx context.Context, threadID, mode, projectID, severity string) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		cp, err := c.stores.Checkpoints.Get(ctx, tx, threadID, true)
		if err != nil {
			return err
		}
		if cp == nil {
			return fmt.Errorf("thread %s: %w", threadID, contracts.ErrNotFound)
		}
		cp.Metadata.Mode = mode
		cp.Metadata.ProjectID = projectID
		cp.Metadata.Severity = severity
		return c.stores.Checkpoints.Upsert(ctx, tx, cp)
	})
}

func (c *Coordinator) checkpointByApproval(ctx context.Context, tx *sql.Tx, approvalRequestID string, forUpdate bool) (*contracts.Checkpoint, error) {
	threadID, err := c.stores.Checkpoints.ThreadByApprovalID(ctx, tx, approvalRequestID)
	if err != nil {
		return nil, err
	}
	cp, err := c.stores.Checkpoints.Get(ctx, tx, threadID, forUpdate)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("approval %s: %w", approvalRequestID, contracts.ErrNotFound)
	}
	return cp, nil
}

// appendAudit pushes an event and returns a pointer to the stored copy so
// callers can enrich it before persisting.
func (c *Coordinator) appendAudit(cp *contracts.Checkpoint, eventType, actor, correlationID string, detail map[string]any) *contracts.AuditEvent {
	cp.Metadata.AuditEvents = append(cp.Metadata.AuditEvents, contracts.AuditEvent{
		EventType:     eventType,
		Actor:         actor,
		CorrelationID: correlationID,
		Detail:        detail,
		CreatedAt:     c.nowFunc().UTC().Format(time.RFC3339Nano),
	})
	if c.audit != nil {
		if err := c.audit.Record(cp.ThreadID, actor, eventType, detail); err != nil {
			c.logger.Warn("audit stream write failed", "thread_id", cp.ThreadID, "error", err)
		}
	}
	return &cp.Metadata.AuditEvents[len(cp.Metadata.AuditEvents)-1]
}

// contentHash is the SHA-256 of the canonical (RFC 8785) JSON form of the
// detail, making terminal audit events tamper-evident.
func contentHash(detail map[string]any) string {
	encoded, err := json.Marshal(detail)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func approvalResultFrom(cp *contracts.Checkpoint, actionID int64) *ApprovalResult {
	return &ApprovalResult{
		ThreadID:          cp.ThreadID,
		ApprovalRequestID: cp.Metadata.ApprovalRequestID,
		Status:            cp.Metadata.Status,
		ActionID:          actionID,
		Chat:              cp.Metadata.Chat,
	}
}

func cachedJobResult(cp *contracts.Checkpoint, actionID int64) *ExecutionJobResult {
	status := cp.Metadata.ExecutionStatus
	if status == "" {
		status = cp.Metadata.Status
	}
	return &ExecutionJobResult{
		JobID:    cp.Metadata.ExecutionJobID,
		Status:   status,
		ThreadID: cp.ThreadID,
		ActionID: actionID,
	}
}

// actionIDFrom reads the action id out of the opaque state, tolerating the
// numeric types JSON decoding produces.
func actionIDFrom(cp *contracts.Checkpoint) int64 {
	switch v := cp.State["action_id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
