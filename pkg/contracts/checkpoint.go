package contracts

import "time"

// ChatHandle locates the chat conversation attached to a thread.
type ChatHandle struct {
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
	ThreadTS  string `json:"thread_ts,omitempty"`
}

// ReplyTS returns the timestamp replies should anchor to.
func (h ChatHandle) ReplyTS() string {
	if h.ThreadTS != "" {
		return h.ThreadTS
	}
	return h.MessageTS
}

// Valid reports whether the handle can be used for posting.
func (h ChatHandle) Valid() bool {
	return h.Channel != "" && h.MessageTS != ""
}

// AuditEvent is one entry in a thread's append-only audit trail. Ordering of
// the slice is the sole source of causal truth for the thread.
type AuditEvent struct {
	EventType     string         `json:"event_type"`
	Actor         string         `json:"actor,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	ContentHash   string         `json:"content_hash,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

// Audit event types emitted by the coordinator.
const (
	AuditApprovalRequested = "approval_requested"
	AuditApprovalApproved  = "approval_approved"
	AuditApprovalRejected  = "approval_rejected"
	AuditFeedbackReceived  = "human_feedback_received"
	AuditExecutionStarted  = "execution_started"
	AuditExecutionSuccess  = "execution_succeeded"
	AuditExecutionFailed   = "execution_failed"
)

// TentativeCalendar records a hold reservation attempt made at approval-request
// time. Holds are not released on reject.
type TentativeCalendar struct {
	EventID   string `json:"event_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ThreadMetadata is the authoritative coordinator state for one approval
// thread, persisted as the checkpoint's metadata JSON. Action.Status is kept
// consistent with Status inside each coordinator operation.
type ThreadMetadata struct {
	Status            Status             `json:"status,omitempty"`
	ApprovalRequestID string             `json:"approval_request_id,omitempty"`
	RequestedBy       string             `json:"requested_by,omitempty"`
	RequestedAt       string             `json:"requested_at,omitempty"`
	IdempotencyKeys   []string           `json:"idempotency_keys,omitempty"`
	ExecutionJobID    string             `json:"execution_job_id,omitempty"`
	ExecutionStatus   Status             `json:"execution_status,omitempty"`
	Chat              *ChatHandle        `json:"slack,omitempty"`
	AuditEvents       []AuditEvent       `json:"audit_events,omitempty"`
	Tentative         *TentativeCalendar `json:"tentative_calendar,omitempty"`

	// Planner tags.
	Mode      string `json:"mode,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Severity  string `json:"severity,omitempty"`

	// Extra carries planner metadata with no typed home.
	Extra map[string]any `json:"extra,omitempty"`
}

// HasIdempotencyKey reports whether key was already observed on this thread.
func (m *ThreadMetadata) HasIdempotencyKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range m.IdempotencyKeys {
		if k == key {
			return true
		}
	}
	return false
}

// RecordIdempotencyKey appends key to the insertion-ordered set.
func (m *ThreadMetadata) RecordIdempotencyKey(key string) {
	if key == "" || m.HasIdempotencyKey(key) {
		return
	}
	m.IdempotencyKeys = append(m.IdempotencyKeys, key)
}

// LastAudit returns the most recent audit event, or nil.
func (m *ThreadMetadata) LastAudit() *AuditEvent {
	if len(m.AuditEvents) == 0 {
		return nil
	}
	return &m.AuditEvents[len(m.AuditEvents)-1]
}

// Checkpoint is the durable record for one thread: opaque working state plus
// the authoritative metadata.
type Checkpoint struct {
	ThreadID string
	State    map[string]any
	Metadata ThreadMetadata
}

// ThreadSummary is the operator-review projection of a thread.
type ThreadSummary struct {
	ThreadID  string    `json:"thread_id"`
	ActionID  int64     `json:"action_id,omitempty"`
	Status    Status    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Events    int       `json:"events"`
}
