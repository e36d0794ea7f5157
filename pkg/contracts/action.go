// Package contracts defines the shared vocabulary of the SaihAI coordinator:
// actions, thread metadata, audit events, executor runs, and the error taxonomy.
package contracts

import "time"

// ActionType identifies the kind of external side effect an action produces.
type ActionType string

const (
	ActionTypeEmail    ActionType = "mail_draft"
	ActionTypeCalendar ActionType = "meeting_request"
	ActionTypeHR       ActionType = "hr_request"
)

// Known reports whether t is one of the executable action types.
func (t ActionType) Known() bool {
	switch t {
	case ActionTypeEmail, ActionTypeCalendar, ActionTypeHR:
		return true
	}
	return false
}

// Status enumerates the HITL lifecycle states. The same enum is used for the
// action row and for the authoritative checkpoint metadata.
type Status string

const (
	StatusDrafted   Status = "drafted"
	StatusPending   Status = "approval_pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further execution transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusRejected
}

// ExecutionUnderway reports whether execution has started or finished.
func (s Status) ExecutionUnderway() bool {
	switch s {
	case StatusApproved, StatusExecuting, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Action is the unit of work the coordinator shepherds from draft to execution.
// Created by the watchdog or an intake API; mutated only by the coordinator.
type Action struct {
	ActionID     int64
	ProposalID   *int64
	ActionType   ActionType
	DraftContent string
	Status       Status
	IsApproved   bool
	CreatedAt    time.Time
}

// RunStatus is the outcome of a single executor attempt.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ExecutionRun records one attempt at an external side effect. Rows are
// append-only: inserted exactly once per attempt, never mutated.
type ExecutionRun struct {
	RunID      string         `json:"run_id"`
	JobID      string         `json:"job_id"`
	ActionID   int64          `json:"action_id"`
	ActionType ActionType     `json:"action_type"`
	Provider   string         `json:"provider"`
	Status     RunStatus      `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Response   map[string]any `json:"response,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}
