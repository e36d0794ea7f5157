// Package demo drives the guided demo scenario: an intervention alert posted
// to chat, plan selection or free-text intervention, approval, and a calendar
// booking. State lives in a checkpoint under thread_id "demo:<alert_id>" with
// its own compressed metadata shape.
package demo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/database"
	"github.com/saihai-dev/saihai/pkg/executor"
	"github.com/saihai-dev/saihai/pkg/slack"
)

// Demo lifecycle states.
const (
	StatusAlerted          = "alerted"
	StatusPlanSelected     = "plan_selected"
	StatusIntervened       = "intervened"
	StatusApprovalPending  = "approval_pending"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusCancelled        = "cancelled"
	StatusCalendarCreating = "calendar_creating"
	StatusCalendarCreated  = "calendar_created"
	StatusCalendarFailed   = "calendar_failed"
)

var defaultInvitees = []string{"demo-invitee@example.com"}

// Config carries demo deployment settings.
type Config struct {
	CalendarID      string
	Timezone        string
	InviteeEmails   []string
	ApproverUserIDs []string
	OwnerEmail      string
}

// Driver owns the demo state machine.
type Driver struct {
	db      *database.DB
	exec    *executor.Executor
	gateway slack.Gateway
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New builds a Driver. gateway must be able to post the alert; the Noop
// gateway makes Start fail, matching a chat-less deployment.
func New(db *database.DB, exec *executor.Executor, gateway slack.Gateway, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if gateway == nil {
		gateway = slack.NewNoop()
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Tokyo"
	}
	return &Driver{db: db, exec: exec, gateway: gateway, cfg: cfg, logger: logger, nowFunc: time.Now}
}

// WithClock overrides the time source for tests.
func (d *Driver) WithClock(now func() time.Time) *Driver {
	d.nowFunc = now
	return d
}

// calendarState tracks the booking attempt inside the demo metadata.
type calendarState struct {
	Status    string `json:"status,omitempty"`
	StartedBy string `json:"started_by,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventLink string `json:"event_link,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (c *calendarState) booked() bool {
	return c != nil && (c.EventID != "" || c.EventLink != "")
}

// metadata is the demo thread's durable state.
type metadata struct {
	AlertID         string                `json:"alert_id"`
	Status          string                `json:"status"`
	ApprovalStatus  string                `json:"approval_status,omitempty"`
	RequestedBy     string                `json:"requested_by,omitempty"`
	RequestedByName string                `json:"requested_by_name,omitempty"`
	OwnerUserID     string                `json:"owner_user_id,omitempty"`
	OwnerEmail      string                `json:"owner_email,omitempty"`
	Plan            string                `json:"plan,omitempty"`
	PlanSelectedBy  string                `json:"plan_selected_by,omitempty"`
	PlanSelectedAt  string                `json:"plan_selected_at,omitempty"`
	Intervention    string                `json:"intervention,omitempty"`
	InterventionBy  string                `json:"intervention_by,omitempty"`
	InterventionAt  string                `json:"intervention_at,omitempty"`
	ApprovedBy      string                `json:"approved_by,omitempty"`
	ApprovedAt      string                `json:"approved_at,omitempty"`
	RejectedBy      string                `json:"rejected_by,omitempty"`
	CancelledBy     string                `json:"cancelled_by,omitempty"`
	IdempotencyKeys []string              `json:"idempotency_keys,omitempty"`
	Calendar        *calendarState        `json:"calendar,omitempty"`
	Chat            *contracts.ChatHandle `json:"slack,omitempty"`
	CreatedAt       string                `json:"created_at,omitempty"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
}

func (m *metadata) keySeen(key string) bool {
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

func (m *metadata) recordKey(key string) {
	if key == "" || m.keySeen(key) {
		return
	}
	m.IdempotencyKeys = append(m.IdempotencyKeys, key)
}

func (m *metadata) closed() bool {
	return m.Status == StatusRejected || m.Status == StatusCancelled
}

func (m *metadata) approvedAlready() bool {
	switch m.Status {
	case StatusApproved, StatusCalendarCreating, StatusCalendarCreated:
		return true
	}
	return false
}

// StartResult is the outcome of Start.
type StartResult struct {
	AlertID string                `json:"alert_id"`
	Status  string                `json:"status"`
	Chat    *contracts.ChatHandle `json:"slack,omitempty"`
}

// ThreadID derives the demo checkpoint key.
func ThreadID(alertID string) string {
	return "demo:" + alertID
}

// Start posts the intervention alert and creates the demo thread. A failed
// alert post aborts the demo.
func (d *Driver) Start(ctx context.Context, requestedBy, requestedByName string) (*StartResult, error) {
	alertID := contracts.NewID("alert", 12)
	handle, err := d.gateway.SendDemoAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("demo alert: %w", err)
	}

	now := d.nowFunc().UTC().Format(time.RFC3339)
	meta := &metadata{
		AlertID:         alertID,
		Status:          StatusAlerted,
		RequestedBy:     requestedBy,
		RequestedByName: requestedByName,
		OwnerUserID:     requestedBy,
		OwnerEmail:      d.cfg.OwnerEmail,
		Chat:            handle,
		CreatedAt:       now,
	}
	if err := d.save(ctx, d.db, alertID, meta); err != nil {
		return nil, err
	}
	return &StartResult{AlertID: alertID, Status: StatusAlerted, Chat: handle}, nil
}

// SelectPlan records a plan choice and posts the approval prompt. Plans
// normalize to A, B, or C; anything else is ignored.
func (d *Driver) SelectPlan(ctx context.Context, alertID, actor, plan, idempotencyKey string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		meta, err := d.load(ctx, tx, alertID, false)
		if err != nil {
			return err
		}
		if meta == nil {
			d.logger.Warn("demo plan selection ignored", "alert_id", alertID)
			return nil
		}
		if meta.keySeen(idempotencyKey) {
			return nil
		}
		meta.recordKey(idempotencyKey)

		normalized := NormalizePlan(plan)
		if normalized == "" {
			d.logger.Warn("demo plan selection invalid", "alert_id", alertID, "plan", plan)
			return nil
		}
		if meta.closed() {
			d.notify(ctx, meta, "すでに終了しています。新しいデモを開始してください。")
			return d.save(ctx, tx, alertID, meta)
		}
		if meta.approvedAlready() {
			d.notify(ctx, meta, "すでにApprove済みです。")
			return d.save(ctx, tx, alertID, meta)
		}

		now := d.nowFunc().UTC().Format(time.RFC3339)
		meta.Plan = normalized
		meta.PlanSelectedBy = actor
		meta.PlanSelectedAt = now
		meta.Status = StatusApprovalPending
		meta.ApprovalStatus = StatusApprovalPending
		meta.UpdatedAt = now
		if err := d.save(ctx, tx, alertID, meta); err != nil {
			return err
		}
		d.promptApproval(ctx, meta)
		return nil
	})
}

// Intervene records a free-text intervention and posts the approval prompt.
func (d *Driver) Intervene(ctx context.Context, alertID, actor, intervention, idempotencyKey string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		meta, err := d.load(ctx, tx, alertID, false)
		if err != nil {
			return err
		}
		if meta == nil {
			d.logger.Warn("demo intervention ignored", "alert_id", alertID)
			return nil
		}
		if meta.keySeen(idempotencyKey) {
			return nil
		}
		meta.recordKey(idempotencyKey)

		if meta.approvedAlready() {
			d.notify(ctx, meta, "すでにApprove済みです。")
			return d.save(ctx, tx, alertID, meta)
		}
		if meta.closed() {
			d.notify(ctx, meta, "すでに終了しています。新しいデモを開始してください。")
			return d.save(ctx, tx, alertID, meta)
		}

		trimmed := strings.TrimSpace(intervention)
		if trimmed == "" {
			return nil
		}
		now := d.nowFunc().UTC().Format(time.RFC3339)
		meta.Intervention = trimmed
		meta.InterventionBy = actor
		meta.InterventionAt = now
		meta.Status = StatusApprovalPending
		meta.ApprovalStatus = StatusApprovalPending
		meta.UpdatedAt = now
		if err := d.save(ctx, tx, alertID, meta); err != nil {
			return err
		}
		d.promptApproval(ctx, meta)
		return nil
	})
}

// Approve is two-phase: the first transaction flips the thread to
// calendar_creating (short-circuiting duplicates), the calendar call happens
// outside any transaction, and a final transaction records the terminal
// booking outcome.
func (d *Driver) Approve(ctx context.Context, alertID, actor, idempotencyKey string) error {
	var phase1 *metadata
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		meta, err := d.load(ctx, tx, alertID, true)
		if err != nil {
			return err
		}
		if meta == nil {
			d.logger.Warn("demo approve ignored", "alert_id", alertID)
			return nil
		}
		if meta.keySeen(idempotencyKey) {
			return nil
		}
		meta.recordKey(idempotencyKey)

		if meta.closed() {
			d.notify(ctx, meta, "すでにReject/Cancelされています。新しいデモを開始してください。")
			return d.save(ctx, tx, alertID, meta)
		}
		if !d.actorAllowed(actor) {
			d.notify(ctx, meta, "Approve権限がありません。")
			return d.save(ctx, tx, alertID, meta)
		}
		if meta.Calendar.booked() {
			d.notify(ctx, meta, "すでにカレンダー登録済みです。")
			return d.save(ctx, tx, alertID, meta)
		}
		if meta.Status == StatusCalendarCreating || (meta.Calendar != nil && meta.Calendar.Status == StatusCalendarCreating) {
			return d.save(ctx, tx, alertID, meta)
		}

		now := d.nowFunc().UTC().Format(time.RFC3339)
		meta.ApprovalStatus = StatusApproved
		meta.ApprovedBy = actor
		meta.ApprovedAt = now
		if meta.Calendar == nil {
			meta.Calendar = &calendarState{}
		}
		meta.Calendar.Status = StatusCalendarCreating
		meta.Calendar.StartedBy = actor
		meta.Calendar.StartedAt = now
		meta.Status = StatusCalendarCreating
		meta.UpdatedAt = now
		if err := d.save(ctx, tx, alertID, meta); err != nil {
			return err
		}
		phase1 = meta
		return nil
	})
	if err != nil || phase1 == nil {
		return err
	}
	return d.createCalendar(ctx, alertID, phase1)
}

// createCalendar runs the booking and records the outcome. The guard re-reads
// the thread, so a concurrent booking that already landed wins.
func (d *Driver) createCalendar(ctx context.Context, alertID string, phase1 *metadata) error {
	latest, err := d.load(ctx, d.db, alertID, false)
	if err != nil {
		return err
	}
	if latest == nil || latest.Calendar.booked() {
		return nil
	}
	if latest.Status != StatusCalendarCreating && (latest.Calendar == nil || latest.Calendar.Status != StatusCalendarCreating) {
		return nil
	}

	event, eventErr := d.bookEvent(ctx, latest)
	if eventErr != nil {
		reason := eventErr.Error()
		err := d.inTx(ctx, func(tx *sql.Tx) error {
			meta, err := d.load(ctx, tx, alertID, true)
			if err != nil || meta == nil || meta.Calendar.booked() {
				return err
			}
			if meta.Calendar == nil {
				meta.Calendar = &calendarState{}
			}
			meta.Status = StatusCalendarFailed
			meta.Calendar.Status = StatusCalendarFailed
			meta.Calendar.Error = reason
			meta.UpdatedAt = d.nowFunc().UTC().Format(time.RFC3339)
			return d.save(ctx, tx, alertID, meta)
		})
		if err != nil {
			return err
		}
		if phase1.Chat != nil {
			d.gateway.SendDemoRetryPrompt(ctx, *phase1.Chat, alertID, reason)
		}
		d.logger.Warn("demo calendar failed", "alert_id", alertID, "error", reason)
		return nil
	}

	eventID, _ := event["event_id"].(string)
	if eventID == "" {
		eventID, _ = event["id"].(string)
	}
	eventLink, _ := event["htmlLink"].(string)

	err = d.inTx(ctx, func(tx *sql.Tx) error {
		meta, err := d.load(ctx, tx, alertID, true)
		if err != nil || meta == nil || meta.Calendar.booked() {
			return err
		}
		if meta.Calendar == nil {
			meta.Calendar = &calendarState{}
		}
		meta.Status = StatusCalendarCreated
		meta.Calendar.Status = StatusCalendarCreated
		meta.Calendar.EventID = eventID
		meta.Calendar.EventLink = eventLink
		meta.Calendar.Error = ""
		meta.UpdatedAt = d.nowFunc().UTC().Format(time.RFC3339)
		return d.save(ctx, tx, alertID, meta)
	})
	if err != nil {
		return err
	}
	d.notify(ctx, phase1, d.successMessage(eventLink, eventID))
	return nil
}

// Reject closes the demo. Refused after approval.
func (d *Driver) Reject(ctx context.Context, alertID, actor, idempotencyKey string) error {
	return d.close(ctx, alertID, actor, idempotencyKey, StatusRejected, "Rejectされました。")
}

// Cancel closes the demo. Refused after approval.
func (d *Driver) Cancel(ctx context.Context, alertID, actor, idempotencyKey string) error {
	return d.close(ctx, alertID, actor, idempotencyKey, StatusCancelled, "キャンセルされました。")
}

func (d *Driver) close(ctx context.Context, alertID, actor, idempotencyKey, status, message string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		meta, err := d.load(ctx, tx, alertID, false)
		if err != nil {
			return err
		}
		if meta == nil {
			d.logger.Warn("demo close ignored", "alert_id", alertID, "status", status)
			return nil
		}
		if meta.keySeen(idempotencyKey) {
			return nil
		}
		meta.recordKey(idempotencyKey)

		if meta.approvedAlready() {
			d.notify(ctx, meta, "すでにApprove済みです。")
			return d.save(ctx, tx, alertID, meta)
		}

		meta.Status = status
		meta.ApprovalStatus = status
		if status == StatusRejected {
			meta.RejectedBy = actor
		} else {
			meta.CancelledBy = actor
		}
		meta.UpdatedAt = d.nowFunc().UTC().Format(time.RFC3339)
		if err := d.save(ctx, tx, alertID, meta); err != nil {
			return err
		}
		d.notify(ctx, meta, message)
		return nil
	})
}

// Retry re-attempts a failed calendar booking.
func (d *Driver) Retry(ctx context.Context, alertID, actor, idempotencyKey string) error {
	var phase1 *metadata
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		meta, err := d.load(ctx, tx, alertID, true)
		if err != nil {
			return err
		}
		if meta == nil {
			d.logger.Warn("demo retry ignored", "alert_id", alertID)
			return nil
		}
		if meta.keySeen(idempotencyKey) {
			return nil
		}
		meta.recordKey(idempotencyKey)

		if meta.Calendar.booked() {
			d.notify(ctx, meta, "すでにカレンダー登録済みです。")
			return d.save(ctx, tx, alertID, meta)
		}
		if meta.Status != StatusCalendarFailed {
			return d.save(ctx, tx, alertID, meta)
		}

		now := d.nowFunc().UTC().Format(time.RFC3339)
		if meta.Calendar == nil {
			meta.Calendar = &calendarState{}
		}
		meta.Status = StatusCalendarCreating
		meta.Calendar.Status = StatusCalendarCreating
		meta.Calendar.StartedBy = actor
		meta.Calendar.StartedAt = now
		meta.Calendar.Error = ""
		meta.UpdatedAt = now
		if err := d.save(ctx, tx, alertID, meta); err != nil {
			return err
		}
		phase1 = meta
		return nil
	})
	if err != nil || phase1 == nil {
		return err
	}
	return d.createCalendar(ctx, alertID, phase1)
}

// Get returns the thread state for API reads, or ErrNotFound.
func (d *Driver) Get(ctx context.Context, alertID string) (*StartResult, error) {
	meta, err := d.load(ctx, d.db, alertID, false)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("demo %s: %w", alertID, contracts.ErrNotFound)
	}
	return &StartResult{AlertID: alertID, Status: meta.Status, Chat: meta.Chat}, nil
}

// bookEvent creates the demo calendar event for tomorrow 18:00-18:30.
func (d *Driver) bookEvent(ctx context.Context, meta *metadata) (map[string]any, error) {
	start, end := d.schedule()
	title := "SaihAI デモ（介入アラート）"
	if meta.Plan != "" {
		title = fmt.Sprintf("%s - Plan %s", title, meta.Plan)
	}

	lines := []string{"Alert ID: " + meta.AlertID}
	if meta.Plan != "" {
		lines = append(lines, "Plan: "+meta.Plan)
	}
	if meta.Intervention != "" {
		lines = append(lines, "Intervention: "+meta.Intervention)
	}

	if d.exec == nil || d.exec.CalendarProvider() == executor.ProviderMock {
		return map[string]any{
			"event_id": contracts.NewID("demo", 10),
			"status":   "confirmed",
		}, nil
	}

	return d.exec.InsertCalendarEvent(ctx, executor.CalendarPayload{
		Title:       title,
		StartAt:     start.Format(time.RFC3339),
		EndAt:       end.Format(time.RFC3339),
		Timezone:    d.cfg.Timezone,
		Attendees:   d.invitees(),
		Description: strings.Join(lines, "\n"),
		CalendarID:  d.cfg.CalendarID,
		OwnerUserID: meta.OwnerUserID,
		OwnerEmail:  meta.OwnerEmail,
	})
}

// schedule is next day 18:00-18:30 in the demo timezone.
func (d *Driver) schedule() (time.Time, time.Time) {
	loc, err := time.LoadLocation(d.cfg.Timezone)
	if err != nil {
		loc, _ = time.LoadLocation("Asia/Tokyo")
	}
	day := d.nowFunc().In(loc).AddDate(0, 0, 1)
	start := time.Date(day.Year(), day.Month(), day.Day(), 18, 0, 0, 0, loc)
	return start, start.Add(30 * time.Minute)
}

func (d *Driver) invitees() []string {
	if len(d.cfg.InviteeEmails) > 0 {
		return d.cfg.InviteeEmails
	}
	return defaultInvitees
}

func (d *Driver) actorAllowed(actor string) bool {
	if len(d.cfg.ApproverUserIDs) == 0 {
		return true
	}
	for _, id := range d.cfg.ApproverUserIDs {
		if id == actor {
			return true
		}
	}
	return false
}

func (d *Driver) summary(meta *metadata) string {
	plan := meta.Plan
	if plan == "" {
		plan = "未選択"
	}
	intervention := meta.Intervention
	if intervention == "" {
		intervention = "なし"
	}
	return fmt.Sprintf("*実行ドラフト*\n- Plan: %s\n- 介入: %s\n- 予定: 翌日 18:00 - 18:30 (%s)\n- 招待: %s",
		plan, intervention, d.cfg.Timezone, strings.Join(d.invitees(), ", "))
}

func (d *Driver) successMessage(eventLink, eventID string) string {
	start, end := d.schedule()
	schedule := fmt.Sprintf("%s - %s (%s)",
		start.Format("2006-01-02 15:04"), end.Format("15:04"), d.cfg.Timezone)
	linkLine := ""
	if eventLink != "" {
		linkLine = "\nEvent: " + eventLink
	} else if eventID != "" {
		linkLine = "\nEvent ID: " + eventID
	}
	return fmt.Sprintf("✅ Approve完了\n%s\n招待: %s%s",
		schedule, strings.Join(d.invitees(), ", "), linkLine)
}

func (d *Driver) promptApproval(ctx context.Context, meta *metadata) {
	if meta.Chat == nil {
		return
	}
	d.gateway.SendDemoPrompt(ctx, *meta.Chat, d.summary(meta), meta.AlertID)
}

func (d *Driver) notify(ctx context.Context, meta *metadata, text string) {
	if meta.Chat == nil {
		return
	}
	d.gateway.PostThreadMessage(ctx, *meta.Chat, text)
}

// NormalizePlan uppercases and validates a plan choice; empty means invalid.
func NormalizePlan(plan string) string {
	normalized := strings.ToUpper(strings.TrimSpace(plan))
	switch normalized {
	case "A", "B", "C":
		return normalized
	}
	return ""
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *Driver) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
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

func (d *Driver) load(ctx context.Context, q querier, alertID string, forUpdate bool) (*metadata, error) {
	query := d.db.Rebind(`SELECT metadata FROM langgraph_checkpoints WHERE thread_id = ?`)
	if forUpdate {
		query += d.db.ForUpdate()
	}
	var raw sql.NullString
	err := q.QueryRowContext(ctx, query, ThreadID(alertID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load demo %s: %w", alertID, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var meta metadata
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("decode demo %s: %w", alertID, err)
	}
	return &meta, nil
}

func (d *Driver) save(ctx context.Context, q querier, alertID string, meta *metadata) error {
	threadID := ThreadID(alertID)
	blob, err := json.Marshal(map[string]any{"alert_id": alertID})
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode demo %s: %w", alertID, err)
	}

	var exists int
	err = q.QueryRowContext(ctx,
		d.db.Rebind(`SELECT 1 FROM langgraph_checkpoints WHERE thread_id = ?`), threadID,
	).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx,
			d.db.Rebind(`INSERT INTO langgraph_checkpoints (thread_id, checkpoint, metadata) VALUES (?, ?, ?)`),
			threadID, blob, string(encoded),
		)
	case err == nil:
		_, err = q.ExecContext(ctx,
			d.db.Rebind(`UPDATE langgraph_checkpoints SET checkpoint = ?, metadata = ? WHERE thread_id = ?`),
			blob, string(encoded), threadID,
		)
	}
	if err != nil {
		return fmt.Errorf("save demo %s: %w", alertID, err)
	}
	return nil
}
