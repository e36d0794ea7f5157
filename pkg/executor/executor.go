package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/credentials"
	"github.com/saihai-dev/saihai/pkg/store"
)

// Provider backends.
const (
	ProviderMock   = "mock"
	ProviderGoogle = "google"
)

// Config selects provider backends and payload defaults.
type Config struct {
	EmailProvider    string
	CalendarProvider string
	HRProvider       string
	HRAPIURL         string
	Defaults         Defaults
}

func (c Config) provider(t contracts.ActionType) string {
	switch t {
	case contracts.ActionTypeEmail:
		return orDefault(c.EmailProvider, ProviderMock)
	case contracts.ActionTypeCalendar:
		return orDefault(c.CalendarProvider, ProviderMock)
	default:
		return orDefault(c.HRProvider, ProviderMock)
	}
}

// Executor dispatches approved actions to their providers with at-most-once
// run recording.
type Executor struct {
	cfg        Config
	stores     *store.Stores
	creds      *credentials.Manager
	calendar   *GoogleCalendar
	httpClient *http.Client
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// New builds an Executor. creds and calendar may be nil when the calendar
// provider is mock.
func New(cfg Config, stores *store.Stores, creds *credentials.Manager, calendar *GoogleCalendar, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:        cfg,
		stores:     stores,
		creds:      creds,
		calendar:   calendar,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// WithClock overrides the time source for tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.nowFunc = now
	return e
}

// Execute runs the external side effect(s) for actionID under jobID. The
// draft's trailing JSON payload drives the dispatch; a payloadOverride
// replaces it when provided. Unknown action types return no runs and no
// error. Calendar failures are recorded but do not return an error; every
// other failure does, after its run row is written.
func (e *Executor) Execute(ctx context.Context, q store.Querier, jobID string, actionID int64, payloadOverride map[string]any) ([]contracts.ExecutionRun, error) {
	action, err := e.stores.Actions.Get(ctx, q, actionID)
	if err != nil {
		return nil, err
	}
	if !action.ActionType.Known() {
		return nil, nil
	}

	raw := ExtractDraftPayload(action.DraftContent)
	if list, ok := raw["actions"].([]any); ok {
		return e.executeBatch(ctx, q, jobID, actionID, list)
	}

	payloadSource := raw
	if payloadOverride != nil {
		payloadSource = payloadOverride
	}

	if action.ActionType == contracts.ActionTypeCalendar {
		run := e.executeSingle(ctx, q, jobID, actionID, action.ActionType, payloadSource, action.DraftContent)
		if run.Status != contracts.RunSucceeded {
			e.logger.Error("calendar event failed",
				"action_id", actionID, "job_id", jobID, "error", run.Error)
		}
		return []contracts.ExecutionRun{run}, nil
	}

	run := e.executeSingle(ctx, q, jobID, actionID, action.ActionType, payloadSource, action.DraftContent)
	if run.Status != contracts.RunSucceeded {
		return []contracts.ExecutionRun{run}, &contracts.IntegrationError{
			Provider: run.Provider,
			Message:  orDefault(run.Error, "external action failed"),
		}
	}
	return []contracts.ExecutionRun{run}, nil
}

// executeBatch handles drafts carrying an "actions" list: each entry runs
// independently, calendar failures are logged, other failures are collected
// into one error after every entry has been attempted.
func (e *Executor) executeBatch(ctx context.Context, q store.Querier, jobID string, actionID int64, items []any) ([]contracts.ExecutionRun, error) {
	var runs []contracts.ExecutionRun
	var errs []string
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		actionType := contracts.ActionType(str(entry, "type", "action_type"))
		if !actionType.Known() {
			continue
		}
		payload, _ := entry["payload"].(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		run := e.executeSingle(ctx, q, jobID, actionID, actionType, payload, "")
		runs = append(runs, run)
		if run.Status != contracts.RunSucceeded {
			if actionType == contracts.ActionTypeCalendar {
				e.logger.Error("calendar event failed",
					"action_id", actionID, "job_id", jobID, "error", run.Error)
			} else {
				errs = append(errs, orDefault(run.Error, "unknown error"))
			}
		}
	}
	if len(errs) > 0 {
		return runs, fmt.Errorf("batch execution: %s", strings.Join(errs, "; "))
	}
	return runs, nil
}

// executeSingle dispatches one payload and always records the run row.
func (e *Executor) executeSingle(ctx context.Context, q store.Querier, jobID string, actionID int64, actionType contracts.ActionType, raw map[string]any, draft string) contracts.ExecutionRun {
	provider := e.cfg.provider(actionType)

	var payload any
	var response map[string]any
	var execErr error

	switch actionType {
	case contracts.ActionTypeEmail:
		p := e.cfg.Defaults.CoerceEmail(raw, draft)
		payload = p
		if execErr = validateSchema(emailSchema, p); execErr == nil {
			response, execErr = e.sendEmail(p)
		}
	case contracts.ActionTypeCalendar:
		p := e.cfg.Defaults.CoerceCalendar(raw, draft, e.nowFunc())
		payload = p
		if execErr = validateSchema(calendarSchema, p); execErr == nil {
			response, execErr = e.createCalendarEvent(ctx, p)
		}
	default:
		p := e.cfg.Defaults.CoerceHR(raw, draft)
		payload = p
		if execErr = validateSchema(hrSchema, p); execErr == nil {
			response, execErr = e.sendHRRequest(ctx, p)
		}
	}

	run := contracts.ExecutionRun{
		RunID:      contracts.NewID("ext", 12),
		JobID:      jobID,
		ActionID:   actionID,
		ActionType: actionType,
		Provider:   provider,
		Status:     contracts.RunSucceeded,
		Payload:    redact(PayloadToMap(payload)),
		Response:   response,
		ExecutedAt: e.nowFunc().UTC(),
	}
	if execErr != nil {
		run.Status = contracts.RunFailed
		run.Error = execErr.Error()
	}
	if err := e.stores.Runs.Insert(ctx, q, &run); err != nil {
		e.logger.Error("run record write failed", "run_id", run.RunID, "error", err)
	}
	return run
}

func (e *Executor) sendEmail(p EmailPayload) (map[string]any, error) {
	if e.cfg.provider(contracts.ActionTypeEmail) != ProviderMock {
		return nil, fmt.Errorf("unsupported email provider %q", e.cfg.EmailProvider)
	}
	return map[string]any{
		"message_id": contracts.NewID("mail", 10),
		"to":         p.To,
		"from":       p.From,
		"subject":    p.Subject,
		"status":     "sent",
	}, nil
}

func (e *Executor) createCalendarEvent(ctx context.Context, p CalendarPayload) (map[string]any, error) {
	switch e.cfg.provider(contracts.ActionTypeCalendar) {
	case ProviderMock:
		return map[string]any{
			"event_id": contracts.NewID("cal", 10),
			"attendee": p.Attendee,
			"title":    p.Title,
			"start_at": p.StartAt,
			"end_at":   p.EndAt,
			"timezone": p.Timezone,
			"status":   "confirmed",
		}, nil
	case ProviderGoogle:
		if e.creds == nil || e.calendar == nil {
			return nil, fmt.Errorf("google calendar provider not wired")
		}
		owner := orDefault(p.OwnerUserID, p.OwnerEmail)
		accessToken, err := e.creds.AccessToken(ctx, owner)
		if err != nil {
			return nil, err
		}
		return e.calendar.CreateEvent(ctx, accessToken, p)
	default:
		return nil, fmt.Errorf("unsupported calendar provider %q", e.cfg.CalendarProvider)
	}
}

func (e *Executor) sendHRRequest(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if e.cfg.provider(contracts.ActionTypeHR) == ProviderMock {
		return map[string]any{
			"request_id": contracts.NewID("hr", 10),
			"status":     "submitted",
		}, nil
	}
	if e.cfg.HRAPIURL == "" {
		return nil, fmt.Errorf("HR API URL is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode HR payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.HRAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &contracts.IntegrationError{Provider: "hr", Message: "HR API error", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &contracts.IntegrationError{Provider: "hr", Status: resp.StatusCode, Message: string(raw)}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"status": "accepted", "raw": string(raw)}, nil
	}
	return out, nil
}

// CreateTentativeHold books a placeholder event for tomorrow 18:00-19:00 in
// the payload's timezone, titled with a "Tentative:" prefix. Used by the
// coordinator at approval-request time; failure must not block the approval.
func (e *Executor) CreateTentativeHold(ctx context.Context, raw map[string]any, draft string) (map[string]any, error) {
	p := e.cfg.Defaults.CoerceCalendar(raw, draft, e.nowFunc())
	tz := orDefault(p.Timezone, "Asia/Tokyo")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		tz = "UTC"
	}

	day := e.nowFunc().In(loc).AddDate(0, 0, 1)
	start := time.Date(day.Year(), day.Month(), day.Day(), 18, 0, 0, 0, loc)
	p.Title = "Tentative: " + p.Title
	p.StartAt = start.Format(time.RFC3339)
	p.EndAt = start.Add(time.Hour).Format(time.RFC3339)
	p.Timezone = tz

	return e.createCalendarEvent(ctx, p)
}

// CalendarProvider reports the configured calendar backend.
func (e *Executor) CalendarProvider() string {
	return e.cfg.provider(contracts.ActionTypeCalendar)
}

// InsertCalendarEvent creates a calendar event without touching the run
// ledger. The demo driver uses it and records outcomes in its own thread
// metadata.
func (e *Executor) InsertCalendarEvent(ctx context.Context, p CalendarPayload) (map[string]any, error) {
	return e.createCalendarEvent(ctx, p)
}

// redact drops fields that must not reach the run ledger.
func redact(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		lowered := strings.ToLower(k)
		if strings.Contains(lowered, "token") || strings.Contains(lowered, "secret") || strings.Contains(lowered, "password") {
			continue
		}
		out[k] = v
	}
	return out
}
