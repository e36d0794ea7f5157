package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/saihai-dev/saihai/pkg/contracts"
	"github.com/saihai-dev/saihai/pkg/demo"
	"github.com/saihai-dev/saihai/pkg/hitl"
	"github.com/saihai-dev/saihai/pkg/slack"
	"github.com/saihai-dev/saihai/pkg/store"
	"github.com/saihai-dev/saihai/pkg/watchdog"
)

const maxBodyBytes = 1 << 20

// Options wires the intake server. Coordinator and Stores are required;
// everything else degrades to a guarded or disabled route when absent.
type Options struct {
	Coordinator   *hitl.Coordinator
	Stores        *store.Stores
	Demo          *demo.Driver
	Watchdog      *watchdog.Watchdog
	Gateway       slack.Gateway
	Verifier      *slack.Verifier
	Auth          *JWTAuthenticator
	Idempotency   IdempotencyStorer
	RateLimiter   *GlobalRateLimiter
	InternalToken string
	Logger        *slog.Logger
}

// Server is the HTTP intake surface.
type Server struct {
	coordinator   *hitl.Coordinator
	stores        *store.Stores
	demo          *demo.Driver
	watchdog      *watchdog.Watchdog
	gateway       slack.Gateway
	verifier      *slack.Verifier
	auth          *JWTAuthenticator
	idempotency   IdempotencyStorer
	limiter       *GlobalRateLimiter
	internalToken string
	logger        *slog.Logger

	// dispatch runs webhook follow-up work after the ack. Tests swap it for
	// a synchronous runner.
	dispatch func(fn func())
}

// NewServer builds the intake server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coordinator:   opts.Coordinator,
		stores:        opts.Stores,
		demo:          opts.Demo,
		watchdog:      opts.Watchdog,
		gateway:       opts.Gateway,
		verifier:      opts.Verifier,
		auth:          opts.Auth,
		idempotency:   opts.Idempotency,
		limiter:       opts.RateLimiter,
		internalToken: opts.InternalToken,
		logger:        logger,
		dispatch:      func(fn func()) { go fn() },
	}
}

// Handler assembles the route table with the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	authed := AuthMiddleware(s.auth)
	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprove)
	v1.HandleFunc("POST /v1/approvals/{id}/reject", s.handleReject)
	v1.HandleFunc("POST /v1/approvals/{id}/steer", s.handleSteer)
	v1.HandleFunc("POST /v1/nemawashi/{action_id}/request-approval", s.handleRequestApproval)
	v1.HandleFunc("POST /v1/nemawashi/{action_id}/execute", s.handleExecute)
	v1.HandleFunc("GET /v1/audit/{thread_id}", s.handleAudit)
	v1.HandleFunc("GET /v1/history", s.handleHistory)
	v1.HandleFunc("POST /v1/demo/start", s.handleDemoStart)
	v1.HandleFunc("GET /v1/demo/{alert_id}", s.handleDemoGet)
	v1.HandleFunc("POST /v1/demo/{alert_id}/plan", s.handleDemoPlan)
	v1.HandleFunc("POST /v1/demo/{alert_id}/intervene", s.handleDemoIntervene)
	v1.HandleFunc("POST /v1/demo/{alert_id}/approve", s.handleDemoApprove)
	v1.HandleFunc("POST /v1/demo/{alert_id}/reject", s.handleDemoReject)
	v1.HandleFunc("POST /v1/demo/{alert_id}/cancel", s.handleDemoCancel)
	v1.HandleFunc("POST /v1/demo/{alert_id}/retry", s.handleDemoRetry)
	mux.Handle("/v1/", authed(v1))

	internal := InternalTokenMiddleware(s.internalToken)
	wd := http.NewServeMux()
	wd.HandleFunc("POST /api/v1/watchdog/enqueue", s.handleWatchdogEnqueue)
	wd.HandleFunc("POST /api/v1/watchdog/run", s.handleWatchdogRun)
	mux.Handle("/api/v1/watchdog/", internal(wd))

	mux.HandleFunc("POST /slack/interactions", s.handleSlackInteractions)
	mux.HandleFunc("POST /slack/events", s.handleSlackEvents)

	var handler http.Handler = mux
	if s.idempotency != nil {
		handler = IdempotencyMiddleware(s.idempotency)(handler)
	}
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	return RequestIDMiddleware(handler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads an optional JSON body into v. An empty body is fine.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// errBadRequest marks handler-level input validation failures.
var errBadRequest = errors.New("bad request")

// writeDomainError maps coordinator sentinels to problem responses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBadRequest):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, contracts.ErrConflict):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, contracts.ErrSignature):
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", GetRequestID(r.Context()), "error", err)
		WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error",
			"An unexpected error occurred. Please try again later.")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor resolves the acting user: explicit body value first, then the token
// subject.
func actor(r *http.Request, bodyActor string) string {
	if bodyActor != "" {
		return bodyActor
	}
	return Actor(r.Context())
}

func idemKey(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

type approvalBody struct {
	Actor        string `json:"actor,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
	SelectedPlan string `json:"selected_plan,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	result, err := s.coordinator.Approve(r.Context(), r.PathValue("id"), actor(r, body.Actor), idemKey(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.coordinator.Reject(r.Context(), r.PathValue("id"), actor(r, body.Actor), idemKey(r)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if body.Feedback == "" {
		WriteBadRequest(w, "feedback is required")
		return
	}
	result, err := s.coordinator.ApplySteer(r.Context(), r.PathValue("id"),
		actor(r, body.Actor), body.Feedback, body.SelectedPlan, idemKey(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type requestApprovalBody struct {
	Actor   string `json:"actor,omitempty"`
	Summary string `json:"summary,omitempty"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	actionID, err := strconv.ParseInt(r.PathValue("action_id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "action_id must be an integer")
		return
	}
	var body requestApprovalBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	result, err := s.coordinator.RequestApproval(r.Context(), actionID, actor(r, body.Actor), idemKey(r), body.Summary)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type executeBody struct {
	SimulateFailure bool           `json:"simulate_failure,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	actionID, err := strconv.ParseInt(r.PathValue("action_id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "action_id must be an integer")
		return
	}
	var body executeBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	result, err := s.coordinator.ProcessExecutionJob(r.Context(), actionID, body.SimulateFailure, body.Payload)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.coordinator.FetchAuditLogs(r.Context(), r.PathValue("thread_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": r.PathValue("thread_id"),
		"events":    events,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := hitl.HistoryFilter{
		Status:    contracts.Status(query.Get("status")),
		ProjectID: query.Get("project_id"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	threads, err := s.coordinator.FetchHistory(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// --- demo routes ---

func (s *Server) requireDemo(w http.ResponseWriter) bool {
	if s.demo == nil {
		WriteNotFound(w, "demo driver is not configured")
		return false
	}
	return true
}

type demoBody struct {
	Actor           string `json:"actor,omitempty"`
	RequestedByName string `json:"requested_by_name,omitempty"`
	Plan            string `json:"plan,omitempty"`
	Intervention    string `json:"intervention,omitempty"`
}

func (s *Server) handleDemoStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireDemo(w) {
		return
	}
	var body demoBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	result, err := s.demo.Start(r.Context(), actor(r, body.Actor), body.RequestedByName)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDemoGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireDemo(w) {
		return
	}
	result, err := s.demo.Get(r.Context(), r.PathValue("alert_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// demoOp decodes the shared demo body, runs one transition, and answers with
// the refreshed state.
func (s *Server) demoOp(w http.ResponseWriter, r *http.Request, op func(body demoBody, alertID, actor, key string) error) {
	if !s.requireDemo(w) {
		return
	}
	var body demoBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	alertID := r.PathValue("alert_id")
	if err := op(body, alertID, actor(r, body.Actor), idemKey(r)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	result, err := s.demo.Get(r.Context(), alertID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDemoPlan(w http.ResponseWriter, r *http.Request) {
	s.demoOp(w, r, func(body demoBody, alertID, actor, key string) error {
		if demo.NormalizePlan(body.Plan) == "" {
			return fmt.Errorf("%w: plan must be A, B, or C", errBadRequest)
		}
		return s.demo.SelectPlan(r.Context(), alertID, actor, body.Plan, key)
	})
}

func (s *Server) handleDemoIntervene(w http.ResponseWriter, r *http.Request) {
	s.demoOp(w, r, func(body demoBody, alertID, actor, key string) error {
		if body.Intervention == "" {
			return fmt.Errorf("%w: intervention is required", errBadRequest)
		}
		return s.demo.Intervene(r.Context(), alertID, actor, body.Intervention, key)
	})
}

func (s *Server) handleDemoApprove(w http.ResponseWriter, r *http.Request) {
	s.demoOp(w, r, func(_ demoBody, alertID, actor, key string) error {
		return s.demo.Approve(r.Context(), alertID, actor, key)
	})
}

func (s *Server) handleDemoReject(w http.ResponseWriter, r *http.Request) {
	s.demoOp(w, r, func(_ demoBody, alertID, actor, key string) error {
		return s.demo.Reject(r.Context(), alertID, actor, key)
	})
}

func (s *Server) handleDemoCancel(w http.ResponseWriter, r *http.Request) {
	s.demoOp(w, r, func(_ demoBody, alertID, actor, key string) error {
		return s.demo.Cancel(r.Context(), alertID, actor, key)
	})
}

func (s *Server) handleDemoRetry(w http.ResponseWriter, r *http.Request) {
	s.demoOp(w, r, func(_ demoBody, alertID, actor, key string) error {
		return s.demo.Retry(r.Context(), alertID, actor, key)
	})
}

// --- watchdog routes ---

func (s *Server) requireWatchdog(w http.ResponseWriter) bool {
	if s.watchdog == nil {
		WriteNotFound(w, "watchdog is not configured")
		return false
	}
	return true
}

func (s *Server) handleWatchdogEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.requireWatchdog(w) {
		return
	}
	result, err := s.watchdog.Enqueue(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type watchdogRunBody struct {
	JobID string `json:"job_id,omitempty"`
}

func (s *Server) handleWatchdogRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireWatchdog(w) {
		return
	}
	var body watchdogRunBody
	if err := decodeJSON(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	result, err := s.watchdog.Run(r.Context(), body.JobID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- slack webhooks ---

// readSigned reads the raw body and verifies the Slack signature headers.
func (s *Server) readSigned(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if s.verifier == nil {
		return nil, contracts.ErrSignature
	}
	if err := s.verifier.Verify(body,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature")); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Server) handleSlackInteractions(w http.ResponseWriter, r *http.Request) {
	body, err := s.readSigned(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	cb, err := slack.ParseInteraction(body)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	action := slack.FirstBlockAction(cb)
	if action == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	ctx := r.Context()
	user := cb.User.ID
	switch action.ActionID {
	case slack.ActionApprove:
		fields := slack.ParseActionValue(action.Value)
		if _, err := s.coordinator.Approve(ctx, fields["approval_request_id"], user, ""); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": "approved"})

	case slack.ActionReject:
		fields := slack.ParseActionValue(action.Value)
		if err := s.coordinator.Reject(ctx, fields["approval_request_id"], user, ""); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": "rejected"})

	case slack.ActionRequestChanges:
		fields := slack.ParseActionValue(action.Value)
		aprID := fields["approval_request_id"]
		key := fmt.Sprintf("slack:%s:request_changes", aprID)
		if _, err := s.coordinator.ApplySteer(ctx, aprID, user, "request_changes", "", key); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": "request changes"})

	case slack.ActionDemoPlanA, slack.ActionDemoPlanB, slack.ActionDemoApprove,
		slack.ActionDemoReject, slack.ActionDemoCancel, slack.ActionDemoRetry:
		s.handleDemoAction(w, r, action, user, cb.TriggerID)

	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// handleDemoAction routes demo buttons. The trigger ID keys the transition
// so a redelivered interaction replays silently.
func (s *Server) handleDemoAction(w http.ResponseWriter, r *http.Request, action *slackapi.BlockAction, user, triggerID string) {
	if !s.requireDemo(w) {
		return
	}
	alertID := action.Value
	key := fmt.Sprintf("slack:%s:%s", action.ActionID, triggerID)

	var err error
	switch action.ActionID {
	case slack.ActionDemoPlanA:
		err = s.demo.SelectPlan(r.Context(), alertID, user, "A", key)
	case slack.ActionDemoPlanB:
		err = s.demo.SelectPlan(r.Context(), alertID, user, "B", key)
	case slack.ActionDemoApprove:
		err = s.demo.Approve(r.Context(), alertID, user, key)
	case slack.ActionDemoReject:
		err = s.demo.Reject(r.Context(), alertID, user, key)
	case slack.ActionDemoCancel:
		err = s.demo.Cancel(r.Context(), alertID, user, key)
	case slack.ActionDemoRetry:
		err = s.demo.Retry(r.Context(), alertID, user, key)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	body, err := s.readSigned(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	env, err := slack.ParseEvent(body)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if env.Type == "url_verification" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	}

	// Ack immediately; steering runs after the response so Slack never
	// retries on coordinator latency.
	if env.Event.SteerableMessage() {
		event := env.Event
		eventID := env.EventID
		s.dispatch(func() { s.steerFromEvent(event, eventID) })
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// steerFromEvent maps a thread reply back to its approval and applies it as
// steering feedback.
func (s *Server) steerFromEvent(event slack.MessageEvent, eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	anchor := event.AnchorTS()
	cp, err := s.stores.Checkpoints.ThreadByChatTS(ctx, s.stores.DB, anchor)
	if err != nil {
		s.logger.Error("thread lookup failed", "thread_ts", anchor, "error", err)
		return
	}
	if cp == nil || cp.Metadata.ApprovalRequestID == "" {
		return
	}

	if !slack.RecognizedAction(event.Text) {
		if s.gateway != nil && cp.Metadata.Chat != nil {
			s.gateway.PostThreadMessage(ctx, *cp.Metadata.Chat, slack.DisambiguationReply)
		}
		return
	}

	key := eventID
	if key == "" {
		key = "slack-event:" + anchor
	}
	plan := slack.ParsePlan(event.Text)
	if _, err := s.coordinator.ApplySteer(ctx, cp.Metadata.ApprovalRequestID, event.User, event.Text, plan, key); err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			s.logger.Warn("steer skipped", "thread_id", cp.ThreadID, "error", err)
			return
		}
		s.logger.Error("steer from event failed", "thread_id", cp.ThreadID, "error", err)
	}
}
