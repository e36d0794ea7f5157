package slack

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	slackapi "github.com/slack-go/slack"
)

// Interactive button action ids.
const (
	ActionApprove        = "hitl_approve"
	ActionReject         = "hitl_reject"
	ActionRequestChanges = "hitl_request_changes"

	ActionDemoPlanA   = "demo_plan_a"
	ActionDemoPlanB   = "demo_plan_b"
	ActionDemoApprove = "demo_approve"
	ActionDemoReject  = "demo_reject"
	ActionDemoCancel  = "demo_cancel"
	ActionDemoRetry   = "demo_retry"
)

// BuildActionValue packs the routing fields a button carries back on click.
func BuildActionValue(threadID, approvalRequestID string, actionID int64) string {
	return fmt.Sprintf("thread_id=%s|approval_request_id=%s|action_id=%d",
		threadID, approvalRequestID, actionID)
}

// ParseActionValue unpacks a button value. Malformed chunks are skipped.
func ParseActionValue(value string) map[string]string {
	out := map[string]string{}
	for _, chunk := range strings.Split(value, "|") {
		key, raw, ok := strings.Cut(chunk, "=")
		if !ok {
			continue
		}
		out[key] = raw
	}
	return out
}

// ParseInteraction decodes the form-encoded interaction envelope Slack posts
// to the interactions endpoint. Returns nil for an empty payload.
func ParseInteraction(body []byte) (*slackapi.InteractionCallback, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse interaction form: %w", err)
	}
	payload := form.Get("payload")
	if payload == "" {
		return nil, nil
	}
	var cb slackapi.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &cb); err != nil {
		return nil, fmt.Errorf("decode interaction payload: %w", err)
	}
	return &cb, nil
}

// FirstBlockAction returns the first block action of the callback, or nil.
func FirstBlockAction(cb *slackapi.InteractionCallback) *slackapi.BlockAction {
	if cb == nil || len(cb.ActionCallback.BlockActions) == 0 {
		return nil
	}
	return cb.ActionCallback.BlockActions[0]
}

// EventEnvelope is the Events API outer payload.
type EventEnvelope struct {
	Type      string       `json:"type"`
	Challenge string       `json:"challenge,omitempty"`
	EventID   string       `json:"event_id,omitempty"`
	Event     MessageEvent `json:"event"`
}

// MessageEvent is the inner message event.
type MessageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Text     string `json:"text,omitempty"`
	User     string `json:"user,omitempty"`
	TS       string `json:"ts,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// SteerableMessage reports whether the event is a plain user message the
// coordinator should treat as steering feedback.
func (e MessageEvent) SteerableMessage() bool {
	return e.Type == "message" && e.Subtype == "" && strings.TrimSpace(e.Text) != ""
}

// AnchorTS returns the thread anchor the message belongs to.
func (e MessageEvent) AnchorTS() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// ParseEvent decodes an Events API request body.
func ParseEvent(body []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &env, nil
}

// ParsePlan extracts a plan choice (A, B, or C) from free-form feedback text.
// Recognizes English and Japanese phrasings.
func ParsePlan(text string) string {
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "plan a"), strings.Contains(lowered, "プランa"), strings.Contains(lowered, "a案"):
		return "A"
	case strings.Contains(lowered, "plan b"), strings.Contains(lowered, "プランb"), strings.Contains(lowered, "b案"):
		return "B"
	case strings.Contains(lowered, "plan c"), strings.Contains(lowered, "プランc"), strings.Contains(lowered, "c案"):
		return "C"
	}
	return ""
}

var steerKeywords = []string{
	"approve", "reject", "change", "revise", "redo", "instead", "plan",
	"承認", "却下", "拒否", "修正", "変更", "やり直", "お願い", "ください", "してほしい", "プラン", "案",
}

// RecognizedAction reports whether free-form thread text carries an
// actionable request: a plan choice or one of the steering keywords. Messages
// that fail this check get a disambiguation reply instead of a steer.
func RecognizedAction(text string) bool {
	if ParsePlan(text) != "" {
		return true
	}
	lowered := strings.ToLower(text)
	for _, kw := range steerKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// DisambiguationReply is the thread reply posted when a message matches no
// recognized action.
const DisambiguationReply = "ご要望を判別できませんでした。プランA/B/Cを指定するか、修正内容を具体的にお知らせください。ボタンからの承認・却下も可能です。"
