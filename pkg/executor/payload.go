// Package executor performs the external side effects of approved actions:
// outbound email, Google Calendar events, and HR system requests. Every
// attempt is recorded in the append-only run ledger before results propagate.
package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/saihai-dev/saihai/pkg/contracts"
)

// Defaults fills payload fields the drafting model omitted.
type Defaults struct {
	EmailTo            string
	EmailFrom          string
	CalendarAttendee   string
	CalendarTimezone   string
	CalendarOwnerEmail string
}

// EmailPayload is the canonical mail_draft payload.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from"`
}

// CalendarPayload is the canonical meeting_request payload.
type CalendarPayload struct {
	Attendee    string   `json:"attendee"`
	Attendees   []string `json:"attendees,omitempty"`
	Title       string   `json:"title"`
	StartAt     string   `json:"start_at"`
	EndAt       string   `json:"end_at"`
	Timezone    string   `json:"timezone"`
	Description string   `json:"description,omitempty"`
	MeetingURL  string   `json:"meeting_url,omitempty"`
	OwnerEmail  string   `json:"owner_email,omitempty"`
	OwnerUserID string   `json:"owner_user_id,omitempty"`
	CalendarID  string   `json:"calendar_id,omitempty"`
}

// ExtractDraftPayload scans the draft bottom-up for the last line that parses
// as a JSON object. Drafting models append machine-readable payloads below the
// prose, so the last object wins.
func ExtractDraftPayload(draft string) map[string]any {
	if draft == "" {
		return map[string]any{}
	}
	lines := strings.Split(draft, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(candidate, "{") {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		return parsed
	}
	return map[string]any{}
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprintf("%v", v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// CoerceEmail builds the canonical email payload from a raw draft payload.
func (d Defaults) CoerceEmail(raw map[string]any, draft string) EmailPayload {
	body := str(raw, "body", "content")
	if body == "" {
		body = draft
	}
	if body == "" {
		body = "Action executed."
	}
	subject := str(raw, "subject")
	if subject == "" {
		subject = "Approval action " + string(contracts.ActionTypeEmail)
	}
	return EmailPayload{
		To:      orDefault(str(raw, "to"), d.EmailTo),
		Subject: subject,
		Body:    body,
		From:    orDefault(str(raw, "from"), d.EmailFrom),
	}
}

// CoerceCalendar builds the canonical calendar payload. Missing times default
// to a one-hour slot starting tomorrow at this time.
func (d Defaults) CoerceCalendar(raw map[string]any, draft string, now time.Time) CalendarPayload {
	defaultStart := now.UTC().Add(24 * time.Hour)
	defaultEnd := defaultStart.Add(time.Hour)

	description := str(raw, "description")
	if description == "" {
		description = draft
	}
	ownerEmail := str(raw, "owner_email", "ownerEmail", "owner")
	if ownerEmail == "" {
		ownerEmail = d.CalendarOwnerEmail
	}

	var attendees []string
	if rawList, ok := raw["attendees"].([]any); ok {
		for _, item := range rawList {
			if s := strings.TrimSpace(fmt.Sprintf("%v", item)); s != "" {
				attendees = append(attendees, s)
			}
		}
	}

	return CalendarPayload{
		Attendee:    orDefault(str(raw, "attendee"), d.CalendarAttendee),
		Attendees:   attendees,
		Title:       orDefault(str(raw, "title"), "Approval action "+string(contracts.ActionTypeCalendar)),
		StartAt:     orDefault(str(raw, "start_at", "startAt"), defaultStart.Format(time.RFC3339)),
		EndAt:       orDefault(str(raw, "end_at", "endAt"), defaultEnd.Format(time.RFC3339)),
		Timezone:    orDefault(str(raw, "timezone"), d.CalendarTimezone),
		Description: description,
		MeetingURL:  str(raw, "meeting_url", "meetingUrl"),
		OwnerEmail:  ownerEmail,
		OwnerUserID: str(raw, "owner_user_id", "ownerUserId"),
		CalendarID:  str(raw, "calendar_id", "calendarId"),
	}
}

// CoerceHR unwraps an hr_request envelope if present; otherwise the raw
// payload passes through, falling back to the draft text.
func (d Defaults) CoerceHR(raw map[string]any, draft string) map[string]any {
	if inner, ok := raw["hr_request"].(map[string]any); ok {
		return inner
	}
	if len(raw) > 0 {
		return raw
	}
	return map[string]any{"request": draft}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Payload schemas enforced before dispatching to a provider.
var (
	emailSchema = jsonschema.MustCompileString("email.json", `{
		"type": "object",
		"required": ["to", "subject", "body", "from"],
		"properties": {
			"to": {"type": "string", "minLength": 1},
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1},
			"from": {"type": "string", "minLength": 1}
		}
	}`)

	calendarSchema = jsonschema.MustCompileString("calendar.json", `{
		"type": "object",
		"required": ["attendee", "title", "start_at", "end_at", "timezone"],
		"properties": {
			"attendee": {"type": "string", "minLength": 1},
			"title": {"type": "string", "minLength": 1},
			"start_at": {"type": "string", "minLength": 1},
			"end_at": {"type": "string", "minLength": 1},
			"timezone": {"type": "string", "minLength": 1},
			"attendees": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	hrSchema = jsonschema.MustCompileString("hr.json", `{
		"type": "object"
	}`)
)

func validateSchema(schema *jsonschema.Schema, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("payload schema: %w", err)
	}
	return nil
}

// PayloadToMap renders a typed payload for the run ledger.
func PayloadToMap(payload any) map[string]any {
	switch p := payload.(type) {
	case map[string]any:
		return p
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return map[string]any{}
		}
		out := map[string]any{}
		_ = json.Unmarshal(encoded, &out)
		return out
	}
}
