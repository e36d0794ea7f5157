package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saihai-dev/saihai/pkg/contracts"
)

const defaultCalendarAPIBase = "https://www.googleapis.com/calendar/v3"

// GoogleCalendar inserts events through the Calendar v3 API.
type GoogleCalendar struct {
	APIBase    string
	CalendarID string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGoogleCalendar builds the calendar client. calendarID defaults to
// "primary".
func NewGoogleCalendar(apiBase, calendarID string, logger *slog.Logger) *GoogleCalendar {
	if apiBase == "" {
		apiBase = defaultCalendarAPIBase
	}
	if calendarID == "" {
		calendarID = "primary"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleCalendar{
		APIBase:    apiBase,
		CalendarID: calendarID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// NormalizeDatetime parses value into the named zone. Accepts RFC 3339 with
// or without sub-seconds, a trailing Z (rewritten as +00:00 semantics), naive
// datetimes (interpreted in the zone), and bare dates (midnight in the zone).
// Zoned values are converted into the zone.
func NormalizeDatetime(value, timezoneName string) (time.Time, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing datetime value")
	}
	loc, err := time.LoadLocation(timezoneName)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q: %w", timezoneName, err)
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid datetime value %q", raw)
}

// CollectAttendees merges the attendees list and the single attendee field,
// deduplicating case-insensitively while keeping first-seen casing and order.
func CollectAttendees(p CalendarPayload) []string {
	all := append([]string{}, p.Attendees...)
	if a := strings.TrimSpace(p.Attendee); a != "" {
		all = append(all, a)
	}
	seen := map[string]bool{}
	var unique []string
	for _, email := range all {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		lowered := strings.ToLower(email)
		if seen[lowered] {
			continue
		}
		seen[lowered] = true
		unique = append(unique, email)
	}
	return unique
}

// MergeDescription appends the meeting URL to the description unless the
// description already mentions it.
func MergeDescription(description, meetingURL string) string {
	base := strings.TrimSpace(description)
	if meetingURL == "" {
		return base
	}
	if strings.Contains(base, meetingURL) {
		return base
	}
	line := "Meeting URL: " + meetingURL
	if base == "" {
		return line
	}
	return base + "\n\n" + line
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type eventAttendee struct {
	Email string `json:"email"`
}

type conferenceData struct {
	CreateRequest struct {
		RequestID             string            `json:"requestId"`
		ConferenceSolutionKey map[string]string `json:"conferenceSolutionKey"`
	} `json:"createRequest"`
}

type calendarEvent struct {
	Summary        string          `json:"summary"`
	Start          eventTime       `json:"start"`
	End            eventTime       `json:"end"`
	Attendees      []eventAttendee `json:"attendees"`
	Description    string          `json:"description,omitempty"`
	Location       string          `json:"location,omitempty"`
	ConferenceData *conferenceData `json:"conferenceData,omitempty"`
}

// BuildEvent converts a canonical payload into the Calendar API event body.
// When includeConference is set a Meet link is requested.
func BuildEvent(p CalendarPayload, includeConference bool) (*calendarEvent, error) {
	tz := orDefault(p.Timezone, "Asia/Tokyo")
	start, err := NormalizeDatetime(p.StartAt, tz)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := NormalizeDatetime(p.EndAt, tz)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}

	event := &calendarEvent{
		Summary:     p.Title,
		Start:       eventTime{DateTime: start.Format(time.RFC3339), TimeZone: tz},
		End:         eventTime{DateTime: end.Format(time.RFC3339), TimeZone: tz},
		Attendees:   []eventAttendee{},
		Description: MergeDescription(p.Description, p.MeetingURL),
	}
	for _, email := range CollectAttendees(p) {
		event.Attendees = append(event.Attendees, eventAttendee{Email: email})
	}
	if p.MeetingURL != "" {
		event.Location = p.MeetingURL
	}
	if includeConference {
		cd := &conferenceData{}
		cd.CreateRequest.RequestID = strings.ReplaceAll(uuid.NewString(), "-", "")
		cd.CreateRequest.ConferenceSolutionKey = map[string]string{"type": "hangoutsMeet"}
		event.ConferenceData = cd
	}
	return event, nil
}

// CreateEvent inserts the event, requesting a Meet link when the payload has
// no meeting URL. A failed Meet-backed insert is retried once without
// conference data before giving up.
func (g *GoogleCalendar) CreateEvent(ctx context.Context, accessToken string, p CalendarPayload) (map[string]any, error) {
	calendarID := orDefault(p.CalendarID, g.CalendarID)
	includeConference := p.MeetingURL == ""

	event, err := BuildEvent(p, includeConference)
	if err != nil {
		return nil, err
	}
	resp, err := g.insert(ctx, accessToken, calendarID, event, includeConference)
	if err == nil || !includeConference {
		return resp, err
	}

	g.logger.Warn("meet generation failed; retrying without conference data", "error", err)
	event, buildErr := BuildEvent(p, false)
	if buildErr != nil {
		return nil, buildErr
	}
	return g.insert(ctx, accessToken, calendarID, event, false)
}

func (g *GoogleCalendar) insert(ctx context.Context, accessToken, calendarID string, event *calendarEvent, includeConference bool) (map[string]any, error) {
	params := url.Values{"sendUpdates": {"all"}}
	if includeConference {
		params.Set("conferenceDataVersion", "1")
	}
	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		g.APIBase, url.PathEscape(calendarID), params.Encode())

	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create event request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &contracts.IntegrationError{Provider: "google_calendar", Message: "connection error", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &contracts.IntegrationError{
			Provider: "google_calendar",
			Status:   resp.StatusCode,
			Message:  googleErrorMessage(raw),
		}
	}

	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &contracts.IntegrationError{Provider: "google_calendar", Message: "unexpected response body"}
		}
	}
	return out, nil
}

func googleErrorMessage(raw []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if s, ok := parsed["error_description"].(string); ok && s != "" {
			return s
		}
		if s, ok := parsed["error"].(string); ok && s != "" {
			return s
		}
		if e, ok := parsed["error"].(map[string]any); ok {
			if s, ok := e["message"].(string); ok && s != "" {
				return s
			}
		}
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return "request failed"
}
