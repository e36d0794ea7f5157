// Package observability configures the process-wide slog logger and an
// AUDIT-prefixed secondary stream for coordinator audit events.
package observability

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ParseLevel maps a config string to a slog level. Unknown values fall back
// to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the root logger, installs it as the slog default, and returns
// it. JSON output to stderr; the level comes from config.
func Setup(level string) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

// AuditRecord is one line of the audit stream.
type AuditRecord struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Actor     string         `json:"actor"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// AuditWriter mirrors coordinator audit events onto a line-oriented stream,
// each line prefixed with "AUDIT: " for log-pipeline filtering. The durable
// audit trail stays in checkpoint metadata; this stream is a tail for
// operators and collectors.
type AuditWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewAuditWriter creates an AuditWriter on stdout.
func NewAuditWriter() *AuditWriter {
	return NewAuditWriterTo(os.Stdout)
}

// NewAuditWriterTo creates an AuditWriter on w, for tests and custom sinks.
func NewAuditWriterTo(w io.Writer) *AuditWriter {
	if w == nil {
		w = os.Stdout
	}
	return &AuditWriter{writer: w}
}

// Record writes one audit line.
func (a *AuditWriter) Record(threadID, actor, eventType string, detail map[string]any) error {
	record := AuditRecord{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Actor:     actor,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = a.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}
