package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestAuditWriterFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewAuditWriterTo(&buf)

	require.NoError(t, w.Record("action-1", "U_boss", "approval_approved",
		map[string]any{"approval_request_id": "apr-1"}))

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	require.True(t, strings.HasSuffix(line, "\n"))

	var record AuditRecord
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &record))
	assert.Equal(t, "action-1", record.ThreadID)
	assert.Equal(t, "U_boss", record.Actor)
	assert.Equal(t, "approval_approved", record.EventType)
	assert.Equal(t, "apr-1", record.Detail["approval_request_id"])
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.Timestamp.IsZero())
}

func TestAuditWriterOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewAuditWriterTo(&buf)
	require.NoError(t, w.Record("t1", "a", "e1", nil))
	require.NoError(t, w.Record("t2", "b", "e2", nil))
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 2)
}
