package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "saihai.db", cfg.DatabaseURL)
	assert.Equal(t, "mock", cfg.EmailProvider)
	assert.Equal(t, "Asia/Tokyo", cfg.DemoTimezone)
	assert.Equal(t, 20.0, cfg.RateLimitRPS)
	assert.False(t, cfg.Postgres())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://saihai@localhost:5432/saihai?sslmode=disable")
	t.Setenv("DEMO_INVITEE_EMAILS", "a@example.com, b@example.com")
	t.Setenv("RATE_LIMIT_RPS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.True(t, cfg.Postgres())
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.DemoInviteeEmails)
	assert.Equal(t, 5.0, cfg.RateLimitRPS)
}

func TestProfileFillsUnsetValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staging.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: staging
port: "8443"
database_url: postgres://saihai@db:5432/saihai
slack:
  channel: "#saihai-staging"
providers:
  calendar: google
demo:
  approver_user_ids: [U_boss]
`), 0o600))

	t.Setenv("SAIHAI_PROFILE", path)
	t.Setenv("PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	// Env wins over the profile.
	assert.Equal(t, "9100", cfg.Port)
	// Profile fills what env left unset.
	assert.Equal(t, "postgres://saihai@db:5432/saihai", cfg.DatabaseURL)
	assert.Equal(t, "#saihai-staging", cfg.SlackChannel)
	assert.Equal(t, "google", cfg.CalendarProvider)
	assert.Equal(t, []string{"U_boss"}, cfg.DemoApproverUserIDs)
}

func TestProfileMissingFile(t *testing.T) {
	t.Setenv("SAIHAI_PROFILE", "/nonexistent/profile.yaml")
	_, err := Load()
	assert.Error(t, err)
}
