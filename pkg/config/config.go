// Package config loads runtime configuration: environment variables first,
// optionally layered over a YAML deployment profile.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	// Chat gateway.
	SlackBotToken      string
	SlackChannel       string
	SlackSigningSecret string
	SlackAllowUnsigned bool

	// Intake auth.
	JWTSecret     string
	InternalToken string
	RedisURL      string

	// Rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// Provider backends.
	EmailProvider    string
	CalendarProvider string
	HRProvider       string
	HRAPIURL         string

	// Google OAuth for the calendar provider.
	GoogleClientID      string
	GoogleClientSecret  string
	CredentialsKeySecret string

	// Payload defaults.
	DefaultEmailTo          string
	DefaultEmailFrom        string
	DefaultCalendarAttendee string
	DefaultCalendarTimezone string

	// Approval policy (CEL expression; empty allows every approver).
	ApprovalPolicy string

	// Demo driver.
	DemoCalendarID      string
	DemoTimezone        string
	DemoInviteeEmails   []string
	DemoApproverUserIDs []string
	DemoOwnerEmail      string
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

// Load reads configuration from environment variables. When SAIHAI_PROFILE
// names a YAML deployment profile, its values fill whatever the environment
// left unset.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        env("PORT", "8000"),
		LogLevel:    env("LOG_LEVEL", "INFO"),
		DatabaseURL: env("DATABASE_URL", "saihai.db"),

		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:       os.Getenv("SLACK_DEFAULT_CHANNEL"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		SlackAllowUnsigned: os.Getenv("SLACK_ALLOW_UNSIGNED") == "true",

		JWTSecret:     os.Getenv("JWT_SECRET"),
		InternalToken: os.Getenv("INTERNAL_API_TOKEN"),
		RedisURL:      os.Getenv("REDIS_URL"),

		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 40),

		EmailProvider:    env("EMAIL_PROVIDER", "mock"),
		CalendarProvider: env("CALENDAR_PROVIDER", "mock"),
		HRProvider:       env("HR_PROVIDER", "mock"),
		HRAPIURL:         os.Getenv("HR_API_URL"),

		GoogleClientID:       os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:   os.Getenv("GOOGLE_CLIENT_SECRET"),
		CredentialsKeySecret: os.Getenv("CREDENTIALS_KEY_SECRET"),

		DefaultEmailTo:          env("DEFAULT_EMAIL_TO", "manager@example.com"),
		DefaultEmailFrom:        env("DEFAULT_EMAIL_FROM", "no-reply@saihai.local"),
		DefaultCalendarAttendee: env("DEFAULT_CALENDAR_ATTENDEE", "team@example.com"),
		DefaultCalendarTimezone: env("DEFAULT_CALENDAR_TIMEZONE", "Asia/Tokyo"),

		ApprovalPolicy: os.Getenv("APPROVAL_POLICY"),

		DemoCalendarID:      env("DEMO_CALENDAR_ID", "primary"),
		DemoTimezone:        env("DEMO_TIMEZONE", "Asia/Tokyo"),
		DemoInviteeEmails:   envList("DEMO_INVITEE_EMAILS"),
		DemoApproverUserIDs: envList("DEMO_APPROVER_USER_IDS"),
		DemoOwnerEmail:      os.Getenv("DEMO_OWNER_EMAIL"),
	}

	if path := os.Getenv("SAIHAI_PROFILE"); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		profile.applyTo(cfg)
	}
	return cfg, nil
}

// Postgres reports whether the database URL points at postgres rather than a
// sqlite file path.
func (c *Config) Postgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
