package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML deployment profile. Every field is optional; a profile
// value only applies where the environment left the setting at its default.
type Profile struct {
	Name        string `yaml:"name"`
	Port        string `yaml:"port,omitempty"`
	LogLevel    string `yaml:"log_level,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty"`

	Slack struct {
		Channel       string `yaml:"channel,omitempty"`
		AllowUnsigned bool   `yaml:"allow_unsigned,omitempty"`
	} `yaml:"slack,omitempty"`

	Providers struct {
		Email    string `yaml:"email,omitempty"`
		Calendar string `yaml:"calendar,omitempty"`
		HR       string `yaml:"hr,omitempty"`
		HRAPIURL string `yaml:"hr_api_url,omitempty"`
	} `yaml:"providers,omitempty"`

	Defaults struct {
		EmailTo          string `yaml:"email_to,omitempty"`
		EmailFrom        string `yaml:"email_from,omitempty"`
		CalendarAttendee string `yaml:"calendar_attendee,omitempty"`
		CalendarTimezone string `yaml:"calendar_timezone,omitempty"`
	} `yaml:"defaults,omitempty"`

	ApprovalPolicy string `yaml:"approval_policy,omitempty"`

	Demo struct {
		CalendarID      string   `yaml:"calendar_id,omitempty"`
		Timezone        string   `yaml:"timezone,omitempty"`
		InviteeEmails   []string `yaml:"invitee_emails,omitempty"`
		ApproverUserIDs []string `yaml:"approver_user_ids,omitempty"`
		OwnerEmail      string   `yaml:"owner_email,omitempty"`
	} `yaml:"demo,omitempty"`
}

// LoadProfile reads and parses a deployment profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &profile, nil
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// applyTo layers the profile under env-derived config: a profile value wins
// only over the built-in default, never over an explicit environment value.
func (p *Profile) applyTo(cfg *Config) {
	if os.Getenv("PORT") == "" {
		override(&cfg.Port, p.Port)
	}
	if os.Getenv("LOG_LEVEL") == "" {
		override(&cfg.LogLevel, p.LogLevel)
	}
	if os.Getenv("DATABASE_URL") == "" {
		override(&cfg.DatabaseURL, p.DatabaseURL)
	}
	if os.Getenv("SLACK_DEFAULT_CHANNEL") == "" {
		override(&cfg.SlackChannel, p.Slack.Channel)
	}
	if os.Getenv("SLACK_ALLOW_UNSIGNED") == "" && p.Slack.AllowUnsigned {
		cfg.SlackAllowUnsigned = true
	}
	if os.Getenv("EMAIL_PROVIDER") == "" {
		override(&cfg.EmailProvider, p.Providers.Email)
	}
	if os.Getenv("CALENDAR_PROVIDER") == "" {
		override(&cfg.CalendarProvider, p.Providers.Calendar)
	}
	if os.Getenv("HR_PROVIDER") == "" {
		override(&cfg.HRProvider, p.Providers.HR)
	}
	if os.Getenv("HR_API_URL") == "" {
		override(&cfg.HRAPIURL, p.Providers.HRAPIURL)
	}
	if os.Getenv("DEFAULT_EMAIL_TO") == "" {
		override(&cfg.DefaultEmailTo, p.Defaults.EmailTo)
	}
	if os.Getenv("DEFAULT_EMAIL_FROM") == "" {
		override(&cfg.DefaultEmailFrom, p.Defaults.EmailFrom)
	}
	if os.Getenv("DEFAULT_CALENDAR_ATTENDEE") == "" {
		override(&cfg.DefaultCalendarAttendee, p.Defaults.CalendarAttendee)
	}
	if os.Getenv("DEFAULT_CALENDAR_TIMEZONE") == "" {
		override(&cfg.DefaultCalendarTimezone, p.Defaults.CalendarTimezone)
	}
	if os.Getenv("APPROVAL_POLICY") == "" {
		override(&cfg.ApprovalPolicy, p.ApprovalPolicy)
	}
	if os.Getenv("DEMO_CALENDAR_ID") == "" {
		override(&cfg.DemoCalendarID, p.Demo.CalendarID)
	}
	if os.Getenv("DEMO_TIMEZONE") == "" {
		override(&cfg.DemoTimezone, p.Demo.Timezone)
	}
	if os.Getenv("DEMO_INVITEE_EMAILS") == "" && len(p.Demo.InviteeEmails) > 0 {
		cfg.DemoInviteeEmails = p.Demo.InviteeEmails
	}
	if os.Getenv("DEMO_APPROVER_USER_IDS") == "" && len(p.Demo.ApproverUserIDs) > 0 {
		cfg.DemoApproverUserIDs = p.Demo.ApproverUserIDs
	}
	if os.Getenv("DEMO_OWNER_EMAIL") == "" {
		override(&cfg.DemoOwnerEmail, p.Demo.OwnerEmail)
	}
}
