// Package database opens and migrates the durable store. SQLite
// (modernc.org/sqlite) backs local and test deployments; any postgres:// DSN
// switches to lib/pq, matching the dual-dialect support of the API it serves.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL dialect in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps sql.DB with the resolved dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the store identified by dsn and runs migrations.
// "postgres://" and "postgresql://" DSNs use lib/pq; everything else is
// treated as a SQLite path or URI.
func Open(ctx context.Context, dsn string) (*DB, error) {
	dialect := DialectSQLite
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		driver = "postgres"
	}

	raw, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// Serialized writers; a single connection avoids SQLITE_BUSY in tests.
		raw.SetMaxOpenConns(1)
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := &DB{DB: raw, Dialect: dialect}
	if err := db.Migrate(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return db, nil
}

// Rebind rewrites '?' placeholders to the dialect's bind variables.
func (db *DB) Rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate returns the row-locking suffix for the dialect. SQLite serializes
// writers at the connection level, so the suffix is empty there.
func (db *DB) ForUpdate() string {
	if db.Dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// Migrate creates the coordinator schema when absent.
func (db *DB) Migrate(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.Dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS autonomous_actions (
			action_id %s,
			proposal_id INTEGER,
			action_type TEXT NOT NULL,
			draft_content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			is_approved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, serial),
		`CREATE TABLE IF NOT EXISTS langgraph_checkpoints (
			thread_id TEXT PRIMARY KEY,
			checkpoint BLOB,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_approvals (
			approval_request_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS external_action_runs (
			id %s,
			run_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			action_id INTEGER NOT NULL,
			action_type TEXT NOT NULL,
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			response TEXT,
			error TEXT,
			executed_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE TABLE IF NOT EXISTS watchdog_jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			summary TEXT,
			created_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS watchdog_alerts (
			id %s,
			project_id TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			action_id INTEGER,
			created_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE TABLE IF NOT EXISTS google_oauth_tokens (
			user_id TEXT NOT NULL,
			google_email TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT 'Bearer',
			scope TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			career_aspiration TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			project_name TEXT NOT NULL DEFAULT '',
			manager_id TEXT
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS assignments (
			assignment_id %s,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			allocation_rate REAL NOT NULL DEFAULT 1.0
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS weekly_reports (
			id %s,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			reporting_date TEXT NOT NULL,
			content_text TEXT NOT NULL DEFAULT ''
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS user_motivation_history (
			id %s,
			user_id TEXT NOT NULL,
			motivation_score REAL NOT NULL,
			sentiment_score REAL NOT NULL,
			ai_summary TEXT,
			recorded_at TEXT NOT NULL
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS project_health_snapshots (
			id %s,
			project_id TEXT NOT NULL,
			health_score REAL NOT NULL,
			risk_level TEXT NOT NULL,
			variance_score REAL NOT NULL,
			manager_gap_score REAL NOT NULL,
			calculated_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE TABLE IF NOT EXISTS assignment_patterns (
			pattern_id TEXT PRIMARY KEY,
			name_ja TEXT NOT NULL,
			description TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ai_analysis_results (
			id %s,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			pattern_id TEXT NOT NULL,
			debate_log TEXT,
			final_decision TEXT
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ai_strategy_proposals (
			proposal_id %s,
			project_id TEXT NOT NULL,
			plan_type TEXT NOT NULL,
			is_recommended BOOLEAN NOT NULL DEFAULT FALSE,
			description TEXT NOT NULL DEFAULT '',
			predicted_future_impact TEXT NOT NULL DEFAULT ''
		)`, serial),
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
