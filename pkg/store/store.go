// Package store persists coordinator state: checkpoints keyed by thread_id,
// action rows, append-only executor runs, and watchdog jobs. All stores accept
// a Querier so callers can run them inside or outside a transaction.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/saihai-dev/saihai/pkg/database"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Stores bundles the per-table stores over one database.
type Stores struct {
	DB          *database.DB
	Checkpoints *CheckpointStore
	Actions     *ActionStore
	Runs        *RunStore
	Jobs        *WatchdogJobStore
}

// New builds the store bundle.
func New(db *database.DB) *Stores {
	return &Stores{
		DB:          db,
		Checkpoints: &CheckpointStore{db: db},
		Actions:     &ActionStore{db: db},
		Runs:        &RunStore{db: db},
		Jobs:        &WatchdogJobStore{db: db},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw sql.NullString) time.Time {
	if !raw.Valid {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw.String); err == nil {
			return t
		}
	}
	return time.Time{}
}
