// Package postgres records the scope each sequence resolved, so later turns
// and other instances resolve the same client, app and project.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/trellis-data/labflow/internal/core"
)

// DefaultTable holds recorded scopes.
const DefaultTable = "sequence_contexts"

// ContextStore implements core.ContextStore on PostgreSQL.
type ContextStore struct {
	db    *sql.DB
	table string
}

// Option configures a ContextStore.
type Option func(*ContextStore)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(s *ContextStore) {
		if name != "" {
			s.table = name
		}
	}
}

// NewContextStore wraps an open database.
func NewContextStore(db *sql.DB, opts ...Option) *ContextStore {
	s := &ContextStore{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, pings and creates the table when missing.
func Open(ctx context.Context, dsn string, opts ...Option) (*ContextStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := NewContextStore(db, opts...)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, classify("connecting to postgres", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *ContextStore) Close() error {
	return s.db.Close()
}

func (s *ContextStore) quoted() string {
	return pq.QuoteIdentifier(s.table)
}

// EnsureSchema creates the table if it does not exist.
func (s *ContextStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.quoted()+` (
		sequence_id  TEXT PRIMARY KEY,
		client_name  TEXT NOT NULL,
		app_name     TEXT NOT NULL,
		project_name TEXT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return classify("creating contexts table", err)
	}
	return nil
}

// Put implements core.ContextStore.
func (s *ContextStore) Put(ctx context.Context, sequenceID string, scope core.ExecutionContext) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.quoted()+` (sequence_id, client_name, app_name, project_name, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (sequence_id) DO UPDATE SET
			client_name = EXCLUDED.client_name,
			app_name = EXCLUDED.app_name,
			project_name = EXCLUDED.project_name,
			updated_at = now()`,
		sequenceID, scope.ClientName, scope.AppName, scope.ProjectName)
	if err != nil {
		return classify("recording context", err)
	}
	return nil
}

// Get implements core.ContextStore.
func (s *ContextStore) Get(ctx context.Context, sequenceID string) (core.ExecutionContext, bool, error) {
	var scope core.ExecutionContext
	err := s.db.QueryRowContext(ctx,
		`SELECT client_name, app_name, project_name FROM `+s.quoted()+` WHERE sequence_id = $1`,
		sequenceID,
	).Scan(&scope.ClientName, &scope.AppName, &scope.ProjectName)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ExecutionContext{}, false, nil
	}
	if err != nil {
		return core.ExecutionContext{}, false, classify("loading context", err)
	}
	return scope, true, nil
}

// classify maps connection-class and resource failures to retryable network
// errors and wraps everything else.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return core.ErrNetwork(op + ": " + pqErr.Message).
				WithCause(err).
				WithDetail("sqlstate", string(pqErr.Code))
		}
		return fmt.Errorf("%s: %s (%s): %w", op, pqErr.Message, pqErr.Code.Name(), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
