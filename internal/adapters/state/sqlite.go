package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/trellis-data/labflow/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_sequences.sql
var migrationV1 string

//go:embed migrations/002_step_outputs.sql
var migrationV2 string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrChecksumMismatch is returned when a stored state does not match its checksum.
var ErrChecksumMismatch = errors.New("state checksum mismatch")

// SQLiteStore implements core.StateStore with SQLite storage.
type SQLiteStore struct {
	dbPath     string
	backupPath string
	db         *sql.DB
	mu         sync.RWMutex
}

// SQLiteStoreOption configures the store.
type SQLiteStoreOption func(*SQLiteStore)

// WithSQLiteBackupPath sets the backup file path.
func WithSQLiteBackupPath(path string) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.backupPath = path
	}
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies pending migrations.
func NewSQLiteStore(dbPath string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		dbPath:     dbPath,
		backupPath: dbPath + ".bak",
	}
	for _, opt := range opts {
		opt(s)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if dbPath == MemoryPath {
		dsn = dbPath + "?_pragma=foreign_keys(1)"
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == MemoryPath {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	s.db = db

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	if version < 2 {
		if _, err := s.db.Exec(migrationV2); err != nil {
			return fmt.Errorf("applying migration v2: %w", err)
		}
	}
	return nil
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save implements core.StateStore. The sequence row and its step outputs are
// replaced in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, state *core.ReActState) error {
	if state == nil || state.SequenceID == "" {
		return core.ErrValidation(core.CodeInvalidMessage, "state has no sequence id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sequences (
			id, status, user_prompt, user_id, current_step, goal_achieved,
			state, checksum, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			user_prompt = excluded.user_prompt,
			user_id = excluded.user_id,
			current_step = excluded.current_step,
			goal_achieved = excluded.goal_achieved,
			state = excluded.state,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`,
		state.SequenceID, string(state.Status), state.UserPrompt, nullableString(state.UserID),
		state.CurrentStepNumber, state.GoalAchieved, string(data), checksumOf(data),
		state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM step_outputs WHERE sequence_id = ?", state.SequenceID); err != nil {
		return fmt.Errorf("deleting step outputs: %w", err)
	}
	for _, rec := range state.ExecutionHistory {
		if rec.Outcome != core.OutcomeSucceeded || rec.OutputPath == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO step_outputs (sequence_id, step_number, atom_id, output_alias, output_path, finished_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(sequence_id, step_number) DO UPDATE SET
				atom_id = excluded.atom_id,
				output_alias = excluded.output_alias,
				output_path = excluded.output_path,
				finished_at = excluded.finished_at
		`, state.SequenceID, rec.StepNumber, rec.AtomID, rec.OutputAlias, rec.OutputPath, rec.FinishedAt)
		if err != nil {
			return fmt.Errorf("inserting output of step %d: %w", rec.StepNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Load implements core.StateStore. It returns (nil, nil) for an unknown
// sequence and ErrChecksumMismatch for a corrupted row.
func (s *SQLiteStore) Load(ctx context.Context, sequenceID string) (*core.ReActState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data, checksum string
	err := s.db.QueryRowContext(ctx,
		"SELECT state, checksum FROM sequences WHERE id = ?", sequenceID,
	).Scan(&data, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading sequence: %w", err)
	}
	if checksumOf([]byte(data)) != checksum {
		return nil, fmt.Errorf("sequence %s: %w", sequenceID, ErrChecksumMismatch)
	}

	var state core.ReActState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("unmarshaling sequence: %w", err)
	}
	return &state, nil
}

// List implements core.StateStore, newest first. A non-positive limit lists all.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]core.SequenceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, user_prompt, updated_at
		FROM sequences
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sequences: %w", err)
	}
	defer rows.Close()

	summaries := []core.SequenceSummary{}
	for rows.Next() {
		var sum core.SequenceSummary
		var status string
		if err := rows.Scan(&sum.SequenceID, &status, &sum.UserPrompt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning sequence summary: %w", err)
		}
		sum.Status = core.SequenceStatus(status)
		if len(sum.UserPrompt) > 100 {
			sum.UserPrompt = sum.UserPrompt[:100] + "..."
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sequence summaries: %w", err)
	}
	return summaries, nil
}

// Delete implements core.StateStore.
func (s *SQLiteStore) Delete(ctx context.Context, sequenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sequences WHERE id = ?", sequenceID); err != nil {
		return fmt.Errorf("deleting sequence: %w", err)
	}
	return nil
}

// Outputs returns the alias to output path map of a sequence's succeeded
// steps, in step order, so later steps win on alias collisions.
func (s *SQLiteStore) Outputs(ctx context.Context, sequenceID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT output_alias, output_path FROM step_outputs
		WHERE sequence_id = ?
		ORDER BY step_number
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("loading step outputs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var alias, path string
		if err := rows.Scan(&alias, &path); err != nil {
			return nil, fmt.Errorf("scanning step output: %w", err)
		}
		if alias != "" {
			out[alias] = path
		}
	}
	return out, rows.Err()
}

// Backup writes a consistent copy of the database to the backup path.
func (s *SQLiteStore) Backup(ctx context.Context) error {
	if s.dbPath == MemoryPath {
		return errors.New("in-memory state cannot be backed up")
	}
	if err := s.ensureWithinStateDir(s.backupPath); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = os.Remove(s.backupPath)
	path := strings.ReplaceAll(s.backupPath, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return fmt.Errorf("backing up state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureWithinStateDir(path string) error {
	baseAbs, err := filepath.Abs(filepath.Dir(s.dbPath))
	if err != nil {
		return fmt.Errorf("resolving state directory: %w", err)
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	rel, err := filepath.Rel(baseAbs, pathAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("path escapes state directory")
	}
	return nil
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
