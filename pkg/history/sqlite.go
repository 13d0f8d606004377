package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/entrhq/pagepilot/pkg/automation"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		tab_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		payload TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_seq ON runs(seq DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
}

// NewSQLiteStore opens dsn and migrates it. A limit <= 0 uses DefaultLimit.
func NewSQLiteStore(dsn string, limit int) (*SQLiteStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLiteStore{db: db, limit: limit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate runs database migrations not yet recorded in schema_version.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return err
		}
	}
	if version < len(migrations) {
		historyLog.Infof("history schema migrated from v%d to v%d", version, len(migrations))
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, run automation.RunState) error {
	run = Sanitize(run)
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, tab_id, goal, status, created_at, updated_at, seq, payload)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM runs), ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			seq = excluded.seq,
			payload = excluded.payload`,
		run.RunID, run.TabID, run.Goal, string(run.Status), run.CreatedAt, run.UpdatedAt, string(payload))
	if err != nil {
		return fmt.Errorf("history: save %s: %w", run.RunID, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM runs WHERE run_id NOT IN (
			SELECT run_id FROM runs ORDER BY seq DESC LIMIT ?
		)`, s.limit)
	if err != nil {
		return fmt.Errorf("history: trim: %w", err)
	}
	return tx.Commit()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]automation.RunState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM runs ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var runs []automation.RunState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run automation.RunState
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			historyLog.Warnf("skipping corrupt history row: %v", err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (automation.RunState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.RunState{}, ErrNotFound
	}
	if err != nil {
		return automation.RunState{}, fmt.Errorf("history: get %s: %w", runID, err)
	}
	var run automation.RunState
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return automation.RunState{}, fmt.Errorf("history: decode %s: %w", runID, err)
	}
	return run, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}
