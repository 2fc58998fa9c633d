// Package persistence owns the sqlite store behind the host's shared state:
// registered groups, scheduled tasks, task run logs, agent sessions and
// ext_call idempotency keys. It is the single writer for all of them; the
// polling loops cooperate only through this store and the filesystem queue.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1 = 1
	schemaVersionV2 = 2 // adds ext_call idempotency table

	schemaVersionLatest = schemaVersionV2
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and if needed creates) the database at path and migrates the
// schema. Writes are serialized through a single connection; sqlite's
// last-committed state is what readers observe.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between loops.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1;`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > schemaVersionLatest {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, schemaVersionLatest)
	}

	if version < schemaVersionV1 {
		if err := s.applyV1(ctx); err != nil {
			return err
		}
	}
	if version < schemaVersionV2 {
		if err := s.applyV2(ctx); err != nil {
			return err
		}
	}

	if version == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?);`, schemaVersionLatest); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	} else if version != schemaVersionLatest {
		if _, err := s.db.ExecContext(ctx, `UPDATE schema_version SET version = ?;`, schemaVersionLatest); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}
	return nil
}

func (s *Store) applyV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			chat_jid    TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			folder      TEXT NOT NULL UNIQUE,
			trigger_phrase TEXT NOT NULL DEFAULT '',
			is_main     INTEGER NOT NULL DEFAULT 0,
			container_config TEXT,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			group_folder TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id             TEXT PRIMARY KEY,
			group_folder   TEXT NOT NULL,
			chat_jid       TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL CHECK (schedule_type IN ('cron','interval','once')),
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'group' CHECK (context_mode IN ('group','isolated')),
			status         TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','paused','completed')),
			next_run       TIMESTAMP,
			last_run       TIMESTAMP,
			last_result    TEXT,
			created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks (status, next_run);`,
		`CREATE TABLE IF NOT EXISTS task_run_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			run_at      TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			status      TEXT NOT NULL,
			result      TEXT,
			error       TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_task ON task_run_logs (task_id, run_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
	}
	return nil
}

func (s *Store) applyV2(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key           TEXT PRIMARY KEY,
			envelope_type TEXT NOT NULL,
			result_json   TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("migrate v2: %w", err)
	}
	return nil
}
