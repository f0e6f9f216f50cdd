// Package store persists workflows, their steps, and replay run history in
// a local SQLite database. One process owns the database; the connection
// pool is pinned to a single connection and WAL keeps concurrent readers
// cheap.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"overlay/internal/logging"
)

// ErrNotFound is returned when a workflow or run does not exist.
var ErrNotFound = errors.New("not found")

// LocalStore is the SQLite-backed persistence layer.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore opens (creating if needed) the database at path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign keys: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("store ready at %s", path)
	return s, nil
}

func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		start_url   TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		id          TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		step_order  INTEGER NOT NULL,
		action      TEXT NOT NULL,
		descriptor  TEXT,
		value       TEXT NOT NULL DEFAULT '',
		url         TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL,
		UNIQUE (workflow_id, step_order)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_workflow ON steps(workflow_id, step_order);

	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
		started_at  DATETIME NOT NULL,
		finished_at DATETIME,
		status      TEXT NOT NULL DEFAULT 'running'
	);
	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, started_at);

	CREATE TABLE IF NOT EXISTS run_steps (
		run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_order    INTEGER NOT NULL,
		resolution    TEXT NOT NULL,
		score         REAL NOT NULL DEFAULT 0,
		ai_confidence REAL,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		reason        TEXT NOT NULL DEFAULT '',
		recorded_at   DATETIME NOT NULL,
		PRIMARY KEY (run_id, step_order)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.StoreDebug("closing store at %s", s.dbPath)
	return s.db.Close()
}

// Path returns the database file path.
func (s *LocalStore) Path() string {
	return s.dbPath
}
