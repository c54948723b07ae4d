package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped whenever migrate learns a new step.
const schemaVersion = 2

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath, creating its directory, and migrates it.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'unknown',
		suspended INTEGER NOT NULL DEFAULT 0,
		suspended_by TEXT NOT NULL DEFAULT '',
		exit_requested INTEGER NOT NULL DEFAULT 0,
		last_sync DATETIME,
		holder_job TEXT NOT NULL DEFAULT '',
		holder_task TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		products TEXT NOT NULL DEFAULT '{}',
		local_at TEXT NOT NULL DEFAULT '{}',
		params TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		job_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		framework TEXT NOT NULL,
		inputs TEXT NOT NULL DEFAULT '[]',
		outputs TEXT NOT NULL DEFAULT '[]',
		claim TEXT NOT NULL DEFAULT '[]',
		timeout_ns INTEGER NOT NULL DEFAULT 0,
		inspect INTEGER NOT NULL DEFAULT 0,
		extract INTEGER NOT NULL DEFAULT 0,
		params TEXT NOT NULL DEFAULT '{}',
		alert TEXT NOT NULL DEFAULT '',
		run TEXT NOT NULL DEFAULT '{}',
		history TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (job_id, name),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS shadow_runs (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		task_name TEXT NOT NULL DEFAULT '',
		done INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		extracted TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		cron TEXT NOT NULL DEFAULT '',
		start_at DATETIME,
		params TEXT NOT NULL DEFAULT '{}',
		suspended INTEGER NOT NULL DEFAULT 0,
		done INTEGER NOT NULL DEFAULT 0,
		last_run DATETIME,
		next_run DATETIME,
		last_jobs TEXT NOT NULL DEFAULT '[]'
	);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return err
	}

	// Migration: rows written before result codes were versioned are version 1
	_, _ = db.conn.ExecContext(ctx, "ALTER TABLE tasks ADD COLUMN record_version INTEGER NOT NULL DEFAULT 1")
	_, _ = db.conn.ExecContext(ctx, "ALTER TABLE shadow_runs ADD COLUMN record_version INTEGER NOT NULL DEFAULT 1")

	return db.SetSetting(ctx, "schema_version", strconv.Itoa(schemaVersion))
}

// GetSetting retrieves a setting value
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, err)
	}
	return value, err
}

// SetSetting sets a setting value
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, "INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	return err
}

// SchemaVersion is the schema version recorded by the last migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	v, err := db.GetSetting(ctx, "schema_version")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
