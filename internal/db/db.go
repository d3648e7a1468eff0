package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrDatabaseInit    = errors.New("database initialization failed")
	ErrTerminal        = errors.New("operation already finished")
	ErrAlreadyRestored = errors.New("backup event already restored")
	ErrRestoreClaimed  = errors.New("backup event claimed by another restore")
)

// DB is the run and operation log.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// A single writer avoids SQLITE_BUSY between the scheduler and API handlers.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Backups hold copies of calendar content.
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			calendar_id TEXT NOT NULL,
			feed_url TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			events_processed INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_skipped INTEGER NOT NULL DEFAULT 0,
			duplicates_resolved INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL DEFAULT '[]',
			message TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_calendar ON sync_runs(calendar_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_created_at ON sync_runs(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS cleanup_operations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			calendar_ids TEXT NOT NULL DEFAULT '[]',
			backup_id TEXT NOT NULL DEFAULT '',
			restore_of TEXT NOT NULL DEFAULT '',
			groups_found INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			restored INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cleanup_operations_started ON cleanup_operations(started_at DESC)`,

		`CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (operation_id) REFERENCES cleanup_operations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_operation ON backups(operation_id)`,

		`CREATE TABLE IF NOT EXISTS backup_events (
			id TEXT PRIMARY KEY,
			backup_id TEXT NOT NULL,
			calendar_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			start_at DATETIME NOT NULL,
			end_at DATETIME NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			time_zone TEXT NOT NULL DEFAULT '',
			attendees TEXT NOT NULL DEFAULT '[]',
			event_created_at DATETIME,
			restored_at DATETIME,
			restored_external_id TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (backup_id) REFERENCES backups(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_events_backup ON backup_events(backup_id)`,

		// Restore operation that owns an entry while its event is being recreated
		`ALTER TABLE backup_events ADD COLUMN restore_claim TEXT NOT NULL DEFAULT ''`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Re-applied ALTER TABLE migrations report duplicates.
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}
