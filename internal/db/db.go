// Package db provides the SQLite connection and schema for devsync.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Command ledger - append-only history of dispatched device commands.
	// One row per outcome (dispatched or failed); command_id repeats only when
	// the same coalesced command is recorded twice.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS command_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			command_id TEXT NOT NULL,
			family TEXT NOT NULL,
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			coalesced INTEGER NOT NULL DEFAULT 1,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_command_ledger_ts ON command_ledger(timestamp);
		CREATE INDEX IF NOT EXISTS idx_command_ledger_device ON command_ledger(family, device_id, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create command_ledger table: %w", err)
	}

	// Device state - last known state per (family, device), JSON payload
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS device_state (
			family TEXT NOT NULL,
			device_id TEXT NOT NULL,
			payload TEXT,
			removed INTEGER NOT NULL DEFAULT 0,
			version INTEGER DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (family, device_id)
		);
		CREATE INDEX IF NOT EXISTS idx_device_state_family ON device_state(family);
	`)
	if err != nil {
		return fmt.Errorf("failed to create device_state table: %w", err)
	}

	// Scheduled commands - one daily on/off per schedule id
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_commands (
			id TEXT PRIMARY KEY,
			family TEXT NOT NULL,
			device_id TEXT NOT NULL,
			action TEXT NOT NULL,
			at TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create scheduled_commands table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
