// Package store provides durable state for the VPS engine: instance
// records, port leases, image cache entries, access records and
// statistics counters. Uses pure-Go SQLite (modernc.org/sqlite) so no
// cgo is required. The store is the source of truth for every other
// component; lifecycle-state writes are single statements so readers
// never observe a half-updated record.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// DB wraps an SQLite database for vpsd state storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent reads during lifecycle writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	sdb := &DB{db: db}
	if err := sdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return sdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id                 TEXT PRIMARY KEY,
			owner_id           INTEGER NOT NULL,
			variant            TEXT NOT NULL,
			hostname           TEXT NOT NULL,
			credential_ref     TEXT NOT NULL DEFAULT '',
			memory_mb          INTEGER NOT NULL,
			cpus               INTEGER NOT NULL,
			disk_bytes         INTEGER NOT NULL,
			ssh_port           INTEGER NOT NULL DEFAULT 0,
			extra_forwards     TEXT NOT NULL DEFAULT '[]',
			gui_mode           INTEGER NOT NULL DEFAULT 0,
			image_path         TEXT NOT NULL DEFAULT '',
			seed_path          TEXT NOT NULL DEFAULT '',
			state              TEXT NOT NULL,
			pid                INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			last_transition_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS port_leases (
			port        INTEGER PRIMARY KEY,
			instance_id TEXT NOT NULL UNIQUE,
			leased_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS image_cache (
			variant    TEXT PRIMARY KEY,
			path       TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			status     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admins (
			user_id  INTEGER PRIMARY KEY,
			added_by INTEGER NOT NULL,
			added_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS banned_users (
			user_id   INTEGER PRIMARY KEY,
			banned_by INTEGER NOT NULL,
			reason    TEXT NOT NULL DEFAULT '',
			banned_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS statistics_events (
			event_id TEXT PRIMARY KEY
		)`,
		`INSERT OR IGNORE INTO statistics (key, value) VALUES
			('created', 0), ('restarted', 0), ('downloaded', 0)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
