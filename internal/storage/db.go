package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the local SQLite message cache.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the message cache in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "messages.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the UI reader and the
	// network writer goroutines.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _messages (
			id         TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			text       TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'sent',
			starred    INTEGER NOT NULL DEFAULT 0,
			pinned     INTEGER NOT NULL DEFAULT 0,
			reply_to   TEXT NOT NULL DEFAULT '',
			sent_at    INTEGER NOT NULL,
			PRIMARY KEY (channel_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_channel_time
			ON _messages (channel_id, sent_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}
