// Package history persists destroyed-tunnel records and daemon lifecycle
// events to a local SQLite database for admin queries. Live state lives in
// the state store; this is the bounded audit trail that survives it.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the history database at the specified path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency between the monitor and API readers
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Destroyed tunnels
	CREATE TABLE IF NOT EXISTS tunnel_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		bytes_served INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		destroyed_at DATETIME NOT NULL
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tunnel_history_destroyed ON tunnel_history(destroyed_at);
	CREATE INDEX IF NOT EXISTS idx_tunnel_history_tunnel ON tunnel_history(tunnel_id);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Entry is one destroyed tunnel.
type Entry struct {
	ID          int64     `json:"-"`
	TunnelID    string    `json:"tunnel_id"`
	FilePath    string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`
	BytesServed int64     `json:"bytes_served"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	DestroyedAt time.Time `json:"destroyed_at"`
}

// AppendTunnel records a destroyed tunnel. Retries briefly when the database
// is locked; destruction must not block on a busy reader.
func (db *DB) AppendTunnel(e Entry) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = db.conn.Exec(
			`INSERT INTO tunnel_history (tunnel_id, file_path, file_size, bytes_served, reason, created_at, destroyed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.TunnelID, e.FilePath, e.FileSize, e.BytesServed, e.Reason, e.CreatedAt.UTC(), e.DestroyedAt.UTC(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to append tunnel history after %d retries: %w", maxRetries, err)
}

// Recent returns the most recently destroyed tunnels, newest first.
func (db *DB) Recent(limit int) ([]Entry, error) {
	rows, err := db.conn.Query(
		`SELECT id, tunnel_id, file_path, file_size, bytes_served, reason, created_at, destroyed_at
		 FROM tunnel_history
		 ORDER BY destroyed_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TunnelID, &e.FilePath, &e.FileSize, &e.BytesServed, &e.Reason, &e.CreatedAt, &e.DestroyedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogDaemonEvent records a daemon lifecycle event.
func (db *DB) LogDaemonEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO daemon_events (event_type, details, timestamp) VALUES (?, ?, ?)`,
		eventType, details, time.Now().UTC(),
	)
	return err
}
