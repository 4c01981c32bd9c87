// Package cache provides the local durable task cache.
//
// The cache is an embedded SQLite database holding one row per task. Each row
// stores the whole task bundle (task fields plus its subtasks) as a JSON
// payload, so a save is atomic for the bundle and never observable half
// written. Rows are partitioned by work type and by date bucket (the task's
// current date).
//
// Architecture:
//   - Database file: .tasksync/cache.db
//   - WAL mode: concurrent readers during writes
//   - synchronous=FULL: committed writes survive power loss
//   - Tables: cached_tasks (this package), pending_mutations (internal/queue)
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection shared by the cache and the mutation queue.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The parent directory is created if needed. The caller MUST call Close()
// when done so the WAL is checkpointed.
//
// Example:
//
//	db, err := cache.Open(".tasksync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// busy_timeout and synchronous are per connection, so they go in the DSN
	// where every pooled connection picks them up.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=synchronous(full)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The mutation queue shares it so both live in one durable file.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the cache table if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cached_tasks (
		work_type TEXT NOT NULL,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		bucket TEXT NOT NULL,  -- task current date, YYYY-MM-DD
		payload TEXT NOT NULL, -- JSON task bundle including subtasks
		dirty INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		cached_at TEXT NOT NULL,
		PRIMARY KEY (work_type, id)
	);

	CREATE INDEX IF NOT EXISTS idx_cached_tasks_bucket
	    ON cached_tasks(work_type, user_id, bucket);
	CREATE INDEX IF NOT EXISTS idx_cached_tasks_dirty
	    ON cached_tasks(work_type, dirty);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Stats summarizes the cache contents of one work type.
type Stats struct {
	WorkType string
	Tasks    int
	Dirty    int
}

// Stats returns per-work-type counts ordered by work type.
func (db *DB) Stats(ctx context.Context) ([]Stats, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT work_type, COUNT(*), COALESCE(SUM(dirty), 0)
		FROM cached_tasks
		GROUP BY work_type
		ORDER BY work_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.WorkType, &s.Tasks, &s.Dirty); err != nil {
			return nil, fmt.Errorf("failed to scan cache stats: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache stats: %w", err)
	}
	return out, nil
}
