package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("cached task not found")

// Record is a cached task bundle with its sync flag.
type Record struct {
	Task     *model.Task
	Dirty    bool
	CachedAt time.Time
}

// Cache is the view of the database for one work type.
type Cache struct {
	db   *DB
	kind model.Kind
	now  func() time.Time
}

// New returns the cache for a work type. The schema must already exist.
func New(db *DB, kind model.Kind) *Cache {
	return &Cache{db: db, kind: kind, now: time.Now}
}

// Kind returns the work type this cache is partitioned to.
func (c *Cache) Kind() model.Kind {
	return c.kind
}

// Load returns the cached tasks of a user, optionally restricted to one
// date bucket (an empty bucket means every bucket). Results are ordered by
// creation time, then id, so repeated loads return the same order.
func (c *Cache) Load(ctx context.Context, userID, bucket string) ([]*model.Task, error) {
	records, err := c.Records(ctx, userID, bucket)
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, len(records))
	for i, r := range records {
		tasks[i] = r.Task
	}
	return tasks, nil
}

// Records is Load with dirty flags.
func (c *Cache) Records(ctx context.Context, userID, bucket string) ([]Record, error) {
	return queryRecords(ctx, c.db.conn, c.kind, userID, bucket)
}

// Dirty returns every record of the work type still awaiting confirmation.
func (c *Cache) Dirty(ctx context.Context) ([]Record, error) {
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT payload, dirty, cached_at FROM cached_tasks
		WHERE work_type = ? AND dirty = 1
		ORDER BY created_at ASC, id ASC
	`, string(c.kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty tasks: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Get returns one cached record.
func (c *Cache) Get(ctx context.Context, id string) (Record, error) {
	row := c.db.conn.QueryRowContext(ctx, `
		SELECT payload, dirty, cached_at FROM cached_tasks
		WHERE work_type = ? AND id = ?
	`, string(c.kind), id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get cached task %s: %w", id, err)
	}
	return r, nil
}

// Save writes the task bundle in one statement and sets its dirty flag.
func (c *Cache) Save(ctx context.Context, task *model.Task, dirty bool) error {
	return upsert(ctx, c.db.conn, c.kind, task, dirty, c.now())
}

// MarkSynced clears the dirty flag of a record.
func (c *Cache) MarkSynced(ctx context.Context, id string) error {
	_, err := c.db.conn.ExecContext(ctx, `
		UPDATE cached_tasks SET dirty = 0, cached_at = ?
		WHERE work_type = ? AND id = ?
	`, formatTime(c.now()), string(c.kind), id)
	if err != nil {
		return fmt.Errorf("failed to mark task %s synced: %w", id, err)
	}
	return nil
}

// Remove deletes a record. Removing a missing record is not an error.
func (c *Cache) Remove(ctx context.Context, id string) error {
	_, err := c.db.conn.ExecContext(ctx, `DELETE FROM cached_tasks WHERE work_type = ? AND id = ?`, string(c.kind), id)
	if err != nil {
		return fmt.Errorf("failed to remove cached task %s: %w", id, err)
	}
	return nil
}

// Reconcile overwrites a bucket with a freshly fetched canonical set.
//
// In one transaction every canonical task is stored clean, and clean records
// of the bucket that the remote no longer reports are dropped. Dirty records
// absent from the canonical set are kept because they are still waiting in
// the mutation queue. Ids for which protect returns true are left untouched;
// the caller uses it for entities mutated while the fetch was in flight.
//
// The merged bucket contents are returned in Load order.
func (c *Cache) Reconcile(ctx context.Context, userID, bucket string, canonical []*model.Task, protect func(id string) bool) ([]*model.Task, error) {
	if protect == nil {
		protect = func(string) bool { return false }
	}

	tx, err := c.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := queryRecords(ctx, tx, c.kind, userID, bucket)
	if err != nil {
		return nil, err
	}

	now := c.now()
	seen := make(map[string]bool, len(canonical))
	for _, t := range canonical {
		seen[t.ID] = true
		if protect(t.ID) {
			continue
		}
		if err := upsert(ctx, tx, c.kind, t, false, now); err != nil {
			return nil, err
		}
	}

	for _, r := range existing {
		if seen[r.Task.ID] || r.Dirty || protect(r.Task.ID) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_tasks WHERE work_type = ? AND id = ?`, string(c.kind), r.Task.ID); err != nil {
			return nil, fmt.Errorf("failed to drop stale task %s: %w", r.Task.ID, err)
		}
	}

	merged, err := queryRecords(ctx, tx, c.kind, userID, bucket)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	out := make([]*model.Task, len(merged))
	for i, r := range merged {
		out[i] = r.Task
	}
	return out, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func upsert(ctx context.Context, q querier, kind model.Kind, task *model.Task, dirty bool, now time.Time) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("cannot cache task without id")
	}
	if task.CurrentDate == "" {
		return fmt.Errorf("cannot cache task %s without a current date", task.ID)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO cached_tasks (work_type, id, user_id, bucket, payload, dirty, created_at, cached_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(work_type, id) DO UPDATE SET
		user_id = excluded.user_id,
		bucket = excluded.bucket,
		payload = excluded.payload,
		dirty = excluded.dirty,
		cached_at = excluded.cached_at
	`,
		string(kind),
		task.ID,
		task.UserID,
		task.CurrentDate,
		string(payload),
		boolToInt(dirty),
		formatTime(task.CreatedAt),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

func queryRecords(ctx context.Context, q querier, kind model.Kind, userID, bucket string) ([]Record, error) {
	conditions := []string{"work_type = ?", "user_id = ?"}
	args := []any{string(kind), userID}
	if bucket != "" {
		conditions = append(conditions, "bucket = ?")
		args = append(args, bucket)
	}

	query := `
		SELECT payload, dirty, cached_at FROM cached_tasks
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY created_at ASC, id ASC
	`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached tasks: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var payload, cachedAt string
	var dirty int
	if err := s.Scan(&payload, &dirty, &cachedAt); err != nil {
		return Record{}, err
	}

	var task model.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal cached task: %w", err)
	}
	task.SetDefaults()

	r := Record{Task: &task, Dirty: dirty != 0}
	if t, err := time.Parse(time.RFC3339Nano, cachedAt); err == nil {
		r.CachedAt = t
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cached task: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cached tasks: %w", err)
	}
	return out, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
