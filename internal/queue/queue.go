// Package queue provides the durable pending-mutation log.
//
// Mutations that could not be confirmed by the remote store are appended
// here as full snapshots and replayed later by an external coordinator. The
// log lives in the same SQLite file as the task cache, so an entry written
// before a crash is still present after restart.
//
// Ordering: entries are numbered by a single autoincrement sequence. Reading
// them back in sequence order yields enqueue order globally, which implies
// enqueue order within every entity kind.
//
// Replay safety: each entry carries a MutationID. Remote creates are
// insert-if-absent on the client id, so replaying a create whose response
// was lost does not duplicate the remote record.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of mutation recorded.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// EntityKind is the entity a mutation applies to.
type EntityKind string

const (
	EntityTask    EntityKind = "task"
	EntitySubtask EntityKind = "subtask"
)

// Mutation is what callers enqueue. Payload is marshaled to JSON and must be
// a full snapshot of the entity, not a diff.
type Mutation struct {
	WorkType string
	Action   Action
	Entity   EntityKind
	EntityID string
	Payload  any
}

// Entry is a stored mutation.
type Entry struct {
	Seq        int64           `json:"seq" yaml:"seq"`
	MutationID string          `json:"mutationId" yaml:"mutation_id"`
	WorkType   string          `json:"workType" yaml:"work_type"`
	Action     Action          `json:"action" yaml:"action"`
	EntityKind EntityKind      `json:"entityKind" yaml:"entity_kind"`
	EntityID   string          `json:"entityId" yaml:"entity_id"`
	Payload    json.RawMessage `json:"payload" yaml:"-"`
	EnqueuedAt time.Time       `json:"enqueuedAt" yaml:"enqueued_at"`
	SyncedAt   *time.Time      `json:"syncedAt,omitempty" yaml:"synced_at,omitempty"`
}

// Synced reports whether the entry has been confirmed.
func (e Entry) Synced() bool {
	return e.SyncedAt != nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	WorkType string
	Entity   EntityKind
	EntityID string
	// IncludeSynced also returns confirmed entries.
	IncludeSynced bool
	Limit         int
}

// Counts summarizes the log for one work type.
type Counts struct {
	WorkType string `json:"workType" yaml:"work_type"`
	Pending  int    `json:"pending" yaml:"pending"`
	Synced   int    `json:"synced" yaml:"synced"`
}

// Queue is the durable mutation log.
type Queue struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// New creates the queue on an open database, creating its table if needed.
//
// If logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	db, err := cache.Open(".tasksync/cache.db")
//	if err != nil {
//	    return err
//	}
//	q, err := queue.New(ctx, db.RawDB(), nil)
func New(ctx context.Context, db *sql.DB, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pending_mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		mutation_id TEXT NOT NULL UNIQUE,
		work_type TEXT NOT NULL,
		action TEXT NOT NULL CHECK(action IN ('create', 'update', 'delete')),
		entity_kind TEXT NOT NULL CHECK(entity_kind IN ('task', 'subtask')),
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		synced_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pending_mutations_entity
	    ON pending_mutations(work_type, entity_kind, entity_id, synced_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return &Queue{db: db, logger: logger, now: time.Now}, nil
}

// Enqueue appends a mutation and returns the stored entry.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (Entry, error) {
	if m.WorkType == "" || m.EntityID == "" {
		return Entry{}, fmt.Errorf("mutation requires work type and entity id")
	}
	switch m.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return Entry{}, fmt.Errorf("invalid action %q", m.Action)
	}
	switch m.Entity {
	case EntityTask, EntitySubtask:
	default:
		return Entry{}, fmt.Errorf("invalid entity kind %q", m.Entity)
	}

	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal %s payload for %s: %w", m.Action, m.EntityID, err)
	}

	e := Entry{
		MutationID: uuid.NewString(),
		WorkType:   m.WorkType,
		Action:     m.Action,
		EntityKind: m.Entity,
		EntityID:   m.EntityID,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_mutations (mutation_id, work_type, action, entity_kind, entity_id, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.MutationID, e.WorkType, string(e.Action), string(e.EntityKind), e.EntityID, string(payload), formatTime(e.EnqueuedAt))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to enqueue %s %s %s: %w", m.Action, m.Entity, m.EntityID, err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return Entry{}, fmt.Errorf("failed to read queue sequence: %w", err)
	}

	q.logger.Printf("Queued %s %s %s (seq=%d)", e.Action, e.EntityKind, e.EntityID, e.Seq)
	return e, nil
}

// Pending returns the unconfirmed entries of a work type in enqueue order.
func (q *Queue) Pending(ctx context.Context, workType string) ([]Entry, error) {
	return q.List(ctx, Filter{WorkType: workType})
}

// List returns entries matching the filter in enqueue order.
func (q *Queue) List(ctx context.Context, f Filter) ([]Entry, error) {
	var conditions []string
	var args []any
	if f.WorkType != "" {
		conditions = append(conditions, "work_type = ?")
		args = append(args, f.WorkType)
	}
	if f.Entity != "" {
		conditions = append(conditions, "entity_kind = ?")
		args = append(args, string(f.Entity))
	}
	if f.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if !f.IncludeSynced {
		conditions = append(conditions, "synced_at IS NULL")
	}

	query := `SELECT seq, mutation_id, work_type, action, entity_kind, entity_id, payload, enqueued_at, synced_at FROM pending_mutations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			action, kind      string
			payload, enqueued string
			synced            sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.MutationID, &e.WorkType, &action, &kind, &e.EntityID, &payload, &enqueued, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Action = Action(action)
		e.EntityKind = EntityKind(kind)
		e.Payload = json.RawMessage(payload)
		e.EnqueuedAt, _ = time.Parse(timeLayout, enqueued)
		if synced.Valid {
			if t, err := time.Parse(timeLayout, synced.String); err == nil {
				e.SyncedAt = &t
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return out, nil
}

// HasPending reports whether any of the ids has an unconfirmed entry.
func (q *Queue) HasPending(ctx context.Context, workType string, kind EntityKind, ids ...string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{workType, string(kind)}
	for _, id := range ids {
		args = append(args, id)
	}

	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_mutations
		WHERE work_type = ? AND entity_kind = ? AND synced_at IS NULL
		  AND entity_id IN (`+placeholders+`)
	`, args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending mutations: %w", err)
	}
	return n > 0, nil
}

// MarkSynced confirms every pending entry for the entity and returns how
// many were marked. The caller must only do this after the remote holds a
// state that subsumes all of them.
func (q *Queue) MarkSynced(ctx context.Context, workType string, kind EntityKind, id string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_mutations SET synced_at = ?
		WHERE work_type = ? AND entity_kind = ? AND entity_id = ? AND synced_at IS NULL
	`, formatTime(q.now()), workType, string(kind), id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %s %s synced: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		q.logger.Printf("Marked %d queued mutation(s) for %s %s synced", n, kind, id)
	}
	return int(n), nil
}

// Prune deletes confirmed entries synced before the cutoff.
func (q *Queue) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM pending_mutations WHERE synced_at IS NOT NULL AND synced_at < ?
	`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// Counts returns pending and synced counts per work type.
func (q *Queue) Counts(ctx context.Context) ([]Counts, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT work_type,
		       SUM(CASE WHEN synced_at IS NULL THEN 1 ELSE 0 END),
		       SUM(CASE WHEN synced_at IS NOT NULL THEN 1 ELSE 0 END)
		FROM pending_mutations
		GROUP BY work_type
		ORDER BY work_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	defer rows.Close()

	var out []Counts
	for rows.Next() {
		var c Counts
		if err := rows.Scan(&c.WorkType, &c.Pending, &c.Synced); err != nil {
			return nil, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return out, nil
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
