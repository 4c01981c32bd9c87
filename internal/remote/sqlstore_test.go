package remote

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// remoteSchema mirrors the remote tables with SQLite types. Postgres uses
// date, timestamptz and text[] for the same columns.
func remoteSchema(wt model.WorkType) string {
	var taskExtras, subtaskExtras string
	if wt.HasTaskExtra(model.ColFocusBlocks) {
		taskExtras = `,
			focus_blocks INTEGER,
			break_duration INTEGER,
			interruption_mode TEXT`
	}
	if wt.HasSubtaskExtra(model.ColRequiresFocus) {
		subtaskExtras = `,
			requires_focus BOOLEAN,
			complexity_level INTEGER`
	}
	return `
	CREATE TABLE ` + wt.TaskTable + ` (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		priority TEXT NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT 0,
		original_date TEXT NOT NULL,
		task_date TEXT NOT NULL,
		due_date TEXT,
		estimated_duration INTEGER,
		rollovers INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '{}',
		category TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		started_at TEXT,
		actual_duration_min INTEGER,
		time_estimate INTEGER` + taskExtras + `
	);
	CREATE TABLE ` + wt.SubtaskTable + ` (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		title TEXT NOT NULL,
		text TEXT,
		completed BOOLEAN NOT NULL DEFAULT 0,
		priority TEXT,
		due_date TEXT,
		estimated_time INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT` + subtaskExtras + `
	);`
}

// setupSQLStore creates a SQLite-backed store with the work type's tables.
func setupSQLStore(t *testing.T, wt model.WorkType) *SQLStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "remote.db")
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(remoteSchema(wt)); err != nil {
		t.Fatalf("failed to create remote schema: %v", err)
	}
	return NewSQLStore(db, wt, nil)
}

func deepTask(id, bucket string, created time.Time) *model.Task {
	t := TaskFromRow(fullTaskRow())
	t.ID = id
	t.Completed = false
	t.CompletedAt = nil
	t.CurrentDate = bucket
	t.CreatedAt = created
	t.UpdatedAt = created
	return t
}

func TestSQLStore_CreateAndFetch(t *testing.T) {
	ctx := context.Background()
	s := setupSQLStore(t, model.DeepWork)

	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	want := deepTask("deep-1", "2025-03-01", base)

	got, err := s.CreateTask(ctx, want)
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CreateTask() canonical mismatch (-want +got):\n%s", diff)
	}

	sub := SubtaskFromRow(fullSubtaskRow())
	sub.TaskID = "deep-1"
	if _, err := s.CreateSubtask(ctx, sub); err != nil {
		t.Fatalf("CreateSubtask() failed: %v", err)
	}

	if _, err := s.CreateTask(ctx, deepTask("deep-2", "2025-03-01", base.Add(time.Minute))); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	done := deepTask("deep-3", "2025-03-01", base.Add(2*time.Minute))
	done.Completed = true
	if _, err := s.CreateTask(ctx, done); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if _, err := s.CreateTask(ctx, deepTask("deep-4", "2025-03-02", base)); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	active, err := s.FetchActiveTasks(ctx, "user-1", "2025-03-01")
	if err != nil {
		t.Fatalf("FetchActiveTasks() failed: %v", err)
	}
	var ids []string
	for _, a := range active {
		ids = append(ids, a.ID)
	}
	if diff := cmp.Diff([]string{"deep-1", "deep-2"}, ids); diff != "" {
		t.Errorf("FetchActiveTasks() ids mismatch (-want +got):\n%s", diff)
	}
	if len(active[0].Subtasks) != 1 || active[0].Subtasks[0].ID != sub.ID {
		t.Errorf("deep-1 subtasks = %+v, want [%s]", active[0].Subtasks, sub.ID)
	}
	if diff := cmp.Diff(*sub, active[0].Subtasks[0]); diff != "" {
		t.Errorf("subtask mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLStore_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := setupSQLStore(t, model.LightWork)

	task := deepTask("light-1", "2025-03-01", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	task.FocusBlocks, task.BreakDuration, task.InterruptionMode = nil, nil, nil

	if _, err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	replay := task.Clone()
	replay.Title = "Replayed title"
	got, err := s.CreateTask(ctx, replay)
	if err != nil {
		t.Fatalf("replayed CreateTask() failed: %v", err)
	}
	if got.Title != task.Title {
		t.Errorf("replay overwrote stored row: title = %q", got.Title)
	}

	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM light_work_tasks`); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("table has %d rows after replay, want 1", n)
	}
}

func TestSQLStore_Update(t *testing.T) {
	ctx := context.Background()
	s := setupSQLStore(t, model.DeepWork)

	task := deepTask("deep-1", "2025-03-01", time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	if _, err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	task.Completed = true
	task.CompletedAt = &now
	task.UpdatedAt = now
	task.DueDate = nil
	got, err := s.UpdateTask(ctx, "deep-1", TaskFields(model.DeepWork, task, "completed", "completed_at", "updated_at", "due_date"))
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if !got.Completed || got.CompletedAt == nil || !got.CompletedAt.Equal(now) || got.DueDate != nil {
		t.Errorf("UpdateTask() = completed %v at %v due %v", got.Completed, got.CompletedAt, got.DueDate)
	}
	if got.Title != task.Title {
		t.Errorf("untouched column changed: title = %q", got.Title)
	}

	if _, err := s.UpdateTask(ctx, "missing", Fields{"title": "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTask(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateTask(ctx, "deep-1", Fields{"user_id": "u2"}); err == nil {
		t.Error("UpdateTask() accepted an immutable column")
	}
}

func TestSQLStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := setupSQLStore(t, model.DeepWork)

	task := deepTask("deep-1", "2025-03-01", time.Now().UTC())
	if _, err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	sub := SubtaskFromRow(fullSubtaskRow())
	sub.TaskID = "deep-1"
	if _, err := s.CreateSubtask(ctx, sub); err != nil {
		t.Fatalf("CreateSubtask() failed: %v", err)
	}

	if err := s.DeleteTask(ctx, "deep-1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if err := s.DeleteTask(ctx, "deep-1"); err != nil {
		t.Errorf("second DeleteTask() failed: %v", err)
	}

	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM deep_work_subtasks`); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("%d subtasks left after DeleteTask()", n)
	}
}

func TestSQLStore_Subtasks(t *testing.T) {
	ctx := context.Background()
	s := setupSQLStore(t, model.LightWork)

	sub := &model.Subtask{
		ID:        "sub-1",
		TaskID:    "light-1",
		Title:     "Call back",
		CreatedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if _, err := s.CreateSubtask(ctx, sub); err != nil {
		t.Fatalf("CreateSubtask() failed: %v", err)
	}

	sub.Title = "Call back tomorrow"
	got, err := s.UpdateSubtask(ctx, "sub-1", SubtaskFields(model.LightWork, sub, "title"))
	if err != nil {
		t.Fatalf("UpdateSubtask() failed: %v", err)
	}
	if got.Title != "Call back tomorrow" {
		t.Errorf("UpdateSubtask() title = %q", got.Title)
	}

	if _, err := s.UpdateSubtask(ctx, "sub-1", Fields{model.ColRequiresFocus: ptr(true)}); err == nil || !strings.Contains(err.Error(), "not updatable") {
		t.Errorf("UpdateSubtask() with deep column error = %v", err)
	}

	if err := s.DeleteSubtask(ctx, "sub-1"); err != nil {
		t.Fatalf("DeleteSubtask() failed: %v", err)
	}
	if _, err := s.UpdateSubtask(ctx, "sub-1", Fields{"title": "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSubtask() after delete error = %v, want ErrNotFound", err)
	}
}

func TestOpenPostgres(t *testing.T) {
	if _, err := OpenPostgres("postgres://tasks@localhost:bad-port/tasks"); err == nil {
		t.Error("OpenPostgres() accepted an invalid dsn")
	}

	// Opening never dials, so an unused port is fine.
	db, err := OpenPostgres("postgres://tasks@127.0.0.1:1/tasks?connect_timeout=1")
	if err != nil {
		t.Fatalf("OpenPostgres() failed: %v", err)
	}
	defer db.Close()
	if db.DriverName() != "pgx" {
		t.Errorf("DriverName() = %q, want pgx", db.DriverName())
	}
}
