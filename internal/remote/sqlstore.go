package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// OpenPostgres opens a Postgres pool through the pgx stdlib driver. The DSN
// is validated up front but no connection is made until first use, so an
// unreachable server surfaces as failed calls rather than a failed open.
func OpenPostgres(dsn string) (*sqlx.DB, error) {
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// SQLStore is an Adapter over a SQL database holding the work type's task
// and subtask tables.
//
// Queries are written with ? placeholders and rebound for the driver, so
// the store runs against Postgres (pgx) in production and SQLite in tests.
type SQLStore struct {
	db     *sqlx.DB
	wt     model.WorkType
	logger *log.Logger

	taskCols    string
	subtaskCols string
}

// NewSQLStore creates a store for one work type. The tables must exist.
//
// If logger is nil, a default logger writing to stderr is used.
func NewSQLStore(db *sqlx.DB, wt model.WorkType, logger *log.Logger) *SQLStore {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote:"+string(wt.Kind)+"] ", log.LstdFlags)
	}
	return &SQLStore{
		db:          db,
		wt:          wt,
		logger:      logger,
		taskCols:    strings.Join(TaskColumns(wt), ", "),
		subtaskCols: strings.Join(SubtaskColumns(wt), ", "),
	}
}

// CreateTask inserts the task unless its id already exists, then returns
// the stored row.
func (s *SQLStore) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	query, args := insertIfAbsent(s.wt.TaskTable, TaskColumns(s.wt), TaskToRow(task).Values())
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Printf("Task %s already exists, returning stored row", task.ID)
	}
	return s.getTask(ctx, task.ID)
}

// UpdateTask sets the given columns and returns the stored row.
func (s *SQLStore) UpdateTask(ctx context.Context, id string, fields Fields) (*model.Task, error) {
	if err := fields.Validate(MutableTaskColumns(s.wt)); err != nil {
		return nil, fmt.Errorf("invalid update for task %s: %w", id, err)
	}
	if err := s.update(ctx, s.wt.TaskTable, id, fields); err != nil {
		return nil, err
	}
	return s.getTask(ctx, id)
}

// DeleteTask removes the task and its subtasks. Deleting a missing task is
// not an error.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+s.wt.SubtaskTable+` WHERE task_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete subtasks of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+s.wt.TaskTable+` WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FetchActiveTasks returns the user's incomplete tasks for a date bucket,
// each with its subtasks.
func (s *SQLStore) FetchActiveTasks(ctx context.Context, userID, bucket string) ([]*model.Task, error) {
	query := `SELECT ` + s.taskCols + ` FROM ` + s.wt.TaskTable + `
		WHERE user_id = ? AND task_date = ? AND completed = ?
		ORDER BY created_at, id`

	var rows []TaskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), userID, Day(bucket), false); err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}

	tasks := make([]*model.Task, len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		tasks[i] = TaskFromRow(r)
		ids[i] = r.ID
	}
	if err := s.attachSubtasks(ctx, tasks, ids); err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

// CreateSubtask inserts the subtask unless its id already exists, then
// returns the stored row.
func (s *SQLStore) CreateSubtask(ctx context.Context, subtask *model.Subtask) (*model.Subtask, error) {
	query, args := insertIfAbsent(s.wt.SubtaskTable, SubtaskColumns(s.wt), SubtaskToRow(subtask).Values())
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to insert subtask %s: %w", subtask.ID, err)
	}
	return s.getSubtask(ctx, subtask.ID)
}

// UpdateSubtask sets the given columns and returns the stored row.
func (s *SQLStore) UpdateSubtask(ctx context.Context, id string, fields Fields) (*model.Subtask, error) {
	if err := fields.Validate(MutableSubtaskColumns(s.wt)); err != nil {
		return nil, fmt.Errorf("invalid update for subtask %s: %w", id, err)
	}
	if err := s.update(ctx, s.wt.SubtaskTable, id, fields); err != nil {
		return nil, err
	}
	return s.getSubtask(ctx, id)
}

// DeleteSubtask removes a subtask. Deleting a missing subtask is not an error.
func (s *SQLStore) DeleteSubtask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM `+s.wt.SubtaskTable+` WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete subtask %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) update(ctx context.Context, table, id string, fields Fields) error {
	cols := fields.Columns()
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, fields[c])
	}
	args = append(args, id)

	query := `UPDATE ` + table + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) getTask(ctx context.Context, id string) (*model.Task, error) {
	var row TaskRow
	query := `SELECT ` + s.taskCols + ` FROM ` + s.wt.TaskTable + ` WHERE id = ?`
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}

	task := TaskFromRow(row)
	if err := s.attachSubtasks(ctx, []*model.Task{task}, []string{id}); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLStore) getSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	var row SubtaskRow
	query := `SELECT ` + s.subtaskCols + ` FROM ` + s.wt.SubtaskTable + ` WHERE id = ?`
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subtask %s: %w", id, err)
	}
	return SubtaskFromRow(row), nil
}

// attachSubtasks loads the subtasks of every listed task in one query.
func (s *SQLStore) attachSubtasks(ctx context.Context, tasks []*model.Task, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`SELECT `+s.subtaskCols+` FROM `+s.wt.SubtaskTable+`
		WHERE task_id IN (?)
		ORDER BY created_at, id`, ids)
	if err != nil {
		return fmt.Errorf("failed to build subtask query: %w", err)
	}

	var rows []SubtaskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to fetch subtasks: %w", err)
	}

	byTask := make(map[string][]model.Subtask, len(tasks))
	for _, r := range rows {
		byTask[r.TaskID] = append(byTask[r.TaskID], *SubtaskFromRow(r))
	}
	for _, t := range tasks {
		if subs, ok := byTask[t.ID]; ok {
			sortSubtasks(subs)
			t.Subtasks = subs
		}
	}
	return nil
}

// insertIfAbsent builds an INSERT that leaves an existing row with the same
// id untouched. ON CONFLICT DO NOTHING is understood by Postgres and SQLite.
func insertIfAbsent(table string, cols []string, values map[string]any) (string, []any) {
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = values[c]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := `INSERT INTO ` + table + ` (` + strings.Join(cols, ", ") + `)
		VALUES (` + placeholders + `)
		ON CONFLICT (id) DO NOTHING`
	return query, args
}
