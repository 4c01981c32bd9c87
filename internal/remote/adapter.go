// Package remote provides the canonical remote store adapters.
//
// An Adapter performs CRUD against the two-table remote schema of one work
// type (tasks and subtasks). Every call returns its data and an error; the
// Safe wrapper additionally turns panics inside a backend into errors, so
// nothing escapes the adapter boundary.
//
// Backends:
//   - SQLStore: Postgres through pgx, via sqlx (any sqlx driver works)
//   - FirestoreStore: Cloud Firestore, one collection per table
//   - MemoryStore: in-process, for tests and local runs
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"slices"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// ErrNotFound is returned by updates against an id the remote does not hold.
var ErrNotFound = errors.New("remote record not found")

// Adapter is the remote store contract for one work type.
//
// Create is insert-if-absent keyed on the client-generated id: creating an
// id that already exists returns the stored record instead of failing, so a
// replayed create never produces a duplicate.
type Adapter interface {
	CreateTask(ctx context.Context, task *model.Task) (*model.Task, error)
	UpdateTask(ctx context.Context, id string, fields Fields) (*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	FetchActiveTasks(ctx context.Context, userID, bucket string) ([]*model.Task, error)

	CreateSubtask(ctx context.Context, subtask *model.Subtask) (*model.Subtask, error)
	UpdateSubtask(ctx context.Context, id string, fields Fields) (*model.Subtask, error)
	DeleteSubtask(ctx context.Context, id string) error
}

// Fields maps remote column names to new values. Values are the column
// types of TaskRow or SubtaskRow (Day, Stamp, StringList, pointers for
// nullable columns).
type Fields map[string]any

// Columns returns the field names in sorted order.
func (f Fields) Columns() []string {
	cols := make([]string, 0, len(f))
	for c := range f {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols
}

// Validate rejects empty updates and columns outside allowed.
func (f Fields) Validate(allowed []string) error {
	if len(f) == 0 {
		return fmt.Errorf("no fields to update")
	}
	for c := range f {
		if !slices.Contains(allowed, c) {
			return fmt.Errorf("column %q is not updatable", c)
		}
	}
	return nil
}

// Safe wraps an adapter so a panic inside any call is logged and returned
// as an error.
//
// If logger is nil, a default logger writing to stderr is used.
func Safe(a Adapter, logger *log.Logger) Adapter {
	if a == nil {
		return nil
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &safeAdapter{next: a, logger: logger}
}

type safeAdapter struct {
	next   Adapter
	logger *log.Logger
}

func (s *safeAdapter) catch(op string, err *error) {
	if r := recover(); r != nil {
		s.logger.Printf("ERROR: %s panicked: %v\n%s", op, r, debug.Stack())
		*err = fmt.Errorf("remote %s panicked: %v", op, r)
	}
}

func (s *safeAdapter) CreateTask(ctx context.Context, task *model.Task) (out *model.Task, err error) {
	defer s.catch("CreateTask", &err)
	return s.next.CreateTask(ctx, task)
}

func (s *safeAdapter) UpdateTask(ctx context.Context, id string, fields Fields) (out *model.Task, err error) {
	defer s.catch("UpdateTask", &err)
	return s.next.UpdateTask(ctx, id, fields)
}

func (s *safeAdapter) DeleteTask(ctx context.Context, id string) (err error) {
	defer s.catch("DeleteTask", &err)
	return s.next.DeleteTask(ctx, id)
}

func (s *safeAdapter) FetchActiveTasks(ctx context.Context, userID, bucket string) (out []*model.Task, err error) {
	defer s.catch("FetchActiveTasks", &err)
	return s.next.FetchActiveTasks(ctx, userID, bucket)
}

func (s *safeAdapter) CreateSubtask(ctx context.Context, subtask *model.Subtask) (out *model.Subtask, err error) {
	defer s.catch("CreateSubtask", &err)
	return s.next.CreateSubtask(ctx, subtask)
}

func (s *safeAdapter) UpdateSubtask(ctx context.Context, id string, fields Fields) (out *model.Subtask, err error) {
	defer s.catch("UpdateSubtask", &err)
	return s.next.UpdateSubtask(ctx, id, fields)
}

func (s *safeAdapter) DeleteSubtask(ctx context.Context, id string) (err error) {
	defer s.catch("DeleteSubtask", &err)
	return s.next.DeleteSubtask(ctx, id)
}
