package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// MemoryStore is an in-process Adapter holding rows in maps. It follows the
// same semantics as SQLStore and is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	wt       model.WorkType
	tasks    map[string]TaskRow
	subtasks map[string]SubtaskRow
}

// NewMemoryStore creates an empty store for a work type.
func NewMemoryStore(wt model.WorkType) *MemoryStore {
	return &MemoryStore{
		wt:       wt,
		tasks:    make(map[string]TaskRow),
		subtasks: make(map[string]SubtaskRow),
	}
}

// CreateTask implements Adapter.CreateTask.
func (m *MemoryStore) CreateTask(_ context.Context, task *model.Task) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		m.tasks[task.ID] = TaskToRow(task)
	}
	return m.taskLocked(task.ID), nil
}

// UpdateTask implements Adapter.UpdateTask.
func (m *MemoryStore) UpdateTask(_ context.Context, id string, fields Fields) (*model.Task, error) {
	if err := fields.Validate(MutableTaskColumns(m.wt)); err != nil {
		return nil, fmt.Errorf("invalid update for task %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err := row.Apply(fields); err != nil {
		return nil, err
	}
	m.tasks[id] = row
	return m.taskLocked(id), nil
}

// DeleteTask implements Adapter.DeleteTask.
func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, s := range m.subtasks {
		if s.TaskID == id {
			delete(m.subtasks, sid)
		}
	}
	delete(m.tasks, id)
	return nil
}

// FetchActiveTasks implements Adapter.FetchActiveTasks.
func (m *MemoryStore) FetchActiveTasks(_ context.Context, userID, bucket string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Task
	for id, r := range m.tasks {
		if r.UserID == userID && string(r.TaskDate) == bucket && !r.Completed {
			out = append(out, m.taskLocked(id))
		}
	}
	sortTasks(out)
	return out, nil
}

// CreateSubtask implements Adapter.CreateSubtask.
func (m *MemoryStore) CreateSubtask(_ context.Context, subtask *model.Subtask) (*model.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subtasks[subtask.ID]; !ok {
		m.subtasks[subtask.ID] = SubtaskToRow(subtask)
	}
	return SubtaskFromRow(m.subtasks[subtask.ID]), nil
}

// UpdateSubtask implements Adapter.UpdateSubtask.
func (m *MemoryStore) UpdateSubtask(_ context.Context, id string, fields Fields) (*model.Subtask, error) {
	if err := fields.Validate(MutableSubtaskColumns(m.wt)); err != nil {
		return nil, fmt.Errorf("invalid update for subtask %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.subtasks[id]
	if !ok {
		return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
	}
	if err := row.Apply(fields); err != nil {
		return nil, err
	}
	m.subtasks[id] = row
	return SubtaskFromRow(row), nil
}

// DeleteSubtask implements Adapter.DeleteSubtask.
func (m *MemoryStore) DeleteSubtask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subtasks, id)
	return nil
}

// Put stores a task row directly, replacing any existing one. Subtasks of
// the task are stored as well.
func (m *MemoryStore) Put(task *model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[task.ID] = TaskToRow(task)
	for i := range task.Subtasks {
		m.subtasks[task.Subtasks[i].ID] = SubtaskToRow(&task.Subtasks[i])
	}
}

// Task returns the stored task with its subtasks, or nil.
func (m *MemoryStore) Task(id string) *model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return nil
	}
	return m.taskLocked(id)
}

// Len returns the number of stored tasks.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *MemoryStore) taskLocked(id string) *model.Task {
	t := TaskFromRow(m.tasks[id])
	for _, s := range m.subtasks {
		if s.TaskID == id {
			t.Subtasks = append(t.Subtasks, *SubtaskFromRow(s))
		}
	}
	sortSubtasks(t.Subtasks)
	return t
}
