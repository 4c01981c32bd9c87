package tasksync

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
)

// Draft holds the caller-provided fields of a new task. Zero values take
// the work type defaults; Date defaults to today.
type Draft struct {
	Title             string
	Description       *string
	Priority          model.Priority
	Date              string
	DueDate           *string
	EstimatedDuration *int
	TimeEstimate      *int
	Tags              []string
	Category          *string

	FocusBlocks      *int
	BreakDuration    *int
	InterruptionMode *string
}

// taskCall is the remote half of a task mutation.
type taskCall struct {
	name    string
	action  queue.Action
	next    *model.Task
	version uint64
	cols    []string
}

// CreateTask creates a task with a client-generated id. The task is cached
// dirty and published before the remote create is attempted.
func (s *Service) CreateTask(ctx context.Context, d Draft) (*model.Task, error) {
	userID, ok := s.session.UserID()
	if !ok {
		return nil, ErrUnauthenticated
	}
	t, err := s.newTask(userID, d)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(t.ID)
	version := s.tracker.begin(t.ID, taskKey(t.ID))
	tk := s.seq.issue(t.ID)
	s.store(ctx, t, true, true)
	unlock()

	defer s.finish(t.ID, tk)
	tk.wait()

	return s.confirmTask(ctx, taskCall{name: "create", action: queue.ActionCreate, next: t, version: version}), nil
}

func (s *Service) newTask(userID string, d Draft) (*model.Task, error) {
	now := s.now().UTC()
	date := d.Date
	if date == "" {
		date = model.Day(s.now())
	}

	t := &model.Task{
		ID:                s.newID(),
		UserID:            userID,
		Title:             strings.TrimSpace(d.Title),
		Description:       d.Description,
		Priority:          d.Priority,
		OriginalDate:      date,
		CurrentDate:       date,
		DueDate:           d.DueDate,
		EstimatedDuration: d.EstimatedDuration,
		TimeEstimate:      d.TimeEstimate,
		Tags:              slices.Clone(d.Tags),
		Category:          d.Category,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	extras := []struct {
		col string
		set bool
	}{
		{model.ColFocusBlocks, d.FocusBlocks != nil},
		{model.ColBreakDuration, d.BreakDuration != nil},
		{model.ColInterruptionMode, d.InterruptionMode != nil},
	}
	for _, e := range extras {
		if e.set && !s.wt.HasTaskExtra(e.col) {
			return nil, fmt.Errorf("%w: %s tasks have no %s", ErrInvalidInput, s.wt.Kind, e.col)
		}
	}
	t.FocusBlocks = d.FocusBlocks
	t.BreakDuration = d.BreakDuration
	t.InterruptionMode = d.InterruptionMode

	s.wt.ApplyDefaults(t)
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return t, nil
}

// ToggleTaskCompletion flips the completed flag and stamps or clears
// CompletedAt.
func (s *Service) ToggleTaskCompletion(ctx context.Context, id string) (*model.Task, error) {
	return s.mutateTask(ctx, id, "toggle", []string{"completed", "completed_at"}, func(t *model.Task) error {
		t.Completed = !t.Completed
		if t.Completed {
			now := s.now().UTC()
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
		return nil
	})
}

// PushTaskToAnotherDay moves a task to another date bucket and counts the
// rollover. OriginalDate is unchanged.
func (s *Service) PushTaskToAnotherDay(ctx context.Context, id, date string) (*model.Task, error) {
	if err := model.ValidateDay(date); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.mutateTask(ctx, id, "reschedule", []string{"task_date", "rollovers"}, func(t *model.Task) error {
		if t.CurrentDate != date {
			t.CurrentDate = date
			t.Rollovers++
		}
		return nil
	})
}

// UpdateTaskTitle sets the title.
func (s *Service) UpdateTaskTitle(ctx context.Context, id, title string) (*model.Task, error) {
	return s.mutateTask(ctx, id, "update title", []string{"title"}, func(t *model.Task) error {
		t.Title = strings.TrimSpace(title)
		return nil
	})
}

// UpdateTaskPriority sets the priority.
func (s *Service) UpdateTaskPriority(ctx context.Context, id string, p model.Priority) (*model.Task, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrInvalidInput, p)
	}
	return s.mutateTask(ctx, id, "update priority", []string{"priority"}, func(t *model.Task) error {
		t.Priority = p
		return nil
	})
}

// UpdateTaskDueDate sets or, with nil, clears the due date.
func (s *Service) UpdateTaskDueDate(ctx context.Context, id string, due *string) (*model.Task, error) {
	return s.mutateTask(ctx, id, "update due date", []string{"due_date"}, func(t *model.Task) error {
		if due != nil {
			t.DueDate = model.Ptr(*due)
		} else {
			t.DueDate = nil
		}
		return nil
	})
}

// UpdateTaskTimeEstimate sets or clears the time estimate in minutes.
func (s *Service) UpdateTaskTimeEstimate(ctx context.Context, id string, minutes *int) (*model.Task, error) {
	if minutes != nil && *minutes < 0 {
		return nil, fmt.Errorf("%w: time estimate must not be negative", ErrInvalidInput)
	}
	return s.mutateTask(ctx, id, "update time estimate", []string{"time_estimate"}, func(t *model.Task) error {
		if minutes != nil {
			t.TimeEstimate = model.Ptr(*minutes)
		} else {
			t.TimeEstimate = nil
		}
		return nil
	})
}

// UpdateTaskDescription sets or clears the description.
func (s *Service) UpdateTaskDescription(ctx context.Context, id string, description *string) (*model.Task, error) {
	return s.mutateTask(ctx, id, "update description", []string{"description"}, func(t *model.Task) error {
		if description != nil {
			t.Description = model.Ptr(*description)
		} else {
			t.Description = nil
		}
		return nil
	})
}

// UpdateTaskTags replaces the tags.
func (s *Service) UpdateTaskTags(ctx context.Context, id string, tags []string) (*model.Task, error) {
	return s.mutateTask(ctx, id, "update tags", []string{"tags"}, func(t *model.Task) error {
		t.Tags = slices.Clone(tags)
		if t.Tags == nil {
			t.Tags = []string{}
		}
		return nil
	})
}

// StartTask stamps StartedAt. Starting a started task restarts it.
func (s *Service) StartTask(ctx context.Context, id string) (*model.Task, error) {
	return s.mutateTask(ctx, id, "start", []string{"started_at"}, func(t *model.Task) error {
		now := s.now().UTC()
		t.StartedAt = &now
		return nil
	})
}

// mutateTask runs the optimistic update shape for one task.
func (s *Service) mutateTask(ctx context.Context, id, name string, cols []string, apply func(*model.Task) error) (*model.Task, error) {
	userID, ok := s.session.UserID()
	if !ok {
		return nil, ErrUnauthenticated
	}

	next, version, tk, err := s.applyLocal(ctx, userID, id, taskKey(id), func(t *model.Task) error {
		if err := apply(t); err != nil {
			return err
		}
		t.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer s.finish(id, tk)
	tk.wait()

	return s.confirmTask(ctx, taskCall{
		name:    name,
		action:  queue.ActionUpdate,
		next:    next,
		version: version,
		cols:    append(cols, "updated_at"),
	}), nil
}

// applyLocal is the locked read, compute and persist step shared by task
// and subtask mutations. The returned ticket must be finished by the
// caller.
func (s *Service) applyLocal(ctx context.Context, userID, id, key string, apply func(*model.Task) error) (*model.Task, uint64, *ticket, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, err := s.lookup(ctx, userID, id)
	if err != nil {
		return nil, 0, nil, err
	}
	next := cur.Clone()
	if err := apply(next); err != nil {
		return nil, 0, nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	version := s.tracker.begin(id, key)
	tk := s.seq.issue(id)
	s.store(ctx, next, true, false)
	return next, version, tk, nil
}

// confirmTask is the remote phase of a task mutation. It returns the
// record that is current once the phase is over.
func (s *Service) confirmTask(ctx context.Context, c taskCall) *model.Task {
	id := c.next.ID
	if s.tracker.deleted(id) {
		s.tracker.skip(id)
		s.logger.Printf("Skipped %s of task %s: deleted", c.name, id)
		return c.next
	}
	if !s.online() {
		s.enqueue(ctx, c.action, queue.EntityTask, id, c.next)
		return c.next
	}

	rctx, done := s.tracker.bind(ctx, id)
	canon, err := s.pushTask(rctx, c)
	done()

	if s.tracker.deleted(id) {
		s.tracker.skip(id)
		s.logger.Printf("Dropped %s confirmation of task %s: deleted", c.name, id)
		return c.next
	}
	if err != nil {
		s.enqueue(ctx, c.action, queue.EntityTask, id, c.next)
		s.fail("failed to %s task %s: %v", c.name, id, err)
		return c.next
	}
	return s.acceptTask(ctx, canon, c.next, c.version)
}

// pushTask sends a task mutation. When earlier entries for the task are
// still queued, the remote may be missing the create or other columns, so
// the whole record is sent: insert-if-absent, then every mutable column.
func (s *Service) pushTask(ctx context.Context, c taskCall) (*model.Task, error) {
	id := c.next.ID
	if c.action == queue.ActionCreate {
		return s.remote.CreateTask(ctx, c.next)
	}
	if s.pending(ctx, queue.EntityTask, id) {
		if _, err := s.remote.CreateTask(ctx, c.next); err != nil {
			return nil, err
		}
		return s.remote.UpdateTask(ctx, id, remote.TaskFields(s.wt, c.next))
	}
	return s.remote.UpdateTask(ctx, id, remote.TaskFields(s.wt, c.next, c.cols...))
}

// acceptTask stores a canonical task unless a newer local mutation has
// superseded it. Task-level confirmations never replace the local
// subtasks, which have their own confirmations.
func (s *Service) acceptTask(ctx context.Context, canon, sent *model.Task, version uint64) *model.Task {
	id := sent.ID
	unlock := s.locks.Lock(id)
	defer unlock()

	cur := s.local(ctx, id)
	if !s.tracker.current(taskKey(id), version) || s.tracker.deleted(id) {
		s.logger.Printf("Dropped stale confirmation of task %s", id)
		if cur != nil {
			return cur
		}
		return sent
	}
	if canon == nil || canon.ID != id {
		s.logger.Printf("WARNING: remote returned no record for task %s, keeping local state", id)
		return sent
	}

	merged := canon.Clone()
	if cur != nil {
		merged.Subtasks = cur.Subtasks
	} else {
		merged.Subtasks = sent.Subtasks
	}
	merged.SetDefaults()

	s.markSynced(ctx, queue.EntityTask, id)
	s.store(ctx, merged, s.stillDirty(ctx, merged), false)
	s.clearError()
	return merged
}

// DeleteTask removes a task locally at once. Offline, the delete is
// queued. If the remote delete fails, the task is restored in the cache
// and the published list at its old position, the error string is set and
// the error is returned.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	userID, ok := s.session.UserID()
	if !ok {
		return ErrUnauthenticated
	}

	unlock := s.locks.Lock(id)
	cur, err := s.lookup(ctx, userID, id)
	if err != nil {
		unlock()
		return err
	}
	wasDirty := true
	if r, err := s.cache.Get(ctx, id); err == nil {
		wasDirty = r.Dirty
	}
	s.tracker.kill(id)
	s.tracker.begin(id, taskKey(id))
	tk := s.seq.issue(id)
	idx := s.unlist(ctx, id)
	unlock()

	defer s.finish(id, tk)
	tk.wait()

	if !s.online() {
		s.enqueue(ctx, queue.ActionDelete, queue.EntityTask, id, cur)
		return nil
	}

	if err := s.remote.DeleteTask(ctx, id); err != nil {
		s.restoreTask(ctx, cur, idx, wasDirty)
		s.fail("failed to delete task %s: %v", id, err)
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	s.markSynced(ctx, queue.EntityTask, id)
	for i := range cur.Subtasks {
		s.markSynced(ctx, queue.EntitySubtask, cur.Subtasks[i].ID)
	}
	s.logger.Printf("Deleted task %s", id)
	return nil
}

// restoreTask compensates a failed delete. Mutations skipped while the
// tombstone stood are folded into one queued full snapshot.
func (s *Service) restoreTask(ctx context.Context, t *model.Task, idx int, dirty bool) {
	unlock := s.locks.Lock(t.ID)
	defer unlock()

	if s.tracker.revive(t.ID) {
		s.enqueue(ctx, queue.ActionUpdate, queue.EntityTask, t.ID, t)
		dirty = true
	}
	s.relist(ctx, t, idx, dirty)
	s.logger.Printf("Restored task %s after failed delete", t.ID)
}
