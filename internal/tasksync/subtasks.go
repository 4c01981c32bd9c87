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

// SubtaskDraft holds the caller-provided fields of a new subtask.
type SubtaskDraft struct {
	Title         string
	Text          *string
	Priority      *model.Priority
	DueDate       *string
	EstimatedTime *int

	RequiresFocus   *bool
	ComplexityLevel *int
}

type subtaskCall struct {
	name    string
	action  queue.Action
	taskID  string
	next    *model.Subtask
	version uint64
	cols    []string
}

// AddSubtask appends a subtask to a task. Like every task mutation it is
// cached and published first, then confirmed or queued.
func (s *Service) AddSubtask(ctx context.Context, taskID string, d SubtaskDraft) (*model.Subtask, error) {
	userID, ok := s.session.UserID()
	if !ok {
		return nil, ErrUnauthenticated
	}
	if d.RequiresFocus != nil && !s.wt.HasSubtaskExtra(model.ColRequiresFocus) {
		return nil, fmt.Errorf("%w: %s subtasks have no %s", ErrInvalidInput, s.wt.Kind, model.ColRequiresFocus)
	}
	if d.ComplexityLevel != nil && !s.wt.HasSubtaskExtra(model.ColComplexityLevel) {
		return nil, fmt.Errorf("%w: %s subtasks have no %s", ErrInvalidInput, s.wt.Kind, model.ColComplexityLevel)
	}

	now := s.now().UTC()
	sub := model.Subtask{
		ID:              s.newID(),
		TaskID:          taskID,
		Title:           strings.TrimSpace(d.Title),
		Text:            d.Text,
		Priority:        d.Priority,
		DueDate:         d.DueDate,
		EstimatedTime:   d.EstimatedTime,
		CreatedAt:       now,
		UpdatedAt:       now,
		RequiresFocus:   d.RequiresFocus,
		ComplexityLevel: d.ComplexityLevel,
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	_, version, tk, err := s.applyLocal(ctx, userID, taskID, subtaskKey(sub.ID), func(t *model.Task) error {
		t.Subtasks = append(t.Subtasks, *sub.Clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer s.finish(taskID, tk)
	tk.wait()

	return s.confirmSubtask(ctx, subtaskCall{
		name:    "create",
		action:  queue.ActionCreate,
		taskID:  taskID,
		next:    &sub,
		version: version,
	}), nil
}

// ToggleSubtaskCompletion flips a subtask's completed flag.
func (s *Service) ToggleSubtaskCompletion(ctx context.Context, taskID, subtaskID string) (*model.Subtask, error) {
	return s.mutateSubtask(ctx, taskID, subtaskID, "toggle", []string{"completed", "completed_at"}, func(st *model.Subtask) {
		st.Completed = !st.Completed
		if st.Completed {
			now := s.now().UTC()
			st.CompletedAt = &now
		} else {
			st.CompletedAt = nil
		}
	})
}

// UpdateSubtaskTitle sets a subtask's title.
func (s *Service) UpdateSubtaskTitle(ctx context.Context, taskID, subtaskID, title string) (*model.Subtask, error) {
	return s.mutateSubtask(ctx, taskID, subtaskID, "update title", []string{"title"}, func(st *model.Subtask) {
		st.Title = strings.TrimSpace(title)
	})
}

// UpdateSubtaskPriority sets or, with nil, clears a subtask's priority.
func (s *Service) UpdateSubtaskPriority(ctx context.Context, taskID, subtaskID string, p *model.Priority) (*model.Subtask, error) {
	if p != nil && !p.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrInvalidInput, *p)
	}
	return s.mutateSubtask(ctx, taskID, subtaskID, "update priority", []string{"priority"}, func(st *model.Subtask) {
		if p != nil {
			st.Priority = model.Ptr(*p)
		} else {
			st.Priority = nil
		}
	})
}

// UpdateSubtaskDueDate sets or clears a subtask's due date.
func (s *Service) UpdateSubtaskDueDate(ctx context.Context, taskID, subtaskID string, due *string) (*model.Subtask, error) {
	return s.mutateSubtask(ctx, taskID, subtaskID, "update due date", []string{"due_date"}, func(st *model.Subtask) {
		if due != nil {
			st.DueDate = model.Ptr(*due)
		} else {
			st.DueDate = nil
		}
	})
}

// UpdateSubtaskEstimate sets or clears a subtask's estimated time in minutes.
func (s *Service) UpdateSubtaskEstimate(ctx context.Context, taskID, subtaskID string, minutes *int) (*model.Subtask, error) {
	if minutes != nil && *minutes < 0 {
		return nil, fmt.Errorf("%w: estimated time must not be negative", ErrInvalidInput)
	}
	return s.mutateSubtask(ctx, taskID, subtaskID, "update estimate", []string{"estimated_time"}, func(st *model.Subtask) {
		if minutes != nil {
			st.EstimatedTime = model.Ptr(*minutes)
		} else {
			st.EstimatedTime = nil
		}
	})
}

func (s *Service) mutateSubtask(ctx context.Context, taskID, subtaskID, name string, cols []string, apply func(*model.Subtask)) (*model.Subtask, error) {
	userID, ok := s.session.UserID()
	if !ok {
		return nil, ErrUnauthenticated
	}

	var idx int
	next, version, tk, err := s.applyLocal(ctx, userID, taskID, subtaskKey(subtaskID), func(t *model.Task) error {
		idx = t.SubtaskIndex(subtaskID)
		if idx < 0 || s.tracker.subtaskDeleted(taskID, subtaskID) {
			return fmt.Errorf("%w: %s", ErrSubtaskNotFound, subtaskID)
		}
		apply(&t.Subtasks[idx])
		t.Subtasks[idx].UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer s.finish(taskID, tk)
	tk.wait()

	return s.confirmSubtask(ctx, subtaskCall{
		name:    name,
		action:  queue.ActionUpdate,
		taskID:  taskID,
		next:    next.Subtasks[idx].Clone(),
		version: version,
		cols:    append(cols, "updated_at"),
	}), nil
}

// confirmSubtask is the remote phase of a subtask mutation. Subtasks of a
// task whose create is still queued are queued too; the queue keeps them
// behind the parent.
func (s *Service) confirmSubtask(ctx context.Context, c subtaskCall) *model.Subtask {
	sid := c.next.ID
	if s.tracker.subtaskDeleted(c.taskID, sid) {
		s.skipSubtask(c.taskID, sid)
		s.logger.Printf("Skipped %s of subtask %s: deleted", c.name, sid)
		return c.next
	}
	if !s.online() || s.pendingCreate(ctx, c.taskID) {
		s.enqueue(ctx, c.action, queue.EntitySubtask, sid, c.next)
		return c.next
	}

	rctx, done := s.tracker.bind(ctx, c.taskID)
	canon, err := s.pushSubtask(rctx, c)
	done()

	if s.tracker.subtaskDeleted(c.taskID, sid) {
		s.skipSubtask(c.taskID, sid)
		s.logger.Printf("Dropped %s confirmation of subtask %s: deleted", c.name, sid)
		return c.next
	}
	if err != nil {
		s.enqueue(ctx, c.action, queue.EntitySubtask, sid, c.next)
		s.fail("failed to %s subtask %s: %v", c.name, sid, err)
		return c.next
	}
	return s.acceptSubtask(ctx, c, canon)
}

func (s *Service) skipSubtask(taskID, subtaskID string) {
	if s.tracker.deleted(taskID) {
		s.tracker.skip(taskID)
		return
	}
	s.tracker.skipSubtask(taskID, subtaskID)
}

func (s *Service) pushSubtask(ctx context.Context, c subtaskCall) (*model.Subtask, error) {
	sid := c.next.ID
	if c.action == queue.ActionCreate {
		return s.remote.CreateSubtask(ctx, c.next)
	}
	if s.pending(ctx, queue.EntitySubtask, sid) {
		if _, err := s.remote.CreateSubtask(ctx, c.next); err != nil {
			return nil, err
		}
		return s.remote.UpdateSubtask(ctx, sid, remote.SubtaskFields(s.wt, c.next))
	}
	return s.remote.UpdateSubtask(ctx, sid, remote.SubtaskFields(s.wt, c.next, c.cols...))
}

func (s *Service) acceptSubtask(ctx context.Context, c subtaskCall, canon *model.Subtask) *model.Subtask {
	sid := c.next.ID
	unlock := s.locks.Lock(c.taskID)
	defer unlock()

	if !s.tracker.current(subtaskKey(sid), c.version) || s.tracker.subtaskDeleted(c.taskID, sid) {
		s.logger.Printf("Dropped stale confirmation of subtask %s", sid)
		return c.next
	}
	if canon == nil || canon.ID != sid {
		s.logger.Printf("WARNING: remote returned no record for subtask %s, keeping local state", sid)
		return c.next
	}

	cur := s.local(ctx, c.taskID)
	if cur == nil {
		return canon
	}
	idx := cur.SubtaskIndex(sid)
	if idx < 0 {
		return canon
	}
	cur.Subtasks[idx] = *canon.Clone()
	cur.Subtasks[idx].TaskID = c.taskID

	s.markSynced(ctx, queue.EntitySubtask, sid)
	s.store(ctx, cur, s.stillDirty(ctx, cur), false)
	s.clearError()
	return canon
}

// pendingCreate reports whether the task's create is still queued.
func (s *Service) pendingCreate(ctx context.Context, taskID string) bool {
	entries, err := s.queue.List(context.WithoutCancel(ctx), queue.Filter{
		WorkType: string(s.wt.Kind),
		Entity:   queue.EntityTask,
		EntityID: taskID,
	})
	if err != nil {
		s.logger.Printf("WARNING: failed to check queue for task %s: %v", taskID, err)
		return true
	}
	return slices.ContainsFunc(entries, func(e queue.Entry) bool { return e.Action == queue.ActionCreate })
}

// DeleteSubtask removes a subtask from its task at once. Offline, the
// delete is queued. A failed remote delete puts the subtask back at its old
// position and returns the error.
func (s *Service) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	userID, ok := s.session.UserID()
	if !ok {
		return ErrUnauthenticated
	}

	unlock := s.locks.Lock(taskID)
	cur, err := s.lookup(ctx, userID, taskID)
	if err != nil {
		unlock()
		return err
	}
	idx := cur.SubtaskIndex(subtaskID)
	if idx < 0 || s.tracker.subtaskDeleted(taskID, subtaskID) {
		unlock()
		return fmt.Errorf("%w: %s", ErrSubtaskNotFound, subtaskID)
	}
	removed := *cur.Subtasks[idx].Clone()

	next := cur.Clone()
	next.Subtasks = slices.Delete(next.Subtasks, idx, idx+1)
	s.tracker.killSubtask(taskID, subtaskID)
	s.tracker.begin(taskID, subtaskKey(subtaskID))
	tk := s.seq.issue(taskID)
	s.store(ctx, next, true, false)
	unlock()

	defer s.finish(taskID, tk)
	tk.wait()

	if s.tracker.deleted(taskID) {
		// The parent delete removes the subtask remotely as well.
		return nil
	}
	if !s.online() || s.pendingCreate(ctx, taskID) {
		s.enqueue(ctx, queue.ActionDelete, queue.EntitySubtask, subtaskID, removed)
		return nil
	}

	if err := s.remote.DeleteSubtask(ctx, subtaskID); err != nil {
		s.restoreSubtask(ctx, taskID, removed, idx)
		s.fail("failed to delete subtask %s: %v", subtaskID, err)
		return fmt.Errorf("failed to delete subtask %s: %w", subtaskID, err)
	}

	s.markSynced(ctx, queue.EntitySubtask, subtaskID)
	s.settle(ctx, taskID)
	s.logger.Printf("Deleted subtask %s of task %s", subtaskID, taskID)
	return nil
}

func (s *Service) restoreSubtask(ctx context.Context, taskID string, sub model.Subtask, idx int) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	skipped := s.tracker.reviveSubtask(taskID, sub.ID)
	if s.tracker.deleted(taskID) {
		return
	}
	cur := s.local(ctx, taskID)
	if cur == nil || cur.SubtaskIndex(sub.ID) >= 0 {
		return
	}
	cur.Subtasks = slices.Insert(cur.Subtasks, min(idx, len(cur.Subtasks)), sub)
	if skipped {
		s.enqueue(ctx, queue.ActionUpdate, queue.EntitySubtask, sub.ID, sub)
	}
	s.store(ctx, cur, true, false)
	s.logger.Printf("Restored subtask %s after failed delete", sub.ID)
}

// settle marks a bundle clean in the cache once nothing is outstanding.
func (s *Service) settle(ctx context.Context, taskID string) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	cur := s.local(ctx, taskID)
	if cur == nil || s.stillDirty(ctx, cur) {
		return
	}
	if err := s.cache.MarkSynced(context.WithoutCancel(ctx), taskID); err != nil {
		s.logger.Printf("WARNING: failed to mark task %s synced: %v", taskID, err)
	}
}
