// Package model provides the domain types shared by the cache, the remote
// adapters and the synchronization service.
package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Priority is the urgency of a task or subtask.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority parses a priority name case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q (want LOW, MEDIUM, HIGH or URGENT)", s)
	}
	return p, nil
}

// MaxTitleLength bounds task and subtask titles.
const MaxTitleLength = 500

// Task is a top-level work item owned by one user.
//
// CurrentDate is the cache partition (bucket) and can be rescheduled;
// OriginalDate records the day the task was created and never changes.
type Task struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Title             string     `json:"title"`
	Description       *string    `json:"description,omitempty"`
	Priority          Priority   `json:"priority"`
	Completed         bool       `json:"completed"`
	OriginalDate      string     `json:"originalDate"`
	CurrentDate       string     `json:"currentDate"`
	DueDate           *string    `json:"dueDate,omitempty"`
	EstimatedDuration *int       `json:"estimatedDuration,omitempty"`
	Rollovers         int        `json:"rollovers"`
	Tags              []string   `json:"tags"`
	Category          *string    `json:"category,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	ActualDurationMin *int       `json:"actualDurationMin,omitempty"`
	TimeEstimate      *int       `json:"timeEstimate,omitempty"`
	Subtasks          []Subtask  `json:"subtasks"`

	// Deep work extras. Nil for work types that do not carry them.
	FocusBlocks      *int    `json:"focusBlocks,omitempty"`
	BreakDuration    *int    `json:"breakDuration,omitempty"`
	InterruptionMode *string `json:"interruptionMode,omitempty"`
}

// Subtask is an independently completable child of a Task.
type Subtask struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"taskId"`
	Title         string     `json:"title"`
	Text          *string    `json:"text,omitempty"`
	Completed     bool       `json:"completed"`
	Priority      *Priority  `json:"priority,omitempty"`
	DueDate       *string    `json:"dueDate,omitempty"`
	EstimatedTime *int       `json:"estimatedTime,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`

	// Deep work extras.
	RequiresFocus   *bool `json:"requiresFocus,omitempty"`
	ComplexityLevel *int  `json:"complexityLevel,omitempty"`
}

// Validate checks the fields every persisted task must carry.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if err := validateTitle(t.Title); err != nil {
		return err
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if err := ValidateDay(t.OriginalDate); err != nil {
		return fmt.Errorf("original date: %w", err)
	}
	if err := ValidateDay(t.CurrentDate); err != nil {
		return fmt.Errorf("current date: %w", err)
	}
	if t.DueDate != nil {
		if err := ValidateDay(*t.DueDate); err != nil {
			return fmt.Errorf("due date: %w", err)
		}
	}
	for i := range t.Subtasks {
		if err := t.Subtasks[i].Validate(); err != nil {
			return fmt.Errorf("subtask %s: %w", t.Subtasks[i].ID, err)
		}
		if t.Subtasks[i].TaskID != t.ID {
			return fmt.Errorf("subtask %s belongs to %s, not %s", t.Subtasks[i].ID, t.Subtasks[i].TaskID, t.ID)
		}
	}
	return nil
}

// Validate checks a subtask in isolation.
func (s *Subtask) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if err := validateTitle(s.Title); err != nil {
		return err
	}
	if s.Priority != nil && !s.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", *s.Priority)
	}
	if s.DueDate != nil {
		if err := ValidateDay(*s.DueDate); err != nil {
			return fmt.Errorf("due date: %w", err)
		}
	}
	return nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, len(title))
	}
	return nil
}

// SubtaskIndex returns the position of the subtask with the given id, or -1.
func (t *Task) SubtaskIndex(id string) int {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy; mutations on the copy never reach t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Description = clonePtr(t.Description)
	c.DueDate = clonePtr(t.DueDate)
	c.EstimatedDuration = clonePtr(t.EstimatedDuration)
	c.Tags = slices.Clone(t.Tags)
	c.Category = clonePtr(t.Category)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.StartedAt = clonePtr(t.StartedAt)
	c.ActualDurationMin = clonePtr(t.ActualDurationMin)
	c.TimeEstimate = clonePtr(t.TimeEstimate)
	c.FocusBlocks = clonePtr(t.FocusBlocks)
	c.BreakDuration = clonePtr(t.BreakDuration)
	c.InterruptionMode = clonePtr(t.InterruptionMode)
	if t.Subtasks != nil {
		c.Subtasks = make([]Subtask, len(t.Subtasks))
		for i := range t.Subtasks {
			c.Subtasks[i] = *t.Subtasks[i].Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the subtask.
func (s *Subtask) Clone() *Subtask {
	if s == nil {
		return nil
	}
	c := *s
	c.Text = clonePtr(s.Text)
	c.Priority = clonePtr(s.Priority)
	c.DueDate = clonePtr(s.DueDate)
	c.EstimatedTime = clonePtr(s.EstimatedTime)
	c.CompletedAt = clonePtr(s.CompletedAt)
	c.RequiresFocus = clonePtr(s.RequiresFocus)
	c.ComplexityLevel = clonePtr(s.ComplexityLevel)
	return &c
}

// SetDefaults fills fields that must never be nil once cached.
func (t *Task) SetDefaults() {
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Subtasks == nil {
		t.Subtasks = []Subtask{}
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
