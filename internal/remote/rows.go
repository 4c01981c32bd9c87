package remote

import (
	"database/sql/driver"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// TaskRow is the wire shape of a task table row. Column names follow the
// remote schema; deep work extras are nil for work types without them.
type TaskRow struct {
	ID                string     `db:"id"`
	UserID            string     `db:"user_id"`
	Title             string     `db:"title"`
	Description       *string    `db:"description"`
	Priority          string     `db:"priority"`
	Completed         bool       `db:"completed"`
	OriginalDate      Day        `db:"original_date"`
	TaskDate          Day        `db:"task_date"`
	DueDate           *Day       `db:"due_date"`
	EstimatedDuration *int       `db:"estimated_duration"`
	Rollovers         int        `db:"rollovers"`
	Tags              StringList `db:"tags"`
	Category          *string    `db:"category"`
	CreatedAt         Stamp      `db:"created_at"`
	UpdatedAt         Stamp      `db:"updated_at"`
	CompletedAt       *Stamp     `db:"completed_at"`
	StartedAt         *Stamp     `db:"started_at"`
	ActualDurationMin *int       `db:"actual_duration_min"`
	TimeEstimate      *int       `db:"time_estimate"`

	FocusBlocks      *int    `db:"focus_blocks"`
	BreakDuration    *int    `db:"break_duration"`
	InterruptionMode *string `db:"interruption_mode"`
}

// SubtaskRow is the wire shape of a subtask table row.
type SubtaskRow struct {
	ID            string  `db:"id"`
	TaskID        string  `db:"task_id"`
	Title         string  `db:"title"`
	Text          *string `db:"text"`
	Completed     bool    `db:"completed"`
	Priority      *string `db:"priority"`
	DueDate       *Day    `db:"due_date"`
	EstimatedTime *int    `db:"estimated_time"`
	CreatedAt     Stamp   `db:"created_at"`
	UpdatedAt     Stamp   `db:"updated_at"`
	CompletedAt   *Stamp  `db:"completed_at"`

	RequiresFocus   *bool `db:"requires_focus"`
	ComplexityLevel *int  `db:"complexity_level"`
}

var (
	taskBaseColumns = []string{
		"id", "user_id", "title", "description", "priority", "completed",
		"original_date", "task_date", "due_date", "estimated_duration", "rollovers",
		"tags", "category", "created_at", "updated_at", "completed_at", "started_at",
		"actual_duration_min", "time_estimate",
	}
	subtaskBaseColumns = []string{
		"id", "task_id", "title", "text", "completed", "priority", "due_date",
		"estimated_time", "created_at", "updated_at", "completed_at",
	}

	// Never written by an update.
	taskImmutableColumns    = []string{"id", "user_id", "original_date", "created_at"}
	subtaskImmutableColumns = []string{"id", "task_id", "created_at"}
)

// TaskColumns returns every task column of the work type, extras last.
func TaskColumns(wt model.WorkType) []string {
	return append(slices.Clone(taskBaseColumns), wt.TaskExtras...)
}

// SubtaskColumns returns every subtask column of the work type, extras last.
func SubtaskColumns(wt model.WorkType) []string {
	return append(slices.Clone(subtaskBaseColumns), wt.SubtaskExtras...)
}

// MutableTaskColumns returns the task columns an update may set.
func MutableTaskColumns(wt model.WorkType) []string {
	return slices.DeleteFunc(TaskColumns(wt), func(c string) bool {
		return slices.Contains(taskImmutableColumns, c)
	})
}

// MutableSubtaskColumns returns the subtask columns an update may set.
func MutableSubtaskColumns(wt model.WorkType) []string {
	return slices.DeleteFunc(SubtaskColumns(wt), func(c string) bool {
		return slices.Contains(subtaskImmutableColumns, c)
	})
}

// Values returns the row keyed by column name.
func (r TaskRow) Values() map[string]any {
	return map[string]any{
		"id":                  r.ID,
		"user_id":             r.UserID,
		"title":               r.Title,
		"description":         r.Description,
		"priority":            r.Priority,
		"completed":           r.Completed,
		"original_date":       r.OriginalDate,
		"task_date":           r.TaskDate,
		"due_date":            r.DueDate,
		"estimated_duration":  r.EstimatedDuration,
		"rollovers":           r.Rollovers,
		"tags":                r.Tags,
		"category":            r.Category,
		"created_at":          r.CreatedAt,
		"updated_at":          r.UpdatedAt,
		"completed_at":        r.CompletedAt,
		"started_at":          r.StartedAt,
		"actual_duration_min": r.ActualDurationMin,
		"time_estimate":       r.TimeEstimate,

		model.ColFocusBlocks:      r.FocusBlocks,
		model.ColBreakDuration:    r.BreakDuration,
		model.ColInterruptionMode: r.InterruptionMode,
	}
}

// Values returns the row keyed by column name.
func (r SubtaskRow) Values() map[string]any {
	return map[string]any{
		"id":             r.ID,
		"task_id":        r.TaskID,
		"title":          r.Title,
		"text":           r.Text,
		"completed":      r.Completed,
		"priority":       r.Priority,
		"due_date":       r.DueDate,
		"estimated_time": r.EstimatedTime,
		"created_at":     r.CreatedAt,
		"updated_at":     r.UpdatedAt,
		"completed_at":   r.CompletedAt,

		model.ColRequiresFocus:   r.RequiresFocus,
		model.ColComplexityLevel: r.ComplexityLevel,
	}
}

// Apply sets the given columns on the row.
func (r *TaskRow) Apply(f Fields) error {
	for col, v := range f {
		var err error
		switch col {
		case "id":
			err = assign(&r.ID, col, v)
		case "user_id":
			err = assign(&r.UserID, col, v)
		case "title":
			err = assign(&r.Title, col, v)
		case "description":
			err = assign(&r.Description, col, v)
		case "priority":
			err = assign(&r.Priority, col, v)
		case "completed":
			err = assign(&r.Completed, col, v)
		case "original_date":
			err = assign(&r.OriginalDate, col, v)
		case "task_date":
			err = assign(&r.TaskDate, col, v)
		case "due_date":
			err = assign(&r.DueDate, col, v)
		case "estimated_duration":
			err = assign(&r.EstimatedDuration, col, v)
		case "rollovers":
			err = assign(&r.Rollovers, col, v)
		case "tags":
			err = assign(&r.Tags, col, v)
		case "category":
			err = assign(&r.Category, col, v)
		case "created_at":
			err = assign(&r.CreatedAt, col, v)
		case "updated_at":
			err = assign(&r.UpdatedAt, col, v)
		case "completed_at":
			err = assign(&r.CompletedAt, col, v)
		case "started_at":
			err = assign(&r.StartedAt, col, v)
		case "actual_duration_min":
			err = assign(&r.ActualDurationMin, col, v)
		case "time_estimate":
			err = assign(&r.TimeEstimate, col, v)
		case model.ColFocusBlocks:
			err = assign(&r.FocusBlocks, col, v)
		case model.ColBreakDuration:
			err = assign(&r.BreakDuration, col, v)
		case model.ColInterruptionMode:
			err = assign(&r.InterruptionMode, col, v)
		default:
			err = fmt.Errorf("unknown task column %q", col)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Apply sets the given columns on the row.
func (r *SubtaskRow) Apply(f Fields) error {
	for col, v := range f {
		var err error
		switch col {
		case "id":
			err = assign(&r.ID, col, v)
		case "task_id":
			err = assign(&r.TaskID, col, v)
		case "title":
			err = assign(&r.Title, col, v)
		case "text":
			err = assign(&r.Text, col, v)
		case "completed":
			err = assign(&r.Completed, col, v)
		case "priority":
			err = assign(&r.Priority, col, v)
		case "due_date":
			err = assign(&r.DueDate, col, v)
		case "estimated_time":
			err = assign(&r.EstimatedTime, col, v)
		case "created_at":
			err = assign(&r.CreatedAt, col, v)
		case "updated_at":
			err = assign(&r.UpdatedAt, col, v)
		case "completed_at":
			err = assign(&r.CompletedAt, col, v)
		case model.ColRequiresFocus:
			err = assign(&r.RequiresFocus, col, v)
		case model.ColComplexityLevel:
			err = assign(&r.ComplexityLevel, col, v)
		default:
			err = fmt.Errorf("unknown subtask column %q", col)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// assign stores v in dst when it has the column's type. Untyped nil clears.
func assign[T any](dst *T, col string, v any) error {
	if v == nil {
		var zero T
		*dst = zero
		return nil
	}
	x, ok := v.(T)
	if !ok {
		return fmt.Errorf("column %s: got %T, want %T", col, v, *dst)
	}
	*dst = x
	return nil
}

// TaskFields builds an update for the given columns from a task. With no
// columns it returns every mutable column of the work type. Columns the
// work type does not carry are skipped.
func TaskFields(wt model.WorkType, t *model.Task, cols ...string) Fields {
	if len(cols) == 0 {
		cols = MutableTaskColumns(wt)
	}
	known := TaskColumns(wt)
	vals := TaskToRow(t).Values()
	f := make(Fields, len(cols))
	for _, c := range cols {
		if slices.Contains(known, c) {
			f[c] = vals[c]
		}
	}
	return f
}

// SubtaskFields is TaskFields for subtasks.
func SubtaskFields(wt model.WorkType, s *model.Subtask, cols ...string) Fields {
	if len(cols) == 0 {
		cols = MutableSubtaskColumns(wt)
	}
	known := SubtaskColumns(wt)
	vals := SubtaskToRow(s).Values()
	f := make(Fields, len(cols))
	for _, c := range cols {
		if slices.Contains(known, c) {
			f[c] = vals[c]
		}
	}
	return f
}

// TaskToRow maps a domain task to its wire row. Subtasks are not included.
func TaskToRow(t *model.Task) TaskRow {
	return TaskRow{
		ID:                t.ID,
		UserID:            t.UserID,
		Title:             t.Title,
		Description:       copyPtr(t.Description),
		Priority:          string(t.Priority),
		Completed:         t.Completed,
		OriginalDate:      Day(t.OriginalDate),
		TaskDate:          Day(t.CurrentDate),
		DueDate:           toDay(t.DueDate),
		EstimatedDuration: copyPtr(t.EstimatedDuration),
		Rollovers:         t.Rollovers,
		Tags:              StringList(append([]string{}, t.Tags...)),
		Category:          copyPtr(t.Category),
		CreatedAt:         Stamp{t.CreatedAt},
		UpdatedAt:         Stamp{t.UpdatedAt},
		CompletedAt:       toStamp(t.CompletedAt),
		StartedAt:         toStamp(t.StartedAt),
		ActualDurationMin: copyPtr(t.ActualDurationMin),
		TimeEstimate:      copyPtr(t.TimeEstimate),
		FocusBlocks:       copyPtr(t.FocusBlocks),
		BreakDuration:     copyPtr(t.BreakDuration),
		InterruptionMode:  copyPtr(t.InterruptionMode),
	}
}

// TaskFromRow maps a wire row to a domain task with no subtasks.
func TaskFromRow(r TaskRow) *model.Task {
	return &model.Task{
		ID:                r.ID,
		UserID:            r.UserID,
		Title:             r.Title,
		Description:       copyPtr(r.Description),
		Priority:          model.Priority(r.Priority),
		Completed:         r.Completed,
		OriginalDate:      string(r.OriginalDate),
		CurrentDate:       string(r.TaskDate),
		DueDate:           fromDay(r.DueDate),
		EstimatedDuration: copyPtr(r.EstimatedDuration),
		Rollovers:         r.Rollovers,
		Tags:              append([]string{}, r.Tags...),
		Category:          copyPtr(r.Category),
		CreatedAt:         r.CreatedAt.Time,
		UpdatedAt:         r.UpdatedAt.Time,
		CompletedAt:       fromStamp(r.CompletedAt),
		StartedAt:         fromStamp(r.StartedAt),
		ActualDurationMin: copyPtr(r.ActualDurationMin),
		TimeEstimate:      copyPtr(r.TimeEstimate),
		Subtasks:          []model.Subtask{},
		FocusBlocks:       copyPtr(r.FocusBlocks),
		BreakDuration:     copyPtr(r.BreakDuration),
		InterruptionMode:  copyPtr(r.InterruptionMode),
	}
}

// SubtaskToRow maps a domain subtask to its wire row.
func SubtaskToRow(s *model.Subtask) SubtaskRow {
	var priority *string
	if s.Priority != nil {
		p := string(*s.Priority)
		priority = &p
	}
	return SubtaskRow{
		ID:              s.ID,
		TaskID:          s.TaskID,
		Title:           s.Title,
		Text:            copyPtr(s.Text),
		Completed:       s.Completed,
		Priority:        priority,
		DueDate:         toDay(s.DueDate),
		EstimatedTime:   copyPtr(s.EstimatedTime),
		CreatedAt:       Stamp{s.CreatedAt},
		UpdatedAt:       Stamp{s.UpdatedAt},
		CompletedAt:     toStamp(s.CompletedAt),
		RequiresFocus:   copyPtr(s.RequiresFocus),
		ComplexityLevel: copyPtr(s.ComplexityLevel),
	}
}

// SubtaskFromRow maps a wire row to a domain subtask.
func SubtaskFromRow(r SubtaskRow) *model.Subtask {
	var priority *model.Priority
	if r.Priority != nil {
		p := model.Priority(*r.Priority)
		priority = &p
	}
	return &model.Subtask{
		ID:              r.ID,
		TaskID:          r.TaskID,
		Title:           r.Title,
		Text:            copyPtr(r.Text),
		Completed:       r.Completed,
		Priority:        priority,
		DueDate:         fromDay(r.DueDate),
		EstimatedTime:   copyPtr(r.EstimatedTime),
		CreatedAt:       r.CreatedAt.Time,
		UpdatedAt:       r.UpdatedAt.Time,
		CompletedAt:     fromStamp(r.CompletedAt),
		RequiresFocus:   copyPtr(r.RequiresFocus),
		ComplexityLevel: copyPtr(r.ComplexityLevel),
	}
}

// sortTasks orders tasks by creation time, then id.
func sortTasks(tasks []*model.Task) {
	slices.SortStableFunc(tasks, func(a, b *model.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func sortSubtasks(subtasks []model.Subtask) {
	slices.SortStableFunc(subtasks, func(a, b model.Subtask) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Day is a date column. It scans DATE values returned as time.Time as well
// as YYYY-MM-DD text, and is written as text.
type Day string

// Scan implements sql.Scanner.
func (d *Day) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = ""
		return nil
	case time.Time:
		*d = Day(v.Format(model.DayLayout))
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into Day", src)
}

func (d *Day) parse(s string) error {
	if len(s) > len(model.DayLayout) {
		s = s[:len(model.DayLayout)]
	}
	if err := model.ValidateDay(s); err != nil {
		return err
	}
	*d = Day(s)
	return nil
}

// Value implements driver.Valuer.
func (d Day) Value() (driver.Value, error) {
	if d == "" {
		return nil, nil
	}
	return string(d), nil
}

// Stamp is a timestamp column. It scans time.Time and the common textual
// encodings, and is written as a UTC time.Time.
type Stamp struct {
	time.Time
}

var stampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// Scan implements sql.Scanner.
func (s *Stamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.Time = time.Time{}
		return nil
	case time.Time:
		s.Time = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into Stamp", src)
}

func (s *Stamp) parse(text string) error {
	for _, layout := range stampLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			s.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", text)
}

// Value implements driver.Valuer.
func (s Stamp) Value() (driver.Value, error) {
	return s.Time.UTC(), nil
}

// Equal reports whether both stamps are the same instant.
func (s Stamp) Equal(o Stamp) bool {
	return s.Time.Equal(o.Time)
}

// StringList is a text array column, encoded as a Postgres array literal
// ({"a","b"}). Postgres accepts the literal for text[] columns and other
// databases store it as text.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		for _, r := range s {
			if r == '"' || r == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String(), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case []string:
		*l = append(StringList{}, v...)
		return nil
	case string:
		return l.parse(v)
	case []byte:
		return l.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into StringList", src)
}

func (l *StringList) parse(s string) error {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return fmt.Errorf("invalid array literal %q", s)
	}
	body := s[1 : len(s)-1]
	out := StringList{}
	if body == "" {
		*l = out
		return nil
	}

	var (
		cur     strings.Builder
		quoted  bool
		inQuote bool
		escaped bool
	)
	flush := func() {
		elem := cur.String()
		if quoted || !strings.EqualFold(strings.TrimSpace(elem), "NULL") {
			if !quoted {
				elem = strings.TrimSpace(elem)
			}
			out = append(out, elem)
		}
		cur.Reset()
		quoted = false
	}
	for _, r := range body {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
			quoted = true
		case r == ',' && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return fmt.Errorf("unterminated quote in array literal %q", s)
	}
	flush()
	*l = out
	return nil
}

// plainValue converts a column value to Go native types for backends that
// do not use database/sql: Day to string, Stamp to time.Time and
// StringList to []string. Nil pointers become untyped nil.
func plainValue(v any) any {
	switch x := v.(type) {
	case Day:
		return string(x)
	case *Day:
		if x == nil {
			return nil
		}
		return string(*x)
	case Stamp:
		return x.Time.UTC()
	case *Stamp:
		if x == nil {
			return nil
		}
		return x.Time.UTC()
	case StringList:
		return append([]string{}, x...)
	case *string:
		if x == nil {
			return nil
		}
		return *x
	case *int:
		if x == nil {
			return nil
		}
		return *x
	case *bool:
		if x == nil {
			return nil
		}
		return *x
	}
	return v
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func toDay(s *string) *Day {
	if s == nil {
		return nil
	}
	d := Day(*s)
	return &d
}

func fromDay(d *Day) *string {
	if d == nil {
		return nil
	}
	s := string(*d)
	return &s
}

func toStamp(t *time.Time) *Stamp {
	if t == nil {
		return nil
	}
	return &Stamp{*t}
}

func fromStamp(s *Stamp) *time.Time {
	if s == nil {
		return nil
	}
	t := s.Time
	return &t
}
