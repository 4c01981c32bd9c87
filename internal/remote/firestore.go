package remote

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mschirtzinger/tasksync/internal/model"
)

// Firestore limits "in" filters to 30 values.
const firestoreInLimit = 30

// NewFirestoreClient connects to Firestore. With an empty credentials file
// the application default credentials are used.
func NewFirestoreClient(ctx context.Context, projectID, credentialsFile string) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return client, nil
}

// FirestoreStore is an Adapter over Cloud Firestore. Each table of the work
// type is a collection and documents are keyed by the client id.
type FirestoreStore struct {
	client *firestore.Client
	wt     model.WorkType
	logger *log.Logger
}

// NewFirestoreStore creates a store for one work type.
//
// If logger is nil, a default logger writing to stderr is used.
func NewFirestoreStore(client *firestore.Client, wt model.WorkType, logger *log.Logger) *FirestoreStore {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote:"+string(wt.Kind)+"] ", log.LstdFlags)
	}
	return &FirestoreStore{client: client, wt: wt, logger: logger}
}

func (s *FirestoreStore) tasks() *firestore.CollectionRef {
	return s.client.Collection(s.wt.TaskTable)
}

func (s *FirestoreStore) subtasks() *firestore.CollectionRef {
	return s.client.Collection(s.wt.SubtaskTable)
}

// CreateTask implements Adapter.CreateTask. An existing document is left
// as is and returned.
func (s *FirestoreStore) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	doc := taskDocFromRow(TaskToRow(task))
	if _, err := s.tasks().Doc(task.ID).Create(ctx, doc); err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("failed to create task %s: %w", task.ID, err)
		}
		s.logger.Printf("Task %s already exists, returning stored document", task.ID)
	}
	return s.getTask(ctx, task.ID)
}

// UpdateTask implements Adapter.UpdateTask.
func (s *FirestoreStore) UpdateTask(ctx context.Context, id string, fields Fields) (*model.Task, error) {
	if err := fields.Validate(MutableTaskColumns(s.wt)); err != nil {
		return nil, fmt.Errorf("invalid update for task %s: %w", id, err)
	}
	if _, err := s.tasks().Doc(id).Update(ctx, firestoreUpdates(fields)); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return s.getTask(ctx, id)
}

// DeleteTask implements Adapter.DeleteTask. The task and its subtasks are
// removed in one transaction.
func (s *FirestoreStore) DeleteTask(ctx context.Context, id string) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(s.subtasks().Where("task_id", "==", id)).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		return tx.Delete(s.tasks().Doc(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// FetchActiveTasks implements Adapter.FetchActiveTasks.
func (s *FirestoreStore) FetchActiveTasks(ctx context.Context, userID, bucket string) ([]*model.Task, error) {
	docs, err := collectDocs[taskDoc](s.tasks().
		Where("user_id", "==", userID).
		Where("task_date", "==", bucket).
		Where("completed", "==", false).
		Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}

	tasks := make([]*model.Task, len(docs))
	byID := make(map[string]*model.Task, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		tasks[i] = TaskFromRow(d.row())
		byID[d.ID] = tasks[i]
		ids[i] = d.ID
	}

	for chunk := range slices.Chunk(ids, firestoreInLimit) {
		subs, err := collectDocs[subtaskDoc](s.subtasks().Where("task_id", "in", chunk).Documents(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch subtasks: %w", err)
		}
		for _, d := range subs {
			if t, ok := byID[d.TaskID]; ok {
				t.Subtasks = append(t.Subtasks, *SubtaskFromRow(d.row()))
			}
		}
	}

	for _, t := range tasks {
		sortSubtasks(t.Subtasks)
	}
	sortTasks(tasks)
	return tasks, nil
}

// CreateSubtask implements Adapter.CreateSubtask.
func (s *FirestoreStore) CreateSubtask(ctx context.Context, subtask *model.Subtask) (*model.Subtask, error) {
	doc := subtaskDocFromRow(SubtaskToRow(subtask))
	if _, err := s.subtasks().Doc(subtask.ID).Create(ctx, doc); err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("failed to create subtask %s: %w", subtask.ID, err)
	}
	return s.getSubtask(ctx, subtask.ID)
}

// UpdateSubtask implements Adapter.UpdateSubtask.
func (s *FirestoreStore) UpdateSubtask(ctx context.Context, id string, fields Fields) (*model.Subtask, error) {
	if err := fields.Validate(MutableSubtaskColumns(s.wt)); err != nil {
		return nil, fmt.Errorf("invalid update for subtask %s: %w", id, err)
	}
	if _, err := s.subtasks().Doc(id).Update(ctx, firestoreUpdates(fields)); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update subtask %s: %w", id, err)
	}
	return s.getSubtask(ctx, id)
}

// DeleteSubtask implements Adapter.DeleteSubtask.
func (s *FirestoreStore) DeleteSubtask(ctx context.Context, id string) error {
	if _, err := s.subtasks().Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subtask %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreStore) getTask(ctx context.Context, id string) (*model.Task, error) {
	snap, err := s.tasks().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	var d taskDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}

	task := TaskFromRow(d.row())
	subs, err := collectDocs[subtaskDoc](s.subtasks().Where("task_id", "==", id).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subtasks of %s: %w", id, err)
	}
	for _, sd := range subs {
		task.Subtasks = append(task.Subtasks, *SubtaskFromRow(sd.row()))
	}
	sortSubtasks(task.Subtasks)
	return task, nil
}

func (s *FirestoreStore) getSubtask(ctx context.Context, id string) (*model.Subtask, error) {
	snap, err := s.subtasks().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("subtask %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subtask %s: %w", id, err)
	}
	var d subtaskDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode subtask %s: %w", id, err)
	}
	return SubtaskFromRow(d.row()), nil
}

func collectDocs[T any](iter *firestore.DocumentIterator) ([]T, error) {
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var d T
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", snap.Ref.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func firestoreUpdates(fields Fields) []firestore.Update {
	cols := fields.Columns()
	updates := make([]firestore.Update, len(cols))
	for i, c := range cols {
		updates[i] = firestore.Update{Path: c, Value: plainValue(fields[c])}
	}
	return updates
}

// taskDoc is the Firestore document shape of a task row. Extras are omitted
// when nil so light work documents carry only their own fields.
type taskDoc struct {
	ID                string     `firestore:"id"`
	UserID            string     `firestore:"user_id"`
	Title             string     `firestore:"title"`
	Description       *string    `firestore:"description"`
	Priority          string     `firestore:"priority"`
	Completed         bool       `firestore:"completed"`
	OriginalDate      string     `firestore:"original_date"`
	TaskDate          string     `firestore:"task_date"`
	DueDate           *string    `firestore:"due_date"`
	EstimatedDuration *int       `firestore:"estimated_duration"`
	Rollovers         int        `firestore:"rollovers"`
	Tags              []string   `firestore:"tags"`
	Category          *string    `firestore:"category"`
	CreatedAt         time.Time  `firestore:"created_at"`
	UpdatedAt         time.Time  `firestore:"updated_at"`
	CompletedAt       *time.Time `firestore:"completed_at"`
	StartedAt         *time.Time `firestore:"started_at"`
	ActualDurationMin *int       `firestore:"actual_duration_min"`
	TimeEstimate      *int       `firestore:"time_estimate"`

	FocusBlocks      *int    `firestore:"focus_blocks,omitempty"`
	BreakDuration    *int    `firestore:"break_duration,omitempty"`
	InterruptionMode *string `firestore:"interruption_mode,omitempty"`
}

type subtaskDoc struct {
	ID            string     `firestore:"id"`
	TaskID        string     `firestore:"task_id"`
	Title         string     `firestore:"title"`
	Text          *string    `firestore:"text"`
	Completed     bool       `firestore:"completed"`
	Priority      *string    `firestore:"priority"`
	DueDate       *string    `firestore:"due_date"`
	EstimatedTime *int       `firestore:"estimated_time"`
	CreatedAt     time.Time  `firestore:"created_at"`
	UpdatedAt     time.Time  `firestore:"updated_at"`
	CompletedAt   *time.Time `firestore:"completed_at"`

	RequiresFocus   *bool `firestore:"requires_focus,omitempty"`
	ComplexityLevel *int  `firestore:"complexity_level,omitempty"`
}

func taskDocFromRow(r TaskRow) taskDoc {
	return taskDoc{
		ID:                r.ID,
		UserID:            r.UserID,
		Title:             r.Title,
		Description:       copyPtr(r.Description),
		Priority:          r.Priority,
		Completed:         r.Completed,
		OriginalDate:      string(r.OriginalDate),
		TaskDate:          string(r.TaskDate),
		DueDate:           fromDay(r.DueDate),
		EstimatedDuration: copyPtr(r.EstimatedDuration),
		Rollovers:         r.Rollovers,
		Tags:              append([]string{}, r.Tags...),
		Category:          copyPtr(r.Category),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		CompletedAt:       fromStamp(r.CompletedAt),
		StartedAt:         fromStamp(r.StartedAt),
		ActualDurationMin: copyPtr(r.ActualDurationMin),
		TimeEstimate:      copyPtr(r.TimeEstimate),
		FocusBlocks:       copyPtr(r.FocusBlocks),
		BreakDuration:     copyPtr(r.BreakDuration),
		InterruptionMode:  copyPtr(r.InterruptionMode),
	}
}

func (d taskDoc) row() TaskRow {
	return TaskRow{
		ID:                d.ID,
		UserID:            d.UserID,
		Title:             d.Title,
		Description:       copyPtr(d.Description),
		Priority:          d.Priority,
		Completed:         d.Completed,
		OriginalDate:      Day(d.OriginalDate),
		TaskDate:          Day(d.TaskDate),
		DueDate:           toDay(d.DueDate),
		EstimatedDuration: copyPtr(d.EstimatedDuration),
		Rollovers:         d.Rollovers,
		Tags:              StringList(append([]string{}, d.Tags...)),
		Category:          copyPtr(d.Category),
		CreatedAt:         Stamp{d.CreatedAt.UTC()},
		UpdatedAt:         Stamp{d.UpdatedAt.UTC()},
		CompletedAt:       toStamp(d.CompletedAt),
		StartedAt:         toStamp(d.StartedAt),
		ActualDurationMin: copyPtr(d.ActualDurationMin),
		TimeEstimate:      copyPtr(d.TimeEstimate),
		FocusBlocks:       copyPtr(d.FocusBlocks),
		BreakDuration:     copyPtr(d.BreakDuration),
		InterruptionMode:  copyPtr(d.InterruptionMode),
	}
}

func subtaskDocFromRow(r SubtaskRow) subtaskDoc {
	return subtaskDoc{
		ID:              r.ID,
		TaskID:          r.TaskID,
		Title:           r.Title,
		Text:            copyPtr(r.Text),
		Completed:       r.Completed,
		Priority:        copyPtr(r.Priority),
		DueDate:         fromDay(r.DueDate),
		EstimatedTime:   copyPtr(r.EstimatedTime),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		CompletedAt:     fromStamp(r.CompletedAt),
		RequiresFocus:   copyPtr(r.RequiresFocus),
		ComplexityLevel: copyPtr(r.ComplexityLevel),
	}
}

func (d subtaskDoc) row() SubtaskRow {
	return SubtaskRow{
		ID:              d.ID,
		TaskID:          d.TaskID,
		Title:           d.Title,
		Text:            copyPtr(d.Text),
		Completed:       d.Completed,
		Priority:        copyPtr(d.Priority),
		DueDate:         toDay(d.DueDate),
		EstimatedTime:   copyPtr(d.EstimatedTime),
		CreatedAt:       Stamp{d.CreatedAt.UTC()},
		UpdatedAt:       Stamp{d.UpdatedAt.UTC()},
		CompletedAt:     toStamp(d.CompletedAt),
		RequiresFocus:   copyPtr(d.RequiresFocus),
		ComplexityLevel: copyPtr(d.ComplexityLevel),
	}
}
