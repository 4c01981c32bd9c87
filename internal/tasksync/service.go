package tasksync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/probe"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/session"
)

// Config wires a Service to its collaborators.
type Config struct {
	WorkType model.WorkType
	Cache    *cache.Cache
	Queue    *queue.Queue

	// Remote may be nil. Every mutation is then queued.
	Remote remote.Adapter

	// Probe may be nil, in which case remote calls are always attempted.
	Probe probe.Probe

	Session session.Provider

	// Logger defaults to stderr with a "[tasksync:<kind>] " prefix.
	Logger *log.Logger

	// Now and NewID default to time.Now and "<prefix>-<uuid>".
	Now   func() time.Time
	NewID func() string
}

// State is the published view of a service.
type State struct {
	WorkType model.Kind    `json:"workType"`
	Bucket   string        `json:"bucket"`
	Tasks    []*model.Task `json:"tasks"`
	Loading  bool          `json:"loading"`
	Error    string        `json:"error,omitempty"`
}

// Service synchronizes the tasks of one work type.
type Service struct {
	wt      model.WorkType
	cache   *cache.Cache
	queue   *queue.Queue
	remote  remote.Adapter
	probe   probe.Probe
	session session.Provider
	logger  *log.Logger
	now     func() time.Time
	newID   func() string

	locks   *keyedMutex
	seq     *sequencer
	tracker *tracker
	loads   singleflight.Group

	mu      sync.Mutex
	bucket  string
	tasks   []*model.Task
	loading bool
	errMsg  string
	subs    map[chan State]struct{}
}

// New creates a service. The cache must belong to the same work type.
//
// Example:
//
//	svc, err := tasksync.New(tasksync.Config{
//	    WorkType: model.DeepWork,
//	    Cache:    cache.New(db, model.KindDeep),
//	    Queue:    q,
//	    Remote:   remote.NewSQLStore(pg, model.DeepWork, nil),
//	    Probe:    probe.NewInterfaces(),
//	    Session:  sess,
//	})
func New(cfg Config) (*Service, error) {
	if err := cfg.WorkType.Validate(); err != nil {
		return nil, fmt.Errorf("invalid work type: %w", err)
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Cache.Kind() != cfg.WorkType.Kind {
		return nil, fmt.Errorf("cache is partitioned to %s, not %s", cfg.Cache.Kind(), cfg.WorkType.Kind)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, fmt.Sprintf("[tasksync:%s] ", cfg.WorkType.Kind), log.LstdFlags)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		prefix := cfg.WorkType.IDPrefix
		newID = func() string { return prefix + "-" + uuid.NewString() }
	}

	return &Service{
		wt:      cfg.WorkType,
		cache:   cfg.Cache,
		queue:   cfg.Queue,
		remote:  remote.Safe(cfg.Remote, logger),
		probe:   cfg.Probe,
		session: cfg.Session,
		logger:  logger,
		now:     now,
		newID:   newID,
		locks:   newKeyedMutex(),
		seq:     newSequencer(),
		tracker: newTracker(),
		subs:    make(map[chan State]struct{}),
	}, nil
}

// WorkType returns the descriptor the service was built for.
func (s *Service) WorkType() model.WorkType {
	return s.wt
}

// State returns a snapshot of the published state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel of published states and a cancel function.
// The channel holds only the newest snapshot.
func (s *Service) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// Load fills the published state for a date bucket (empty means today).
//
// Cached tasks are published before any network activity. When the remote
// is configured and reachable, the user's active tasks for the bucket are
// fetched and reconciled into the cache, remote winning; tasks mutated
// while the fetch was in flight keep their local state. A fetch failure
// leaves the cached tasks in place and sets the error string.
//
// Without an attached user the state is emptied and nil is returned.
// Concurrent loads of the same bucket share one run.
func (s *Service) Load(ctx context.Context, bucket string) (State, error) {
	if bucket == "" {
		bucket = model.Day(s.now())
	}
	if err := model.ValidateDay(bucket); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	userID, ok := s.session.UserID()
	if !ok {
		s.mu.Lock()
		s.bucket, s.tasks, s.loading, s.errMsg = bucket, nil, false, ""
		s.publishLocked()
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, nil
	}

	// The shared run outlives any one caller; each caller still stops
	// waiting when its own ctx ends.
	ch := s.loads.DoChan(userID+"/"+bucket, func() (any, error) {
		s.load(context.WithoutCancel(ctx), userID, bucket)
		return nil, nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
	return s.State(), nil
}

func (s *Service) load(ctx context.Context, userID, bucket string) {
	cached, err := s.cache.Load(ctx, userID, bucket)
	if err != nil {
		s.logger.Printf("WARNING: failed to read cache for %s: %v", bucket, err)
	}

	online := s.online()
	s.mu.Lock()
	s.bucket = bucket
	s.tasks = cached
	s.loading = online
	if len(cached) > 0 || !online {
		s.publishLocked()
	}
	s.mu.Unlock()

	if !online {
		return
	}

	gen := s.tracker.startLoad()
	defer s.tracker.endLoad(gen)
	canonical, err := s.remote.FetchActiveTasks(ctx, userID, bucket)
	if err != nil {
		msg := fmt.Sprintf("failed to fetch %s tasks for %s: %v", s.wt.Kind, bucket, err)
		s.logger.Printf("WARNING: %s", msg)
		s.finishLoad(bucket, nil, false, msg)
		return
	}

	deleting := s.pendingDeletes(ctx)
	protect := func(id string) bool {
		return deleting[id] || s.tracker.changedSince(id, gen)
	}

	merged, err := s.cache.Reconcile(ctx, userID, bucket, canonical, protect)
	if err != nil {
		s.logger.Printf("WARNING: failed to reconcile cache for %s: %v", bucket, err)
		merged = s.mergeInMemory(canonical, protect)
	}
	s.logger.Printf("Loaded %d %s task(s) for %s (%d from remote)", len(merged), s.wt.Kind, bucket, len(canonical))
	s.finishLoad(bucket, merged, true, "")
}

func (s *Service) finishLoad(bucket string, tasks []*model.Task, replace bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A load of another bucket started meanwhile and owns the state now.
	if s.bucket != bucket {
		return
	}
	if replace {
		s.tasks = tasks
	}
	s.loading = false
	s.errMsg = errMsg
	s.publishLocked()
}

// mergeInMemory is the reconcile fallback when the cache cannot be written:
// canonical tasks win except for protected ids, which keep their published
// state.
func (s *Service) mergeInMemory(canonical []*model.Task, protect func(string) bool) []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Task
	seen := make(map[string]bool)
	for _, t := range s.tasks {
		if protect(t.ID) {
			out = append(out, t)
			seen[t.ID] = true
		}
	}
	for _, t := range canonical {
		if !seen[t.ID] && !protect(t.ID) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *model.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// pendingDeletes returns the task ids with a queued, unconfirmed delete.
// The remote may still report them, and they must not come back.
func (s *Service) pendingDeletes(ctx context.Context) map[string]bool {
	entries, err := s.queue.List(ctx, queue.Filter{WorkType: string(s.wt.Kind), Entity: queue.EntityTask})
	if err != nil {
		s.logger.Printf("WARNING: failed to read queued deletes: %v", err)
		return nil
	}
	out := make(map[string]bool)
	for _, e := range entries {
		if e.Action == queue.ActionDelete {
			out[e.EntityID] = true
		}
	}
	return out
}

// Reset clears the published state, for example when the session detaches.
// Cached and queued data are kept.
func (s *Service) Reset() {
	s.mu.Lock()
	s.bucket, s.tasks, s.loading, s.errMsg = "", nil, false, ""
	s.publishLocked()
	s.mu.Unlock()

	s.tracker.forget()
}

// Get returns a task of the attached user from the published list or the
// cache.
func (s *Service) Get(ctx context.Context, id string) (*model.Task, error) {
	userID, ok := s.session.UserID()
	if !ok {
		return nil, ErrUnauthenticated
	}
	return s.lookup(ctx, userID, id)
}

func (s *Service) online() bool {
	return s.remote != nil && (s.probe == nil || s.probe.IsLikelyReachable())
}

// lookup returns a private copy of a task owned by userID.
func (s *Service) lookup(ctx context.Context, userID, id string) (*model.Task, error) {
	if s.tracker.deleted(id) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	s.mu.Lock()
	for _, t := range s.tasks {
		if t.ID == id && t.UserID == userID {
			c := t.Clone()
			s.mu.Unlock()
			return c, nil
		}
	}
	s.mu.Unlock()

	r, err := s.cache.Get(ctx, id)
	if errors.Is(err, cache.ErrNotFound) || (err == nil && r.Task.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return r.Task, nil
}

// local returns the current local copy of a task regardless of owner or
// tombstone, or nil.
func (s *Service) local(ctx context.Context, id string) *model.Task {
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.ID == id {
			c := t.Clone()
			s.mu.Unlock()
			return c
		}
	}
	s.mu.Unlock()

	r, err := s.cache.Get(ctx, id)
	if err != nil {
		return nil
	}
	return r.Task
}

// store writes a bundle to the cache and into the published list, then
// publishes. A storage failure is logged and the in-memory state still
// changes. A task not yet listed is appended when it belongs to the loaded
// bucket; with add set it is also appended before any bucket is loaded.
// A listed task stays listed when it moves to another day.
func (s *Service) store(ctx context.Context, t *model.Task, dirty, add bool) {
	if err := s.cache.Save(context.WithoutCancel(ctx), t, dirty); err != nil {
		s.logger.Printf("WARNING: failed to cache task %s: %v", t.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := t.Clone()
	for i := range s.tasks {
		if s.tasks[i].ID == t.ID {
			s.tasks[i] = c
			s.publishLocked()
			return
		}
	}
	if (add && s.bucket == "") || (s.bucket != "" && s.bucket == t.CurrentDate) {
		s.tasks = append(s.tasks, c)
	}
	s.publishLocked()
}

// unlist removes a task from the cache and the published list and returns
// its former position, or -1.
func (s *Service) unlist(ctx context.Context, id string) int {
	if err := s.cache.Remove(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Printf("WARNING: failed to remove cached task %s: %v", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.tasks, func(t *model.Task) bool { return t.ID == id })
	if idx >= 0 {
		s.tasks = slices.Delete(s.tasks, idx, idx+1)
	}
	s.publishLocked()
	return idx
}

// relist puts a task back into the cache and the published list at idx.
func (s *Service) relist(ctx context.Context, t *model.Task, idx int, dirty bool) {
	if err := s.cache.Save(context.WithoutCancel(ctx), t, dirty); err != nil {
		s.logger.Printf("WARNING: failed to restore cached task %s: %v", t.ID, err)
	}
	if idx < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.tasks, func(c *model.Task) bool { return c.ID == t.ID }) {
		return
	}
	s.tasks = slices.Insert(s.tasks, min(idx, len(s.tasks)), t.Clone())
	s.publishLocked()
}

// fail logs a remote failure and surfaces it as the error string.
func (s *Service) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("WARNING: %s", msg)

	s.mu.Lock()
	s.errMsg = msg
	s.publishLocked()
	s.mu.Unlock()
}

func (s *Service) clearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errMsg != "" {
		s.errMsg = ""
		s.publishLocked()
	}
}

// enqueue records a mutation for later replay. It runs even when ctx was
// cancelled, since the local state already reflects the mutation.
func (s *Service) enqueue(ctx context.Context, action queue.Action, kind queue.EntityKind, id string, payload any) {
	_, err := s.queue.Enqueue(context.WithoutCancel(ctx), queue.Mutation{
		WorkType: string(s.wt.Kind),
		Action:   action,
		Entity:   kind,
		EntityID: id,
		Payload:  payload,
	})
	if err != nil {
		s.logger.Printf("ERROR: failed to queue %s %s %s: %v", action, kind, id, err)
	}
}

// pending reports whether the queue holds unconfirmed entries for the ids.
// A read failure counts as pending.
func (s *Service) pending(ctx context.Context, kind queue.EntityKind, ids ...string) bool {
	ok, err := s.queue.HasPending(context.WithoutCancel(ctx), string(s.wt.Kind), kind, ids...)
	if err != nil {
		s.logger.Printf("WARNING: failed to check queue for %s %v: %v", kind, ids, err)
		return true
	}
	return ok
}

func (s *Service) markSynced(ctx context.Context, kind queue.EntityKind, id string) {
	if _, err := s.queue.MarkSynced(context.WithoutCancel(ctx), string(s.wt.Kind), kind, id); err != nil {
		s.logger.Printf("WARNING: failed to mark %s %s synced: %v", kind, id, err)
	}
}

// stillDirty reports whether a bundle has work outstanding besides the
// caller's own mutation.
func (s *Service) stillDirty(ctx context.Context, t *model.Task) bool {
	if s.tracker.busy(t.ID) || s.pending(ctx, queue.EntityTask, t.ID) {
		return true
	}
	ids := make([]string, len(t.Subtasks))
	for i := range t.Subtasks {
		ids[i] = t.Subtasks[i].ID
	}
	return len(ids) > 0 && s.pending(ctx, queue.EntitySubtask, ids...)
}

// finish ends a mutation's remote phase.
func (s *Service) finish(taskID string, tk *ticket) {
	s.tracker.end(taskID)
	tk.release()
}

func (s *Service) snapshotLocked() State {
	st := State{
		WorkType: s.wt.Kind,
		Bucket:   s.bucket,
		Tasks:    make([]*model.Task, len(s.tasks)),
		Loading:  s.loading,
		Error:    s.errMsg,
	}
	for i, t := range s.tasks {
		st.Tasks[i] = t.Clone()
	}
	return st
}

func (s *Service) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	st := s.snapshotLocked()
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
