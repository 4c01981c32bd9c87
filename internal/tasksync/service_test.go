package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/probe"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/session"
)

var (
	baseTime = time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)
	today    = "2025-02-20"
	errBoom  = errors.New("remote unavailable")
)

// fakeRemote is a MemoryStore with failure and delay hooks per operation.
type fakeRemote struct {
	*remote.MemoryStore

	mu    sync.Mutex
	fails map[string]error
	gates map[string]chan struct{}
	calls map[string]int
}

func newFakeRemote(wt model.WorkType) *fakeRemote {
	return &fakeRemote{
		MemoryStore: remote.NewMemoryStore(wt),
		fails:       make(map[string]error),
		gates:       make(map[string]chan struct{}),
		calls:       make(map[string]int),
	}
}

func (f *fakeRemote) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fails, op)
		return
	}
	f.fails[op] = err
}

// gate makes calls of op block until the returned release is called or
// their context ends.
func (f *fakeRemote) gate(op string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, op)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeRemote) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) hook(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	gate := f.gates[op]
	err := f.fails[op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRemote) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	if err := f.hook(ctx, "CreateTask"); err != nil {
		return nil, err
	}
	return f.MemoryStore.CreateTask(ctx, t)
}

func (f *fakeRemote) UpdateTask(ctx context.Context, id string, fields remote.Fields) (*model.Task, error) {
	if err := f.hook(ctx, "UpdateTask"); err != nil {
		return nil, err
	}
	return f.MemoryStore.UpdateTask(ctx, id, fields)
}

func (f *fakeRemote) DeleteTask(ctx context.Context, id string) error {
	if err := f.hook(ctx, "DeleteTask"); err != nil {
		return err
	}
	return f.MemoryStore.DeleteTask(ctx, id)
}

func (f *fakeRemote) FetchActiveTasks(ctx context.Context, userID, bucket string) ([]*model.Task, error) {
	if err := f.hook(ctx, "FetchActiveTasks"); err != nil {
		return nil, err
	}
	return f.MemoryStore.FetchActiveTasks(ctx, userID, bucket)
}

func (f *fakeRemote) CreateSubtask(ctx context.Context, s *model.Subtask) (*model.Subtask, error) {
	if err := f.hook(ctx, "CreateSubtask"); err != nil {
		return nil, err
	}
	return f.MemoryStore.CreateSubtask(ctx, s)
}

func (f *fakeRemote) UpdateSubtask(ctx context.Context, id string, fields remote.Fields) (*model.Subtask, error) {
	if err := f.hook(ctx, "UpdateSubtask"); err != nil {
		return nil, err
	}
	return f.MemoryStore.UpdateSubtask(ctx, id, fields)
}

func (f *fakeRemote) DeleteSubtask(ctx context.Context, id string) error {
	if err := f.hook(ctx, "DeleteSubtask"); err != nil {
		return err
	}
	return f.MemoryStore.DeleteSubtask(ctx, id)
}

type harness struct {
	svc     *Service
	wt      model.WorkType
	remote  *fakeRemote
	cache   *cache.Cache
	queue   *queue.Queue
	probe   *probe.Toggle
	session *session.Session
	ticks   atomic.Int64
	ids     atomic.Int64
}

type harnessOption func(*harness, *Config)

// withoutRemote leaves the adapter unconfigured.
func withoutRemote() harnessOption {
	return func(_ *harness, cfg *Config) { cfg.Remote = nil }
}

// withIDs makes the service hand out the given ids first.
func withIDs(ids ...string) harnessOption {
	return func(h *harness, cfg *Config) {
		next := cfg.NewID
		var mu sync.Mutex
		cfg.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			if len(ids) > 0 {
				id := ids[0]
				ids = ids[1:]
				return id
			}
			return next()
		}
	}
}

func newHarness(t *testing.T, wt model.WorkType, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	q, err := queue.New(ctx, db.RawDB(), quiet)
	if err != nil {
		t.Fatalf("queue.New() failed: %v", err)
	}

	h := &harness{
		wt:      wt,
		remote:  newFakeRemote(wt),
		cache:   cache.New(db, wt.Kind),
		queue:   q,
		probe:   probe.NewToggle(true),
		session: session.New(""),
	}
	if err := h.session.Attach("user-1"); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}

	cfg := Config{
		WorkType: wt,
		Cache:    h.cache,
		Queue:    q,
		Remote:   h.remote,
		Probe:    h.probe,
		Session:  h.session,
		Logger:   quiet,
		Now:      h.now,
		NewID: func() string {
			return fmt.Sprintf("%s-%d", wt.IDPrefix, h.ids.Add(1))
		},
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	h.svc, err = New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return h
}

// now advances one second per call so creation times are distinct.
func (h *harness) now() time.Time {
	return baseTime.Add(time.Duration(h.ticks.Add(1)) * time.Second)
}

// seed builds a valid task owned by user-1 in today's bucket.
func (h *harness) seed(id, title string) *model.Task {
	now := h.now()
	t := &model.Task{
		ID:           id,
		UserID:       "user-1",
		Title:        title,
		OriginalDate: today,
		CurrentDate:  today,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	h.wt.ApplyDefaults(t)
	return t
}

func (h *harness) load(t *testing.T) State {
	t.Helper()
	st, err := h.svc.Load(context.Background(), today)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return st
}

func (h *harness) pending(t *testing.T) []queue.Entry {
	t.Helper()
	entries, err := h.queue.Pending(context.Background(), string(h.wt.Kind))
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	return entries
}

func (h *harness) cached(t *testing.T, id string) cache.Record {
	t.Helper()
	r, err := h.cache.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("cache.Get(%s) failed: %v", id, err)
	}
	return r
}

func taskIDs(tasks []*model.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func findTask(st State, id string) *model.Task {
	for _, t := range st.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, model.LightWork)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing cache", Config{WorkType: model.LightWork, Queue: h.queue, Session: h.session}},
		{"missing queue", Config{WorkType: model.LightWork, Cache: h.cache, Session: h.session}},
		{"missing session", Config{WorkType: model.LightWork, Cache: h.cache, Queue: h.queue}},
		{"cache of another work type", Config{WorkType: model.DeepWork, Cache: h.cache, Queue: h.queue, Session: h.session}},
		{"invalid work type", Config{WorkType: model.WorkType{Kind: "x"}, Cache: h.cache, Queue: h.queue, Session: h.session}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestLoad_IsIdempotent(t *testing.T) {
	h := newHarness(t, model.DeepWork)
	for _, id := range []string{"deep-b", "deep-a", "deep-c"} {
		h.remote.Put(h.seed(id, "task "+id))
	}

	first := h.load(t)
	second := h.load(t)

	want := []string{"deep-b", "deep-a", "deep-c"}
	if diff := cmp.Diff(want, taskIDs(first.Tasks)); diff != "" {
		t.Errorf("first Load() ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(taskIDs(first.Tasks), taskIDs(second.Tasks)); diff != "" {
		t.Errorf("second Load() differs (-first +second):\n%s", diff)
	}
	if first.Loading || second.Loading {
		t.Error("Load() returned a loading state")
	}
}

func TestLoad_Unauthenticated(t *testing.T) {
	h := newHarness(t, model.LightWork)
	h.remote.Put(h.seed("light-1", "hidden"))
	h.session.Detach()

	st := h.load(t)
	if len(st.Tasks) != 0 || st.Loading || st.Error != "" {
		t.Errorf("Load() without user = %+v, want empty", st)
	}
	if n := h.remote.called("FetchActiveTasks"); n != 0 {
		t.Errorf("remote fetched %d times without a user", n)
	}

	if _, err := h.svc.CreateTask(context.Background(), Draft{Title: "x"}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("CreateTask() error = %v, want ErrUnauthenticated", err)
	}
	if err := h.svc.DeleteTask(context.Background(), "light-1"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("DeleteTask() error = %v, want ErrUnauthenticated", err)
	}
}

func TestLoad_PublishesCacheBeforeFetch(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()

	cachedTask := h.seed("light-cached", "from cache")
	if err := h.cache.Save(ctx, cachedTask, false); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	h.remote.Put(h.seed("light-remote", "from remote"))

	updates, cancel := h.svc.Subscribe()
	defer cancel()
	release := h.remote.gate("FetchActiveTasks")

	done := make(chan State)
	go func() {
		st, _ := h.svc.Load(ctx, today)
		done <- st
	}()

	first := <-updates
	if !first.Loading {
		t.Error("first snapshot should be loading")
	}
	if diff := cmp.Diff([]string{"light-cached"}, taskIDs(first.Tasks)); diff != "" {
		t.Errorf("first snapshot ids mismatch (-want +got):\n%s", diff)
	}

	release()
	final := <-done
	if final.Loading {
		t.Error("final state still loading")
	}
	// The cached record was clean and the remote no longer reports it.
	if diff := cmp.Diff([]string{"light-remote"}, taskIDs(final.Tasks)); diff != "" {
		t.Errorf("final ids mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_SharedRunSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t, model.LightWork)
	h.remote.Put(h.seed("light-remote", "from remote"))
	release := h.remote.gate("FetchActiveTasks")
	defer release()

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.svc.Load(first, today)
		firstErr <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for h.remote.called("FetchActiveTasks") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the fetch")
		}
		time.Sleep(time.Millisecond)
	}

	second := make(chan State, 1)
	go func() {
		st, _ := h.svc.Load(context.Background(), today)
		second <- st
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Load() error = %v, want context.Canceled", err)
	}

	release()
	st := <-second
	if st.Error != "" {
		t.Errorf("shared load failed: %s", st.Error)
	}
	if diff := cmp.Diff([]string{"light-remote"}, taskIDs(st.Tasks)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if n := h.remote.called("FetchActiveTasks"); n != 1 {
		t.Errorf("fetched %d times, want 1", n)
	}
}

func TestLoad_RemoteOverwritesCache(t *testing.T) {
	h := newHarness(t, model.DeepWork)
	ctx := context.Background()

	a := h.seed("deep-a", "cached title")
	if err := h.cache.Save(ctx, a, false); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	updated := a.Clone()
	updated.Title = "remote title"
	updated.Priority = model.PriorityUrgent
	updated.Tags = []string{"writing", "q1"}
	updated.Description = model.Ptr("edited on another device")
	updated.FocusBlocks = model.Ptr(3)
	updated.UpdatedAt = a.UpdatedAt.Add(time.Hour)
	h.remote.Put(updated)

	st := h.load(t)
	if len(st.Tasks) != 1 {
		t.Fatalf("Load() returned %d tasks, want 1", len(st.Tasks))
	}
	want := h.remote.Task("deep-a")
	if diff := cmp.Diff(want, st.Tasks[0], cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("published task mismatch (-remote +published):\n%s", diff)
	}

	r := h.cached(t, "deep-a")
	if r.Dirty {
		t.Error("reconciled record is dirty")
	}
	if diff := cmp.Diff(want, r.Task, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("cached task mismatch (-remote +cached):\n%s", diff)
	}
}

func TestLoad_FetchErrorKeepsCache(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()

	if err := h.cache.Save(ctx, h.seed("light-1", "stale but present"), false); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	h.remote.failOn("FetchActiveTasks", errBoom)

	st := h.load(t)
	if diff := cmp.Diff([]string{"light-1"}, taskIDs(st.Tasks)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if st.Error == "" {
		t.Error("fetch failure not surfaced")
	}
	if st.Loading {
		t.Error("state still loading after failed fetch")
	}
}

func TestLoad_OfflineServesCache(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()

	if err := h.cache.Save(ctx, h.seed("light-1", "offline"), true); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	h.probe.Set(false)

	st := h.load(t)
	if len(st.Tasks) != 1 || st.Loading || st.Error != "" {
		t.Errorf("offline Load() = %+v", st)
	}
	if n := h.remote.called("FetchActiveTasks"); n != 0 {
		t.Errorf("remote fetched %d times while offline", n)
	}
}

func TestLoad_InvalidBucket(t *testing.T) {
	h := newHarness(t, model.LightWork)
	if _, err := h.svc.Load(context.Background(), "20/02/2025"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Load() error = %v, want ErrInvalidInput", err)
	}
}

func TestCreateTask_VisibleBeforeRemoteConfirms(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.load(t)

	release := h.remote.gate("CreateTask")
	defer release()

	type result struct {
		task *model.Task
		err  error
	}
	done := make(chan result)
	go func() {
		task, err := h.svc.CreateTask(ctx, Draft{Title: "Draft outline"})
		done <- result{task, err}
	}()

	waitFor(t, "optimistic task", func() bool {
		st := h.svc.State()
		return len(st.Tasks) == 1 && st.Tasks[0].Title == "Draft outline"
	})
	if h.remote.Len() != 0 {
		t.Fatal("remote already holds the task")
	}
	id := h.svc.State().Tasks[0].ID
	if !h.cached(t, id).Dirty {
		t.Error("optimistic record is not dirty")
	}

	release()
	res := <-done
	if res.err != nil {
		t.Fatalf("CreateTask() failed: %v", res.err)
	}
	if res.task.ID != id || res.task.Priority != model.PriorityMedium {
		t.Errorf("CreateTask() = %+v", res.task)
	}
	if h.remote.Task(id) == nil {
		t.Error("remote does not hold the created task")
	}
	if h.cached(t, id).Dirty {
		t.Error("confirmed record still dirty")
	}
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("queue holds %d entries after a confirmed create", n)
	}
}

func TestCreateTask_AppliesWorkTypeDefaults(t *testing.T) {
	h := newHarness(t, model.DeepWork, withoutRemote())
	task, err := h.svc.CreateTask(context.Background(), Draft{Title: "  Write paper  ", Tags: []string{"research"}})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	if task.Title != "Write paper" {
		t.Errorf("Title = %q, want trimmed", task.Title)
	}
	if task.Priority != model.PriorityHigh {
		t.Errorf("Priority = %s, want HIGH", task.Priority)
	}
	if task.FocusBlocks == nil || *task.FocusBlocks != 1 || task.InterruptionMode == nil || *task.InterruptionMode != "allow_urgent" {
		t.Errorf("deep defaults not applied: %+v", task)
	}
	if task.OriginalDate != today || task.CurrentDate != today {
		t.Errorf("dates = %s/%s, want %s", task.OriginalDate, task.CurrentDate, today)
	}

	entries := h.pending(t)
	if len(entries) != 1 || entries[0].Action != queue.ActionCreate || entries[0].EntityID != task.ID {
		t.Errorf("queue = %+v, want one create", entries)
	}
}

func TestCreateTask_InvalidInput(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()

	drafts := map[string]Draft{
		"blank title":     {Title: "   "},
		"bad priority":    {Title: "x", Priority: "SOMEDAY"},
		"bad date":        {Title: "x", Date: "tomorrow"},
		"deep-only extra": {Title: "x", FocusBlocks: model.Ptr(2)},
	}
	for name, d := range drafts {
		t.Run(name, func(t *testing.T) {
			if _, err := h.svc.CreateTask(ctx, d); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("CreateTask() error = %v, want ErrInvalidInput", err)
			}
		})
	}
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("invalid drafts queued %d entries", n)
	}
}

func TestToggle_OfflineFallback(t *testing.T) {
	h := newHarness(t, model.LightWork, withoutRemote())
	ctx := context.Background()

	task := h.seed("light-1", "Reply to email")
	if err := h.cache.Save(ctx, task, false); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	h.load(t)

	got, err := h.svc.ToggleTaskCompletion(ctx, "light-1")
	if err != nil {
		t.Fatalf("ToggleTaskCompletion() failed: %v", err)
	}
	if !got.Completed || got.CompletedAt == nil {
		t.Errorf("toggle result = %+v, want completed", got)
	}

	r := h.cached(t, "light-1")
	if !r.Task.Completed || !r.Dirty {
		t.Errorf("cached record completed=%v dirty=%v, want true/true", r.Task.Completed, r.Dirty)
	}

	entries := h.pending(t)
	if len(entries) != 1 {
		t.Fatalf("queue holds %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != queue.ActionUpdate || e.EntityKind != queue.EntityTask || e.EntityID != "light-1" {
		t.Errorf("entry = %+v, want update of task light-1", e)
	}
	var payload model.Task
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if !payload.Completed || payload.Title != "Reply to email" {
		t.Errorf("payload is not a full snapshot: %+v", payload)
	}
}

func TestScenario_ConfirmedCreateThenFailedToggle(t *testing.T) {
	h := newHarness(t, model.DeepWork, withIDs("deep-123"))
	ctx := context.Background()
	h.load(t)

	created, err := h.svc.CreateTask(ctx, Draft{Title: "Write paper"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if created.ID != "deep-123" {
		t.Fatalf("created id = %s, want deep-123", created.ID)
	}

	h.remote.failOn("UpdateTask", errBoom)
	got, err := h.svc.ToggleTaskCompletion(ctx, "deep-123")
	if err != nil {
		t.Fatalf("ToggleTaskCompletion() failed: %v", err)
	}
	if !got.Completed {
		t.Error("toggle result not completed")
	}

	entries := h.pending(t)
	if len(entries) != 1 {
		t.Fatalf("queue holds %d entries, want 1: %+v", len(entries), entries)
	}
	e := entries[0]
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if e.Action != queue.ActionUpdate || e.EntityKind != queue.EntityTask || payload.ID != "deep-123" {
		t.Errorf("entry = %+v (payload id %q)", e, payload.ID)
	}

	st := h.svc.State()
	if st.Error == "" {
		t.Error("state error not set")
	}
	if p := findTask(st, "deep-123"); p == nil || !p.Completed {
		t.Errorf("published task = %+v, want completed", p)
	}
	if !h.cached(t, "deep-123").Task.Completed {
		t.Error("cached task not completed")
	}
}

func TestPushTaskToAnotherDay(t *testing.T) {
	for _, online := range []bool{true, false} {
		t.Run(fmt.Sprintf("online=%v", online), func(t *testing.T) {
			h := newHarness(t, model.LightWork)
			ctx := context.Background()

			task := h.seed("light-1", "Plan sprint")
			h.remote.Put(task)
			h.load(t)
			h.probe.Set(online)

			got, err := h.svc.PushTaskToAnotherDay(ctx, "light-1", "2025-03-01")
			if err != nil {
				t.Fatalf("PushTaskToAnotherDay() failed: %v", err)
			}
			if got.CurrentDate != "2025-03-01" || got.OriginalDate != today || got.Rollovers != 1 {
				t.Errorf("result dates = %s/%s rollovers=%d", got.OriginalDate, got.CurrentDate, got.Rollovers)
			}

			p := findTask(h.svc.State(), "light-1")
			if p == nil || p.CurrentDate != "2025-03-01" {
				t.Errorf("published task = %+v, want current date 2025-03-01", p)
			}
			r := h.cached(t, "light-1")
			if r.Task.CurrentDate != "2025-03-01" {
				t.Errorf("cached current date = %s", r.Task.CurrentDate)
			}

			if online {
				if rt := h.remote.Task("light-1"); rt.CurrentDate != "2025-03-01" || rt.Rollovers != 1 {
					t.Errorf("remote task = %+v", rt)
				}
				if r.Dirty {
					t.Error("confirmed record is dirty")
				}
			} else {
				entries := h.pending(t)
				if len(entries) != 1 || entries[0].Action != queue.ActionUpdate {
					t.Errorf("queue = %+v, want one update", entries)
				}
				if !r.Dirty {
					t.Error("queued record is clean")
				}
			}
		})
	}

	h := newHarness(t, model.LightWork)
	if _, err := h.svc.PushTaskToAnotherDay(context.Background(), "light-1", "March 1st"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("PushTaskToAnotherDay() error = %v, want ErrInvalidInput", err)
	}
}

func TestPushTaskToAnotherDay_IntoLoadedBucket(t *testing.T) {
	for _, online := range []bool{true, false} {
		t.Run(fmt.Sprintf("online=%v", online), func(t *testing.T) {
			h := newHarness(t, model.LightWork)
			ctx := context.Background()

			task := h.seed("light-9", "Left over")
			task.OriginalDate, task.CurrentDate = "2025-02-19", "2025-02-19"
			h.remote.Put(task)
			if err := h.cache.Save(ctx, task, false); err != nil {
				t.Fatalf("Save() failed: %v", err)
			}

			if st := h.load(t); findTask(st, "light-9") != nil {
				t.Fatalf("yesterday's task listed in today's bucket")
			}
			h.probe.Set(online)

			if _, err := h.svc.PushTaskToAnotherDay(ctx, "light-9", today); err != nil {
				t.Fatalf("PushTaskToAnotherDay() failed: %v", err)
			}

			st := h.svc.State()
			if st.Bucket != today {
				t.Errorf("published bucket = %s, want %s", st.Bucket, today)
			}
			p := findTask(st, "light-9")
			if p == nil || p.CurrentDate != today {
				t.Fatalf("published task = %+v, want light-9 on %s", p, today)
			}
			if n := len(st.Tasks); n != 1 {
				t.Errorf("published %d tasks, want 1", n)
			}
		})
	}
}

func TestUpdates_SendOnlyChangedColumns(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.remote.Put(h.seed("light-1", "first"))
	h.load(t)

	steps := []struct {
		name string
		run  func() (*model.Task, error)
		ok   func(*model.Task) bool
	}{
		{"title", func() (*model.Task, error) { return h.svc.UpdateTaskTitle(ctx, "light-1", "second") },
			func(t *model.Task) bool { return t.Title == "second" }},
		{"priority", func() (*model.Task, error) { return h.svc.UpdateTaskPriority(ctx, "light-1", model.PriorityUrgent) },
			func(t *model.Task) bool { return t.Priority == model.PriorityUrgent }},
		{"due date", func() (*model.Task, error) { return h.svc.UpdateTaskDueDate(ctx, "light-1", model.Ptr("2025-02-28")) },
			func(t *model.Task) bool { return t.DueDate != nil && *t.DueDate == "2025-02-28" }},
		{"time estimate", func() (*model.Task, error) { return h.svc.UpdateTaskTimeEstimate(ctx, "light-1", model.Ptr(45)) },
			func(t *model.Task) bool { return t.TimeEstimate != nil && *t.TimeEstimate == 45 }},
		{"description", func() (*model.Task, error) { return h.svc.UpdateTaskDescription(ctx, "light-1", model.Ptr("notes")) },
			func(t *model.Task) bool { return t.Description != nil && *t.Description == "notes" }},
		{"tags", func() (*model.Task, error) { return h.svc.UpdateTaskTags(ctx, "light-1", []string{"a", "b"}) },
			func(t *model.Task) bool { return cmp.Equal(t.Tags, []string{"a", "b"}) }},
		{"start", func() (*model.Task, error) { return h.svc.StartTask(ctx, "light-1") },
			func(t *model.Task) bool { return t.StartedAt != nil }},
		{"clear due date", func() (*model.Task, error) { return h.svc.UpdateTaskDueDate(ctx, "light-1", nil) },
			func(t *model.Task) bool { return t.DueDate == nil }},
	}
	for _, step := range steps {
		got, err := step.run()
		if err != nil {
			t.Fatalf("%s failed: %v", step.name, err)
		}
		if !step.ok(got) {
			t.Errorf("%s: result %+v", step.name, got)
		}
		if !step.ok(h.remote.Task("light-1")) {
			t.Errorf("%s: remote not updated", step.name)
		}
	}

	rt := h.remote.Task("light-1")
	if rt.Title != "second" || rt.Priority != model.PriorityUrgent {
		t.Errorf("earlier updates lost remotely: %+v", rt)
	}
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("queue holds %d entries", n)
	}
	if h.svc.State().Error != "" {
		t.Errorf("unexpected error: %s", h.svc.State().Error)
	}
}

func TestMutations_Errors(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.remote.Put(h.seed("light-1", "mine"))
	h.load(t)

	if _, err := h.svc.ToggleTaskCompletion(ctx, "light-404"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("toggle unknown error = %v, want ErrTaskNotFound", err)
	}
	if _, err := h.svc.UpdateTaskTitle(ctx, "light-1", " "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank title error = %v, want ErrInvalidInput", err)
	}
	if _, err := h.svc.UpdateTaskPriority(ctx, "light-1", "later"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad priority error = %v, want ErrInvalidInput", err)
	}
	if _, err := h.svc.UpdateTaskDueDate(ctx, "light-1", model.Ptr("soon")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad due date error = %v, want ErrInvalidInput", err)
	}
	if _, err := h.svc.ToggleSubtaskCompletion(ctx, "light-1", "nope"); !errors.Is(err, ErrSubtaskNotFound) {
		t.Errorf("unknown subtask error = %v, want ErrSubtaskNotFound", err)
	}

	// Another user's task is invisible.
	if err := h.session.Attach("user-2"); err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	if _, err := h.svc.ToggleTaskCompletion(ctx, "light-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("foreign task error = %v, want ErrTaskNotFound", err)
	}
}

func TestOfflineCreateThenOnlineUpdate_SendsFullRecord(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.load(t)

	h.probe.Set(false)
	task, err := h.svc.CreateTask(ctx, Draft{Title: "Offline task", Tags: []string{"train"}})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if _, err := h.svc.UpdateTaskTitle(ctx, task.ID, "Renamed offline"); err != nil {
		t.Fatalf("UpdateTaskTitle() failed: %v", err)
	}
	if n := len(h.pending(t)); n != 2 {
		t.Fatalf("queue holds %d entries, want 2", n)
	}

	h.probe.Set(true)
	if _, err := h.svc.ToggleTaskCompletion(ctx, task.ID); err != nil {
		t.Fatalf("ToggleTaskCompletion() failed: %v", err)
	}

	rt := h.remote.Task(task.ID)
	if rt == nil {
		t.Fatal("remote does not hold the task")
	}
	if rt.Title != "Renamed offline" || !rt.Completed || !cmp.Equal(rt.Tags, []string{"train"}) {
		t.Errorf("remote task = %+v, want full local state", rt)
	}
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("queue holds %d pending entries after full sync", n)
	}
	if h.cached(t, task.ID).Dirty {
		t.Error("record still dirty after full sync")
	}
}

func TestDeleteTask_CompensatesOnRemoteFailure(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	for _, id := range []string{"light-1", "light-2", "light-3"} {
		h.remote.Put(h.seed(id, "task "+id))
	}
	h.load(t)
	h.remote.failOn("DeleteTask", errBoom)

	err := h.svc.DeleteTask(ctx, "light-2")
	if !errors.Is(err, errBoom) {
		t.Fatalf("DeleteTask() error = %v, want remote error", err)
	}

	st := h.svc.State()
	if diff := cmp.Diff([]string{"light-1", "light-2", "light-3"}, taskIDs(st.Tasks)); diff != "" {
		t.Errorf("task not restored in place (-want +got):\n%s", diff)
	}
	if st.Error == "" {
		t.Error("state error not set")
	}
	h.cached(t, "light-2")
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("failed delete queued %d entries", n)
	}

	// The task is usable again.
	if _, err := h.svc.ToggleTaskCompletion(ctx, "light-2"); err != nil {
		t.Errorf("ToggleTaskCompletion() after compensation failed: %v", err)
	}
}

func TestDeleteTask_Online(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.remote.Put(h.seed("light-1", "gone soon"))
	h.load(t)

	if err := h.svc.DeleteTask(ctx, "light-1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if len(h.svc.State().Tasks) != 0 {
		t.Error("task still published")
	}
	if _, err := h.cache.Get(ctx, "light-1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("cache.Get() error = %v, want ErrNotFound", err)
	}
	if h.remote.Task("light-1") != nil {
		t.Error("remote still holds the task")
	}
	if err := h.svc.DeleteTask(ctx, "light-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second DeleteTask() error = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteTask_OfflineQueuesAndStaysDeleted(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.remote.Put(h.seed("light-1", "keep"))
	h.remote.Put(h.seed("light-2", "drop"))
	h.load(t)

	h.probe.Set(false)
	if err := h.svc.DeleteTask(ctx, "light-2"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	entries := h.pending(t)
	if len(entries) != 1 || entries[0].Action != queue.ActionDelete || entries[0].EntityID != "light-2" {
		t.Fatalf("queue = %+v, want one delete", entries)
	}

	// The remote still reports the task until the delete is replayed.
	h.probe.Set(true)
	st := h.load(t)
	if diff := cmp.Diff([]string{"light-1"}, taskIDs(st.Tasks)); diff != "" {
		t.Errorf("deleted task came back (-want +got):\n%s", diff)
	}
}

func TestDeleteTask_CancelsInFlightUpdate(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.remote.Put(h.seed("light-1", "racing"))
	h.load(t)

	release := h.remote.gate("UpdateTask")
	defer release()

	done := make(chan error)
	go func() {
		_, err := h.svc.ToggleTaskCompletion(ctx, "light-1")
		done <- err
	}()
	waitFor(t, "remote update call", func() bool { return h.remote.called("UpdateTask") == 1 })

	if err := h.svc.DeleteTask(ctx, "light-1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("ToggleTaskCompletion() failed: %v", err)
	}

	if len(h.svc.State().Tasks) != 0 {
		t.Error("cancelled update resurrected the task")
	}
	if _, err := h.cache.Get(ctx, "light-1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("cache.Get() error = %v, want ErrNotFound", err)
	}
	if h.remote.Task("light-1") != nil {
		t.Error("remote still holds the task")
	}
	if n := len(h.pending(t)); n != 0 {
		t.Errorf("queue holds %d entries for a deleted task", n)
	}
}

func TestStaleConfirmationIsDropped(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.remote.Put(h.seed("light-1", "v0"))
	h.load(t)

	release := h.remote.gate("UpdateTask")
	defer release()

	first := make(chan *model.Task)
	go func() {
		got, _ := h.svc.UpdateTaskTitle(ctx, "light-1", "v1")
		first <- got
	}()
	waitFor(t, "first remote call", func() bool { return h.remote.called("UpdateTask") == 1 })

	second := make(chan *model.Task)
	go func() {
		got, _ := h.svc.UpdateTaskTitle(ctx, "light-1", "v2")
		second <- got
	}()
	waitFor(t, "second optimistic apply", func() bool {
		p := findTask(h.svc.State(), "light-1")
		return p != nil && p.Title == "v2"
	})

	release()
	if got := <-first; got.Title != "v2" {
		t.Errorf("first mutation returned %q, want the newer local v2", got.Title)
	}
	if got := <-second; got.Title != "v2" {
		t.Errorf("second mutation returned %q, want v2", got.Title)
	}

	if p := findTask(h.svc.State(), "light-1"); p.Title != "v2" {
		t.Errorf("published title = %q, want v2", p.Title)
	}
	if h.remote.Task("light-1").Title != "v2" {
		t.Error("remote calls ran out of order")
	}
	if n := h.remote.called("UpdateTask"); n != 2 {
		t.Errorf("UpdateTask called %d times, want 2", n)
	}
}

func TestConcurrentTogglesApplyInOrder(t *testing.T) {
	h := newHarness(t, model.LightWork)
	ctx := context.Background()
	h.remote.Put(h.seed("light-1", "flip"))
	h.load(t)

	const n = 10
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.ToggleTaskCompletion(ctx, "light-1"); err != nil {
				t.Errorf("ToggleTaskCompletion() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	local := findTask(h.svc.State(), "light-1")
	if local.Completed {
		t.Error("even number of toggles left the task completed")
	}
	if rt := h.remote.Task("light-1"); rt.Completed != local.Completed {
		t.Errorf("remote completed=%v, local completed=%v", rt.Completed, local.Completed)
	}
	if h.cached(t, "light-1").Dirty {
		t.Error("record dirty after all confirmations")
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, model.LightWork)
	h.remote.Put(h.seed("light-1", "x"))
	h.load(t)

	h.svc.Reset()
	st := h.svc.State()
	if len(st.Tasks) != 0 || st.Bucket != "" || st.Error != "" {
		t.Errorf("Reset() left %+v", st)
	}
	h.cached(t, "light-1")
}

func TestSubscribe_KeepsLatest(t *testing.T) {
	h := newHarness(t, model.LightWork, withoutRemote())
	ctx := context.Background()
	updates, cancel := h.svc.Subscribe()

	for i := range 3 {
		if _, err := h.svc.CreateTask(ctx, Draft{Title: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("CreateTask() failed: %v", err)
		}
	}
	if st := <-updates; len(st.Tasks) != 3 {
		t.Errorf("latest snapshot has %d tasks, want 3", len(st.Tasks))
	}

	cancel()
	if _, err := h.svc.CreateTask(ctx, Draft{Title: "after cancel"}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	select {
	case st := <-updates:
		t.Errorf("cancelled subscription received %d tasks", len(st.Tasks))
	default:
	}
}

func TestService_DropsBookkeepingOfSettledTasks(t *testing.T) {
	h := newHarness(t, model.DeepWork)
	ctx := context.Background()
	h.load(t)

	for i := range 5 {
		task, err := h.svc.CreateTask(ctx, Draft{Title: fmt.Sprintf("task %d", i)})
		if err != nil {
			t.Fatalf("CreateTask() failed: %v", err)
		}
		sub, err := h.svc.AddSubtask(ctx, task.ID, SubtaskDraft{Title: "step"})
		if err != nil {
			t.Fatalf("AddSubtask() failed: %v", err)
		}
		if err := h.svc.DeleteSubtask(ctx, task.ID, sub.ID); err != nil {
			t.Fatalf("DeleteSubtask() failed: %v", err)
		}
		if err := h.svc.DeleteTask(ctx, task.ID); err != nil {
			t.Fatalf("DeleteTask() failed: %v", err)
		}
		if _, err := h.svc.ToggleTaskCompletion(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("toggle of deleted task error = %v, want ErrTaskNotFound", err)
		}
	}

	tr := h.svc.tracker
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.bundles) != 0 || len(tr.versions) != 0 {
		t.Errorf("tracker kept bundles=%d versions=%d", len(tr.bundles), len(tr.versions))
	}
}
