// Package loadtest drives a sync service with concurrent clients against a
// flaky in-memory remote.
//
// It measures the latency of optimistic mutations and then checks that the
// published state, the cache and the remote agree wherever no mutation is
// still queued.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/probe"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/session"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
)

// Config describes one load run.
type Config struct {
	// Dir holds the cache database.
	Dir string

	WorkType     model.WorkType
	Tasks        int
	Workers      int
	OpsPerWorker int

	// FailureRate is the fraction of remote calls that fail (0.0-1.0).
	FailureRate float64

	// Seed makes the operation mix reproducible.
	Seed int64

	// Logger receives the service logs (default: discarded).
	Logger *log.Logger
}

// DefaultConfig returns a small run suitable for a quick check.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		WorkType:     model.LightWork,
		Tasks:        50,
		Workers:      16,
		OpsPerWorker: 25,
		FailureRate:  0.1,
		Seed:         42,
	}
}

// LatencyStats captures mutation latency over a run.
type LatencyStats struct {
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	Mean       time.Duration `json:"mean"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Operations int           `json:"operations"`
	Errors     int           `json:"errors"`
	Queued     int           `json:"queued"`
}

// Harness is a populated service ready to be driven.
type Harness struct {
	cfg     Config
	db      *cache.DB
	queue   *queue.Queue
	remote  *flakyRemote
	service *tasksync.Service
	ids     []string
}

// Setup opens a fresh cache in cfg.Dir and creates cfg.Tasks tasks with the
// remote healthy.
func Setup(ctx context.Context, cfg Config) (*Harness, error) {
	if cfg.Tasks <= 0 || cfg.Workers <= 0 || cfg.OpsPerWorker <= 0 {
		return nil, fmt.Errorf("tasks, workers and ops per worker must be positive")
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("failure rate must be between 0.0 and 1.0")
	}
	if cfg.WorkType.Kind == "" {
		cfg.WorkType = model.LightWork
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	db, err := cache.Open(filepath.Join(cfg.Dir, "loadtest.db"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	q, err := queue.New(ctx, db.RawDB(), cfg.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sess := session.New("")
	if err := sess.Attach("loadtest"); err != nil {
		_ = db.Close()
		return nil, err
	}

	flaky := newFlakyRemote(cfg.WorkType, cfg.Seed)
	svc, err := tasksync.New(tasksync.Config{
		WorkType: cfg.WorkType,
		Cache:    cache.New(db, cfg.WorkType.Kind),
		Queue:    q,
		Remote:   flaky,
		Probe:    probe.Static(true),
		Session:  sess,
		Logger:   cfg.Logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	h := &Harness{cfg: cfg, db: db, queue: q, remote: flaky, service: svc}
	if _, err := svc.Load(ctx, ""); err != nil {
		_ = h.Close()
		return nil, err
	}
	for i := 0; i < cfg.Tasks; i++ {
		t, err := svc.CreateTask(ctx, tasksync.Draft{Title: fmt.Sprintf("Load task %d", i)})
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("failed to create task %d: %w", i, err)
		}
		h.ids = append(h.ids, t.ID)
	}
	return h, nil
}

// Service exposes the driven service.
func (h *Harness) Service() *tasksync.Service {
	return h.service
}

// Close closes the cache database.
func (h *Harness) Close() error {
	return h.db.Close()
}

var priorities = []model.Priority{
	model.PriorityLow, model.PriorityMedium, model.PriorityHigh, model.PriorityUrgent,
}

// Run lets cfg.Workers clients issue random mutations concurrently while
// the remote fails at cfg.FailureRate.
func (h *Harness) Run(ctx context.Context) (*LatencyStats, error) {
	h.remote.setFailureRate(h.cfg.FailureRate)
	defer h.remote.setFailureRate(0)

	var wg sync.WaitGroup
	results := make(chan []time.Duration, h.cfg.Workers)
	errs := make(chan error, h.cfg.Workers*h.cfg.OpsPerWorker)

	for w := 0; w < h.cfg.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(h.cfg.Seed + int64(worker) + 1))
			durations := make([]time.Duration, 0, h.cfg.OpsPerWorker)
			for j := 0; j < h.cfg.OpsPerWorker; j++ {
				start := time.Now()
				err := h.step(ctx, rng, worker, j)
				durations = append(durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("worker %d op %d: %w", worker, j, err)
				}
			}
			results <- durations
		}(w)
	}

	wg.Wait()
	close(results)
	close(errs)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	stats := computeLatencyStats(all)
	for range errs {
		stats.Errors++
	}

	pending, err := h.queue.Pending(ctx, string(h.cfg.WorkType.Kind))
	if err != nil {
		return nil, err
	}
	stats.Queued = len(pending)
	return stats, nil
}

// step performs one random mutation. Not-found errors are expected: a load
// drops completed tasks that the remote no longer reports as active.
func (h *Harness) step(ctx context.Context, rng *rand.Rand, worker, op int) error {
	id := h.ids[rng.Intn(len(h.ids))]
	svc := h.service

	var err error
	switch rng.Intn(6) {
	case 0:
		_, err = svc.ToggleTaskCompletion(ctx, id)
	case 1:
		_, err = svc.UpdateTaskTitle(ctx, id, fmt.Sprintf("Task retitled by %d/%d", worker, op))
	case 2:
		_, err = svc.UpdateTaskPriority(ctx, id, priorities[rng.Intn(len(priorities))])
	case 3:
		_, err = svc.AddSubtask(ctx, id, tasksync.SubtaskDraft{Title: fmt.Sprintf("Step %d/%d", worker, op)})
	case 4:
		t, gerr := svc.Get(ctx, id)
		if errors.Is(gerr, tasksync.ErrTaskNotFound) {
			return nil
		}
		if gerr != nil || len(t.Subtasks) == 0 {
			return gerr
		}
		_, err = svc.ToggleSubtaskCompletion(ctx, id, t.Subtasks[rng.Intn(len(t.Subtasks))].ID)
	case 5:
		_, err = svc.Load(ctx, "")
	}
	if errors.Is(err, tasksync.ErrTaskNotFound) || errors.Is(err, tasksync.ErrSubtaskNotFound) {
		return nil
	}
	return err
}

// Verify checks that every published task matches its cached copy, and
// matches the remote record unless mutations of it are still queued.
func (h *Harness) Verify(ctx context.Context) error {
	st := h.service.State()
	if len(st.Tasks) == 0 {
		return fmt.Errorf("no tasks published")
	}

	c := cache.New(h.db, h.cfg.WorkType.Kind)
	kind := string(h.cfg.WorkType.Kind)
	for _, t := range st.Tasks {
		rec, err := c.Get(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if err := sameFields(t, rec.Task); err != nil {
			return fmt.Errorf("task %s: cache differs from published state: %w", t.ID, err)
		}

		queued, err := h.queue.HasPending(ctx, kind, queue.EntityTask, t.ID)
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		canon := h.remote.Task(t.ID)
		if canon == nil {
			return fmt.Errorf("task %s: missing on the remote with nothing queued", t.ID)
		}
		if err := sameFields(t, canon); err != nil {
			return fmt.Errorf("task %s: remote differs with nothing queued: %w", t.ID, err)
		}
	}
	return nil
}

func sameFields(a, b *model.Task) error {
	switch {
	case a.Title != b.Title:
		return fmt.Errorf("title %q != %q", a.Title, b.Title)
	case a.Completed != b.Completed:
		return fmt.Errorf("completed %v != %v", a.Completed, b.Completed)
	case a.Priority != b.Priority:
		return fmt.Errorf("priority %s != %s", a.Priority, b.Priority)
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
	}
}

// Print writes the statistics in a readable block.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Queued:        %d\n", s.Queued)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// flakyRemote fails a share of calls before they reach the store.
type flakyRemote struct {
	*remote.MemoryStore

	mu   sync.Mutex
	rng  *rand.Rand
	rate float64
}

var errInjected = errors.New("injected remote failure")

func newFlakyRemote(wt model.WorkType, seed int64) *flakyRemote {
	return &flakyRemote{MemoryStore: remote.NewMemoryStore(wt), rng: rand.New(rand.NewSource(seed))}
}

func (f *flakyRemote) setFailureRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
}

func (f *flakyRemote) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rate > 0 && f.rng.Float64() < f.rate {
		return errInjected
	}
	return nil
}

func (f *flakyRemote) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.CreateTask(ctx, task)
}

func (f *flakyRemote) UpdateTask(ctx context.Context, id string, fields remote.Fields) (*model.Task, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.UpdateTask(ctx, id, fields)
}

func (f *flakyRemote) DeleteTask(ctx context.Context, id string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryStore.DeleteTask(ctx, id)
}

func (f *flakyRemote) FetchActiveTasks(ctx context.Context, userID, bucket string) ([]*model.Task, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.FetchActiveTasks(ctx, userID, bucket)
}

func (f *flakyRemote) CreateSubtask(ctx context.Context, subtask *model.Subtask) (*model.Subtask, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.CreateSubtask(ctx, subtask)
}

func (f *flakyRemote) UpdateSubtask(ctx context.Context, id string, fields remote.Fields) (*model.Subtask, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.MemoryStore.UpdateSubtask(ctx, id, fields)
}

func (f *flakyRemote) DeleteSubtask(ctx context.Context, id string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.MemoryStore.DeleteSubtask(ctx, id)
}
