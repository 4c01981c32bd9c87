package tasksync

import (
	"context"
	"sync"
)

// keyedMutex hands out one mutex per key. Entries are reference counted
// and dropped when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// sequencer runs the remote phase of mutations on one task bundle strictly
// in the order their tickets were issued. Tickets are issued while the
// bundle lock is held, so remote order equals local apply order.
type sequencer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tail    chan struct{}
	pending int
}

type ticket struct {
	s    *sequencer
	key  string
	prev chan struct{}
	done chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{lanes: make(map[string]*lane)}
}

// issue takes the next place in key's lane.
func (s *sequencer) issue(key string) *ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[key]
	if !ok {
		l = &lane{}
		s.lanes[key] = l
	}
	t := &ticket{s: s, key: key, prev: l.tail, done: make(chan struct{})}
	l.tail = t.done
	l.pending++
	return t
}

// wait blocks until every earlier ticket of the lane has been released.
// It does not observe cancellation: an earlier ticket always finishes,
// bounded by its own context.
func (t *ticket) wait() {
	if t.prev != nil {
		<-t.prev
	}
}

// release hands the lane to the next ticket.
func (t *ticket) release() {
	close(t.done)

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if l, ok := t.s.lanes[t.key]; ok {
		l.pending--
		if l.pending == 0 {
			delete(t.s.lanes, t.key)
		}
	}
}

// tracker holds per-bundle bookkeeping: version stamps for stale
// confirmation checks, tombstones, in-flight counts and the cancel
// functions of running remote calls.
//
// A bundle is dropped, with its version stamps, once it has nothing in
// flight and no running load started before its last change or before its
// last remote call finished.
type tracker struct {
	mu       sync.Mutex
	gen      uint64
	versions map[string]uint64
	bundles  map[string]*bundle

	// loads counts running loads by the generation they started at.
	loads map[uint64]int
}

type bundle struct {
	touched  uint64
	inflight int
	deleted  bool

	// skipped is set when a mutation's remote phase was dropped because
	// the task had been deleted.
	skipped     bool
	skippedSubs map[string]bool
	deadSubs    map[string]bool
	nextCancel  int
	cancels     map[int]context.CancelFunc

	// keys are the version keys of the task and its subtasks.
	keys map[string]struct{}
}

func newTracker() *tracker {
	return &tracker{
		versions: make(map[string]uint64),
		bundles:  make(map[string]*bundle),
		loads:    make(map[uint64]int),
	}
}

func taskKey(id string) string    { return "task:" + id }
func subtaskKey(id string) string { return "subtask:" + id }

func (tr *tracker) bundleLocked(taskID string) *bundle {
	b, ok := tr.bundles[taskID]
	if !ok {
		b = &bundle{
			skippedSubs: make(map[string]bool),
			deadSubs:    make(map[string]bool),
			cancels:     make(map[int]context.CancelFunc),
			keys:        make(map[string]struct{}),
		}
		tr.bundles[taskID] = b
	}
	return b
}

// begin records a local apply on the bundle; key is the entity the
// mutation targets. It returns the entity's new version.
func (tr *tracker) begin(taskID, key string) uint64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.gen++
	b := tr.bundleLocked(taskID)
	b.touched = tr.gen
	b.inflight++
	b.keys[key] = struct{}{}
	tr.versions[key]++
	return tr.versions[key]
}

// end marks a mutation's remote phase as finished.
func (tr *tracker) end(taskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if b, ok := tr.bundles[taskID]; ok && b.inflight > 0 {
		b.inflight--
		if b.inflight == 0 {
			// A load whose fetch began before this point may hold a
			// snapshot from before the remote call landed.
			tr.gen++
			b.touched = tr.gen
			tr.pruneLocked()
		}
	}
}

// current reports whether version is still the latest for key.
func (tr *tracker) current(key string, version uint64) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.versions[key] == version
}

// startLoad returns the current generation and keeps every bundle changed
// after it until endLoad is called with it.
func (tr *tracker) startLoad() uint64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.loads[tr.gen]++
	return tr.gen
}

func (tr *tracker) endLoad(gen uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.loads[gen]--; tr.loads[gen] <= 0 {
		delete(tr.loads, gen)
	}
	tr.pruneLocked()
}

// pruneLocked drops idle bundles that no running load can still need.
// Tombstones go too: once a delete is confirmed or queued, the cache, the
// remote and the queue's pending deletes keep the task hidden.
func (tr *tracker) pruneLocked() {
	floor := tr.gen
	for gen := range tr.loads {
		floor = min(floor, gen)
	}
	for id, b := range tr.bundles {
		if b.inflight > 0 || len(b.cancels) > 0 || b.touched > floor {
			continue
		}
		for key := range b.keys {
			delete(tr.versions, key)
		}
		delete(tr.bundles, id)
	}
}

// changedSince reports whether the bundle was mutated after gen, still has
// a mutation in flight, or has been deleted.
func (tr *tracker) changedSince(taskID string, gen uint64) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b, ok := tr.bundles[taskID]
	if !ok {
		return false
	}
	return b.touched > gen || b.inflight > 0 || b.deleted
}

// busy reports whether mutations other than the caller's are in flight.
func (tr *tracker) busy(taskID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b, ok := tr.bundles[taskID]
	return ok && b.inflight > 1
}

// bind derives a context for a remote call that is cancelled when the
// task is deleted.
func (tr *tracker) bind(ctx context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	tr.mu.Lock()
	b := tr.bundleLocked(taskID)
	n := b.nextCancel
	b.nextCancel++
	b.cancels[n] = cancel
	tr.mu.Unlock()

	return ctx, func() {
		tr.mu.Lock()
		delete(b.cancels, n)
		tr.mu.Unlock()
		cancel()
	}
}

// kill tombstones a task and cancels its running remote calls.
func (tr *tracker) kill(taskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.gen++
	b := tr.bundleLocked(taskID)
	b.touched = tr.gen
	b.deleted = true
	for n, cancel := range b.cancels {
		cancel()
		delete(b.cancels, n)
	}
}

// revive lifts a tombstone after a failed delete and reports whether any
// mutation was skipped while it stood.
func (tr *tracker) revive(taskID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.gen++
	b := tr.bundleLocked(taskID)
	b.touched = tr.gen
	b.deleted = false
	skipped := b.skipped
	b.skipped = false
	return skipped
}

func (tr *tracker) deleted(taskID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b, ok := tr.bundles[taskID]
	return ok && b.deleted
}

func (tr *tracker) skip(taskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.bundleLocked(taskID).skipped = true
}

// killSubtask tombstones one subtask of a bundle.
func (tr *tracker) killSubtask(taskID, subtaskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b := tr.bundleLocked(taskID)
	b.deadSubs[subtaskID] = true
	b.keys[subtaskKey(subtaskID)] = struct{}{}
	tr.versions[subtaskKey(subtaskID)]++
}

func (tr *tracker) skipSubtask(taskID, subtaskID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.bundleLocked(taskID).skippedSubs[subtaskID] = true
}

// reviveSubtask lifts a subtask tombstone and reports whether a mutation
// of it was skipped meanwhile.
func (tr *tracker) reviveSubtask(taskID, subtaskID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b := tr.bundleLocked(taskID)
	skipped := b.skippedSubs[subtaskID]
	delete(b.deadSubs, subtaskID)
	delete(b.skippedSubs, subtaskID)
	return skipped
}

func (tr *tracker) subtaskDeleted(taskID, subtaskID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	b, ok := tr.bundles[taskID]
	return ok && (b.deleted || b.deadSubs[subtaskID])
}

// forget drops bookkeeping of idle bundles.
func (tr *tracker) forget() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.pruneLocked()
}
