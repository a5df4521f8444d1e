package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/transport"
)

// keyedMutex serializes lifecycle operations per session id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for id and returns its release func.
func (k *keyedMutex) Lock(id string) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refMutex{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// link is one live connection generation of a session.
type link struct {
	conn   transport.Conn
	gen    uint64
	inject chan transport.Event
}

// entry is the runtime state the manager owns for one session.
type entry struct {
	id string

	// snap and link are read lock-free; writers hold mu.
	snap atomic.Pointer[model.Session]
	link atomic.Pointer[link]

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes event handling with teardown.
	mu             sync.Mutex
	gen            uint64
	state          *authstate.State
	reconnectTimer *clock.Timer
	torn           bool

	timers timerSet
}

func newEntry(id string, now time.Time) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{id: id, ctx: ctx, cancel: cancel}
	e.snap.Store(&model.Session{
		ID:        id,
		State:     model.StateInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return e
}

// snapshot returns the current immutable snapshot.
func (e *entry) snapshot() *model.Session {
	return e.snap.Load()
}

// update publishes a modified copy of the snapshot. Callers hold e.mu.
func (e *entry) update(now time.Time, fn func(s *model.Session)) *model.Session {
	next := e.snap.Load().Clone()
	fn(next)
	next.UpdatedAt = now
	e.snap.Store(next)
	return next
}

// timerSet holds cancellable timers owned by a session.
type timerSet struct {
	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*clock.Timer
	closed  bool
}

// add registers the timer returned by start. The timer callback must call
// done when it fires.
func (ts *timerSet) add(start func(done func()) *clock.Timer) {
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return
	}
	if ts.pending == nil {
		ts.pending = make(map[uint64]*clock.Timer)
	}
	ts.seq++
	id := ts.seq
	ts.pending[id] = nil
	ts.mu.Unlock()

	t := start(func() {
		ts.mu.Lock()
		delete(ts.pending, id)
		ts.mu.Unlock()
	})

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		t.Stop()
		return
	}
	if _, ok := ts.pending[id]; ok {
		ts.pending[id] = t
	}
}

// len returns the number of pending timers.
func (ts *timerSet) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.pending)
}

// stopAll cancels every pending timer and refuses new ones.
func (ts *timerSet) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.closed = true
	for id, t := range ts.pending {
		if t != nil {
			t.Stop()
		}
		delete(ts.pending, id)
	}
}

// registry maps session ids to runtime entries.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) get(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *registry) put(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.id] = e
}

// remove deletes id only if it still maps to e.
func (r *registry) remove(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.id]; ok && cur == e {
		delete(r.entries, e.id)
		return true
	}
	return false
}

// all returns the entries sorted by id.
func (r *registry) all() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
