// Package worker implements the engine's workers pool: a fixed-size set
// of goroutines that repeatedly pick the ready schedulable unit with the
// earliest deadline, run it, and reschedule it from its returned hint.
//
// The earliest-deadline-first selection is kept in a container/heap, with
// in-flight units skipped rather than popped permanently; pool-wide
// shutdown is supervised by an errgroup.
package worker

import (
	"container/heap"
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/fluxion/internal/filter"
)

// Unit is anything the pool can schedule. An ordinary filter.Processor
// satisfies it directly; a master/slave group is adapted via GroupUnit.
type Unit interface {
	ID() int
	Process(ctx context.Context) filter.Result
}

// GroupUnit adapts a master/slave filter.Group to Unit. Only the group is
// ever registered with the pool — its slaves are never independently
// schedulable, and RunCycle already blocks until every slave has finished
// before returning, so the pool never needs to reason about slaves at all.
type GroupUnit struct{ g *filter.Group }

// NewGroupUnit wraps g for registration with a Pool.
func NewGroupUnit(g *filter.Group) GroupUnit { return GroupUnit{g: g} }

func (u GroupUnit) ID() int                          { return u.g.MasterID() }
func (u GroupUnit) Process(ctx context.Context) filter.Result { return u.g.RunCycle(ctx) }

// Config controls Pool construction.
type Config struct {
	// Size is the worker goroutine count; defaults to max(4, GOMAXPROCS).
	Size int
	Log  *slog.Logger
}

type scheduled struct {
	unit      Unit
	nextAt    time.Time
	inFlight  bool
	suspended bool
	index     int
}

// readyHeap orders scheduled units earliest-deadline-first.
type readyHeap []*scheduled

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i].nextAt.Before(h[j].nextAt) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*scheduled)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Pool runs every registered unit at its own cadence.
type Pool struct {
	log  *slog.Logger
	size int

	mu      sync.Mutex
	entries map[int]*scheduled
	ready   readyHeap
	wake    chan struct{}
	stopped bool
}

// New constructs a Pool. No units are registered; callers Add them
// (typically the engine, as the graph connects filters and groups).
func New(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 4
		if n := runtime.GOMAXPROCS(0); n > size {
			size = n
		}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		log:     log.With("component", "workers-pool"),
		size:    size,
		entries: make(map[int]*scheduled),
		wake:    make(chan struct{}, 1),
	}
}

// Add registers u for immediate scheduling. Re-adding an id already
// registered is a no-op.
func (p *Pool) Add(u Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if _, exists := p.entries[u.ID()]; exists {
		return
	}
	e := &scheduled{unit: u, nextAt: time.Now()}
	p.entries[u.ID()] = e
	heap.Push(&p.ready, e)
	p.notify()
}

// Remove deregisters id. An invocation already in flight is allowed to
// finish; it will simply not be rescheduled.
func (p *Pool) Remove(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return
	}
	delete(p.entries, id)
	if e.index >= 0 {
		heap.Remove(&p.ready, e.index)
	}
}

// Suspend holds id out of the ready set without detaching it, for
// control-plane mutations that need the filter idle but alive. An
// invocation already in flight completes normally.
func (p *Pool) Suspend(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.suspended = true
	}
}

// Quiesce suspends id and blocks until any in-flight invocation of it has
// completed, so a control-plane mutation can proceed knowing no worker is
// executing the filter. Invocations are short cooperative units, so the
// wait is brief.
func (p *Pool) Quiesce(id int) {
	p.Suspend(id)
	for {
		p.mu.Lock()
		e, ok := p.entries[id]
		busy := ok && e.inFlight
		p.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Resume makes a suspended id schedulable again. Resuming an unknown or
// never-suspended id is a no-op.
func (p *Pool) Resume(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok && e.suspended {
		e.suspended = false
		p.notify()
	}
}

func (p *Pool) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// next pops the earliest-deadline entry that is both due and not already
// in flight, leaving in-flight or not-yet-due entries in the heap.
func (p *Pool) next(now time.Time) *scheduled {
	p.mu.Lock()
	defer p.mu.Unlock()

	var skipped []*scheduled
	var ready *scheduled
	for p.ready.Len() > 0 {
		e := p.ready[0]
		if e.inFlight || e.suspended {
			heap.Pop(&p.ready)
			skipped = append(skipped, e)
			continue
		}
		if e.nextAt.After(now) {
			break
		}
		heap.Pop(&p.ready)
		ready = e
		break
	}
	for _, e := range skipped {
		heap.Push(&p.ready, e)
	}
	if ready != nil {
		ready.inFlight = true
	}
	return ready
}

// reschedule returns e to the heap at its hint-derived deadline, unless it
// was removed mid-flight or reported a fatal status, which detaches it.
func (p *Pool) reschedule(e *scheduled, result filter.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.inFlight = false
	if _, stillRegistered := p.entries[e.unit.ID()]; !stillRegistered {
		return
	}
	if result.Status == filter.StatusFatal {
		delete(p.entries, e.unit.ID())
		p.log.Error("unit failed fatally, detaching", "id", e.unit.ID())
		return
	}
	hint := result.HintMicros
	if hint < 0 {
		hint = 0
	}
	e.nextAt = time.Now().Add(time.Duration(hint) * time.Microsecond)
	heap.Push(&p.ready, e)
	p.notify()
}

// pollInterval bounds how long a worker sleeps when nothing is ready,
// so a unit whose deadline has just passed is not left waiting on wake
// alone (deadlines are set from timer duration, not from explicit events).
const pollInterval = time.Millisecond

// Run launches size worker goroutines and blocks until ctx is cancelled;
// invocations already running are allowed to finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}
	err := g.Wait()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return err
}

func (p *Pool) workerLoop(ctx context.Context) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e := p.next(time.Now())
		if e == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pollInterval)
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			case <-timer.C:
			}
			continue
		}

		result := e.unit.Process(ctx)
		p.reschedule(e, result)
	}
}

// Len reports the number of units currently registered (used by tests and
// get_state-style introspection).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
