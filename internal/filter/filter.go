// Package filter implements the engine's execution units: a small
// capability interface (Process/PushEvent/GetState) plus an I/O-shape
// enum consumed by the scheduler, with concrete filters supplying only a
// per-frame processing hook.
package filter

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zsiec/fluxion/internal/frame"
	"github.com/zsiec/fluxion/internal/queue"
)

// Role is the scheduling discipline a filter participates under.
type Role uint8

const (
	RoleMaster Role = iota
	RoleNetwork
	RoleBestEffort
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleNetwork:
		return "network"
	case RoleBestEffort:
		return "best_effort"
	case RoleSlave:
		return "slave"
	default:
		return "unknown"
	}
}

// Shape is the I/O cardinality dispatched by the scheduler: a tag plus a
// small hook interface per shape, rather than a type hierarchy.
type Shape uint8

const (
	ShapeHead Shape = iota
	ShapeTail
	ShapeOneToOne
	ShapeOneToMany
	ShapeManyToOne
)

// Kind names the filter's media role for introspection and control-plane
// filter creation.
type Kind string

const (
	KindReceiver    Kind = "receiver"
	KindDemuxer     Kind = "demuxer"
	KindDecoder     Kind = "decoder"
	KindResampler   Kind = "resampler"
	KindMixer       Kind = "mixer"
	KindSplitter    Kind = "splitter"
	KindEncoder     Kind = "encoder"
	KindTransmitter Kind = "transmitter"
	KindSegmenter   Kind = "segmenter"
)

// Status is the outcome of a single Process invocation.
type Status uint8

const (
	// StatusOK means the invocation produced (or advanced) work normally.
	StatusOK Status = iota
	// StatusRetry means inputs were not ready yet; try again after the hint.
	StatusRetry
	// StatusFatal means the filter cannot continue; the worker should
	// detach it.
	StatusFatal
)

// Result is returned by every Process invocation.
type Result struct {
	Status Status
	// HintMicros is the scheduler's next-invocation delay, in microseconds.
	HintMicros int64
}

// Processor is the capability interface every scheduled unit implements.
// It is intentionally small: dispatch shape and role are carried as plain
// fields/enums, not type hierarchy.
type Processor interface {
	ID() int
	Role() Role
	Shape() Shape
	Process(ctx context.Context) Result
	PushEvent(e Event)
	GetState() map[string]any
}

// Base is embedded by every concrete filter. It owns the filter's Writer
// and Reader endpoints, its event inbox, and the bookkeeping common to
// every shape; concrete filters add only a do-process-frame hook.
type Base struct {
	id        int
	kind      Kind
	role      Role
	shape     Shape
	mediaKind frame.Kind
	log       *slog.Logger

	inbox      *Inbox
	eventBatch int

	mu      sync.RWMutex
	writers map[int]*queue.Writer
	readers map[int]*queue.Reader

	nextWriterID atomic.Int32
	nextReaderID atomic.Int32

	handlers map[string]func(Event) error

	// group is set when this filter participates in a master/slave group
	// (see masterslave.go); a non-nil group on a slave means the scheduler
	// must never invoke Process on it directly.
	group *Group
}

// NewBase constructs the common filter state. eventBatch bounds how many
// inbox events are drained per invocation, keeping work units short.
// mediaKind is the frame kind this filter
// produces/consumes, used by the graph package to size and type new
// queues when connecting paths.
func NewBase(id int, kind Kind, role Role, shape Shape, mediaKind frame.Kind, eventBatch int) *Base {
	if eventBatch <= 0 {
		eventBatch = 16
	}
	b := &Base{
		id:         id,
		kind:       kind,
		role:       role,
		shape:      shape,
		mediaKind:  mediaKind,
		log:        slog.With("component", "filter", "id", id, "kind", string(kind)),
		inbox:      NewInbox(256),
		eventBatch: eventBatch,
		writers:    make(map[int]*queue.Writer),
		readers:    make(map[int]*queue.Reader),
		handlers:   make(map[string]func(Event) error),
	}
	b.handlers[ActionInputConfigChanged] = func(Event) error {
		b.log.Debug("input geometry changed")
		return nil
	}
	return b
}

func (b *Base) ID() int             { return b.id }
func (b *Base) Kind() Kind          { return b.kind }
func (b *Base) Role() Role          { return b.role }
func (b *Base) Shape() Shape        { return b.shape }
func (b *Base) MediaKind() frame.Kind { return b.mediaKind }

// GenerateWriterID returns a fresh writer id unique within this filter,
// for path-creation calls that pass a negative writer id and leave the
// allocation to the owning filter.
func (b *Base) GenerateWriterID() int { return int(b.nextWriterID.Add(1)) - 1 }

// GenerateReaderID is the reader-id analogue of GenerateWriterID.
func (b *Base) GenerateReaderID() int { return int(b.nextReaderID.Add(1)) - 1 }

// WriterConnected reports whether writer id is currently registered.
func (b *Base) WriterConnected(id int) bool {
	_, ok := b.writer(id)
	return ok
}

// ReaderConnected reports whether reader id is currently registered.
func (b *Base) ReaderConnected(id int) bool {
	_, ok := b.reader(id)
	return ok
}

// PushEvent enqueues a control-plane event for this filter. Never blocks;
// the inbox drops the oldest pending event if full.
func (b *Base) PushEvent(e Event) { b.inbox.Push(e) }

// OnAction registers a typed handler for an event action name. Action
// names match the wire protocol verbatim; handlers validate params into
// typed values before touching filter state.
func (b *Base) OnAction(action string, handler func(Event) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[action] = handler
}

// drainEvents runs the first step of the per-invocation cycle: pop up to
// eventBatch due events and apply them before the processing hook runs,
// so every event drained here is visible to this cycle's frame work.
func (b *Base) drainEvents() {
	events := b.inbox.Drain(b.eventBatch)
	for _, e := range events {
		b.mu.RLock()
		h, ok := b.handlers[e.Action]
		b.mu.RUnlock()
		if !ok {
			b.log.Warn("no handler for event action", "action", e.Action)
			continue
		}
		if err := h(e); err != nil {
			b.log.Error("event handler failed", "action", e.Action, "error", err)
		}
	}
}

// AddWriter registers a new output endpoint.
func (b *Base) AddWriter(w *queue.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writers[w.ID] = w
}

// AddReader registers a new input endpoint.
func (b *Base) AddReader(r *queue.Reader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readers[r.ID] = r
}

// RemoveWriter detaches an output endpoint.
func (b *Base) RemoveWriter(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.writers, id)
}

// RemoveReader detaches an input endpoint.
func (b *Base) RemoveReader(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.readers, id)
}

func (b *Base) writer(id int) (*queue.Writer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.writers[id]
	return w, ok
}

func (b *Base) reader(id int) (*queue.Reader, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.readers[id]
	return r, ok
}

// writerIDs returns registered writer ids in deterministic order.
func (b *Base) writerIDs() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(b.writers))
	for id := range b.writers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// readerIDs returns registered reader ids in deterministic order.
func (b *Base) readerIDs() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, 0, len(b.readers))
	for id := range b.readers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// GetState populates the abstract counters the control plane reports for
// this filter: one avg-delay/lost-blocks pair per reader.
func (b *Base) GetState() map[string]any {
	b.mu.RLock()
	readers := make(map[int]*queue.Reader, len(b.readers))
	for id, r := range b.readers {
		readers[id] = r
	}
	b.mu.RUnlock()

	readerState := make(map[string]any, len(readers))
	for id, r := range readers {
		delay, lost := r.Stats()
		readerState[strconv.Itoa(id)] = map[string]any{
			"avg_delay_ns": delay,
			"lost_blocks":  lost,
		}
	}

	return map[string]any{
		"id":      b.id,
		"kind":    string(b.kind),
		"role":    b.role.String(),
		"readers": readerState,
	}
}
