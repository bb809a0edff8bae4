// Package queue implements the synchronized lazy frame queue used on every
// edge of the filter graph: a fixed-capacity ring of pre-allocated frame
// slots, one writer, and one or more independently-paced readers.
//
// Cursors are monotonic positions taken modulo capacity. A slot is
// writable once the slowest reader's front cursor has advanced past it,
// so the ring never allocates per frame and never copies between readers.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/fluxion/internal/frame"
)

// DropPolicy controls what happens when a writer finds the queue full.
type DropPolicy uint8

const (
	// DropProducerSkip is the default: GetRear returns false until a slot
	// frees, the write is simply skipped for this invocation.
	DropProducerSkip DropPolicy = iota
	// DropOldestOverwrite reclaims the oldest unread slot, incrementing
	// lost-block counters for every reader that had not yet consumed it.
	// A slot currently lent to a reader is never reclaimed this way — that
	// would tear a read — the writer simply skips this cycle instead.
	DropOldestOverwrite
)

var (
	// ErrReaderExists is returned by AddReader/ShareReader when the target
	// reader id is already attached to this queue.
	ErrReaderExists = errors.New("queue: reader id already attached")
	// ErrUnknownReader is returned when an operation names a reader id
	// that was never attached.
	ErrUnknownReader = errors.New("queue: unknown reader id")
)

type slot struct {
	fr   *frame.Frame
	lent atomic.Int32 // number of readers currently holding a lent view of this slot
}

type readerState struct {
	front      uint64 // next readable position for this reader
	lostBlocks atomic.Uint64
	delayNanos atomic.Int64 // EWMA of read delay, nanoseconds
	hasDelay   atomic.Bool
}

// FrameQueue is the bounded ring backing one graph edge. Its capacity and
// frame kind are fixed at construction for the life of the queue.
type FrameQueue struct {
	kind        frame.Kind
	capacity    uint64
	dropPolicy  DropPolicy
	originEpoch time.Time // wallclock instant corresponding to PTS=0

	mu      sync.Mutex
	slots   []*slot
	rear    uint64
	readers map[int]*readerState
}

// Config controls queue construction.
type Config struct {
	Capacity      int
	FrameCapacity int // byte capacity reserved per slot's payload buffer
	DropPolicy    DropPolicy
	OriginEpoch   time.Time // wallclock instant PTS=0 corresponds to
}

// New allocates a FrameQueue with capacity pre-allocated slots, each
// carrying a Frame with a Payload buffer of frameCapacity bytes. Slots are
// allocated once here and their buffers reused in place for the life of
// the queue.
func New(kind frame.Kind, cfg Config) *FrameQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 8
	}
	if cfg.OriginEpoch.IsZero() {
		cfg.OriginEpoch = time.Now()
	}
	q := &FrameQueue{
		kind:        kind,
		capacity:    uint64(cfg.Capacity),
		dropPolicy:  cfg.DropPolicy,
		originEpoch: cfg.OriginEpoch,
		slots:       make([]*slot, cfg.Capacity),
		readers:     make(map[int]*readerState),
	}
	for i := range q.slots {
		q.slots[i] = &slot{fr: &frame.Frame{Kind: kind, Payload: make([]byte, 0, cfg.FrameCapacity)}}
	}
	return q
}

// Kind returns the frame kind this queue was constructed for.
func (q *FrameQueue) Kind() frame.Kind { return q.kind }

// Capacity returns the fixed slot count.
func (q *FrameQueue) Capacity() int { return int(q.capacity) }

// AddReader attaches a new, independent reader cursor starting at the
// current rear (it will see only frames committed from this point on).
func (q *FrameQueue) AddReader(readerID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.readers[readerID]; exists {
		return ErrReaderExists
	}
	q.readers[readerID] = &readerState{front: q.rear}
	return nil
}

// ShareReader attaches targetID as a second, independently-advancing
// cursor on the same queue, starting wherever sourceID currently is. Used
// when a second sink is connected to an already-existing writer, and for
// master/slave fan-out.
func (q *FrameQueue) ShareReader(sourceID, targetID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	src, ok := q.readers[sourceID]
	if !ok {
		return ErrUnknownReader
	}
	if _, exists := q.readers[targetID]; exists {
		return ErrReaderExists
	}
	q.readers[targetID] = &readerState{front: src.front}
	return nil
}

// RemoveReader detaches a reader. The slots it was holding back become
// reclaimable once no other reader needs them.
func (q *FrameQueue) RemoveReader(readerID int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.readers, readerID)
}

// minFront returns the slowest reader's front cursor, or rear if there are
// no readers. A reader-less queue holds no slot back: the writer never
// finds it full, and frames committed before the first reader attaches are
// never delivered. Every queue is expected to carry at least one reader
// endpoint while connected.
func (q *FrameQueue) minFront() uint64 {
	if len(q.readers) == 0 {
		return q.rear
	}
	min := ^uint64(0)
	for _, rs := range q.readers {
		if rs.front < min {
			min = rs.front
		}
	}
	return min
}

// GetRear returns the current rear slot for the producer to fill, or
// (nil, false) if the queue is full and the drop policy forbids
// overwrite this cycle. The returned Frame's Payload is reset and ready
// for SetData; it must not be retained past Commit.
func (q *FrameQueue) GetRear() (*frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	minFront := q.minFront()
	if q.rear-minFront >= q.capacity {
		if q.dropPolicy == DropProducerSkip {
			return nil, false
		}
		victimIdx := minFront % q.capacity
		if q.slots[victimIdx].lent.Load() > 0 {
			// Currently lent to a straggling reader; never tear a read.
			return nil, false
		}
		for _, rs := range q.readers {
			if rs.front == minFront {
				rs.front++
				rs.lostBlocks.Add(1)
			}
		}
	}

	idx := q.rear % q.capacity
	s := q.slots[idx]
	s.fr.Reset()
	return s.fr, true
}

// Commit makes the frame most recently returned by GetRear visible to
// every reader at once, in commit order.
func (q *FrameQueue) Commit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rear++
}

// GetFront returns the next unread frame for readerID, or (nil, false) if
// the reader has consumed everything committed so far. The returned
// Frame must not be retained past ReleaseFront.
func (q *FrameQueue) GetFront(readerID int) (*frame.Frame, bool, error) {
	q.mu.Lock()
	rs, ok := q.readers[readerID]
	if !ok {
		q.mu.Unlock()
		return nil, false, ErrUnknownReader
	}
	if rs.front >= q.rear {
		q.mu.Unlock()
		return nil, false, nil
	}
	idx := rs.front % q.capacity
	s := q.slots[idx]
	s.lent.Add(1)
	fr := s.fr
	q.mu.Unlock()

	q.recordDelay(rs, fr)
	return fr, true, nil
}

// recordDelay updates the reader's exponentially-weighted average read
// delay: wallclock time of read minus (frame PTS + queue origin offset).
func (q *FrameQueue) recordDelay(rs *readerState, fr *frame.Frame) {
	delay := time.Since(q.originEpoch) - time.Duration(fr.PTS)*time.Microsecond
	if delay < 0 {
		delay = 0
	}
	const alpha = 0.2
	for {
		prev := rs.delayNanos.Load()
		if !rs.hasDelay.Load() {
			if rs.delayNanos.CompareAndSwap(prev, int64(delay)) {
				rs.hasDelay.Store(true)
				return
			}
			continue
		}
		next := int64(float64(prev)*(1-alpha) + float64(delay)*alpha)
		if rs.delayNanos.CompareAndSwap(prev, next) {
			return
		}
	}
}

// UngetFront hands back the slot most recently obtained via GetFront
// without advancing the reader's cursor, for a consumer that cannot use
// the frame this cycle (downstream full). The same frame is returned by
// the next GetFront, and the slot becomes overwritable again in the
// meantime.
func (q *FrameQueue) UngetFront(readerID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rs, ok := q.readers[readerID]
	if !ok {
		return ErrUnknownReader
	}
	if rs.front >= q.rear {
		return nil
	}
	idx := rs.front % q.capacity
	q.slots[idx].lent.Add(-1)
	return nil
}

// ReleaseFront advances readerID's front cursor past the slot it last got
// via GetFront, un-lending the slot. If this reader was the slowest, the
// slot becomes reclaimable by the writer.
func (q *FrameQueue) ReleaseFront(readerID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rs, ok := q.readers[readerID]
	if !ok {
		return ErrUnknownReader
	}
	if rs.front >= q.rear {
		return nil
	}
	idx := rs.front % q.capacity
	q.slots[idx].lent.Add(-1)
	rs.front++
	return nil
}

// ReaderStats reports a reader's live counters: a non-negative rolling
// average read delay and a non-decreasing lost-block count.
func (q *FrameQueue) ReaderStats(readerID int) (avgDelay time.Duration, lostBlocks uint64, err error) {
	q.mu.Lock()
	rs, ok := q.readers[readerID]
	q.mu.Unlock()
	if !ok {
		return 0, 0, ErrUnknownReader
	}
	return time.Duration(rs.delayNanos.Load()), rs.lostBlocks.Load(), nil
}

// Pending reports how many committed frames readerID has not yet consumed.
func (q *FrameQueue) Pending(readerID int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rs, ok := q.readers[readerID]
	if !ok {
		return 0, ErrUnknownReader
	}
	return int(q.rear - rs.front), nil
}
