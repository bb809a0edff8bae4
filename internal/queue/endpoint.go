package queue

import "github.com/zsiec/fluxion/internal/frame"

// Writer is a filter's output endpoint, bound to the single FrameQueue it
// feeds. Writer ids are unique within their owning filter.
type Writer struct {
	ID        int
	q         *FrameQueue
	connected bool
}

// NewWriter binds a Writer endpoint to a queue.
func NewWriter(id int, q *FrameQueue) *Writer {
	return &Writer{ID: id, q: q, connected: true}
}

// Connected reports whether this writer currently backs a queue.
func (w *Writer) Connected() bool { return w.connected }

// Queue returns the backing queue, or nil if disconnected.
func (w *Writer) Queue() *FrameQueue { return w.q }

// GetFrame returns the rear slot of the backing queue for the producer to
// fill, or (nil, false) if the queue is full and the drop policy forbids
// overwrite this cycle.
func (w *Writer) GetFrame() (*frame.Frame, bool) {
	if w.q == nil {
		return nil, false
	}
	return w.q.GetRear()
}

// Commit advances the backing queue's rear, publishing the frame to every
// reader at once. Readers never block on a queue; each sees the frame on
// its next GetFrame.
func (w *Writer) Commit() {
	if w.q != nil {
		w.q.Commit()
	}
}

// Disconnect detaches this writer from its queue. The queue itself is torn
// down by the owning PipelineManager once no path references it.
func (w *Writer) Disconnect() {
	w.q = nil
	w.connected = false
}

// Reader is a filter's input endpoint, bound to a FrameQueue and an id
// unique within its owning filter. A Reader may be shared across co-sinks
// via the queue's ShareReader mechanism.
type Reader struct {
	ID        int
	q         *FrameQueue
	connected bool
}

// NewReader binds a Reader endpoint to a queue, registering a fresh cursor.
func NewReader(id int, q *FrameQueue) (*Reader, error) {
	if err := q.AddReader(id); err != nil {
		return nil, err
	}
	return &Reader{ID: id, q: q, connected: true}, nil
}

// BindReader wraps an id already registered on q (typically via
// ShareReader) as a Reader endpoint, without touching the queue's cursor
// table. Used when a second path attaches to an edge whose queue already
// exists.
func BindReader(id int, q *FrameQueue) *Reader {
	return &Reader{ID: id, q: q, connected: true}
}

// Connected reports whether this reader currently backs a queue.
func (r *Reader) Connected() bool { return r.connected }

// Queue returns the backing queue, or nil if disconnected.
func (r *Reader) Queue() *FrameQueue { return r.q }

// GetFrame returns the front slot, or (nil, false) if empty.
func (r *Reader) GetFrame() (*frame.Frame, bool) {
	if r.q == nil {
		return nil, false
	}
	fr, ok, _ := r.q.GetFront(r.ID)
	return fr, ok
}

// UngetFrame hands back the frame obtained by GetFrame without consuming
// it; the next GetFrame returns the same frame. Must be called on every
// early exit between a successful GetFrame and RemoveFrame, or the slot
// stays lent and can never be reclaimed by an overwriting writer.
func (r *Reader) UngetFrame() {
	if r.q != nil {
		_ = r.q.UngetFront(r.ID)
	}
}

// RemoveFrame advances this reader's front cursor, freeing the slot for
// the writer once every reader has advanced past it.
func (r *Reader) RemoveFrame() {
	if r.q != nil {
		_ = r.q.ReleaseFront(r.ID)
	}
}

// Stats returns this reader's average delay and lost-block count.
func (r *Reader) Stats() (avgDelayNanos int64, lostBlocks uint64) {
	if r.q == nil {
		return 0, 0
	}
	d, l, _ := r.q.ReaderStats(r.ID)
	return int64(d), l
}

// Disconnect detaches this reader from its queue.
func (r *Reader) Disconnect() {
	if r.q != nil {
		r.q.RemoveReader(r.ID)
	}
	r.q = nil
	r.connected = false
}
