package filter

import (
	"context"
	"sync/atomic"

	"github.com/zsiec/fluxion/internal/frame"
	"github.com/zsiec/fluxion/internal/queue"
)

// defaultRetryHintMicros is the back-off used when a filter has nothing to
// do this cycle (no input ready, or downstream full).
const defaultRetryHintMicros = int64(2000)

// errCounters is embedded by every variant: a runtime frame error is
// logged, the frame dropped, and the counter incremented; the filter
// continues, with no retry inside the same invocation.
type errCounters struct {
	dropped atomic.Uint64
}

func (e *errCounters) recordDrop() { e.dropped.Add(1) }
func (e *errCounters) Dropped() uint64 { return e.dropped.Load() }

// HeadProcessor is the hook for producer filters with no inputs
// (receivers, capture devices). It is invoked once per registered writer
// per cycle; returning produced=false means this writer had nothing to
// emit this cycle (e.g. a demuxer whose audio writer has no pending
// frame yet).
type HeadProcessor interface {
	DoProcessFrame(writerID int, out *frame.Frame) (produced bool, nextHintMicros int64, err error)
}

// HeadFilter is the producer variant: no inputs, writes to every
// connected writer, commits.
type HeadFilter struct {
	*Base
	errCounters
	hook HeadProcessor
}

// NewHeadFilter constructs a HeadFilter around hook.
func NewHeadFilter(id int, kind Kind, role Role, mediaKind frame.Kind, eventBatch int, hook HeadProcessor) *HeadFilter {
	return &HeadFilter{Base: NewBase(id, kind, role, ShapeHead, mediaKind, eventBatch), hook: hook}
}

func (f *HeadFilter) Process(ctx context.Context) Result {
	f.drainEvents()

	producedAny := false
	hint := int64(-1)
	for _, wid := range f.writerIDs() {
		w, ok := f.writer(wid)
		if !ok {
			continue
		}
		rear, ok := w.GetFrame()
		if !ok {
			continue // downstream full, producer-skip
		}
		produced, h, err := f.hook.DoProcessFrame(wid, rear)
		if err != nil {
			f.log.Error("head filter process failed", "writer", wid, "error", err)
			f.recordDrop()
			continue
		}
		if produced {
			w.Commit()
			producedAny = true
		}
		if hint < 0 || h < hint {
			hint = h
		}
	}
	if hint < 0 {
		hint = defaultRetryHintMicros
	}
	status := StatusOK
	if !producedAny {
		status = StatusRetry
	}
	return Result{Status: status, HintMicros: hint}
}

func (f *HeadFilter) GetState() map[string]any {
	m := f.Base.GetState()
	m["dropped"] = f.Dropped()
	return m
}

// TailProcessor is the hook for consumer filters (transmitters,
// segmenters). ins holds one entry per reader that had data this cycle.
type TailProcessor interface {
	DoProcessFrame(ins map[int]*frame.Frame) (nextHintMicros int64, err error)
}

// TailFilter is the consumer variant: reads one frame from each reader in
// a subset, processes, no outputs.
type TailFilter struct {
	*Base
	errCounters
	hook    TailProcessor
	subset  []int // reader ids this filter reads from; nil means "all"
}

// NewTailFilter constructs a TailFilter around hook. subset restricts
// which readers participate; pass nil to read every registered reader.
func NewTailFilter(id int, kind Kind, role Role, mediaKind frame.Kind, eventBatch int, hook TailProcessor, subset []int) *TailFilter {
	return &TailFilter{Base: NewBase(id, kind, role, ShapeTail, mediaKind, eventBatch), hook: hook, subset: subset}
}

func (f *TailFilter) readerSubset() []int {
	if f.subset != nil {
		return f.subset
	}
	return f.readerIDs()
}

func (f *TailFilter) Process(ctx context.Context) Result {
	f.drainEvents()

	ins := make(map[int]*frame.Frame)
	readersUsed := make([]*queue.Reader, 0, len(f.subset))
	for _, rid := range f.readerSubset() {
		r, ok := f.reader(rid)
		if !ok {
			continue
		}
		fr, ok := r.GetFrame()
		if !ok {
			continue
		}
		ins[rid] = fr
		readersUsed = append(readersUsed, r)
	}
	if len(ins) == 0 {
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}

	hint, err := f.hook.DoProcessFrame(ins)
	for _, r := range readersUsed {
		r.RemoveFrame()
	}
	if err != nil {
		f.log.Error("tail filter process failed", "error", err)
		f.recordDrop()
		return Result{Status: StatusOK, HintMicros: defaultRetryHintMicros}
	}
	return Result{Status: StatusOK, HintMicros: hint}
}

func (f *TailFilter) GetState() map[string]any {
	m := f.Base.GetState()
	m["dropped"] = f.Dropped()
	return m
}

// OneToOneProcessor is the hook for decoders, resamplers, and encoders.
type OneToOneProcessor interface {
	DoProcessFrame(in *frame.Frame, out *frame.Frame) (nextHintMicros int64, err error)
}

// OneToOneFilter is the single-input, single-output variant.
type OneToOneFilter struct {
	*Base
	errCounters
	hook     OneToOneProcessor
	readerID int
	writerID int

	// Last observed input geometry, for configuration-drift detection:
	// a change pushes ActionInputConfigChanged to this filter's own
	// inbox, drained at the next invocation.
	haveGeom  bool
	lastVideo frame.VideoGeometry
	lastAudio frame.AudioGeometry
}

// NewOneToOneFilter constructs a OneToOneFilter around hook, bound to a
// single reader id and a single writer id (both registered separately via
// AddReader/AddWriter once the graph connects this filter).
func NewOneToOneFilter(id int, kind Kind, role Role, mediaKind frame.Kind, eventBatch int, hook OneToOneProcessor, readerID, writerID int) *OneToOneFilter {
	return &OneToOneFilter{
		Base:     NewBase(id, kind, role, ShapeOneToOne, mediaKind, eventBatch),
		hook:     hook,
		readerID: readerID,
		writerID: writerID,
	}
}

// stage runs the event-drain and processing-hook steps without
// committing the writer, returning the staged output frame so a
// master/slave Group can hand it to slaves before commit.
func (f *OneToOneFilter) stage(ctx context.Context) (out *frame.Frame, in *frame.Frame, r *queue.Reader, w *queue.Writer, result Result, staged bool) {
	f.drainEvents()

	r, ok := f.reader(f.readerID)
	if !ok {
		return nil, nil, nil, nil, Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}, false
	}
	w, ok = f.writer(f.writerID)
	if !ok {
		return nil, nil, nil, nil, Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}, false
	}

	in, ok = r.GetFrame()
	if !ok {
		return nil, nil, r, w, Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}, false
	}
	f.noteInputGeometry(in)
	out, ok = w.GetFrame()
	if !ok {
		// Downstream full; hand the input slot back so it is neither
		// consumed nor held lent, and retry the whole read next cycle.
		r.UngetFrame()
		return nil, nil, r, w, Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}, false
	}

	hint, err := f.hook.DoProcessFrame(in, out)
	r.RemoveFrame()
	if err != nil {
		f.log.Error("one-to-one filter process failed", "error", err)
		f.recordDrop()
		return nil, in, r, w, Result{Status: StatusOK, HintMicros: defaultRetryHintMicros}, false
	}
	return out, in, r, w, Result{Status: StatusOK, HintMicros: hint}, true
}

// noteInputGeometry tracks the input frame's geometry across invocations
// and raises an ActionInputConfigChanged event to this filter's own inbox
// when it drifts. Per-frame fields (IsIntra, SampleCount) are excluded
// from the comparison.
func (f *OneToOneFilter) noteInputGeometry(in *frame.Frame) {
	switch in.Kind {
	case frame.KindVideo:
		g := in.Video
		g.IsIntra = false
		if f.haveGeom && g != f.lastVideo {
			f.PushEvent(Event{Action: ActionInputConfigChanged})
		}
		f.lastVideo = g
	case frame.KindAudio:
		g := in.Audio
		g.SampleCount = 0
		if f.haveGeom && g != f.lastAudio {
			f.PushEvent(Event{Action: ActionInputConfigChanged})
		}
		f.lastAudio = g
	}
	f.haveGeom = true
}

// Process is defined in masterslave.go, where it also accounts for
// filters that participate in a master/slave Group.

func (f *OneToOneFilter) GetState() map[string]any {
	m := f.Base.GetState()
	m["dropped"] = f.Dropped()
	return m
}

// OneToManyProcessor is the hook for splitters: the same input frame is
// offered to every writer in turn.
type OneToManyProcessor interface {
	DoProcessFrame(in *frame.Frame, writerID int, out *frame.Frame) (produced bool, nextHintMicros int64, err error)
}

// OneToManyFilter is the splitter variant: one input fanned out to every
// connected writer.
type OneToManyFilter struct {
	*Base
	errCounters
	hook     OneToManyProcessor
	readerID int
}

// NewOneToManyFilter constructs a OneToManyFilter around hook.
func NewOneToManyFilter(id int, kind Kind, role Role, mediaKind frame.Kind, eventBatch int, hook OneToManyProcessor, readerID int) *OneToManyFilter {
	return &OneToManyFilter{Base: NewBase(id, kind, role, ShapeOneToMany, mediaKind, eventBatch), hook: hook, readerID: readerID}
}

func (f *OneToManyFilter) Process(ctx context.Context) Result {
	f.drainEvents()

	r, ok := f.reader(f.readerID)
	if !ok {
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}
	in, ok := r.GetFrame()
	if !ok {
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}

	producedAny := false
	hint := int64(-1)
	for _, wid := range f.writerIDs() {
		w, ok := f.writer(wid)
		if !ok {
			continue
		}
		out, ok := w.GetFrame()
		if !ok {
			continue
		}
		produced, h, err := f.hook.DoProcessFrame(in, wid, out)
		if err != nil {
			f.log.Error("one-to-many filter process failed", "writer", wid, "error", err)
			f.recordDrop()
			continue
		}
		if produced {
			w.Commit()
			producedAny = true
		}
		if hint < 0 || h < hint {
			hint = h
		}
	}
	r.RemoveFrame()
	if hint < 0 {
		hint = defaultRetryHintMicros
	}
	status := StatusOK
	if !producedAny {
		status = StatusRetry
	}
	return Result{Status: status, HintMicros: hint}
}

func (f *OneToManyFilter) GetState() map[string]any {
	m := f.Base.GetState()
	m["dropped"] = f.Dropped()
	return m
}

// ManyToOneProcessor is the hook for mixers: ins holds one entry per
// reader that currently has data.
type ManyToOneProcessor interface {
	DoProcessFrame(ins map[int]*frame.Frame, out *frame.Frame) (produced bool, nextHintMicros int64, err error)
}

// ManyToOneFilter is the mixer variant: every reader with pending data
// feeds a single output.
type ManyToOneFilter struct {
	*Base
	errCounters
	hook     ManyToOneProcessor
	writerID int
}

// NewManyToOneFilter constructs a ManyToOneFilter around hook.
func NewManyToOneFilter(id int, kind Kind, role Role, mediaKind frame.Kind, eventBatch int, hook ManyToOneProcessor, writerID int) *ManyToOneFilter {
	return &ManyToOneFilter{Base: NewBase(id, kind, role, ShapeManyToOne, mediaKind, eventBatch), hook: hook, writerID: writerID}
}

func (f *ManyToOneFilter) Process(ctx context.Context) Result {
	f.drainEvents()

	ins := make(map[int]*frame.Frame)
	readersUsed := make([]*queue.Reader, 0)
	for _, rid := range f.readerIDs() {
		r, ok := f.reader(rid)
		if !ok {
			continue
		}
		fr, ok := r.GetFrame()
		if !ok {
			continue
		}
		ins[rid] = fr
		readersUsed = append(readersUsed, r)
	}
	if len(ins) == 0 {
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}

	w, ok := f.writer(f.writerID)
	if !ok {
		for _, r := range readersUsed {
			r.UngetFrame()
		}
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}
	out, ok := w.GetFrame()
	if !ok {
		// Downstream full; hand every input slot back so none is consumed
		// or held lent, and retry next cycle.
		for _, r := range readersUsed {
			r.UngetFrame()
		}
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}

	produced, hint, err := f.hook.DoProcessFrame(ins, out)
	for _, r := range readersUsed {
		r.RemoveFrame()
	}
	if err != nil {
		f.log.Error("many-to-one filter process failed", "error", err)
		f.recordDrop()
		return Result{Status: StatusOK, HintMicros: defaultRetryHintMicros}
	}
	if produced {
		w.Commit()
	}
	return Result{Status: StatusOK, HintMicros: hint}
}

func (f *ManyToOneFilter) GetState() map[string]any {
	m := f.Base.GetState()
	m["dropped"] = f.Dropped()
	return m
}
