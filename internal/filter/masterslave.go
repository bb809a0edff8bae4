package filter

import (
	"context"
	"sync"

	"github.com/zsiec/fluxion/internal/frame"
)

// Slave is the capability a filter must expose to participate in a
// master/slave group: it consumes a lent frame directly — never its own
// queue reader — and produces to its own writer.
type Slave interface {
	Processor
	// ProcessLent runs this slave's event-drain and processing hook
	// against a frame lent by the master (not read from a queue), then
	// commits its own writer on success.
	ProcessLent(ctx context.Context, in *frame.Frame) Result
}

// ProcessLent implements Slave for OneToOneFilter, the shape adaptive
// bitrate ladder rungs (resampler+encoder pairs) normally use.
func (f *OneToOneFilter) ProcessLent(ctx context.Context, in *frame.Frame) Result {
	f.drainEvents()
	f.noteInputGeometry(in)

	w, ok := f.writer(f.writerID)
	if !ok {
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}
	out, ok := w.GetFrame()
	if !ok {
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}

	hint, err := f.hook.DoProcessFrame(in, out)
	if err != nil {
		f.log.Error("slave process failed", "error", err)
		f.recordDrop()
		return Result{Status: StatusOK, HintMicros: defaultRetryHintMicros}
	}
	w.Commit()
	return Result{Status: StatusOK, HintMicros: hint}
}

// Process on a grouped slave must never be invoked directly by the
// scheduler — a slave is driven by its paired master. It returns
// StatusRetry rather than panicking, since a misconfigured worker pool is
// a scheduling bug, not a data-plane one.
func (f *OneToOneFilter) Process(ctx context.Context) Result {
	if f.group != nil && f.role == RoleSlave {
		return Result{Status: StatusRetry, HintMicros: defaultRetryHintMicros}
	}
	_, _, _, w, result, staged := f.stage(ctx)
	if staged {
		w.Commit()
	}
	return result
}

// Group binds one master filter to an ordered set of slaves that all
// consume the master's output frame by reference. The master's output
// commit is held back until every slave has finished processing that same
// cycle's frame.
type Group struct {
	master *OneToOneFilter
	slaves []Slave
}

// NewGroup creates a master/slave group. Every slave's Role must be
// RoleSlave; NewGroup sets group back-references so Process on a slave
// refuses direct scheduling.
func NewGroup(master *OneToOneFilter, slaves ...Slave) *Group {
	g := &Group{master: master, slaves: slaves}
	master.group = g
	for _, s := range slaves {
		if b, ok := s.(interface{ setGroup(*Group) }); ok {
			b.setGroup(g)
		}
	}
	return g
}

// setGroup lets OneToOneFilter participate as a slave without exporting
// the field directly.
func (f *OneToOneFilter) setGroup(g *Group) { f.group = g; f.role = RoleSlave }

// MasterID returns the id of the group's driving filter.
func (g *Group) MasterID() int { return g.master.ID() }

// SlaveIDs returns the ids of every slave in the group.
func (g *Group) SlaveIDs() []int {
	ids := make([]int, len(g.slaves))
	for i, s := range g.slaves {
		ids[i] = s.ID()
	}
	return ids
}

// RunCycle is the unit the WorkersPool schedules in place of the master's
// plain Process when grouped: stage the master's output, hand the same
// frame reference to every slave, wait for all slaves to finish, and only
// then commit the master's output.
func (g *Group) RunCycle(ctx context.Context) Result {
	out, _, _, w, masterResult, staged := g.master.stage(ctx)
	if !staged {
		return masterResult
	}

	var wg sync.WaitGroup
	wg.Add(len(g.slaves))
	for _, s := range g.slaves {
		s := s
		go func() {
			defer wg.Done()
			s.ProcessLent(ctx, out)
		}()
	}
	wg.Wait()

	w.Commit()
	return masterResult
}
