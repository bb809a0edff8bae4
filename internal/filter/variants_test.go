package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/fluxion/internal/frame"
	"github.com/zsiec/fluxion/internal/queue"
)

type countingHeadHook struct {
	remaining int
	seq       uint64
}

func (h *countingHeadHook) DoProcessFrame(writerID int, out *frame.Frame) (bool, int64, error) {
	if h.remaining <= 0 {
		return false, 2000, nil
	}
	out.SetSequenceNumber(h.seq)
	out.SetPresentationTime(int64(h.seq) * 1000)
	h.seq++
	h.remaining--
	return true, 1000, nil
}

func TestHeadFilterProducesUntilExhausted(t *testing.T) {
	outQ := queue.New(frame.KindVideo, queue.Config{Capacity: 8, FrameCapacity: 16})
	hook := &countingHeadHook{remaining: 3}
	f := NewHeadFilter(1, KindReceiver, RoleNetwork, frame.KindVideo, 8, hook)
	f.AddWriter(queue.NewWriter(0, outQ))
	require.NoError(t, outQ.AddReader(99))

	result := f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)
	result = f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)
	result = f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)

	result = f.Process(context.Background())
	require.Equal(t, StatusRetry, result.Status)

	var got []uint64
	for {
		fr, ok, err := outQ.GetFront(99)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, fr.Sequence)
		require.NoError(t, outQ.ReleaseFront(99))
	}
	require.Equal(t, []uint64{0, 1, 2}, got)
}

type recordingTailHook struct {
	calls [][]uint64
}

func (h *recordingTailHook) DoProcessFrame(ins map[int]*frame.Frame) (int64, error) {
	var seqs []uint64
	for _, in := range ins {
		seqs = append(seqs, in.Sequence)
	}
	h.calls = append(h.calls, seqs)
	return 1000, nil
}

func TestTailFilterReadsRegisteredSubset(t *testing.T) {
	q1 := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	q2 := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})

	hook := &recordingTailHook{}
	f := NewTailFilter(1, KindTransmitter, RoleNetwork, frame.KindVideo, 8, hook, nil)

	r1, err := queue.NewReader(1, q1)
	require.NoError(t, err)
	f.AddReader(r1)
	r2, err := queue.NewReader(2, q2)
	require.NoError(t, err)
	f.AddReader(r2)

	fr1, ok := q1.GetRear()
	require.True(t, ok)
	fr1.SetSequenceNumber(10)
	q1.Commit()

	fr2, ok := q2.GetRear()
	require.True(t, ok)
	fr2.SetSequenceNumber(20)
	q2.Commit()

	result := f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)
	require.Len(t, hook.calls, 1)
	require.ElementsMatch(t, []uint64{10, 20}, hook.calls[0])
}

func TestTailFilterRetriesWhenNothingReady(t *testing.T) {
	q1 := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	hook := &recordingTailHook{}
	f := NewTailFilter(1, KindTransmitter, RoleNetwork, frame.KindVideo, 8, hook, nil)
	r1, err := queue.NewReader(1, q1)
	require.NoError(t, err)
	f.AddReader(r1)

	result := f.Process(context.Background())
	require.Equal(t, StatusRetry, result.Status)
	require.Empty(t, hook.calls)
}

type splitterHook struct{}

func (splitterHook) DoProcessFrame(in *frame.Frame, writerID int, out *frame.Frame) (bool, int64, error) {
	out.SetSequenceNumber(in.Sequence)
	out.SetPresentationTime(in.PTS)
	return true, 1000, nil
}

func TestOneToManyFilterFansOutToEveryWriter(t *testing.T) {
	inQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	outA := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	outB := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})

	f := NewOneToManyFilter(1, KindSplitter, RoleBestEffort, frame.KindVideo, 8, splitterHook{}, 1)
	r, err := queue.NewReader(1, inQ)
	require.NoError(t, err)
	f.AddReader(r)
	f.AddWriter(queue.NewWriter(1, outA))
	f.AddWriter(queue.NewWriter(2, outB))
	require.NoError(t, outA.AddReader(99))
	require.NoError(t, outB.AddReader(99))

	fr, ok := inQ.GetRear()
	require.True(t, ok)
	fr.SetSequenceNumber(7)
	fr.SetPresentationTime(7000)
	inQ.Commit()

	result := f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)

	frA, ok, err := outA.GetFront(99)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7000), frA.PTS)

	frB, ok, err := outB.GetFront(99)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7000), frB.PTS)
}

// TestOneToOneFilterBacksOutWhenDownstreamFull: a stalled output edge
// must not consume the input frame, and must not keep the input slot
// lent across retries — once the stall clears, the frame flows, and an
// overwriting writer can still reclaim the input queue's slots during
// the stall.
func TestOneToOneFilterBacksOutWhenDownstreamFull(t *testing.T) {
	inQ := queue.New(frame.KindVideo, queue.Config{Capacity: 2, FrameCapacity: 16, DropPolicy: queue.DropOldestOverwrite})
	outQ := queue.New(frame.KindVideo, queue.Config{Capacity: 1, FrameCapacity: 16})
	require.NoError(t, outQ.AddReader(99)) // stalled consumer: never releases

	f := NewOneToOneFilter(1, KindEncoder, RoleBestEffort, frame.KindVideo, 8, passthroughHook{}, 1, 1)
	r, err := queue.NewReader(1, inQ)
	require.NoError(t, err)
	f.AddReader(r)
	f.AddWriter(queue.NewWriter(1, outQ))

	commit := func(seq uint64) bool {
		fr, ok := inQ.GetRear()
		if !ok {
			return false
		}
		fr.SetSequenceNumber(seq)
		inQ.Commit()
		return true
	}

	require.True(t, commit(1))
	result := f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status) // fills the single output slot

	require.True(t, commit(2))
	for i := 0; i < 5; i++ {
		result = f.Process(context.Background())
		require.Equal(t, StatusRetry, result.Status, "output full, input must be left for retry")
	}

	// The retries left nothing lent: the full input queue can still
	// overwrite its oldest slot.
	require.True(t, commit(3))
	require.True(t, commit(4), "input slot must be reclaimable despite the stalled retries")

	// Stall clears; the next cycle consumes the oldest surviving frame.
	gotOut, ok, err := outQ.GetFront(99)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), gotOut.Sequence)
	require.NoError(t, outQ.ReleaseFront(99))

	result = f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)

	gotOut, ok, err = outQ.GetFront(99)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), gotOut.Sequence)
}

// TestOneToOneFilterRaisesInputConfigChanged: a mid-stream geometry
// change makes the filter signal itself, and the event is observed at the
// next invocation.
func TestOneToOneFilterRaisesInputConfigChanged(t *testing.T) {
	inQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	outQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})

	f := NewOneToOneFilter(1, KindEncoder, RoleBestEffort, frame.KindVideo, 8, passthroughHook{}, 1, 1)
	r, err := queue.NewReader(1, inQ)
	require.NoError(t, err)
	f.AddReader(r)
	f.AddWriter(queue.NewWriter(1, outQ))

	reconfigured := 0
	f.OnAction(ActionInputConfigChanged, func(Event) error {
		reconfigured++
		return nil
	})

	commit := func(w, h int, intra bool) {
		fr, ok := inQ.GetRear()
		require.True(t, ok)
		fr.FillVideoMetadata("raw", frame.VideoGeometry{Width: w, Height: h, IsIntra: intra})
		inQ.Commit()
	}

	commit(1280, 720, true)
	f.Process(context.Background())
	commit(1280, 720, false) // IsIntra alone is per-frame, not drift
	f.Process(context.Background())
	require.Zero(t, reconfigured)

	commit(640, 360, true)
	f.Process(context.Background())
	require.Zero(t, reconfigured, "drift event is raised for the next invocation, not this one")

	f.Process(context.Background())
	require.Equal(t, 1, reconfigured)
}

type sumMixerHook struct{}

func (sumMixerHook) DoProcessFrame(ins map[int]*frame.Frame, out *frame.Frame) (bool, int64, error) {
	var total uint64
	for _, in := range ins {
		total += in.Sequence
	}
	out.SetSequenceNumber(total)
	return true, 1000, nil
}

func TestManyToOneFilterMixesReadersWithPendingData(t *testing.T) {
	q1 := queue.New(frame.KindAudio, queue.Config{Capacity: 4, FrameCapacity: 16})
	q2 := queue.New(frame.KindAudio, queue.Config{Capacity: 4, FrameCapacity: 16})
	outQ := queue.New(frame.KindAudio, queue.Config{Capacity: 4, FrameCapacity: 16})

	f := NewManyToOneFilter(1, KindMixer, RoleBestEffort, frame.KindAudio, 8, sumMixerHook{}, 0)
	r1, err := queue.NewReader(1, q1)
	require.NoError(t, err)
	f.AddReader(r1)
	f.AddWriter(queue.NewWriter(0, outQ))
	require.NoError(t, outQ.AddReader(99))

	fr1, ok := q1.GetRear()
	require.True(t, ok)
	fr1.SetSequenceNumber(3)
	q1.Commit()

	// Only one of two intended readers is attached yet — Process still
	// runs against whatever readers are currently registered.
	result := f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)

	r2, err := queue.NewReader(2, q2)
	require.NoError(t, err)
	f.AddReader(r2)

	result = f.Process(context.Background())
	require.Equal(t, StatusRetry, result.Status, "no data pending on either reader this cycle")

	fr2, ok := q2.GetRear()
	require.True(t, ok)
	fr2.SetSequenceNumber(4)
	q2.Commit()
	fr1b, ok := q1.GetRear()
	require.True(t, ok)
	fr1b.SetSequenceNumber(5)
	q1.Commit()

	result = f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status)

	var sums []uint64
	for {
		fr, ok, err := outQ.GetFront(99)
		require.NoError(t, err)
		if !ok {
			break
		}
		sums = append(sums, fr.Sequence)
		require.NoError(t, outQ.ReleaseFront(99))
	}
	require.Equal(t, []uint64{3, 9}, sums)
}

// TestManyToOneFilterBacksOutWhenDownstreamFull mirrors the one-to-one
// case: a full output edge leaves every pending input unconsumed and
// unlent, so the input queues stay overwritable during the stall.
func TestManyToOneFilterBacksOutWhenDownstreamFull(t *testing.T) {
	inQ := queue.New(frame.KindAudio, queue.Config{Capacity: 2, FrameCapacity: 16, DropPolicy: queue.DropOldestOverwrite})
	outQ := queue.New(frame.KindAudio, queue.Config{Capacity: 1, FrameCapacity: 16})
	require.NoError(t, outQ.AddReader(99)) // stalled consumer

	f := NewManyToOneFilter(1, KindMixer, RoleBestEffort, frame.KindAudio, 8, sumMixerHook{}, 0)
	r1, err := queue.NewReader(1, inQ)
	require.NoError(t, err)
	f.AddReader(r1)
	f.AddWriter(queue.NewWriter(0, outQ))

	commit := func(seq uint64) bool {
		fr, ok := inQ.GetRear()
		if !ok {
			return false
		}
		fr.SetSequenceNumber(seq)
		inQ.Commit()
		return true
	}

	require.True(t, commit(1))
	result := f.Process(context.Background())
	require.Equal(t, StatusOK, result.Status) // fills the single output slot

	require.True(t, commit(2))
	for i := 0; i < 3; i++ {
		result = f.Process(context.Background())
		require.Equal(t, StatusRetry, result.Status)
	}

	require.True(t, commit(3))
	require.True(t, commit(4), "input slot must be reclaimable despite the stalled retries")
}
