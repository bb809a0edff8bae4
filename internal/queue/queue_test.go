package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/fluxion/internal/frame"
)

func newTestQueue(t *testing.T, capacity int, policy DropPolicy) *FrameQueue {
	t.Helper()
	return New(frame.KindVideo, Config{
		Capacity:      capacity,
		FrameCapacity: 16,
		DropPolicy:    policy,
		OriginEpoch:   time.Now(),
	})
}

// TestQueueOrdering: sequence numbers seen by a reader strictly increase.
func TestQueueOrdering(t *testing.T) {
	q := newTestQueue(t, 4, DropProducerSkip)
	require.NoError(t, q.AddReader(1))

	for i := uint64(1); i <= 10; i++ {
		fr, ok := q.GetRear()
		require.True(t, ok)
		fr.SetSequenceNumber(i)
		fr.SetPresentationTime(int64(i) * 1000)
		q.Commit()

		got, ok, err := q.GetFront(1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, got.Sequence)
		require.NoError(t, q.ReleaseFront(1))
	}
}

// TestNoTornReads: a slot lent to a reader is never returned by GetRear
// in oldest-overwrite mode.
func TestNoTornReads(t *testing.T) {
	q := newTestQueue(t, 2, DropOldestOverwrite)
	require.NoError(t, q.AddReader(1))

	for i := uint64(1); i <= 2; i++ {
		fr, ok := q.GetRear()
		require.True(t, ok)
		fr.SetSequenceNumber(i)
		q.Commit()
	}

	lent, ok, err := q.GetFront(1) // lend slot 0 (seq 1) to reader 1, do not release
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), lent.Sequence)

	// Queue is full (2/2). The victim would be slot 0, but it's lent.
	_, ok = q.GetRear()
	require.False(t, ok, "writer must not overwrite a slot currently lent to a reader")

	require.NoError(t, q.ReleaseFront(1))

	// Now the victim is free; oldest-overwrite may proceed and the
	// straggling reader's front advances with a recorded lost block.
	fr, ok := q.GetRear()
	require.True(t, ok)
	fr.SetSequenceNumber(3)
	q.Commit()

	_, lost, err2 := q.ReaderStats(1)
	require.NoError(t, err2)
	require.Equal(t, uint64(1), lost)
}

// TestStateMonotonicity: avg delay is never negative and lost blocks
// never decreases.
func TestStateMonotonicity(t *testing.T) {
	q := newTestQueue(t, 2, DropOldestOverwrite)
	require.NoError(t, q.AddReader(1))

	var lastLost uint64
	for i := uint64(1); i <= 20; i++ {
		fr, ok := q.GetRear()
		if !ok {
			continue
		}
		fr.SetSequenceNumber(i)
		fr.SetPresentationTime(int64(i) * 1000)
		q.Commit()

		if i%3 == 0 {
			_, ok, err := q.GetFront(1)
			require.NoError(t, err)
			if ok {
				require.NoError(t, q.ReleaseFront(1))
			}
		}

		delay, lost, err := q.ReaderStats(1)
		require.NoError(t, err)
		require.GreaterOrEqual(t, delay, time.Duration(0))
		require.GreaterOrEqual(t, lost, lastLost)
		lastLost = lost
	}
}

// TestBackPressureBound: producer-skip bounds growth; the number of
// resident unread frames never exceeds queue capacity.
func TestBackPressureBound(t *testing.T) {
	q := newTestQueue(t, 4, DropProducerSkip)
	require.NoError(t, q.AddReader(1))

	committed := 0
	for i := 0; i < 100; i++ {
		if _, ok := q.GetRear(); ok {
			q.Commit()
			committed++
		}
	}
	pending, err := q.Pending(1)
	require.NoError(t, err)
	require.LessOrEqual(t, pending, q.Capacity())
}

// TestUngetFrontReleasesLentSlot: a consumer that backs out of a read
// leaves the slot overwritable, and the next GetFront returns the same
// frame.
func TestUngetFrontReleasesLentSlot(t *testing.T) {
	q := newTestQueue(t, 2, DropOldestOverwrite)
	require.NoError(t, q.AddReader(1))

	for i := uint64(1); i <= 2; i++ {
		fr, ok := q.GetRear()
		require.True(t, ok)
		fr.SetSequenceNumber(i)
		q.Commit()
	}

	got, ok, err := q.GetFront(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Sequence)
	require.NoError(t, q.UngetFront(1))

	// The handed-back slot is no longer lent: the full queue may now
	// reclaim it by overwrite.
	fr, ok := q.GetRear()
	require.True(t, ok)
	fr.SetSequenceNumber(3)
	q.Commit()

	_, lost, err := q.ReaderStats(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lost)

	// Backing out repeatedly never accumulates lends.
	for i := 0; i < 5; i++ {
		_, ok, err := q.GetFront(1)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.UngetFront(1))
	}
	fr, ok = q.GetRear()
	require.True(t, ok)
	fr.SetSequenceNumber(4)
	q.Commit()
}

func TestShareReaderStartsAtSourcePosition(t *testing.T) {
	q := newTestQueue(t, 4, DropProducerSkip)
	require.NoError(t, q.AddReader(1))

	fr, ok := q.GetRear()
	require.True(t, ok)
	fr.SetSequenceNumber(1)
	q.Commit()

	_, ok, err := q.GetFront(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.ReleaseFront(1))

	require.NoError(t, q.ShareReader(1, 2))
	_, ok, err = q.GetFront(2)
	require.NoError(t, err)
	require.False(t, ok, "shared reader starts where the source reader currently is, not at the beginning")
}

func TestAddReaderDuplicateRejected(t *testing.T) {
	q := newTestQueue(t, 4, DropProducerSkip)
	require.NoError(t, q.AddReader(1))
	require.ErrorIs(t, q.AddReader(1), ErrReaderExists)
}
