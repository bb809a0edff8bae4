package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/fluxion/internal/frame"
	"github.com/zsiec/fluxion/internal/queue"
)

type passthroughHook struct{}

func (passthroughHook) DoProcessFrame(in, out *frame.Frame) (int64, error) {
	out.SetSequenceNumber(in.Sequence)
	out.SetPresentationTime(in.PTS)
	out.SetData(in.Payload)
	return 1000, nil
}

// slowHook sleeps for delay before producing, then signals doneCh, so a
// test can observe whether some other event happened before or after it.
type slowHook struct {
	delay  time.Duration
	doneCh chan struct{}
}

func (h *slowHook) DoProcessFrame(in, out *frame.Frame) (int64, error) {
	time.Sleep(h.delay)
	out.SetSequenceNumber(in.Sequence)
	close(h.doneCh)
	return 1000, nil
}

func wireOneToOne(t *testing.T, id int, role Role, hook OneToOneProcessor, in *queue.FrameQueue, inReaderID int, out *queue.FrameQueue, outWriterID int) *OneToOneFilter {
	t.Helper()
	f := NewOneToOneFilter(id, KindEncoder, role, frame.KindVideo, 8, hook, inReaderID, outWriterID)
	if in != nil {
		r, err := queue.NewReader(inReaderID, in)
		require.NoError(t, err)
		f.AddReader(r)
	}
	f.AddWriter(queue.NewWriter(outWriterID, out))
	return f
}

// TestMasterSlaveOrdering: the master's output commit is observable only
// after every slave's processing hook for that cycle's frame has
// returned.
func TestMasterSlaveOrdering(t *testing.T) {
	srcQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	masterOutQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	slaveAOutQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	slaveBOutQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	require.NoError(t, masterOutQ.AddReader(99))

	slaveADone := make(chan struct{})
	slaveBDone := make(chan struct{})
	slaveAHook := &slowHook{delay: 15 * time.Millisecond, doneCh: slaveADone}
	slaveBHook := &slowHook{delay: 5 * time.Millisecond, doneCh: slaveBDone}

	master := wireOneToOne(t, 1, RoleMaster, passthroughHook{}, srcQ, 1, masterOutQ, 1)
	slaveA := wireOneToOne(t, 2, RoleSlave, slaveAHook, nil, 0, slaveAOutQ, 1)
	slaveB := wireOneToOne(t, 3, RoleSlave, slaveBHook, nil, 0, slaveBOutQ, 1)

	group := NewGroup(master, slaveA, slaveB)
	require.ElementsMatch(t, []int{2, 3}, group.SlaveIDs())

	fr, ok := srcQ.GetRear()
	require.True(t, ok)
	fr.SetSequenceNumber(1)
	fr.SetPresentationTime(1000)
	srcQ.Commit()

	result := group.RunCycle(context.Background())
	require.Equal(t, StatusOK, result.Status)

	// By the time RunCycle returns, both slaves must already have
	// finished (their done channels closed) — RunCycle waits on them
	// before committing, and only returns after committing.
	select {
	case <-slaveADone:
	default:
		t.Fatal("slow slave A had not finished when RunCycle returned")
	}
	select {
	case <-slaveBDone:
	default:
		t.Fatal("slow slave B had not finished when RunCycle returned")
	}

	_, ok, err := masterOutQ.GetFront(99)
	require.NoError(t, err)
	require.True(t, ok, "master output must be committed once RunCycle returns")
}

// TestMasterSlaveFanOut: each slave produces exactly one output frame per
// master cycle, with matching PTS.
func TestMasterSlaveFanOut(t *testing.T) {
	srcQ := queue.New(frame.KindVideo, queue.Config{Capacity: 8, FrameCapacity: 16})
	masterOutQ := queue.New(frame.KindVideo, queue.Config{Capacity: 8, FrameCapacity: 16})
	slaveOutQ := queue.New(frame.KindVideo, queue.Config{Capacity: 8, FrameCapacity: 16})

	master := wireOneToOne(t, 1, RoleMaster, passthroughHook{}, srcQ, 1, masterOutQ, 1)
	slave := wireOneToOne(t, 2, RoleSlave, passthroughHook{}, nil, 0, slaveOutQ, 1)
	group := NewGroup(master, slave)
	require.NoError(t, slaveOutQ.AddReader(99))

	const n = 50
	var gotPTS []int64
	for i := int64(1); i <= n; i++ {
		fr, ok := srcQ.GetRear()
		require.True(t, ok)
		fr.SetSequenceNumber(uint64(i))
		fr.SetPresentationTime(i * 40000)
		srcQ.Commit()

		result := group.RunCycle(context.Background())
		require.Equal(t, StatusOK, result.Status)

		// Drain the slave's 8-slot output every cycle so it never fills.
		for {
			fr, ok, err := slaveOutQ.GetFront(99)
			require.NoError(t, err)
			if !ok {
				break
			}
			gotPTS = append(gotPTS, fr.PTS)
			require.NoError(t, slaveOutQ.ReleaseFront(99))
		}
	}
	require.Len(t, gotPTS, n)
	for i, pts := range gotPTS {
		require.Equal(t, int64(i+1)*40000, pts)
	}
}

// TestSlaveCannotBeScheduledDirectly ensures a slave filter's Process
// refuses to run outside its group.
func TestSlaveCannotBeScheduledDirectly(t *testing.T) {
	masterOutQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	slaveOutQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})
	srcQ := queue.New(frame.KindVideo, queue.Config{Capacity: 4, FrameCapacity: 16})

	master := wireOneToOne(t, 1, RoleMaster, passthroughHook{}, srcQ, 1, masterOutQ, 1)
	slave := wireOneToOne(t, 2, RoleSlave, passthroughHook{}, nil, 0, slaveOutQ, 1)
	NewGroup(master, slave)

	result := slave.Process(context.Background())
	require.Equal(t, StatusRetry, result.Status)
}
