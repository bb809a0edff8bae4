package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEventAtomicity: events pushed before a Drain call are all returned
// by it; events pushed after are held back for the next Drain.
func TestEventAtomicity(t *testing.T) {
	ib := NewInbox(16)
	ib.Push(Event{Action: "a"})
	ib.Push(Event{Action: "b"})

	first := ib.Drain(10)
	require.Len(t, first, 2)

	ib.Push(Event{Action: "c"})
	second := ib.Drain(10)
	require.Len(t, second, 1)
	require.Equal(t, "c", second[0].Action)
}

func TestEventDelayedDelivery(t *testing.T) {
	ib := NewInbox(16)
	ib.Push(Event{Action: "now"})
	ib.Push(Event{Action: "later", DeliverAt: time.Now().Add(time.Hour)})

	drained := ib.Drain(10)
	require.Len(t, drained, 1)
	require.Equal(t, "now", drained[0].Action)
	require.Equal(t, 1, ib.Len())
}

func TestInboxDropsOldestWhenFull(t *testing.T) {
	ib := NewInbox(2)
	ib.Push(Event{Action: "1"})
	ib.Push(Event{Action: "2"})
	ib.Push(Event{Action: "3"})

	drained := ib.Drain(10)
	require.Len(t, drained, 2)
	require.Equal(t, "2", drained[0].Action)
	require.Equal(t, "3", drained[1].Action)
}
