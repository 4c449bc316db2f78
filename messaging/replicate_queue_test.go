package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplicateQueueFanOut(t *testing.T) {
	q := NewReplicateQueue[int]()
	r1 := q.GetReader(16)
	r2 := q.GetReader(16)
	require.Equal(t, 2, q.NumReaders())

	for i := 0; i < 8; i++ {
		q.Push(i)
	}

	for i := 0; i < 8; i++ {
		require.Equal(t, i, <-r1.Chan())
		require.Equal(t, i, <-r2.Chan())
	}
}

func TestReplicateQueueCloseEndsAllReaders(t *testing.T) {
	q := NewReplicateQueue[string]()
	r := q.GetReader(4)
	q.Push("hello")
	require.Equal(t, "hello", <-r.Chan())

	q.Close()

	_, ok := <-r.Chan()
	require.False(t, ok, "reader channel should be closed after queue close")
}

func TestReplicateQueueReaderDetach(t *testing.T) {
	q := NewReplicateQueue[int]()
	r := q.GetReader(4)
	require.Equal(t, 1, q.NumReaders())
	r.Close()
	require.Equal(t, 0, q.NumReaders())
	// pushing after the only reader detaches must not panic or block
	q.Push(1)
}

func TestReplicateQueueLateReaderClosedImmediately(t *testing.T) {
	q := NewReplicateQueue[int]()
	q.Close()
	r := q.GetReader(1)
	_, ok := <-r.Chan()
	require.False(t, ok)
}
