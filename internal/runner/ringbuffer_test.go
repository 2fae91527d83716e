package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBuffer_RetainsUnderCapacity(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(16)
	_, err := rb.Write([]byte("hello"))
	require.NoError(t, err)

	require.Equal(t, "hello", string(rb.Bytes()))
}

func TestRingBuffer_DropsOldestOverCapacity(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(4)
	_, err := rb.Write([]byte("abcdef"))
	require.NoError(t, err)

	require.Equal(t, "cdef", string(rb.Bytes()))
}

func TestRingBuffer_MultipleWritesWrapCorrectly(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(5)
	_, _ = rb.Write([]byte("abc"))
	_, _ = rb.Write([]byte("de"))
	_, _ = rb.Write([]byte("fg"))

	require.Equal(t, "cdefg", string(rb.Bytes()))
}

func TestEventRing_DropsOldestOverMax(t *testing.T) {
	t.Parallel()

	ring := NewEventRing(2)
	ring.Push(ActivityEvent{Kind: "a"})
	ring.Push(ActivityEvent{Kind: "b"})
	ring.Push(ActivityEvent{Kind: "c"})

	snap := ring.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "b", snap[0].Kind)
	require.Equal(t, "c", snap[1].Kind)
}

func TestEventRing_SnapshotIsACopy(t *testing.T) {
	t.Parallel()

	ring := NewEventRing(10)
	ring.Push(ActivityEvent{Kind: "a"})

	snap := ring.Snapshot()
	snap[0].Kind = "mutated"

	require.Equal(t, "a", ring.Snapshot()[0].Kind)
}
