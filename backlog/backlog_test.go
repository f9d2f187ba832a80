package backlog

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestAppendAdvancesOffset(t *testing.T) {
	b := New(MinCapacity)
	assert.Equal(t, b.Offset(), int64(0))

	b.Append([]byte("hello"))
	assert.Equal(t, b.Offset(), int64(5))

	first, last := b.Window()
	assert.Equal(t, first, int64(1))
	assert.Equal(t, last, int64(5))
}

func TestSliceRoundTrip(t *testing.T) {
	b := New(MinCapacity)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))

	got, err := b.Slice(1)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hello world")

	got, err = b.Slice(7)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "world")
}

func TestSliceAtCurrentOffsetIsEmpty(t *testing.T) {
	b := New(MinCapacity)
	b.Append([]byte("hi"))
	got, err := b.Slice(3)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 0)
}

func TestSliceWrapAround(t *testing.T) {
	b := New(MinCapacity)
	b.Append(make([]byte, MinCapacity-6))
	b.Append([]byte("abcdef")) // now at capacity, no wrap yet
	b.Append([]byte("ghij"))   // forces wraparound over the oldest bytes

	first, last := b.Window()
	got, err := b.Slice(first)
	assert.NilError(t, err)
	assert.Equal(t, int64(len(got)), last-first+1)
}

func TestSliceOutsideWindowErrors(t *testing.T) {
	b := New(MinCapacity)
	b.Append(make([]byte, MinCapacity+4)) // overruns capacity

	_, err := b.Slice(1)
	assert.ErrorIs(t, err, ErrOffsetUnavailable)
}

func TestResizeFlushesNotCopies(t *testing.T) {
	b := New(MinCapacity)
	b.Append([]byte("some data"))
	offsetBefore := b.Offset()

	b.Resize(MinCapacity * 2)

	first, last := b.Window()
	assert.Equal(t, first, offsetBefore+1)
	assert.Equal(t, last, offsetBefore) // empty window: last < first
	assert.Equal(t, b.Offset(), offsetBefore)

	_, err := b.Slice(1)
	assert.ErrorIs(t, err, ErrOffsetUnavailable)
}

func TestFreeDeactivates(t *testing.T) {
	b := New(MinCapacity)
	assert.Equal(t, b.Active(), true)
	b.Free()
	assert.Equal(t, b.Active(), false)
}

func TestMinCapacityClamp(t *testing.T) {
	b := New(1)
	_, last := b.Window()
	assert.Equal(t, last, int64(0))
	b.Append([]byte("x"))
	assert.Equal(t, b.Offset(), int64(1))
}
