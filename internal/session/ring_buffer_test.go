package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeActivity(id int) Activity {
	return Activity{
		Type:      ActivityFileCreated,
		Filename:  fmt.Sprintf("file-%d", id),
		Timestamp: time.Now().UTC(),
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	assert.Empty(t, rb.ReadAll())
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(makeActivity(i))
	}

	entries := rb.ReadAll()
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("file-%d", i), e.Filename)
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(makeActivity(i))
	}

	entries := rb.ReadAll()
	require.Len(t, entries, 5)
	// Oldest three dropped.
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("file-%d", i+3), e.Filename)
	}
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		rb.Write(makeActivity(i))
	}

	entries := rb.ReadAll()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("file-%d", i), e.Filename)
	}
}

func TestRingBuffer_ZeroCapacityClamped(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Write(makeActivity(1))
	rb.Write(makeActivity(2))

	entries := rb.ReadAll()
	require.Len(t, entries, 1)
	assert.Equal(t, "file-2", entries[0].Filename)
}
