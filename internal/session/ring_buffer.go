package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of Activity entries.
// It lets clients joining a room see what happened recently.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []Activity
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]Activity, capacity),
		capacity: capacity,
	}
}

// Write appends an entry, overwriting the oldest when full.
func (rb *RingBuffer) Write(a Activity) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = a
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all entries oldest first.
func (rb *RingBuffer) ReadAll() []Activity {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]Activity, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]Activity, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
