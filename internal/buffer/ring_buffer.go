// Package buffer provides a bounded ring of encoded event frames.
package buffer

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer holding the most recent
// frames up to a fixed count. When full, the oldest frame is discarded.
//
// It backs the history replay sent to live stream clients when they attach
// to a session.
type RingBuffer struct {
	frames   [][]byte
	start    int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRingBuffer creates a RingBuffer holding up to capacity frames.
// A capacity below 1 defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		frames:   make([][]byte, capacity),
		capacity: capacity,
	}
}

// Push appends a copy of frame, evicting the oldest frame when full.
// Empty frames are ignored.
func (rb *RingBuffer) Push(frame []byte) {
	if len(frame) == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size < rb.capacity {
		rb.frames[(rb.start+rb.size)%rb.capacity] = cp
		rb.size++
		return
	}
	rb.frames[rb.start] = cp
	rb.start = (rb.start + 1) % rb.capacity
}

// Snapshot returns the buffered frames oldest first. The outer slice is
// a copy; frames themselves are never mutated after Push.
func (rb *RingBuffer) Snapshot() [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}
	out := make([][]byte, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.frames[(rb.start+i)%rb.capacity]
	}
	return out
}

// Clear drops every frame.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.frames {
		rb.frames[i] = nil
	}
	rb.start, rb.size = 0, 0
}

// Len returns the number of buffered frames.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}
