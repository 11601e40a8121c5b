package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer of PCM16 samples. When full, writes
// overwrite the oldest samples, so it always holds the most recent audio.
type RingBuffer struct {
	buffer []int16
	size   int
	read   int
	count  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer holding at most size samples
func NewRingBuffer(size int) *RingBuffer {
	if size < 0 {
		size = 0
	}
	return &RingBuffer{
		buffer: make([]int16, size),
		size:   size,
	}
}

// Write appends samples, dropping the oldest ones once the buffer is full.
// Returns the number of samples now held.
func (rb *RingBuffer) Write(samples []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return 0
	}
	// Only the tail can survive
	if len(samples) > rb.size {
		samples = samples[len(samples)-rb.size:]
	}
	for _, s := range samples {
		write := (rb.read + rb.count) % rb.size
		rb.buffer[write] = s
		if rb.count == rb.size {
			rb.read = (rb.read + 1) % rb.size
		} else {
			rb.count++
		}
	}
	return rb.count
}

// Read consumes up to len(data) of the oldest samples
// Returns the number of samples read
func (rb *RingBuffer) Read(data []int16) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := 0
	for n < len(data) && rb.count > 0 {
		data[n] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		rb.count--
		n++
	}
	return n
}

// Snapshot returns a copy of the held samples, oldest first, without consuming them
func (rb *RingBuffer) Snapshot() []int16 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]int16, rb.count)
	for i := 0; i < rb.count; i++ {
		out[i] = rb.buffer[(rb.read+i)%rb.size]
	}
	return out
}

// Available returns the number of samples held
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Capacity returns the maximum number of samples held
func (rb *RingBuffer) Capacity() int {
	return rb.size
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count == 0
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count == rb.size
}
