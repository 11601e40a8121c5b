package audio

import (
	"errors"
	"sync"
)

// ErrStreamClosed is returned by a stream after the microphone has been released
var ErrStreamClosed = errors.New("audio stream closed")

// Stream is a shared, read-only microphone stream of mono PCM16 samples.
type Stream interface {
	// Latest returns the most recent frame. It does not block.
	Latest() ([]int16, error)
	// Subscribe registers fn for every subsequent chunk and returns a copy of
	// the pre-roll captured just before the subscription.
	Subscribe(fn func(chunk []int16)) (preRoll []int16, unsubscribe func())
	// Done is closed when the stream is released.
	Done() <-chan struct{}
	SampleRate() int
}

// MicStream is a Stream fed by a transport. Write is called by the single
// producer; readers may be on any goroutine.
type MicStream struct {
	sampleRate int
	preRoll    *RingBuffer

	mu          sync.RWMutex
	latest      []int16
	subscribers map[int]func([]int16)
	nextID      int
	closed      bool
	done        chan struct{}
}

var _ Stream = (*MicStream)(nil)

// NewMicStream creates a stream keeping preRollSamples of history for recorders
func NewMicStream(sampleRate, preRollSamples int) *MicStream {
	return &MicStream{
		sampleRate:  sampleRate,
		preRoll:     NewRingBuffer(preRollSamples),
		subscribers: make(map[int]func([]int16)),
		done:        make(chan struct{}),
	}
}

// Write publishes one chunk to the latest-frame slot, the pre-roll and all subscribers
func (s *MicStream) Write(chunk []int16) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.latest = chunk
	subs := make([]func([]int16), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.preRoll.Write(chunk)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(chunk)
	}
	return nil
}

// Latest returns the most recent frame
func (s *MicStream) Latest() ([]int16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	return s.latest, nil
}

// Subscribe registers fn for every chunk written after it returns
func (s *MicStream) Subscribe(fn func([]int16)) ([]int16, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn

	var once sync.Once
	return s.preRoll.Snapshot(), func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// Done is closed by Close
func (s *MicStream) Done() <-chan struct{} {
	return s.done
}

// SampleRate returns the stream's sample rate
func (s *MicStream) SampleRate() int {
	return s.sampleRate
}

// Close releases the stream. Safe to call more than once.
func (s *MicStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.subscribers = make(map[int]func([]int16))
	s.latest = nil
	s.preRoll.Clear()
	close(s.done)
}
