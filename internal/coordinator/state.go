package coordinator

import "sync"

// Snapshot is a consistent view of the coordinator state
type Snapshot struct {
	Phase           Phase
	VoiceEnabled    bool
	CanRecord       bool
	ManualInput     bool
	Speaking        bool
	SpeechAvailable bool
}

// State is an observable holder for the coordinator state. Only the
// coordinator loop writes it; any goroutine may read or watch it.
type State struct {
	mu       sync.RWMutex
	snap     Snapshot
	watchers []func(Snapshot)
}

func newState(initial Snapshot) *State {
	return &State{snap: initial}
}

// Snapshot returns the current state
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Phase returns the current phase
func (s *State) Phase() Phase {
	return s.Snapshot().Phase
}

// Watch registers fn to receive every changed snapshot. fn runs on the
// coordinator loop and must not block.
func (s *State) Watch(fn func(Snapshot)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

func (s *State) update(fn func(*Snapshot)) {
	s.mu.Lock()
	prev := s.snap
	fn(&s.snap)
	next := s.snap
	watchers := s.watchers
	s.mu.Unlock()

	if next == prev {
		return
	}
	for _, w := range watchers {
		w(next)
	}
}
