package stt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/resilience"
)

// InterimOptions configures an InterimSource
type InterimOptions struct {
	Policy          resilience.RestartPolicy
	RestartDebounce time.Duration
	Now             func() time.Time
}

// InterimCallbacks are called from the recognizer goroutines and must not block
type InterimCallbacks struct {
	OnFinal       func(text string)
	OnUnavailable func(err error)
	// Results are discarded while this returns true
	IsAssistantSpeaking func() bool
}

// InterimSource supervises continuous recognition and keeps the latest
// transcript as a hint for the next utterance.
type InterimSource struct {
	recognizer Recognizer
	opts       InterimOptions
	cb         InterimCallbacks
	tracker    *resilience.FailureTracker
	logger     zerolog.Logger

	mu            sync.Mutex
	latest        string
	running       bool
	available     bool
	cancel        context.CancelFunc
	sessionCancel context.CancelFunc
	restarting    bool
	lastRestart   time.Time
	done          chan struct{}
}

// NewInterimSource creates a source around recognizer
func NewInterimSource(recognizer Recognizer, opts InterimOptions, cb InterimCallbacks, logger zerolog.Logger) *InterimSource {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &InterimSource{
		recognizer: recognizer,
		opts:       opts,
		cb:         cb,
		tracker:    resilience.NewFailureTracker(opts.Policy, opts.Now),
		logger:     logger.With().Str("component", "interim_transcripts").Logger(),
		available:  true,
	}
}

// Start begins supervised recognition. It re-enables a source that was declared unavailable.
func (s *InterimSource) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.available = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.tracker.Reset()

	go s.supervise(ctx, s.done)
}

// Stop ends recognition and waits for the current session to finish
func (s *InterimSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Restart ends the current session so that a fresh one starts. Calls within
// RestartDebounce of the previous restart are ignored.
func (s *InterimSource) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.sessionCancel == nil {
		return
	}
	now := s.opts.Now()
	if !s.lastRestart.IsZero() && now.Sub(s.lastRestart) < s.opts.RestartDebounce {
		return
	}
	s.lastRestart = now
	s.restarting = true
	s.sessionCancel()
}

// Latest returns the most recent interim or final transcript
func (s *InterimSource) Latest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Clear empties the latest transcript
func (s *InterimSource) Clear() {
	s.mu.Lock()
	s.latest = ""
	s.mu.Unlock()
}

// Available is false once recognition has been declared unavailable
func (s *InterimSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Running reports whether the supervisor is active
func (s *InterimSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *InterimSource) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		sessionCtx, sessionCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.sessionCancel = sessionCancel
		s.restarting = false
		s.mu.Unlock()

		started := s.opts.Now()
		err := s.recognizer.Run(sessionCtx, s.handleResult)
		sessionCancel()

		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		restarted := s.restarting
		s.sessionCancel = nil
		s.mu.Unlock()

		switch {
		case restarted:
			s.logger.Debug().Msg("Recognition session restarted on request")
			continue
		case err == nil:
			lifetime := s.opts.Now().Sub(started)
			if s.tracker.RecordEnd(lifetime) {
				s.disable(ErrSessionTooShort, "restart_limit")
				return
			}
			s.logger.Debug().Dur("lifetime", lifetime).Msg("Recognition session ended, restarting")
		case IsFatal(err):
			s.disable(err, "fatal")
			return
		case IsBenign(err):
			s.logger.Debug().Err(err).Msg("Recognition session ended without speech")
		default:
			if s.tracker.RecordFailure() {
				s.disable(err, "restart_limit")
				return
			}
			s.logger.Warn().Err(err).Int("failures", s.tracker.Failures()).Msg("Recognition session failed, restarting")
		}

		observability.IncrementRecognizerRestarts()
		timer := time.NewTimer(s.tracker.Backoff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *InterimSource) handleResult(r Result) {
	if r.Text == "" {
		return
	}
	if s.cb.IsAssistantSpeaking != nil && s.cb.IsAssistantSpeaking() {
		return
	}

	s.mu.Lock()
	s.latest = r.Text
	s.mu.Unlock()

	if r.IsFinal && s.cb.OnFinal != nil {
		s.cb.OnFinal(r.Text)
	}
}

func (s *InterimSource) disable(err error, reason string) {
	s.mu.Lock()
	s.running = false
	s.available = false
	s.mu.Unlock()

	observability.IncrementRecognizerUnavailable(reason)
	s.logger.Error().Err(err).Str("reason", reason).Msg("Speech recognition unavailable")
	if s.cb.OnUnavailable != nil {
		s.cb.OnUnavailable(err)
	}
}
