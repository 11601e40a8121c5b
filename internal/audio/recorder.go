package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrTooShort is reported when a capture ends below the minimum duration
var ErrTooShort = errors.New("recording too short")

// Utterance is one finalized capture
type Utterance struct {
	WAV        []byte
	Samples    int // total samples, pre-roll included
	SampleRate int
	Duration   time.Duration // captured after Start, pre-roll excluded
	Ceiling    bool          // stopped by MaxDuration
}

// RecorderOptions bounds a capture
type RecorderOptions struct {
	MinDuration time.Duration
	MaxDuration time.Duration
}

// DefaultRecorderOptions returns a half second floor and a 30 second ceiling
func DefaultRecorderOptions() RecorderOptions {
	return RecorderOptions{
		MinDuration: 500 * time.Millisecond,
		MaxDuration: 30 * time.Second,
	}
}

// Recorder owns one capture session at a time. done fires at most once per cycle.
type Recorder struct {
	opts RecorderOptions

	mu          sync.Mutex
	recording   bool
	cycle       uint64
	sampleRate  int
	preRoll     []int16
	captured    []int16
	maxSamples  int
	done        func(Utterance, error)
	unsubscribe func()
	quit        chan struct{}
}

// NewRecorder creates a recorder
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultRecorderOptions().MaxDuration
	}
	return &Recorder{opts: opts}
}

// Start begins capturing from stream. It is a no-op while already recording.
func (r *Recorder) Start(stream Stream, done func(Utterance, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return nil
	}
	select {
	case <-stream.Done():
		return ErrStreamClosed
	default:
	}

	r.cycle++
	cycle := r.cycle
	r.recording = true
	r.done = done
	r.sampleRate = stream.SampleRate()
	r.captured = nil
	r.maxSamples = int(r.opts.MaxDuration.Seconds() * float64(r.sampleRate))
	r.quit = make(chan struct{})

	preRoll, unsubscribe := stream.Subscribe(func(chunk []int16) {
		r.append(cycle, chunk)
	})
	r.preRoll = preRoll
	r.unsubscribe = unsubscribe

	quit := r.quit
	go func() {
		timer := time.NewTimer(r.opts.MaxDuration)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.finish(cycle, true, nil)
		case <-stream.Done():
			r.finish(cycle, false, ErrStreamClosed)
		case <-quit:
		}
	}()
	return nil
}

func (r *Recorder) append(cycle uint64, chunk []int16) {
	r.mu.Lock()
	if !r.recording || r.cycle != cycle {
		r.mu.Unlock()
		return
	}
	r.captured = append(r.captured, chunk...)
	full := r.maxSamples > 0 && len(r.captured) >= r.maxSamples
	r.mu.Unlock()

	if full {
		go r.finish(cycle, true, nil)
	}
}

// Stop finalizes the current capture and delivers it to done
func (r *Recorder) Stop() {
	r.mu.Lock()
	cycle := r.cycle
	r.mu.Unlock()
	r.finish(cycle, false, nil)
}

// Cancel discards the current capture without calling done
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.teardownLocked()
}

// IsRecording reports whether a capture is in progress
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Recorder) finish(cycle uint64, ceiling bool, cause error) {
	r.mu.Lock()
	if !r.recording || r.cycle != cycle {
		r.mu.Unlock()
		return
	}
	done := r.done
	captured := r.captured
	preRoll := r.preRoll
	rate := r.sampleRate
	r.teardownLocked()
	r.mu.Unlock()

	if done == nil {
		return
	}
	if cause != nil {
		done(Utterance{}, cause)
		return
	}

	var duration time.Duration
	if rate > 0 {
		duration = time.Duration(len(captured)) * time.Second / time.Duration(rate)
	}
	if duration < r.opts.MinDuration {
		done(Utterance{Duration: duration, SampleRate: rate}, ErrTooShort)
		return
	}

	samples := make([]int16, 0, len(preRoll)+len(captured))
	samples = append(samples, preRoll...)
	samples = append(samples, captured...)
	done(Utterance{
		WAV:        EncodeWAV(samples, rate),
		Samples:    len(samples),
		SampleRate: rate,
		Duration:   duration,
		Ceiling:    ceiling,
	}, nil)
}

// teardownLocked ends the cycle; caller holds r.mu
func (r *Recorder) teardownLocked() {
	r.recording = false
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	if r.quit != nil {
		close(r.quit)
		r.quit = nil
	}
	r.done = nil
	r.captured = nil
	r.preRoll = nil
}
