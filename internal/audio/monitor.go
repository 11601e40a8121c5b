package audio

import (
	"sync"
	"time"
)

// MonitorOptions configures a voice activity monitor
type MonitorOptions struct {
	Threshold       float64
	SilenceDuration time.Duration
	PollInterval    time.Duration
	VoiceDuration   time.Duration
	// Primed treats voice as already heard, for monitors started after speech was detected
	Primed bool
}

// MonitorCallbacks are invoked from the monitor goroutine. They must not block
// and must not call Stop.
type MonitorCallbacks struct {
	OnVoiceStart      func()
	OnSilenceDetected func() // nil disables silence reporting
	OnError           func(error)
}

// Monitor polls a stream and reports voice start and end-of-speech silence
type Monitor struct {
	stream   Stream
	opts     MonitorOptions
	cb       MonitorCallbacks
	detector *VADDetector

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// StartMonitor begins polling stream every PollInterval
func StartMonitor(stream Stream, opts MonitorOptions, cb MonitorCallbacks) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	detector := NewVADDetector(VADConfig{
		EnergyThreshold: opts.Threshold,
		VoiceDuration:   opts.VoiceDuration,
		SilenceDuration: opts.SilenceDuration,
	})
	if opts.Primed {
		detector.Prime()
	}

	m := &Monitor{
		stream:   stream,
		opts:     opts,
		cb:       cb,
		detector: detector,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}

		frame, err := m.stream.Latest()
		if err != nil {
			if m.stopped() {
				return
			}
			if m.cb.OnError != nil {
				m.cb.OnError(err)
			}
			return
		}

		voiceStarted, silence := m.detector.ProcessFrame(frame, m.opts.PollInterval)
		if m.stopped() {
			return
		}
		if voiceStarted && m.cb.OnVoiceStart != nil {
			m.cb.OnVoiceStart()
		}
		if silence && m.cb.OnSilenceDetected != nil {
			m.cb.OnSilenceDetected()
			return
		}
	}
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// Stop halts polling. No callback is delivered after Stop returns.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
	<-m.done
}

// Done is closed once the monitor goroutine has exited
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}
