package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/exchange"
	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/playback"
	"github.com/lexiqai/voice-coach/internal/stt"
)

// Coordinator owns the turn-taking state machine for one session.
//
// All state is mutated on the goroutine running Run. Public methods and
// component callbacks only post events, so they are safe from any goroutine
// and never block. Every phase transition bumps an epoch; timers and
// callbacks scheduled in an earlier phase are dropped when they arrive late.
type Coordinator struct {
	opts Options

	stream       audio.Stream
	recorder     Recorder
	exchanger    Exchanger
	playback     Playback
	transcripts  Transcripts
	sink         Sink
	startMonitor MonitorFunc
	clock        Clock
	metrics      *observability.Metrics
	logger       zerolog.Logger

	state *State

	// event queue
	mu     sync.Mutex
	events []func()
	closed bool
	wake   chan struct{}

	endOnce sync.Once
	endCh   chan struct{}

	// loop-owned
	ctx             context.Context
	phase           Phase
	epoch           uint64
	timers          []Timer
	monitor         Monitor
	exchangeCancel  context.CancelFunc
	turn            *Turn
	history         []exchange.DialogueTurn
	lastSent        string
	voiceEnabled    bool
	manualInput     bool
	speechAvailable bool
	canRecord       bool
	cooldownGen     uint64
	cooldownTimer   Timer
}

// New creates a coordinator in the Idle phase. Call Run to start it.
func New(opts Options, deps Deps) *Coordinator {
	c := &Coordinator{
		opts:            opts,
		stream:          deps.Stream,
		recorder:        deps.Recorder,
		exchanger:       deps.Exchange,
		playback:        deps.Playback,
		transcripts:     deps.Transcripts,
		sink:            deps.Sink,
		startMonitor:    deps.StartMonitor,
		clock:           deps.Clock,
		metrics:         deps.Metrics,
		logger:          deps.Logger.With().Str("component", "coordinator").Logger(),
		wake:            make(chan struct{}, 1),
		endCh:           make(chan struct{}),
		ctx:             context.Background(),
		voiceEnabled:    opts.VoiceEnabled,
		speechAvailable: deps.Transcripts != nil,
		canRecord:       true,
	}
	if c.startMonitor == nil {
		c.startMonitor = startAudioMonitor
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	c.state = newState(Snapshot{
		Phase:           PhaseIdle,
		VoiceEnabled:    c.voiceEnabled,
		CanRecord:       true,
		SpeechAvailable: c.speechAvailable,
	})
	if c.sink != nil {
		c.state.Watch(c.sink.StateChanged)
	}
	return c
}

// State returns the observable state holder
func (c *Coordinator) State() *State {
	return c.state
}

// Run processes events until ctx is done or End is called
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer c.teardown()

	c.enterArmed("session_start")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.endCh:
			return nil
		case <-c.wake:
		}
		for _, ev := range c.drain() {
			ev()
		}
	}
}

// End stops Run
func (c *Coordinator) End() {
	c.endOnce.Do(func() { close(c.endCh) })
}

// SetVoiceEnabled turns the voice input path on or off
func (c *Coordinator) SetVoiceEnabled(enabled bool) {
	c.post(func() { c.onVoiceEnabled(enabled) })
}

// SetManualInput reports whether the user is typing
func (c *Coordinator) SetManualInput(active bool) {
	c.post(func() { c.onManualInput(active) })
}

// SubmitText sends typed input as a turn
func (c *Coordinator) SubmitText(text string) {
	c.post(func() { c.onSubmitText(text) })
}

// BargeIn interrupts the assistant and listens again
func (c *Coordinator) BargeIn() {
	c.post(c.onBargeIn)
}

// FinalTranscript reports a final transcript from the interim source
func (c *Coordinator) FinalTranscript(text string) {
	c.post(func() { c.onFinalTranscript(text) })
}

// RecognitionUnavailable reports that the interim source gave up
func (c *Coordinator) RecognitionUnavailable(err error) {
	c.post(func() { c.onRecognitionUnavailable(err) })
}

// SegmentStarted reports that a playback segment began
func (c *Coordinator) SegmentStarted(seg playback.Segment) {
	c.post(c.onSegmentStarted)
}

// SegmentEnded reports that a playback segment finished
func (c *Coordinator) SegmentEnded(seg playback.Segment, err error) {
	c.post(func() { c.onSegmentEnded(seg, err) })
}

// PlaybackIdle reports that the playback queue drained
func (c *Coordinator) PlaybackIdle() {
	c.post(c.onPlaybackIdle)
}

// IsAssistantSpeaking reports whether a reply is being played
func (c *Coordinator) IsAssistantSpeaking() bool {
	return c.state.Snapshot().Speaking
}

func (c *Coordinator) post(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.events = append(c.events, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// postAt posts fn to run only if the phase has not changed since epoch
func (c *Coordinator) postAt(epoch uint64, fn func()) {
	c.post(func() {
		if c.epoch != epoch {
			c.logger.Debug().Uint64("epoch", epoch).Str("phase", c.phase.String()).Msg("Stale callback ignored")
			return
		}
		fn()
	})
}

// guarded wraps fn so it runs on the loop in the current phase only
func (c *Coordinator) guarded(fn func()) func() {
	epoch := c.epoch
	return func() { c.postAt(epoch, fn) }
}

func (c *Coordinator) drain() []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

// after schedules fn in the current phase; leaving the phase cancels it
func (c *Coordinator) after(d time.Duration, fn func()) {
	t := c.clock.AfterFunc(d, c.guarded(fn))
	c.timers = append(c.timers, t)
}

func (c *Coordinator) transition(to Phase, reason string) {
	from := c.phase
	// Re-entering the same phase still starts a new epoch.
	c.epoch++
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.stopMonitor()
	if from == PhaseExchanging {
		c.cancelExchange()
	}

	c.phase = to
	if from == to {
		return
	}
	c.state.update(func(s *Snapshot) { s.Phase = to })
	c.metrics.RecordPhase(from.String(), to.String())
	c.logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Msg("Phase transition")
}

func (c *Coordinator) stopMonitor() {
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
}

func (c *Coordinator) cancelExchange() {
	if c.exchangeCancel != nil {
		c.exchangeCancel()
		c.exchangeCancel = nil
	}
}

func (c *Coordinator) enterArmed(reason string) {
	c.turn = nil
	if !c.voiceEnabled || c.manualInput {
		c.transition(PhaseIdle, reason)
		return
	}

	c.transition(PhaseArmedListening, reason)
	if c.transcripts != nil && c.speechAvailable {
		c.transcripts.Start()
	}
	c.monitor = c.startMonitor(c.stream, c.monitorOptions(false), audio.MonitorCallbacks{
		OnVoiceStart: c.guarded(c.onVoiceStart),
		OnError:      c.monitorErrorHandler(),
	})
}

func (c *Coordinator) monitorOptions(primed bool) audio.MonitorOptions {
	return audio.MonitorOptions{
		Threshold:       c.opts.Threshold,
		SilenceDuration: c.opts.SilenceDuration,
		PollInterval:    c.opts.PollInterval,
		VoiceDuration:   c.opts.VoiceDuration,
		Primed:          primed,
	}
}

func (c *Coordinator) monitorErrorHandler() func(error) {
	epoch := c.epoch
	return func(err error) {
		c.postAt(epoch, func() { c.hardwareUnavailable(err) })
	}
}

func (c *Coordinator) onVoiceStart() {
	if !c.canRecord {
		c.metrics.RecordIgnoredTrigger(string(SourceVAD), "cooldown")
		return
	}
	c.startRecording(SourceVAD, "")
}

func (c *Coordinator) onFinalTranscript(text string) {
	if c.phase != PhaseArmedListening {
		// During Recording the transcript is picked up as the hint at finalize.
		if c.phase != PhaseRecording {
			c.metrics.RecordIgnoredTrigger(string(SourceTranscript), c.phase.String())
		}
		return
	}
	switch {
	case !c.opts.ContinuousListening:
		c.metrics.RecordIgnoredTrigger(string(SourceTranscript), "continuous_off")
	case !sendWorthy(text, c.lastSent, c.opts.MinTranscriptChars):
		c.metrics.RecordIgnoredTrigger(string(SourceTranscript), "not_send_worthy")
	case !c.canRecord:
		c.metrics.RecordIgnoredTrigger(string(SourceTranscript), "cooldown")
	default:
		c.lastSent = normalize(text)
		c.startRecording(SourceTranscript, text)
	}
}

func (c *Coordinator) startRecording(source Source, hint string) {
	c.transition(PhaseRecording, string(source))
	c.turn = newTurn(source, hint)

	epoch := c.epoch
	err := c.recorder.Start(c.stream, func(u audio.Utterance, err error) {
		c.postAt(epoch, func() { c.onRecorderDone(u, err) })
	})
	if err != nil {
		c.hardwareUnavailable(err)
		return
	}

	// Both triggers mean speech was already heard, so silence counts from the first poll.
	c.monitor = c.startMonitor(c.stream, c.monitorOptions(true), audio.MonitorCallbacks{
		OnSilenceDetected: c.guarded(c.recorder.Stop),
		OnError:           c.monitorErrorHandler(),
	})
	c.sink.Provisional(hint)
	c.logger.Info().Str("turn_id", c.turn.ID).Str("source", string(source)).Msg("Recording started")
}

func (c *Coordinator) onRecorderDone(u audio.Utterance, err error) {
	c.startCooldown()
	if err != nil {
		if errors.Is(err, audio.ErrTooShort) {
			c.logger.Debug().Str("turn_id", c.turn.ID).Msg("Utterance too short, discarded")
			c.metrics.RecordError(InputTooShort.String(), "recorder")
			c.sink.DiscardProvisional()
			c.finishTurn(OutcomeDropped)
			c.enterArmed("too_short")
			return
		}
		c.hardwareUnavailable(err)
		return
	}

	hint := c.turn.InterimHint
	if hint == "" && c.transcripts != nil {
		hint = c.transcripts.Latest()
	}
	if c.transcripts != nil {
		c.transcripts.Clear()
	}
	if n := normalize(hint); n != "" {
		c.lastSent = n
	}
	c.turn.InterimHint = hint
	c.turn.UtteranceAudio = u.WAV

	c.logger.Info().
		Str("turn_id", c.turn.ID).
		Dur("duration", u.Duration).
		Bool("ceiling", u.Ceiling).
		Msg("Recording finalized")
	c.startExchange(exchange.Request{Audio: u.WAV, Hint: hint})
}

func (c *Coordinator) startExchange(req exchange.Request) {
	c.transition(PhaseExchanging, string(c.turn.Source))
	req.Context = c.recentContext()
	req.SessionID = c.opts.SessionID
	// The exchange owns the audio from here.
	c.turn.UtteranceAudio = nil

	ctx, cancel := context.WithCancel(c.ctx)
	c.exchangeCancel = cancel
	c.metrics.RecordExchangeStart()

	epoch := c.epoch
	go func() {
		res, err := c.exchanger.Send(ctx, req)
		c.postAt(epoch, func() { c.onExchangeDone(res, err) })
	}()
}

func (c *Coordinator) onExchangeDone(res exchange.Result, err error) {
	c.cancelExchange()
	turn := c.turn

	if err != nil {
		kind := classify(err)
		c.metrics.RecordExchangeEnd("error")
		c.logger.Warn().Err(err).Str("turn_id", turn.ID).Str("kind", kind.String()).Msg("Exchange failed")
		c.sink.DiscardProvisional()
		c.reportError(kind, "exchange")
		c.finishTurn(OutcomeFailed)

		delay := c.opts.ErrorRearmDelay
		if kind == TransientServiceError {
			delay = c.opts.OverloadRearmDelay
		}
		c.after(delay, func() { c.enterArmed("error_rearm") })
		return
	}
	c.metrics.RecordExchangeEnd("success")

	turn.UserText = res.UserText
	turn.ReplyText = res.ReplyText
	turn.ReplyAudio = res.ReplyAudio

	switch {
	case res.Drop:
		c.logger.Debug().Str("turn_id", turn.ID).Msg("Exchange dropped the utterance")
		c.metrics.RecordError(NoSpeechDetected.String(), "exchange")
		c.sink.DiscardProvisional()
		c.finishTurn(OutcomeDropped)
		c.enterArmed("drop")
		return
	case res.Unclear && res.ReplyText == "" && len(res.ReplyAudio) == 0:
		c.metrics.RecordError(AmbiguousInput.String(), "exchange")
		c.sink.DiscardProvisional()
		c.finishTurn(OutcomeUnclear)
		c.enterArmed("unclear")
		return
	case res.Empty():
		c.logger.Warn().Str("turn_id", turn.ID).Msg("Exchange returned an empty reply")
		c.sink.DiscardProvisional()
		c.reportError(EmptyReply, "exchange")
		c.finishTurn(OutcomeFailed)
		c.after(c.opts.ErrorRearmDelay, func() { c.enterArmed("error_rearm") })
		return
	}

	if res.UserText != "" {
		c.sink.UserText(res.UserText)
		c.remember("user", res.UserText)
	} else {
		c.sink.DiscardProvisional()
	}
	if res.ReplyText != "" {
		c.sink.ReplyText(res.ReplyText)
		c.remember("assistant", res.ReplyText)
	}
	if res.Unclear {
		c.finishTurn(OutcomeUnclear)
	} else {
		c.finishTurn(OutcomeCompleted)
	}

	switch {
	case len(res.ReplyAudio) > 0:
		c.playback.EnqueueAudio(res.ReplyText, res.ReplyAudio)
		c.transition(PhasePlaying, "reply_audio")
	case res.ReplyText != "" && c.opts.SpeakTextReplies:
		for _, sentence := range playback.Split(res.ReplyText) {
			c.playback.Enqueue(sentence)
		}
		c.transition(PhasePlaying, "reply_text")
	default:
		c.after(c.opts.RearmDelay, func() { c.enterArmed("text_reply") })
	}
}

func (c *Coordinator) onSegmentStarted() {
	if c.phase != PhasePlaying {
		return
	}
	c.setSpeaking(true)
}

func (c *Coordinator) onSegmentEnded(seg playback.Segment, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Str("segment_id", seg.ID).Msg("Playback segment failed")
	}
}

func (c *Coordinator) onPlaybackIdle() {
	if c.phase != PhasePlaying {
		return
	}
	// A later segment may have been queued after the idle report.
	if c.playback.Active() {
		return
	}
	c.setSpeaking(false)
	// Drop whatever recognition state built up around the reply
	if c.transcripts != nil && c.speechAvailable {
		c.transcripts.Restart()
	}
	c.transition(PhaseCooldownSuppressed, "playback_idle")
	c.after(c.opts.PlaybackSettle, func() { c.enterArmed("settled") })
}

func (c *Coordinator) onBargeIn() {
	switch c.phase {
	case PhasePlaying, PhaseCooldownSuppressed, PhaseExchanging:
	default:
		c.metrics.RecordIgnoredTrigger("barge_in", c.phase.String())
		return
	}
	c.logger.Info().Str("phase", c.phase.String()).Msg("Barge-in")
	c.abortTurn()
	c.resetCooldown()
	c.enterArmed("barge_in")
}

func (c *Coordinator) onVoiceEnabled(enabled bool) {
	if c.voiceEnabled == enabled {
		return
	}
	c.voiceEnabled = enabled
	c.state.update(func(s *Snapshot) { s.VoiceEnabled = enabled })

	if !enabled {
		c.abortTurn()
		if c.transcripts != nil {
			c.transcripts.Stop()
		}
		c.transition(PhaseIdle, "voice_disabled")
		return
	}

	if c.transcripts != nil {
		c.speechAvailable = true
		c.state.update(func(s *Snapshot) { s.SpeechAvailable = true })
	}
	if c.phase == PhaseIdle {
		c.enterArmed("voice_enabled")
	}
}

func (c *Coordinator) onManualInput(active bool) {
	if c.manualInput == active {
		return
	}
	c.manualInput = active
	c.state.update(func(s *Snapshot) { s.ManualInput = active })

	if !active {
		if c.phase == PhaseIdle {
			c.enterArmed("manual_input_ended")
		}
		return
	}
	// A typed turn in flight keeps going and lands in Idle afterwards.
	if c.turn != nil && c.turn.Source == SourceManual {
		return
	}
	c.abortTurn()
	c.transition(PhaseIdle, "manual_input")
}

func (c *Coordinator) onSubmitText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.abortTurn()
	c.turn = newTurn(SourceManual, "")
	c.sink.Provisional(text)
	c.logger.Info().Str("turn_id", c.turn.ID).Msg("Manual text submitted")
	c.startExchange(exchange.Request{Text: text})
}

func (c *Coordinator) onRecognitionUnavailable(err error) {
	c.logger.Warn().Err(err).Msg("Speech recognition unavailable")
	c.speechAvailable = false
	c.state.update(func(s *Snapshot) { s.SpeechAvailable = false })
	c.sink.SpeechUnavailable()
	if stt.IsFatal(err) {
		c.hardwareUnavailable(err)
	}
}

// hardwareUnavailable routes the user to text-only input
func (c *Coordinator) hardwareUnavailable(err error) {
	c.logger.Error().Err(err).Msg("Voice input unavailable")
	c.abortTurn()
	c.voiceEnabled = false
	c.state.update(func(s *Snapshot) { s.VoiceEnabled = false })
	if c.transcripts != nil {
		c.transcripts.Stop()
	}
	c.reportError(HardwareUnavailable, "audio")
	c.transition(PhaseIdle, "hardware_unavailable")
}

// abortTurn cancels whatever the current turn is doing
func (c *Coordinator) abortTurn() {
	if c.exchangeCancel != nil {
		c.cancelExchange()
		c.metrics.RecordExchangeEnd("cancelled")
	}
	if c.recorder.IsRecording() {
		c.recorder.Cancel()
	}
	c.playback.CancelAll()
	c.setSpeaking(false)

	if c.turn != nil && c.turn.Outcome == "" {
		c.sink.DiscardProvisional()
		c.finishTurn(OutcomeCancelled)
	}
	c.turn = nil
}

func (c *Coordinator) finishTurn(outcome Outcome) {
	if c.turn == nil || c.turn.Outcome != "" {
		return
	}
	c.turn.Outcome = outcome
	c.metrics.RecordTurn(string(c.turn.Source), string(outcome))
	c.logger.Info().
		Str("turn_id", c.turn.ID).
		Str("source", string(c.turn.Source)).
		Str("outcome", string(outcome)).
		Msg("Turn finished")
}

func (c *Coordinator) reportError(kind ErrorKind, component string) {
	c.metrics.RecordError(kind.String(), component)
	if kind.UserVisible() {
		c.sink.Error(kind, c.opts.GenericErrorMessage)
	}
}

func (c *Coordinator) setSpeaking(speaking bool) {
	c.state.update(func(s *Snapshot) { s.Speaking = speaking })
}

func (c *Coordinator) startCooldown() {
	c.stopCooldownTimer()
	c.canRecord = false
	c.state.update(func(s *Snapshot) { s.CanRecord = false })

	gen := c.cooldownGen
	c.cooldownTimer = c.clock.AfterFunc(c.opts.RecordCooldown, func() {
		c.post(func() {
			if c.cooldownGen == gen {
				c.canRecord = true
				c.state.update(func(s *Snapshot) { s.CanRecord = true })
			}
		})
	})
}

func (c *Coordinator) resetCooldown() {
	c.stopCooldownTimer()
	c.canRecord = true
	c.state.update(func(s *Snapshot) { s.CanRecord = true })
}

func (c *Coordinator) stopCooldownTimer() {
	c.cooldownGen++
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
}

func (c *Coordinator) remember(role, text string) {
	c.history = append(c.history, exchange.DialogueTurn{Role: role, Text: text})
	if max := c.opts.ContextTurns; max > 0 && len(c.history) > max {
		c.history = append([]exchange.DialogueTurn(nil), c.history[len(c.history)-max:]...)
	}
}

func (c *Coordinator) recentContext() []exchange.DialogueTurn {
	if len(c.history) == 0 || c.opts.ContextTurns <= 0 {
		return nil
	}
	return append([]exchange.DialogueTurn(nil), c.history...)
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	c.closed = true
	c.events = nil
	c.mu.Unlock()

	c.abortTurn()
	c.stopCooldownTimer()
	if c.transcripts != nil {
		c.transcripts.Stop()
	}
	c.transition(PhaseIdle, "session_end")
	c.logger.Info().Msg("Coordinator stopped")
}
