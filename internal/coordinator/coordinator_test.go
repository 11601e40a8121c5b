package coordinator

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/exchange"
	"github.com/lexiqai/voice-coach/internal/playback"
	"github.com/lexiqai/voice-coach/internal/stt"
)

func TestRunStartsArmed(t *testing.T) {
	h := newHarness(t, nil)

	h.requirePhase(PhaseArmedListening)
	m := h.mons.last()
	if m.opts.Primed {
		t.Error("armed monitor should not be primed")
	}
	if m.cb.OnSilenceDetected != nil {
		t.Error("armed monitor should not report silence")
	}
	if !h.tr.isRunning() {
		t.Error("transcripts should run while armed")
	}
}

func TestRunStartsIdleWhenVoiceDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.VoiceEnabled = false })

	h.requirePhase(PhaseIdle)
	if len(h.mons.all()) != 0 {
		t.Error("no monitor should start while voice is disabled")
	}
}

func TestVoiceTurnEndToEnd(t *testing.T) {
	h := newHarness(t, nil)

	h.mons.last().voiceStart()
	h.flush()
	h.requirePhase(PhaseRecording)
	if h.rec.startCount() != 1 {
		t.Fatalf("recorder starts = %d, want 1", h.rec.startCount())
	}
	if !h.mons.last().opts.Primed {
		t.Error("VAD recording monitor should be primed")
	}

	h.tr.setLatest("こんにちは")
	h.mons.last().silence()
	h.flush()
	h.requirePhase(PhaseExchanging)

	reqs := h.waitRequests(1)
	want := exchange.Request{Audio: []byte("RIFF-test"), Hint: "こんにちは", SessionID: "session-1"}
	if diff := cmp.Diff(want, reqs[0]); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	h.reply(exchange.Result{UserText: "こんにちは", ReplyText: "こんにちは！", ReplyAudio: []byte("wav")}, nil, PhasePlaying)
	if diff := cmp.Diff([]string{"こんにちは！"}, h.pb.enqueued()); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}

	h.c.SegmentStarted(playback.Segment{ID: "seg-1"})
	h.flush()
	if !h.c.IsAssistantSpeaking() {
		t.Error("expected assistant speaking during playback")
	}

	h.pb.drained()
	h.c.PlaybackIdle()
	h.flush()
	h.requirePhase(PhaseCooldownSuppressed)
	if h.c.IsAssistantSpeaking() {
		t.Error("speaking should clear when playback is idle")
	}
	if h.tr.restartCount() != 1 {
		t.Errorf("transcript restarts = %d, want 1", h.tr.restartCount())
	}

	h.advance(399 * time.Millisecond)
	h.requirePhase(PhaseCooldownSuppressed)
	h.advance(time.Millisecond)
	h.requirePhase(PhaseArmedListening)

	wantEvents := []string{"provisional:", "user:こんにちは", "reply:こんにちは！"}
	if diff := cmp.Diff(wantEvents, h.sink.recorded()); diff != "" {
		t.Errorf("sink events mismatch (-want +got):\n%s", diff)
	}
	if n := len(h.ex.requests()); n != 1 {
		t.Errorf("exchange requests = %d, want 1", n)
	}
}

func TestDuplicateFinalTranscriptStartsOneTurn(t *testing.T) {
	h := newHarness(t, nil)

	h.c.FinalTranscript("はい")
	h.c.FinalTranscript("はい")
	h.flush()
	h.requirePhase(PhaseRecording)
	if h.rec.startCount() != 1 {
		t.Fatalf("recorder starts = %d, want 1", h.rec.startCount())
	}
	if !h.mons.last().opts.Primed {
		t.Error("transcript recording monitor should be primed")
	}

	h.mons.last().silence()
	h.flush()
	reqs := h.waitRequests(1)
	if reqs[0].Hint != "はい" {
		t.Errorf("hint = %q, want はい", reqs[0].Hint)
	}

	h.reply(exchange.Result{UserText: "はい", ReplyText: "どうぞ"}, nil, PhaseExchanging)
	h.waitEvent("reply:どうぞ")
	h.advance(300 * time.Millisecond)
	h.requirePhase(PhaseArmedListening)

	h.advance(time.Second)
	h.c.FinalTranscript(" はい ")
	h.flush()
	h.requirePhase(PhaseArmedListening)
	if h.rec.startCount() != 1 {
		t.Errorf("repeated transcript started another recording")
	}
}

func TestShortTranscriptIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.c.FinalTranscript("あ")
	h.c.FinalTranscript("   ")
	h.flush()
	h.requirePhase(PhaseArmedListening)
}

func TestTranscriptIgnoredWithoutContinuousListening(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ContinuousListening = false })

	h.c.FinalTranscript("こんにちは")
	h.flush()
	h.requirePhase(PhaseArmedListening)
}

func TestShortUtteranceNeverSent(t *testing.T) {
	h := newHarness(t, nil)

	h.mons.last().voiceStart()
	h.flush()
	h.rec.finish(audio.Utterance{}, audio.ErrTooShort)
	h.flush()

	h.requirePhase(PhaseArmedListening)
	if n := len(h.ex.requests()); n != 0 {
		t.Fatalf("exchange requests = %d, want 0", n)
	}
	if diff := cmp.Diff([]string{"provisional:", "discard"}, h.sink.recorded()); diff != "" {
		t.Errorf("sink events mismatch (-want +got):\n%s", diff)
	}
	for _, e := range h.sink.recorded() {
		if e == "error:"+InputTooShort.String() {
			t.Error("too-short input must not show an error")
		}
	}

	// Cooldown blocks an immediate retrigger.
	h.mons.last().voiceStart()
	h.flush()
	h.requirePhase(PhaseArmedListening)
	if h.c.State().Snapshot().CanRecord {
		t.Error("CanRecord should be false during cooldown")
	}

	h.advance(500 * time.Millisecond)
	if !h.c.State().Snapshot().CanRecord {
		t.Error("CanRecord should be true after cooldown")
	}
	h.mons.last().voiceStart()
	h.flush()
	h.requirePhase(PhaseRecording)
}

func TestTranscriptIgnoredDuringPlayback(t *testing.T) {
	h := newHarness(t, nil)
	h.recordVoiceTurn()
	h.reply(exchange.Result{UserText: "a", ReplyText: "b", ReplyAudio: []byte("wav")}, nil, PhasePlaying)

	h.c.SegmentStarted(playback.Segment{ID: "seg-1"})
	h.c.FinalTranscript("こんにちは、元気ですか")
	h.flush()

	h.requirePhase(PhasePlaying)
	if h.rec.startCount() != 1 {
		t.Errorf("recorder started during playback")
	}
}

func TestExchangeErrorRearmDelays(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
		delay    time.Duration
	}{
		{"server error", &exchange.StatusError{StatusCode: 503}, TransientServiceError, 3 * time.Second},
		{"transport error", errors.New("connection refused"), TransientServiceError, 3 * time.Second},
		{"client error", &exchange.StatusError{StatusCode: 400}, ClientError, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.recordVoiceTurn()

			h.ex.reply(exchange.Result{}, tt.err)
			h.waitEvent("error:" + tt.wantKind.String())
			h.requirePhase(PhaseExchanging)

			h.advance(tt.delay - time.Millisecond)
			h.requirePhase(PhaseExchanging)
			h.advance(time.Millisecond)
			h.requirePhase(PhaseArmedListening)
		})
	}
}

func TestDropRearmsSilently(t *testing.T) {
	h := newHarness(t, nil)
	h.recordVoiceTurn()

	h.reply(exchange.Result{Drop: true}, nil, PhaseArmedListening)

	if diff := cmp.Diff([]string{"provisional:", "discard"}, h.sink.recorded()); diff != "" {
		t.Errorf("sink events mismatch (-want +got):\n%s", diff)
	}
}

func TestUnclearWithoutReplyRearmsSilently(t *testing.T) {
	h := newHarness(t, nil)
	h.recordVoiceTurn()

	h.reply(exchange.Result{Unclear: true}, nil, PhaseArmedListening)

	if diff := cmp.Diff([]string{"provisional:", "discard"}, h.sink.recorded()); diff != "" {
		t.Errorf("sink events mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyReplyShowsError(t *testing.T) {
	h := newHarness(t, nil)
	h.recordVoiceTurn()

	h.ex.reply(exchange.Result{}, nil)
	h.waitEvent("error:" + EmptyReply.String())
	h.advance(time.Second)
	h.requirePhase(PhaseArmedListening)
}

func TestTextReplySpokenWhenEnabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SpeakTextReplies = true })
	h.recordVoiceTurn()

	h.reply(exchange.Result{UserText: "q", ReplyText: "はい。そうです！"}, nil, PhasePlaying)

	if diff := cmp.Diff([]string{"はい。", "そうです！"}, h.pb.enqueued()); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}
}

func TestBargeInCancelsPlayback(t *testing.T) {
	h := newHarness(t, nil)
	h.recordVoiceTurn()
	h.reply(exchange.Result{UserText: "a", ReplyText: "b", ReplyAudio: []byte("wav")}, nil, PhasePlaying)
	h.c.SegmentStarted(playback.Segment{ID: "seg-1"})
	h.flush()

	h.c.BargeIn()
	h.flush()

	h.requirePhase(PhaseArmedListening)
	if h.pb.Active() {
		t.Error("playback should be cancelled")
	}
	if h.c.IsAssistantSpeaking() {
		t.Error("speaking should clear on barge-in")
	}
	// Cooldown is lifted so the interrupting speech can be captured.
	h.mons.last().voiceStart()
	h.flush()
	h.requirePhase(PhaseRecording)
}

func TestBargeInIgnoredWhileArmed(t *testing.T) {
	h := newHarness(t, nil)
	before := len(h.mons.all())

	h.c.BargeIn()
	h.flush()

	h.requirePhase(PhaseArmedListening)
	if len(h.mons.all()) != before {
		t.Error("barge-in while armed should not restart listening")
	}
}

func TestLateTimerDoesNotRearm(t *testing.T) {
	h := newHarness(t, nil)
	h.recordVoiceTurn()
	h.reply(exchange.Result{UserText: "a", ReplyText: "b", ReplyAudio: []byte("wav")}, nil, PhasePlaying)
	h.pb.drained()
	h.c.PlaybackIdle()
	h.flush()
	h.requirePhase(PhaseCooldownSuppressed)

	// Stopped timers still fire from here on.
	h.clock.setLeaky(true)
	h.c.BargeIn()
	h.flush()
	h.mons.last().voiceStart()
	h.flush()
	h.requirePhase(PhaseRecording)

	h.advance(time.Second)
	h.requirePhase(PhaseRecording)
	if !h.rec.IsRecording() {
		t.Error("late timer interrupted the recording")
	}
}

func TestStaleMonitorCallbackIgnored(t *testing.T) {
	h := newHarness(t, nil)
	armed := h.mons.last()

	h.c.SetManualInput(true)
	h.flush()
	h.requirePhase(PhaseIdle)
	if !armed.isStopped() {
		t.Error("monitor should stop when leaving ArmedListening")
	}

	armed.voiceStart()
	h.flush()
	h.requirePhase(PhaseIdle)
	if h.rec.startCount() != 0 {
		t.Error("stale voice start started a recording")
	}
}

func TestVoiceDisabledMidExchange(t *testing.T) {
	h := newHarness(t, nil)
	h.recordVoiceTurn()
	h.waitRequests(1)

	h.c.SetVoiceEnabled(false)
	h.flush()

	h.requirePhase(PhaseIdle)
	if h.ex.live() != 0 {
		t.Error("in-flight exchange should be cancelled")
	}
	if h.tr.isRunning() {
		t.Error("transcripts should stop with voice disabled")
	}

	h.ex.reply(exchange.Result{UserText: "late", ReplyText: "late"}, nil)
	h.flush()
	for _, e := range h.sink.recorded() {
		if e == "reply:late" {
			t.Error("late reply was shown")
		}
	}

	h.c.SetVoiceEnabled(true)
	h.flush()
	h.requirePhase(PhaseArmedListening)
}

func TestManualSubmit(t *testing.T) {
	h := newHarness(t, nil)

	h.c.SetManualInput(true)
	h.c.SubmitText("  こんにちは  ")
	h.flush()
	h.requirePhase(PhaseExchanging)

	reqs := h.waitRequests(1)
	if reqs[0].Text != "こんにちは" || reqs[0].Audio != nil {
		t.Errorf("unexpected request %+v", reqs[0])
	}

	// Typing again does not cancel the typed turn in flight.
	h.c.SetManualInput(false)
	h.c.SetManualInput(true)
	h.flush()
	h.requirePhase(PhaseExchanging)

	h.reply(exchange.Result{UserText: "こんにちは", ReplyText: "やあ"}, nil, PhaseExchanging)
	h.waitEvent("reply:やあ")
	h.advance(300 * time.Millisecond)
	h.requirePhase(PhaseIdle)

	h.c.SetManualInput(false)
	h.flush()
	h.requirePhase(PhaseArmedListening)
}

func TestSubmitEmptyTextIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.c.SubmitText("   ")
	h.flush()
	h.requirePhase(PhaseArmedListening)
}

func TestRecognitionUnavailable(t *testing.T) {
	t.Run("restart limit keeps VAD", func(t *testing.T) {
		h := newHarness(t, nil)
		h.c.RecognitionUnavailable(errors.New("restart limit"))
		h.flush()

		h.requirePhase(PhaseArmedListening)
		snap := h.c.State().Snapshot()
		if snap.SpeechAvailable || !snap.VoiceEnabled {
			t.Errorf("unexpected state %+v", snap)
		}
		if diff := cmp.Diff([]string{"speech_unavailable"}, h.sink.recorded()); diff != "" {
			t.Errorf("sink events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("permission denied disables voice", func(t *testing.T) {
		h := newHarness(t, nil)
		h.c.RecognitionUnavailable(stt.ErrPermissionDenied)
		h.flush()

		h.requirePhase(PhaseIdle)
		if h.c.State().Snapshot().VoiceEnabled {
			t.Error("voice should be disabled")
		}
		want := []string{"speech_unavailable", "error:" + HardwareUnavailable.String()}
		if diff := cmp.Diff(want, h.sink.recorded()); diff != "" {
			t.Errorf("sink events mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRecorderStartFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.rec.startErr = audio.ErrStreamClosed

	h.mons.last().voiceStart()
	h.flush()

	h.requirePhase(PhaseIdle)
	if h.c.State().Snapshot().VoiceEnabled {
		t.Error("voice should be disabled after a device failure")
	}
}

func TestContextCarriesRecentTurns(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ContextTurns = 2 })

	h.recordVoiceTurn()
	h.reply(exchange.Result{UserText: "u1", ReplyText: "a1"}, nil, PhaseExchanging)
	h.waitEvent("reply:a1")
	h.advance(300 * time.Millisecond)
	h.advance(500 * time.Millisecond)

	h.recordVoiceTurn()
	h.reply(exchange.Result{UserText: "u2", ReplyText: "a2"}, nil, PhaseExchanging)
	h.waitEvent("reply:a2")
	h.advance(300 * time.Millisecond)
	h.advance(500 * time.Millisecond)

	h.recordVoiceTurn()
	reqs := h.waitRequests(3)
	want := []exchange.DialogueTurn{{Role: "user", Text: "u2"}, {Role: "assistant", Text: "a2"}}
	if diff := cmp.Diff(want, reqs[2].Context); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	if reqs[0].Context != nil {
		t.Errorf("first request context = %v, want nil", reqs[0].Context)
	}
}

// TestRandomEventsKeepInvariants fires random event sequences and checks after
// each step that at most one activity runs and it matches the phase.
func TestRandomEventsKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		h := newHarness(t, nil)
		rng := rand.New(rand.NewSource(seed))

		for step := 0; step < 150; step++ {
			switch rng.Intn(12) {
			case 0:
				mons := h.mons.all()
				if len(mons) > 0 {
					mons[rng.Intn(len(mons))].voiceStart()
				}
			case 1:
				h.mons.last().silence()
			case 2:
				h.rec.finish(audio.Utterance{}, audio.ErrTooShort)
			case 3:
				if len(h.ex.replies) == 0 {
					h.ex.reply(exchange.Result{UserText: "u", ReplyText: "r", ReplyAudio: []byte("wav")}, nil)
				}
			case 4:
				if len(h.ex.replies) == 0 {
					h.ex.reply(exchange.Result{}, &exchange.StatusError{StatusCode: 503})
				}
			case 5:
				h.c.SegmentStarted(playback.Segment{ID: "seg"})
			case 6:
				h.pb.drained()
				h.c.PlaybackIdle()
			case 7:
				h.c.BargeIn()
			case 8:
				h.c.FinalTranscript([]string{"はい", "いいえ", "こんにちは"}[rng.Intn(3)])
			case 9:
				h.clock.Advance(time.Duration(rng.Intn(3500)) * time.Millisecond)
			case 10:
				h.c.SetManualInput(rng.Intn(2) == 0)
			case 11:
				h.c.SetVoiceEnabled(rng.Intn(4) != 0)
			}
			h.flush()
			h.checkInvariants(seed, step)
		}
	}
}

func (h *harness) checkInvariants(seed int64, step int) {
	h.t.Helper()
	h.inLoop(func() {
		c := h.c
		if h.rec.IsRecording() && c.phase != PhaseRecording {
			h.t.Errorf("seed %d step %d: recording in phase %v", seed, step, c.phase)
		}
		if live := h.ex.live(); live > 1 || (live == 1 && c.phase != PhaseExchanging) {
			h.t.Errorf("seed %d step %d: %d live exchanges in phase %v", seed, step, live, c.phase)
		}
		if c.state.Snapshot().Speaking && c.phase != PhasePlaying {
			h.t.Errorf("seed %d step %d: speaking in phase %v", seed, step, c.phase)
		}
		if c.state.Snapshot().Phase != c.phase {
			h.t.Errorf("seed %d step %d: observable phase %v, loop phase %v", seed, step, c.state.Snapshot().Phase, c.phase)
		}

		running := 0
		for _, m := range h.mons.all() {
			if !m.isStopped() {
				running++
			}
		}
		switch {
		case running > 1:
			h.t.Errorf("seed %d step %d: %d monitors running", seed, step, running)
		case running == 1 && c.phase != PhaseArmedListening && c.phase != PhaseRecording:
			h.t.Errorf("seed %d step %d: monitor running in phase %v", seed, step, c.phase)
		}
	})
}
