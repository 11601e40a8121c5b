package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/exchange"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	leaky  bool // Stop does not prevent firing
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) setLeaky(leaky bool) {
	c.mu.Lock()
	c.leaky = leaky
	c.mu.Unlock()
}

// Advance moves time forward and runs every due timer
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if t.fired || (t.stopped && !c.leaky) || t.at.After(c.now) {
			continue
		}
		t.fired = true
		due = append(due, t)
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeMonitor struct {
	opts audio.MonitorOptions
	cb   audio.MonitorCallbacks

	mu      sync.Mutex
	stopped bool
}

func (m *fakeMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMonitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *fakeMonitor) voiceStart() {
	if m.cb.OnVoiceStart != nil {
		m.cb.OnVoiceStart()
	}
}

func (m *fakeMonitor) silence() {
	if m.cb.OnSilenceDetected != nil {
		m.cb.OnSilenceDetected()
	}
}

type monitorFactory struct {
	mu      sync.Mutex
	started []*fakeMonitor
}

func (f *monitorFactory) start(stream audio.Stream, opts audio.MonitorOptions, cb audio.MonitorCallbacks) Monitor {
	m := &fakeMonitor{opts: opts, cb: cb}
	f.mu.Lock()
	f.started = append(f.started, m)
	f.mu.Unlock()
	return m
}

func (f *monitorFactory) last() *fakeMonitor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return &fakeMonitor{}
	}
	return f.started[len(f.started)-1]
}

func (f *monitorFactory) all() []*fakeMonitor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeMonitor(nil), f.started...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	done      func(audio.Utterance, error)
	starts    int
	cancels   int
	startErr  error
}

func (r *fakeRecorder) Start(stream audio.Stream, done func(audio.Utterance, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if r.recording {
		return nil
	}
	r.recording = true
	r.done = done
	r.starts++
	return nil
}

func (r *fakeRecorder) Stop() {
	r.finish(testUtterance(), nil)
}

func (r *fakeRecorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		r.recording = false
		r.done = nil
		r.cancels++
	}
}

func (r *fakeRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// finish ends the recording with the given outcome
func (r *fakeRecorder) finish(u audio.Utterance, err error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.recording = false
	done := r.done
	r.done = nil
	r.mu.Unlock()
	done(u, err)
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func testUtterance() audio.Utterance {
	return audio.Utterance{WAV: []byte("RIFF-test"), SampleRate: 16000, Duration: time.Second}
}

type exchangeReply struct {
	res exchange.Result
	err error
}

type fakeExchanger struct {
	mu      sync.Mutex
	reqs    []exchange.Request
	ctxs    []context.Context
	replies chan exchangeReply
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{replies: make(chan exchangeReply, 64)}
}

func (e *fakeExchanger) Send(ctx context.Context, req exchange.Request) (exchange.Result, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.ctxs = append(e.ctxs, ctx)
	e.mu.Unlock()

	select {
	case r := <-e.replies:
		return r.res, r.err
	case <-ctx.Done():
		return exchange.Result{}, ctx.Err()
	}
}

func (e *fakeExchanger) reply(res exchange.Result, err error) {
	e.replies <- exchangeReply{res: res, err: err}
}

func (e *fakeExchanger) requests() []exchange.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]exchange.Request(nil), e.reqs...)
}

// live counts requests whose context has not been cancelled
func (e *fakeExchanger) live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ctx := range e.ctxs {
		if ctx.Err() == nil {
			n++
		}
	}
	return n
}

type fakePlayback struct {
	mu      sync.Mutex
	texts   []string
	audio   [][]byte
	cancels int
	active  bool
	nextID  int
}

func (p *fakePlayback) Enqueue(text string) string {
	return p.EnqueueAudio(text, nil)
}

func (p *fakePlayback) EnqueueAudio(text string, audio []byte) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	p.audio = append(p.audio, audio)
	p.active = true
	p.nextID++
	return fmt.Sprintf("seg-%d", p.nextID)
}

func (p *fakePlayback) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	p.active = false
}

func (p *fakePlayback) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePlayback) drained() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}

func (p *fakePlayback) enqueued() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

type fakeTranscripts struct {
	mu       sync.Mutex
	latest   string
	running  bool
	starts   int
	stops    int
	restarts int
}

func (f *fakeTranscripts) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		f.running = true
		f.starts++
	}
}

func (f *fakeTranscripts) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.running = false
		f.stops++
	}
}

func (f *fakeTranscripts) Restart() {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
}

func (f *fakeTranscripts) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *fakeTranscripts) Latest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *fakeTranscripts) Clear() {
	f.mu.Lock()
	f.latest = ""
	f.mu.Unlock()
}

func (f *fakeTranscripts) setLatest(text string) {
	f.mu.Lock()
	f.latest = text
	f.mu.Unlock()
}

func (f *fakeTranscripts) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
	states []Snapshot
}

func (s *fakeSink) record(event string) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *fakeSink) StateChanged(snap Snapshot) {
	s.mu.Lock()
	s.states = append(s.states, snap)
	s.mu.Unlock()
}

func (s *fakeSink) Provisional(text string)        { s.record("provisional:" + text) }
func (s *fakeSink) DiscardProvisional()            { s.record("discard") }
func (s *fakeSink) UserText(text string)           { s.record("user:" + text) }
func (s *fakeSink) ReplyText(text string)          { s.record("reply:" + text) }
func (s *fakeSink) SpeechUnavailable()             { s.record("speech_unavailable") }
func (s *fakeSink) Error(kind ErrorKind, _ string) { s.record("error:" + kind.String()) }

func (s *fakeSink) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type harness struct {
	t     *testing.T
	c     *Coordinator
	clock *fakeClock
	rec   *fakeRecorder
	ex    *fakeExchanger
	pb    *fakePlayback
	tr    *fakeTranscripts
	sink  *fakeSink
	mons  *monitorFactory
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.SessionID = "session-1"
	return opts
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}

	h := &harness{
		t:     t,
		clock: newFakeClock(),
		rec:   &fakeRecorder{},
		ex:    newFakeExchanger(),
		pb:    &fakePlayback{},
		tr:    &fakeTranscripts{},
		sink:  &fakeSink{},
		mons:  &monitorFactory{},
	}
	h.c = New(opts, Deps{
		Stream:       audio.NewMicStream(16000, 4800),
		Recorder:     h.rec,
		Exchange:     h.ex,
		Playback:     h.pb,
		Transcripts:  h.tr,
		Sink:         h.sink,
		StartMonitor: h.mons.start,
		Clock:        h.clock,
		Logger:       zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	h.flush()
	return h
}

// inLoop runs fn on the coordinator loop after every event posted so far
func (h *harness) inLoop(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.c.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("coordinator loop stalled")
	}
}

// flush waits until the loop has no queued events, including ones posted by
// the handlers it just ran
func (h *harness) flush() {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		idle := false
		h.inLoop(func() {
			h.c.mu.Lock()
			idle = len(h.c.events) == 0
			h.c.mu.Unlock()
		})
		if idle {
			return
		}
	}
	h.t.Fatal("coordinator loop did not settle")
}

func (h *harness) waitEvent(event string) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, e := range h.sink.recorded() {
			if e == event {
				h.flush()
				return
			}
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("sink never saw %q, got %v", event, h.sink.recorded())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.flush()
}

func (h *harness) phase() Phase {
	return h.c.State().Phase()
}

func (h *harness) requirePhase(want Phase) {
	h.t.Helper()
	if got := h.phase(); got != want {
		h.t.Fatalf("phase = %v, want %v", got, want)
	}
}

func (h *harness) waitPhase(want Phase) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.phase() != want {
		if time.Now().After(deadline) {
			h.t.Fatalf("phase = %v, want %v", h.phase(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitRequests(n int) []exchange.Request {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		reqs := h.ex.requests()
		if len(reqs) >= n {
			return reqs
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("got %d exchange requests, want %d", len(reqs), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// reply answers the pending exchange and waits until the loop has handled it
func (h *harness) reply(res exchange.Result, err error, want Phase) {
	h.t.Helper()
	h.ex.reply(res, err)
	h.waitPhase(want)
	h.flush()
}

// recordVoiceTurn drives an Armed coordinator through a VAD-started recording
// into Exchanging
func (h *harness) recordVoiceTurn() {
	h.t.Helper()
	h.requirePhase(PhaseArmedListening)
	h.mons.last().voiceStart()
	h.flush()
	h.requirePhase(PhaseRecording)
	h.mons.last().silence()
	h.flush()
	h.requirePhase(PhaseExchanging)
}
