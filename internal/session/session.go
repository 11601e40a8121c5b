package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/config"
	"github.com/lexiqai/voice-coach/internal/coordinator"
	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/playback"
	"github.com/lexiqai/voice-coach/internal/resilience"
	"github.com/lexiqai/voice-coach/internal/stt"
)

const (
	writeTimeout   = 10 * time.Second
	outboundBuffer = 256
	mulawRate      = 8000
)

var (
	errClientGone    = errors.New("client disconnected")
	errSessionClosed = errors.New("session closed")
)

// Session binds one browser connection to one coordinator
type Session struct {
	id   string
	conn *websocket.Conn
	cfg  *config.Config

	stream      *audio.MicStream
	coord       *coordinator.Coordinator
	queue       *playback.Queue
	transcripts *stt.InterimSource
	clientASR   *stt.ClientRecognizer // nil unless recognition runs in the browser

	metrics *observability.Metrics
	logger  zerolog.Logger

	out       chan any
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	waiters map[string]chan struct{} // segment ID -> closed when the browser reports the end
}

// New wires a coordinator and its components for one connection
func New(conn *websocket.Conn, cfg *config.Config, services Services, sessionID string) *Session {
	logger := observability.WithSession(sessionID)
	metrics := observability.NewSessionMetrics(sessionID)

	s := &Session{
		id:      sessionID,
		conn:    conn,
		cfg:     cfg,
		stream:  audio.NewMicStream(cfg.AudioSampleRate, cfg.AudioSampleRate*cfg.PreRollMs/1000),
		metrics: metrics,
		logger:  logger,
		out:     make(chan any, outboundBuffer),
		closed:  make(chan struct{}),
		waiters: make(map[string]chan struct{}),
	}

	var recognizer stt.Recognizer
	switch cfg.ASRProvider {
	case config.ASRProviderDeepgram:
		recognizer = stt.NewDeepgramRecognizer(stt.DeepgramOptions{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
		}, s.stream, services.DeepgramBreaker, logger)
	default:
		s.clientASR = stt.NewClientRecognizer()
		s.clientASR.OnActive = s.sendRecognize
		recognizer = s.clientASR
	}

	s.transcripts = stt.NewInterimSource(recognizer, stt.InterimOptions{
		Policy: resilience.RestartPolicy{
			MaxFailures: cfg.ASRMaxFailures,
			Window:      config.Ms(cfg.ASRFailureWindowMs),
			Backoff:     config.Ms(cfg.ASRRestartBackoffMs),
			MinHealthy:  config.Ms(cfg.ASRMinSessionMs),
		},
		RestartDebounce: config.Ms(cfg.ASRRestartDebounceMs),
	}, stt.InterimCallbacks{
		OnFinal:             func(text string) { s.coord.FinalTranscript(text) },
		OnUnavailable:       func(err error) { s.coord.RecognitionUnavailable(err) },
		IsAssistantSpeaking: func() bool { return s.coord.IsAssistantSpeaking() },
	}, logger)

	s.queue = playback.NewQueue(services.Synth, remotePlayer{s}, remoteVoice{s}, playback.Callbacks{
		OnSegmentStart: func(seg playback.Segment) { s.coord.SegmentStarted(seg) },
		OnSegmentEnd:   func(seg playback.Segment, err error) { s.coord.SegmentEnded(seg, err) },
		OnIdle:         func() { s.coord.PlaybackIdle() },
	}, metrics, logger)

	s.coord = coordinator.New(CoordinatorOptions(cfg, sessionID), coordinator.Deps{
		Stream: s.stream,
		Recorder: audio.NewRecorder(audio.RecorderOptions{
			MinDuration: config.Ms(cfg.MinRecordingMs),
			MaxDuration: config.Ms(cfg.MaxRecordingMs),
		}),
		Exchange:    services.Exchange,
		Playback:    s.queue,
		Transcripts: s.transcripts,
		Sink:        sink{s},
		Metrics:     metrics,
		Logger:      logger,
	})
	return s
}

// CoordinatorOptions maps configuration onto coordinator options
func CoordinatorOptions(cfg *config.Config, sessionID string) coordinator.Options {
	return coordinator.Options{
		SessionID:           sessionID,
		Threshold:           cfg.VADThreshold,
		PollInterval:        config.Ms(cfg.VADPollIntervalMs),
		SilenceDuration:     config.Ms(cfg.VADSilenceMs),
		VoiceDuration:       config.Ms(cfg.VADVoiceDurationMs),
		MinTranscriptChars:  cfg.MinTranscriptChars,
		ContinuousListening: cfg.ContinuousListening,
		SpeakTextReplies:    cfg.SpeakTextReplies,
		VoiceEnabled:        true,
		ContextTurns:        cfg.ContextTurns,
		RearmDelay:          config.Ms(cfg.RearmDelayMs),
		ErrorRearmDelay:     config.Ms(cfg.ErrorRearmDelayMs),
		OverloadRearmDelay:  config.Ms(cfg.OverloadRearmDelayMs),
		PlaybackSettle:      config.Ms(cfg.PlaybackSettleMs),
		RecordCooldown:      config.Ms(cfg.RecordCooldownMs),
		GenericErrorMessage: cfg.GenericErrorMessage,
	}
}

// Run serves the connection until the browser leaves or ctx is done
func (s *Session) Run(ctx context.Context) error {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.closeOnce.Do(func() { close(s.closed) })
		// Unblocks the read loop
		return s.conn.Close()
	})
	g.Go(func() error { return s.readLoop() })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.coord.Run(gctx) })

	err := g.Wait()

	s.queue.Close()
	s.transcripts.Stop()
	s.stream.Close()

	if errors.Is(err, errClientGone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) readLoop() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return errClientGone
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse client message")
			continue
		}
		if msg.Type == msgEnd {
			s.logger.Info().Msg("Client ended the session")
			return errClientGone
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg ClientMessage) {
	switch msg.Type {
	case msgAudio:
		s.handleAudio(msg.Data)
	case msgTranscript:
		if s.clientASR != nil {
			s.clientASR.Push(stt.Result{Text: msg.Text, IsFinal: msg.Final})
		}
	case msgRecognitionEnded:
		if s.clientASR != nil {
			s.clientASR.End(msg.Error)
		}
	case msgVoice:
		s.coord.SetVoiceEnabled(msg.Enabled)
	case msgManualInput:
		s.coord.SetManualInput(msg.Active)
	case msgSubmitText:
		s.coord.SubmitText(msg.Text)
	case msgBargeIn:
		s.coord.BargeIn()
	case msgPlaybackEnded, msgSpeechEnded:
		s.segmentEnded(msg.SegmentID)
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unknown client message")
	}
}

func (s *Session) handleAudio(data string) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode base64 audio")
		return
	}
	samples, err := decodeAudio(raw, s.cfg.AudioInputEncoding, s.cfg.AudioSampleRate)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed audio chunk")
		s.metrics.RecordError("bad_audio", "session")
		return
	}
	s.metrics.RecordAudioBytes("in", int64(len(raw)))
	if err := s.stream.Write(samples); err != nil {
		s.logger.Debug().Err(err).Msg("Audio after stream close")
	}
}

// decodeAudio converts one browser chunk to PCM16 samples at sampleRate
func decodeAudio(raw []byte, encoding string, sampleRate int) ([]int16, error) {
	switch encoding {
	case config.EncodingMulaw:
		return audio.Resample(audio.DecodeMulaw(raw), mulawRate, sampleRate), nil
	case config.EncodingPCM16, "":
		return audio.DecodePCM16LE(raw)
	default:
		return nil, fmt.Errorf("unsupported audio encoding %q", encoding)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("write to client: %w", err)
			}
		}
	}
}

// send queues msg for the writer. It blocks only while the outbound buffer is full.
func (s *Session) send(msg any) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.closed:
		return errSessionClosed
	}
}

func (s *Session) sendRecognize(active bool) {
	_ = s.send(ServerMessage{Type: msgRecognize, Active: &active})
}

// await sends msg and waits until the browser reports the segment finished.
// If no report arrives within limit the browser is told to stop and the wait
// ends with playback.ErrPlaybackTimeout.
func (s *Session) await(ctx context.Context, segmentID string, msg ServerMessage, limit time.Duration) error {
	done := make(chan struct{})
	s.mu.Lock()
	s.waiters[segmentID] = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, segmentID)
		s.mu.Unlock()
	}()

	if err := s.send(msg); err != nil {
		return err
	}

	var expired <-chan time.Time
	if limit > 0 {
		watchdog := time.NewTimer(limit)
		defer watchdog.Stop()
		expired = watchdog.C
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = s.send(ServerMessage{Type: msgStopAudio, SegmentID: segmentID})
		return ctx.Err()
	case <-expired:
		s.logger.Warn().Str("segment_id", segmentID).Dur("limit", limit).Msg("Playback end not reported, abandoning segment")
		s.metrics.RecordError("playback_unconfirmed", "session")
		_ = s.send(ServerMessage{Type: msgStopAudio, SegmentID: segmentID})
		return fmt.Errorf("%w: segment %s", playback.ErrPlaybackTimeout, segmentID)
	case <-s.closed:
		return errSessionClosed
	}
}

func (s *Session) segmentEnded(segmentID string) {
	s.mu.Lock()
	done, ok := s.waiters[segmentID]
	if ok {
		delete(s.waiters, segmentID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().Str("segment_id", segmentID).Msg("End reported for unknown segment")
		return
	}
	close(done)
}
