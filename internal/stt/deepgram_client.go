package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse)
	closeHandler                           func()
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error ends the session with the server's error
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// Close ends the session cleanly
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.closeHandler()
	return nil
}

// DeepgramOptions configures the Deepgram streaming recognizer
type DeepgramOptions struct {
	APIKey         string
	Model          string
	Language       string
	UtteranceEndMs int
}

// DeepgramRecognizer streams the shared microphone to Deepgram's live API
type DeepgramRecognizer struct {
	opts           DeepgramOptions
	stream         audio.Stream
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

var _ Recognizer = (*DeepgramRecognizer)(nil)

// NewDeepgramRecognizer creates a recognizer reading from stream
func NewDeepgramRecognizer(opts DeepgramOptions, stream audio.Stream, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramRecognizer {
	if opts.UtteranceEndMs <= 0 {
		opts.UtteranceEndMs = 1000
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("deepgram", 5, 30*time.Second)
	}
	return &DeepgramRecognizer{
		opts:           opts,
		stream:         stream,
		circuitBreaker: breaker,
		logger:         logger.With().Str("component", "deepgram").Logger(),
	}
}

// Run opens one live transcription session and pipes the microphone into it
func (d *DeepgramRecognizer) Run(ctx context.Context, onResult func(Result)) error {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       d.opts.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(d.opts.UtteranceEndMs),
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.stream.SampleRate(),
	}

	ended := make(chan error, 1)
	var endOnce sync.Once
	end := func(err error) {
		endOnce.Do(func() { ended <- err })
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			if r, ok := resultFromMessage(msg); ok {
				onResult(r)
			}
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			end(fmt.Errorf("deepgram error: %+v", errorResponse))
		},
		closeHandler: func() { end(nil) },
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var client *listenClient.WSCallback
	err := d.circuitBreaker.Call(func() error {
		var err error
		client, err = listenClient.NewWSUsingCallback(sessionCtx, d.opts.APIKey, nil, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return errors.New("failed to connect to Deepgram")
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer client.Finish()

	d.logger.Debug().Str("model", d.opts.Model).Str("language", d.opts.Language).Msg("Deepgram session started")

	chunks := make(chan []int16, 64)
	_, unsubscribe := d.stream.Subscribe(func(chunk []int16) {
		select {
		case chunks <- chunk:
		default:
			d.logger.Warn().Msg("Deepgram audio queue full, dropping chunk")
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stream.Done():
			return audio.ErrStreamClosed
		case err := <-ended:
			return err
		case chunk := <-chunks:
			data := audio.EncodePCM16LE(chunk)
			if _, err := client.Write(data); err != nil {
				return fmt.Errorf("failed to send audio to Deepgram: %w", err)
			}
			observability.ObserveAudioBytes("asr", int64(len(data)))
		}
	}
}

// resultFromMessage extracts the best alternative of a Results message
func resultFromMessage(msg *msginterfaces.MessageResponse) (Result, bool) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return Result{}, false
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Result{}, false
	}
	return Result{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
