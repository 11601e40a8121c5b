package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/resilience"
)

// Options configures the HTTP synthesis client
type Options struct {
	URL           string
	APIKey        string
	VoiceID       string
	ModelID       string
	Timeout       time.Duration
	RetryAttempts int
	// PCMSampleRate is assumed for raw audio/pcm answers
	PCMSampleRate int
}

// Request represents the request payload for the synthesis API
type Request struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	ModelID      string `json:"model_id,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

// Client implements Synthesizer over a JSON-in, audio-out HTTP endpoint
type Client struct {
	opts           Options
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	retry          *resilience.RetryConfig
	logger         zerolog.Logger
}

var _ Synthesizer = (*Client)(nil)

// NewClient creates a synthesis client
func NewClient(opts Options, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.PCMSampleRate <= 0 {
		opts.PCMSampleRate = 24000
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("synthesis", 5, 30*time.Second)
	}
	// Client errors mean bad input, not an unhealthy service
	breaker.CountFailuresWhen(isServiceFailure)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.RetryAttempts
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}

	return &Client{
		opts:           opts,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		circuitBreaker: breaker,
		retry:          retry,
		logger:         logger.With().Str("component", "synthesis").Logger(),
	}
}

// Synthesize converts text to WAV audio. Synthesis is idempotent, so failed
// attempts are retried.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	var wav []byte

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return c.circuitBreaker.Call(func() error {
			var err error
			wav, err = c.synthesizeOnce(ctx, text)
			return err
		})
	}, c.retry, isRetryable)

	observability.ObserveSynthesis(time.Since(start), err == nil)
	if err != nil {
		c.logger.Warn().Err(err).Int("chars", len([]rune(text))).Msg("Synthesis failed")
		return nil, err
	}
	c.logger.Debug().Int("bytes", len(wav)).Dur("latency", time.Since(start)).Msg("Synthesized segment")
	return wav, nil
}

func (c *Client) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	jsonData, err := json.Marshal(Request{
		Text:         text,
		VoiceID:      c.opts.VoiceID,
		ModelID:      c.opts.ModelID,
		OutputFormat: "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("x-api-key", c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis audio: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave", "":
		return data, nil
	case "audio/pcm", "audio/l16":
		samples, err := audio.DecodePCM16LE(data)
		if err != nil {
			return nil, fmt.Errorf("invalid PCM audio: %w", err)
		}
		return audio.EncodeWAV(samples, c.opts.PCMSampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported synthesis content type %q", mediaType)
	}
}

// HealthCheck reports whether the synthesis endpoint answers
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.opts.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, &StatusError{StatusCode: resp.StatusCode}
	}
	return true, nil
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, ErrEmptyAudio) {
		return true
	}
	return resilience.IsRetryableNetworkError(err)
}

func isServiceFailure(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}
