package exchange

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/resilience"
)

// Options configures the exchange client
type Options struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client sends utterances to the transcription+reply+synthesis endpoint.
// Requests are never retried: a retry could produce a duplicate turn.
type Client struct {
	opts           Options
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	memory         MemoryProvider
	logger         zerolog.Logger
}

// NewClient creates an exchange client. memory may be nil.
func NewClient(opts Options, breaker *resilience.CircuitBreaker, memory MemoryProvider, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("exchange", 5, 30*time.Second)
	}
	breaker.CountFailuresWhen(IsTransient)

	return &Client{
		opts:           opts,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		circuitBreaker: breaker,
		memory:         memory,
		logger:         logger.With().Str("component", "exchange").Logger(),
	}
}

// Send posts one request and decodes the reply
func (c *Client) Send(ctx context.Context, req Request) (Result, error) {
	if req.Memory == nil && c.memory != nil {
		facts, err := c.memory.Facts(ctx, req.SessionID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Memory facts unavailable, continuing without them")
		}
		req.Memory = facts
	}

	var result Result
	err := c.circuitBreaker.Call(func() error {
		var err error
		result, err = c.send(ctx, req)
		return err
	})
	return result, err
}

func (c *Client) send(ctx context.Context, req Request) (Result, error) {
	body, contentType, err := encodeRequest(req)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("failed to decode exchange response: %w", err)
	}

	result := Result{
		UserText:  decoded.UserText,
		ReplyText: decoded.ReplyText,
		Drop:      decoded.Drop,
		Unclear:   decoded.Unclear,
	}
	if decoded.AudioData != "" {
		audio, err := base64.StdEncoding.DecodeString(decoded.AudioData)
		if err != nil {
			// Text is still usable; the reply is spoken by the playback queue instead
			c.logger.Warn().Err(err).Msg("Discarding undecodable reply audio")
		} else {
			result.ReplyAudio = audio
		}
	}

	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Bool("drop", result.Drop).
		Bool("unclear", result.Unclear).
		Bool("audio", result.ReplyAudio != nil).
		Msg("Exchange completed")
	return result, nil
}

func encodeRequest(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if req.Audio != nil {
		part, err := w.CreateFormFile("audio", "utterance.wav")
		if err != nil {
			return nil, "", fmt.Errorf("failed to create audio part: %w", err)
		}
		if _, err := part.Write(req.Audio); err != nil {
			return nil, "", fmt.Errorf("failed to write audio part: %w", err)
		}
	}

	dialogue := req.Context
	if dialogue == nil {
		dialogue = []DialogueTurn{}
	}
	contextJSON, err := json.Marshal(dialogue)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal context: %w", err)
	}
	memory := req.Memory
	if memory == nil {
		memory = []string{}
	}
	memoryJSON, err := json.Marshal(memory)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal memory: %w", err)
	}

	for _, field := range []struct{ name, value string }{
		{"hint", req.Hint},
		{"text", req.Text},
		{"context", string(contextJSON)},
		{"memory", string(memoryJSON)},
		{"session_id", req.SessionID},
	} {
		if err := w.WriteField(field.name, field.value); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", field.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// HealthCheck reports whether the exchange endpoint answers
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

// IsClientError reports a 4xx rejection of the request itself
func IsClientError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.ClientError()
}

// IsTransient reports failures worth trying again later: transport errors,
// 5xx/429 answers and an open circuit
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.ServerError()
	}
	return true
}
