package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyAudio is returned when the synthesis service answers without audio
var ErrEmptyAudio = errors.New("synthesis returned empty audio")

// Synthesizer converts one text segment into playable audio
type Synthesizer interface {
	// Synthesize returns audio/wav bytes for text
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// StatusError is a non-2xx answer from the synthesis service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("synthesis API returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports server side and rate limit failures
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
