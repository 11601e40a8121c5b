package stt

import (
	"context"
	"fmt"
)

// ClientRecognizer is fed by the browser's own speech recognition. The
// transport pushes transcripts and session endings; OnActive tells the
// browser when to run recognition.
type ClientRecognizer struct {
	results chan Result
	ended   chan error

	// OnActive is called with true when a session starts and false when it is cancelled
	OnActive func(active bool)
}

var _ Recognizer = (*ClientRecognizer)(nil)

// NewClientRecognizer creates a recognizer with no active session
func NewClientRecognizer() *ClientRecognizer {
	return &ClientRecognizer{
		results: make(chan Result, 32),
		ended:   make(chan error, 1),
	}
}

// Push delivers one transcript from the browser. Transcripts arriving faster
// than they are consumed are dropped.
func (c *ClientRecognizer) Push(r Result) {
	select {
	case c.results <- r:
	default:
	}
}

// End reports that the browser's recognition session ended with the given
// Web Speech error code ("" for a clean end).
func (c *ClientRecognizer) End(code string) {
	err := ClientError(code)
	select {
	case c.ended <- err:
	default:
	}
}

// Run waits for browser results until the browser session ends or ctx is done
func (c *ClientRecognizer) Run(ctx context.Context, onResult func(Result)) error {
	c.drain()
	if c.OnActive != nil {
		c.OnActive(true)
	}

	for {
		select {
		case <-ctx.Done():
			if c.OnActive != nil {
				c.OnActive(false)
			}
			return ctx.Err()
		case r := <-c.results:
			onResult(r)
		case err := <-c.ended:
			// Deliver what arrived before the end
			for len(c.results) > 0 {
				onResult(<-c.results)
			}
			return err
		}
	}
}

// drain discards leftovers from a previous session
func (c *ClientRecognizer) drain() {
	for {
		select {
		case <-c.results:
		case <-c.ended:
		default:
			return
		}
	}
}

// ClientError maps Web Speech API error codes onto recognizer errors
func ClientError(code string) error {
	switch code {
	case "":
		return nil
	case "not-allowed", "service-not-allowed":
		return fmt.Errorf("%w: %s", ErrPermissionDenied, code)
	case "audio-capture":
		return fmt.Errorf("%w: %s", ErrNoDevice, code)
	case "no-speech":
		return ErrNoSpeech
	case "aborted":
		return ErrAborted
	default:
		return fmt.Errorf("browser recognition error: %s", code)
	}
}
