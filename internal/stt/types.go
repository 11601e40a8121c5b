package stt

import (
	"context"
	"errors"
)

// Permission and device errors disable recognition without retries
var (
	ErrPermissionDenied = errors.New("speech recognition permission denied")
	ErrNoDevice         = errors.New("no audio capture device")
)

// Benign session endings are restarted without counting as failures
var (
	ErrNoSpeech = errors.New("no speech detected")
	ErrAborted  = errors.New("recognition aborted")
)

// ErrSessionTooShort is reported when clean sessions keep ending right after they start
var ErrSessionTooShort = errors.New("recognition sessions ending immediately")

// Result is one interim or final recognition result
type Result struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64
}

// Recognizer runs one continuous recognition session per Run call.
type Recognizer interface {
	// Run blocks until the session ends or ctx is done. A nil error is a clean end.
	Run(ctx context.Context, onResult func(Result)) error
}

// IsFatal reports errors after which recognition must not be restarted
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoDevice)
}

// IsBenign reports session endings that are not failures
func IsBenign(err error) bool {
	return errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrAborted)
}
