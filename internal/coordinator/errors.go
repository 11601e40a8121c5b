package coordinator

import (
	"errors"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/exchange"
	"github.com/lexiqai/voice-coach/internal/stt"
)

// ErrorKind is the user-facing classification of a turn failure
type ErrorKind int

const (
	InputTooShort ErrorKind = iota
	NoSpeechDetected
	AmbiguousInput
	TransientServiceError
	HardwareUnavailable
	ClientError
	EmptyReply
)

func (k ErrorKind) String() string {
	switch k {
	case InputTooShort:
		return "input_too_short"
	case NoSpeechDetected:
		return "no_speech_detected"
	case AmbiguousInput:
		return "ambiguous_input"
	case TransientServiceError:
		return "transient_service_error"
	case HardwareUnavailable:
		return "hardware_unavailable"
	case ClientError:
		return "client_error"
	case EmptyReply:
		return "empty_reply"
	default:
		return "unknown"
	}
}

// UserVisible reports kinds that show the generic error message
func (k ErrorKind) UserVisible() bool {
	switch k {
	case TransientServiceError, HardwareUnavailable, ClientError, EmptyReply:
		return true
	}
	return false
}

// classify translates a component error into an ErrorKind
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, audio.ErrTooShort):
		return InputTooShort
	case stt.IsFatal(err), errors.Is(err, audio.ErrStreamClosed):
		return HardwareUnavailable
	case exchange.IsClientError(err):
		return ClientError
	default:
		return TransientServiceError
	}
}
