package coordinator

import (
	"context"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/exchange"
)

// Recorder captures one utterance at a time
type Recorder interface {
	Start(stream audio.Stream, done func(audio.Utterance, error)) error
	Stop()
	Cancel()
	IsRecording() bool
}

// Monitor is a running voice activity monitor
type Monitor interface {
	Stop()
}

// MonitorFunc starts a voice activity monitor
type MonitorFunc func(stream audio.Stream, opts audio.MonitorOptions, cb audio.MonitorCallbacks) Monitor

// Exchanger sends a finalized utterance or typed text and returns the reply
type Exchanger interface {
	Send(ctx context.Context, req exchange.Request) (exchange.Result, error)
}

// Playback is the speech playback queue
type Playback interface {
	Enqueue(text string) string
	EnqueueAudio(text string, audio []byte) string
	CancelAll()
	Active() bool
}

// Transcripts is the continuous interim transcript source
type Transcripts interface {
	Start()
	Stop()
	Restart()
	Latest() string
	Clear()
}

// Sink receives everything the user interface shows
type Sink interface {
	StateChanged(s Snapshot)
	Provisional(text string)
	DiscardProvisional()
	UserText(text string)
	ReplyText(text string)
	Error(kind ErrorKind, message string)
	SpeechUnavailable()
}

func startAudioMonitor(stream audio.Stream, opts audio.MonitorOptions, cb audio.MonitorCallbacks) Monitor {
	return audio.StartMonitor(stream, opts, cb)
}
