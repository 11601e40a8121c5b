package coordinator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/observability"
)

// Options tunes turn-taking behaviour
type Options struct {
	SessionID string

	// Voice activity detection
	Threshold       float64
	PollInterval    time.Duration
	SilenceDuration time.Duration
	VoiceDuration   time.Duration

	MinTranscriptChars  int
	ContinuousListening bool
	SpeakTextReplies    bool
	VoiceEnabled        bool
	ContextTurns        int

	RearmDelay         time.Duration
	ErrorRearmDelay    time.Duration
	OverloadRearmDelay time.Duration
	PlaybackSettle     time.Duration
	RecordCooldown     time.Duration

	GenericErrorMessage string
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	vad := audio.DefaultVADConfig()
	return Options{
		Threshold:           vad.EnergyThreshold,
		PollInterval:        50 * time.Millisecond,
		SilenceDuration:     vad.SilenceDuration,
		VoiceDuration:       vad.VoiceDuration,
		MinTranscriptChars:  1,
		ContinuousListening: true,
		VoiceEnabled:        true,
		ContextTurns:        6,
		RearmDelay:          300 * time.Millisecond,
		ErrorRearmDelay:     time.Second,
		OverloadRearmDelay:  3 * time.Second,
		PlaybackSettle:      400 * time.Millisecond,
		RecordCooldown:      500 * time.Millisecond,
		GenericErrorMessage: "申し訳ありません、うまく聞き取れませんでした。もう一度お願いします。",
	}
}

// Deps are the components a coordinator drives. Transcripts, StartMonitor,
// Clock and Metrics are optional.
type Deps struct {
	Stream       audio.Stream
	Recorder     Recorder
	Exchange     Exchanger
	Playback     Playback
	Transcripts  Transcripts
	Sink         Sink
	StartMonitor MonitorFunc
	Clock        Clock
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}
