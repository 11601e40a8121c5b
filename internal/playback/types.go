package playback

import (
	"context"
	"errors"
)

// ErrPlaybackTimeout is returned by a Player or FallbackVoice that gave up
// waiting for the segment to finish. The segment is not replayed.
var ErrPlaybackTimeout = errors.New("playback not confirmed in time")

// Segment is one queued unit of speech
type Segment struct {
	ID       string
	Text     string
	Audio    []byte // nil until synthesized
	Fallback bool   // spoken by the fallback voice
}

// Player plays synthesized audio. Play blocks until the segment finished
// playing or ctx is cancelled, in which case playback must stop.
type Player interface {
	Play(ctx context.Context, seg Segment) error
}

// FallbackVoice speaks text with a synthetic voice when synthesis or audio
// playback fails. Speak blocks like Player.Play.
type FallbackVoice interface {
	Speak(ctx context.Context, seg Segment) error
}

// Callbacks report segment lifecycle. They run on the queue worker and must not block.
type Callbacks struct {
	OnSegmentStart func(seg Segment)
	OnSegmentEnd   func(seg Segment, err error)
	OnIdle         func()
}
