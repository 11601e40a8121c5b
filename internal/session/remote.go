package session

import (
	"context"
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/lexiqai/voice-coach/internal/audio"
	"github.com/lexiqai/voice-coach/internal/config"
	"github.com/lexiqai/voice-coach/internal/coordinator"
	"github.com/lexiqai/voice-coach/internal/playback"
)

// speakPerRune is a generous estimate of browser speech synthesis pace
const speakPerRune = 200 * time.Millisecond

// remotePlayer plays synthesized audio in the browser
type remotePlayer struct {
	s *Session
}

func (p remotePlayer) Play(ctx context.Context, seg playback.Segment) error {
	p.s.metrics.RecordAudioBytes("out", int64(len(seg.Audio)))
	return p.s.await(ctx, seg.ID, ServerMessage{
		Type:      msgPlay,
		SegmentID: seg.ID,
		Text:      seg.Text,
		Audio:     base64.StdEncoding.EncodeToString(seg.Audio),
	}, playLimit(p.s.cfg, seg.Audio))
}

// remoteVoice speaks text with the browser's synthetic voice
type remoteVoice struct {
	s *Session
}

func (v remoteVoice) Speak(ctx context.Context, seg playback.Segment) error {
	return v.s.await(ctx, seg.ID, ServerMessage{
		Type:      msgSpeak,
		SegmentID: seg.ID,
		Text:      seg.Text,
	}, speakLimit(v.s.cfg, seg.Text))
}

// playLimit is how long to wait for the browser to report the end of audio
func playLimit(cfg *config.Config, wav []byte) time.Duration {
	if d, ok := audio.WAVDuration(wav); ok {
		return d + config.Ms(cfg.PlaybackSlackMs)
	}
	return config.Ms(cfg.PlaybackMaxMs)
}

func speakLimit(cfg *config.Config, text string) time.Duration {
	limit := time.Duration(utf8.RuneCountInString(text))*speakPerRune + config.Ms(cfg.PlaybackSlackMs)
	if max := config.Ms(cfg.PlaybackMaxMs); max > 0 && limit > max {
		return max
	}
	return limit
}

// sink forwards coordinator output to the browser
type sink struct {
	s *Session
}

func (k sink) StateChanged(snap coordinator.Snapshot) {
	_ = k.s.send(StateMessage{
		Type:            msgState,
		Phase:           snap.Phase.String(),
		VoiceEnabled:    snap.VoiceEnabled,
		CanRecord:       snap.CanRecord,
		ManualInput:     snap.ManualInput,
		Speaking:        snap.Speaking,
		SpeechAvailable: snap.SpeechAvailable,
	})
}

func (k sink) Provisional(text string) {
	_ = k.s.send(ServerMessage{Type: msgProvisional, Text: text})
}

func (k sink) DiscardProvisional() {
	_ = k.s.send(ServerMessage{Type: msgDiscardProvisional})
}

func (k sink) UserText(text string) {
	_ = k.s.send(ServerMessage{Type: msgUserText, Text: text})
}

func (k sink) ReplyText(text string) {
	_ = k.s.send(ServerMessage{Type: msgReplyText, Text: text})
}

func (k sink) Error(kind coordinator.ErrorKind, message string) {
	_ = k.s.send(ServerMessage{Type: msgError, Message: message})
}

func (k sink) SpeechUnavailable() {
	_ = k.s.send(ServerMessage{Type: msgSpeechUnavailable})
}
