package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/tts"
)

// ErrNoVoice is reported when a segment could be played by neither the player nor the fallback voice
var ErrNoVoice = errors.New("no voice available for segment")

type entry struct {
	seg Segment
	gen uint64
}

// Queue serializes speech segments into ordered, non-overlapping playback.
// One worker goroutine synthesizes and plays one segment at a time, so a
// segment is synthesized only after the previous one finished playing.
type Queue struct {
	synth    tts.Synthesizer
	player   Player
	fallback FallbackVoice
	cb       Callbacks
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	pending []entry
	gen     uint64
	playing bool
	cancel  context.CancelFunc // cancels the in-flight segment
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewQueue starts a queue worker. synth may be nil, in which case text
// segments go straight to the fallback voice.
func NewQueue(synth tts.Synthesizer, player Player, fallback FallbackVoice, cb Callbacks, metrics *observability.Metrics, logger zerolog.Logger) *Queue {
	q := &Queue{
		synth:    synth,
		player:   player,
		fallback: fallback,
		cb:       cb,
		metrics:  metrics,
		logger:   logger.With().Str("component", "playback").Logger(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue queues text to be synthesized and played. Returns the segment ID.
func (q *Queue) Enqueue(text string) string {
	return q.push(Segment{Text: text})
}

// EnqueueAudio queues pre-fetched audio. text is kept for the fallback voice.
func (q *Queue) EnqueueAudio(text string, audio []byte) string {
	return q.push(Segment{Text: text, Audio: audio})
}

func (q *Queue) push(seg Segment) string {
	seg.ID = uuid.New().String()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ""
	}
	q.pending = append(q.pending, entry{seg: seg, gen: q.gen})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return seg.ID
}

// CancelAll drops pending segments and stops the playing one. Callbacks of
// cancelled segments are not delivered. Safe from any goroutine.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gen++
	q.pending = nil
	if q.cancel != nil {
		q.cancel()
	}
}

// Active reports whether a segment is pending or playing
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing || len(q.pending) > 0
}

// Close cancels everything and stops the worker
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.CancelAll()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		e := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.playing = true
		q.cancel = cancel
		q.mu.Unlock()

		seg, err := q.playSegment(ctx, e)
		cancel()

		q.mu.Lock()
		q.playing = false
		q.cancel = nil
		current := e.gen == q.gen
		idle := current && len(q.pending) == 0
		q.mu.Unlock()

		if !current {
			continue
		}
		if q.cb.OnSegmentEnd != nil {
			q.cb.OnSegmentEnd(seg, err)
		}
		if idle && q.cb.OnIdle != nil {
			q.cb.OnIdle()
		}
	}
}

func (q *Queue) isCurrent(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return gen == q.gen
}

// playSegment synthesizes if needed and plays, falling back to the synthetic voice on any failure
func (q *Queue) playSegment(ctx context.Context, e entry) (Segment, error) {
	seg := e.seg

	if seg.Audio == nil && q.synth != nil && seg.Text != "" {
		audio, err := q.synth.Synthesize(ctx, seg.Text)
		if err != nil {
			if ctx.Err() != nil {
				return seg, ctx.Err()
			}
			q.logger.Warn().Err(err).Str("segment_id", seg.ID).Msg("Synthesis failed, using fallback voice")
		} else {
			seg.Audio = audio
		}
	}
	if !q.isCurrent(e.gen) {
		return seg, context.Canceled
	}

	seg.Fallback = seg.Audio == nil || q.player == nil
	if q.cb.OnSegmentStart != nil {
		q.cb.OnSegmentStart(seg)
	}

	if !seg.Fallback {
		voice := "synth"
		if e.seg.Audio != nil {
			voice = "prefetched"
		}
		err := q.player.Play(ctx, seg)
		q.metrics.RecordPlaybackSegment(voice, err == nil)
		if err == nil || ctx.Err() != nil || errors.Is(err, ErrPlaybackTimeout) {
			return seg, err
		}
		q.logger.Warn().Err(err).Str("segment_id", seg.ID).Msg("Audio playback failed, using fallback voice")
		seg.Fallback = true
	}

	return seg, q.speakFallback(ctx, seg)
}

func (q *Queue) speakFallback(ctx context.Context, seg Segment) error {
	if q.fallback == nil || seg.Text == "" {
		q.metrics.RecordError("no_voice", "playback")
		q.logger.Error().Str("segment_id", seg.ID).Msg("Segment could not be spoken")
		return fmt.Errorf("%w: %s", ErrNoVoice, seg.ID)
	}
	err := q.fallback.Speak(ctx, seg)
	q.metrics.RecordPlaybackSegment("fallback", err == nil)
	if err != nil && ctx.Err() == nil {
		q.logger.Error().Err(err).Str("segment_id", seg.ID).Msg("Fallback voice failed")
	}
	return err
}
