package coordinator

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Source is what started a turn
type Source string

const (
	SourceVAD        Source = "vad"
	SourceTranscript Source = "transcript"
	SourceManual     Source = "manual"
)

// Outcome is how a turn ended
type Outcome string

const (
	OutcomeDropped   Outcome = "dropped"
	OutcomeUnclear   Outcome = "unclear"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Turn is one user-utterance-to-reply cycle
type Turn struct {
	ID             string
	Source         Source
	UtteranceAudio []byte // owned until handed to the exchange
	InterimHint    string
	UserText       string
	ReplyText      string
	ReplyAudio     []byte
	Outcome        Outcome
}

func newTurn(source Source, hint string) *Turn {
	return &Turn{
		ID:          uuid.New().String(),
		Source:      source,
		InterimHint: hint,
	}
}

// normalize collapses whitespace runs and trims
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// sendWorthy reports whether a transcript may start a turn: long enough after
// normalization and different from the previously sent transcript
func sendWorthy(text, lastSent string, minChars int) bool {
	n := normalize(text)
	return utf8.RuneCountInString(n) > minChars && n != lastSent
}
