package exchange

import (
	"context"
	"fmt"
)

// DialogueTurn is one line of recent conversation
type DialogueTurn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Request is one finalized utterance (or typed text) sent for transcription and reply
type Request struct {
	Audio     []byte // WAV; nil for typed input
	Hint      string // interim transcript, best effort
	Text      string // typed input
	Context   []DialogueTurn
	Memory    []string
	SessionID string
}

// Result is the boundary's answer
type Result struct {
	UserText   string
	ReplyText  string
	ReplyAudio []byte // nil when the reply carries no audio
	Drop       bool   // nothing worth answering was heard
	Unclear    bool   // the reply asks the user to clarify
}

// Empty reports a result with nothing to show or play
func (r Result) Empty() bool {
	return r.UserText == "" && r.ReplyText == "" && len(r.ReplyAudio) == 0
}

// response is the JSON body returned by the exchange endpoint
type response struct {
	UserText  string `json:"userText"`
	ReplyText string `json:"replyText"`
	AudioData string `json:"audioData"` // base64 or ""
	Drop      bool   `json:"drop"`
	Unclear   bool   `json:"unclear"`
}

// MemoryProvider supplies long-term memory facts about the user
type MemoryProvider interface {
	Facts(ctx context.Context, sessionID string) ([]string, error)
}

// StatusError is a non-2xx answer from the exchange endpoint
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange returned status %d: %s", e.StatusCode, e.Body)
}

// ClientError reports a 4xx other than 429
func (e *StatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}

// ServerError reports a 5xx or 429
func (e *StatusError) ServerError() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
