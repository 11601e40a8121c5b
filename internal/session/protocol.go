package session

// Client to server message types
const (
	msgAudio            = "audio"
	msgTranscript       = "transcript"
	msgRecognitionEnded = "recognition_ended"
	msgVoice            = "voice"
	msgManualInput      = "manual_input"
	msgSubmitText       = "submit_text"
	msgBargeIn          = "barge_in"
	msgPlaybackEnded    = "playback_ended"
	msgSpeechEnded      = "speech_ended"
	msgEnd              = "end"
)

// Server to client message types
const (
	msgState              = "state"
	msgProvisional        = "provisional"
	msgDiscardProvisional = "discard_provisional"
	msgUserText           = "user_text"
	msgReplyText          = "reply_text"
	msgPlay               = "play"
	msgSpeak              = "speak"
	msgStopAudio          = "stop_audio"
	msgError              = "error"
	msgSpeechUnavailable  = "speech_unavailable"
	msgRecognize          = "recognize"
)

// ClientMessage is any message sent by the browser
type ClientMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"` // base64 audio
	Text      string `json:"text,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Error     string `json:"error,omitempty"` // Web Speech error code
	Enabled   bool   `json:"enabled,omitempty"`
	Active    bool   `json:"active,omitempty"`
	SegmentID string `json:"segment_id,omitempty"`
}

// ServerMessage is any message sent to the browser except state updates
type ServerMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	SegmentID string `json:"segment_id,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64 WAV
	Active    *bool  `json:"active,omitempty"`
}

// StateMessage mirrors the coordinator state
type StateMessage struct {
	Type            string `json:"type"`
	Phase           string `json:"phase"`
	VoiceEnabled    bool   `json:"voice_enabled"`
	CanRecord       bool   `json:"can_record"`
	ManualInput     bool   `json:"manual_input"`
	Speaking        bool   `json:"speaking"`
	SpeechAvailable bool   `json:"speech_available"`
}
