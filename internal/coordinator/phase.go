package coordinator

// Phase is the coordinator's single turn-taking state
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseArmedListening
	PhaseRecording
	PhaseExchanging
	PhasePlaying
	PhaseCooldownSuppressed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmedListening:
		return "armed_listening"
	case PhaseRecording:
		return "recording"
	case PhaseExchanging:
		return "exchanging"
	case PhasePlaying:
		return "playing"
	case PhaseCooldownSuppressed:
		return "cooldown_suppressed"
	default:
		return "unknown"
	}
}
