package audio

import "time"

// VADConfig holds configuration for energy based voice activity detection
type VADConfig struct {
	EnergyThreshold float64       // RMS energy threshold over PCM16 samples
	VoiceDuration   time.Duration // Sustained energy needed before voice counts as started
	SilenceDuration time.Duration // Continuous quiet, after voice was heard, that ends speech
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		VoiceDuration:   150 * time.Millisecond,
		SilenceDuration: 1500 * time.Millisecond,
	}
}

// VADDetector performs Voice Activity Detection over successive frames.
// It is not safe for concurrent use.
type VADDetector struct {
	config     VADConfig
	heardVoice bool // set on the first frame above threshold
	inVoice    bool
	voiceFor   time.Duration
	silentFor  time.Duration
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config VADConfig) *VADDetector {
	return &VADDetector{config: config}
}

// Prime marks voice as already heard, so silence counts from the first quiet frame
func (v *VADDetector) Prime() {
	v.heardVoice = true
}

// ProcessFrame processes a frame covering elapsed time.
// voiceStarted reports a rising edge; silenceDetected reports that the
// silence duration was reached after voice.
func (v *VADDetector) ProcessFrame(samples []int16, elapsed time.Duration) (voiceStarted, silenceDetected bool) {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.heardVoice = true
		v.silentFor = 0
		v.voiceFor += elapsed
		if !v.inVoice && v.voiceFor >= v.config.VoiceDuration {
			v.inVoice = true
			voiceStarted = true
		}
		return voiceStarted, false
	}

	v.voiceFor = 0
	v.inVoice = false
	if !v.heardVoice {
		return false, false
	}
	v.silentFor += elapsed
	return false, v.silentFor >= v.config.SilenceDuration
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.heardVoice = false
	v.inVoice = false
	v.voiceFor = 0
	v.silentFor = 0
}

// IsSpeaking returns whether voice is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.inVoice
}

// HeardVoice reports whether any frame has exceeded the threshold
func (v *VADDetector) HeardVoice() bool {
	return v.heardVoice
}
