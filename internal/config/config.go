package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ASR provider names accepted by ASR_PROVIDER
const (
	ASRProviderDeepgram = "deepgram"
	ASRProviderClient   = "client"
)

// Audio input encodings accepted by AUDIO_INPUT_ENCODING
const (
	EncodingPCM16 = "pcm16"
	EncodingMulaw = "mulaw"
)

// Config holds all configuration for the voice coach service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Allowed browser origin for the voice WebSocket. Empty allows any origin (development only).
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:""`

	// Transcription+reply+synthesis boundary
	ExchangeURL     string `envconfig:"EXCHANGE_URL" required:"true"`
	ExchangeAPIKey  string `envconfig:"EXCHANGE_API_KEY" default:""`
	ExchangeTimeout int    `envconfig:"EXCHANGE_TIMEOUT" default:"30"` // seconds
	ContextTurns    int    `envconfig:"CONTEXT_TURNS" default:"6"`     // recent dialogue turns sent per exchange

	// Standalone speech synthesis boundary
	SynthURL           string `envconfig:"SYNTH_URL" default:""` // empty disables synthesis; text is spoken by the browser voice
	SynthAPIKey        string `envconfig:"SYNTH_API_KEY" default:""`
	SynthVoiceID       string `envconfig:"SYNTH_VOICE_ID" default:"coach-ja"`
	SynthModelID       string `envconfig:"SYNTH_MODEL_ID" default:"sonic"`
	SynthTimeout       int    `envconfig:"SYNTH_TIMEOUT" default:"15"` // seconds
	SynthRetryAttempts int    `envconfig:"SYNTH_RETRY_ATTEMPTS" default:"2"`

	// Speech recognition
	ASRProvider      string `envconfig:"ASR_PROVIDER" default:"client"` // client (browser forwarded) or deepgram
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"ja"`

	// Microphone stream
	AudioInputEncoding string `envconfig:"AUDIO_INPUT_ENCODING" default:"pcm16"` // pcm16 or mulaw
	AudioSampleRate    int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	PreRollMs          int    `envconfig:"PRE_ROLL_MS" default:"300"`

	// Voice activity detection
	VADThreshold       float64 `envconfig:"VAD_THRESHOLD" default:"500.0"` // RMS over PCM16 samples
	VADPollIntervalMs  int     `envconfig:"VAD_POLL_INTERVAL_MS" default:"50"`
	VADSilenceMs       int     `envconfig:"VAD_SILENCE_MS" default:"1500"`
	VADVoiceDurationMs int     `envconfig:"VAD_VOICE_DURATION_MS" default:"150"`

	// Recording
	MinRecordingMs   int `envconfig:"MIN_RECORDING_MS" default:"500"`
	MaxRecordingMs   int `envconfig:"MAX_RECORDING_MS" default:"30000"`
	RecordCooldownMs int `envconfig:"RECORD_COOLDOWN_MS" default:"500"`

	// Turn taking
	MinTranscriptChars   int  `envconfig:"MIN_TRANSCRIPT_CHARS" default:"1"`
	ContinuousListening  bool `envconfig:"CONTINUOUS_LISTENING" default:"true"`
	SpeakTextReplies     bool `envconfig:"SPEAK_TEXT_REPLIES" default:"false"`
	RearmDelayMs         int  `envconfig:"REARM_DELAY_MS" default:"300"`
	ErrorRearmDelayMs    int  `envconfig:"ERROR_REARM_DELAY_MS" default:"1000"`
	OverloadRearmDelayMs int  `envconfig:"OVERLOAD_REARM_DELAY_MS" default:"3000"`
	PlaybackSettleMs     int  `envconfig:"PLAYBACK_SETTLE_MS" default:"400"`

	// Browser playback watchdog: a segment whose end is not reported within its
	// length plus PlaybackSlackMs (PlaybackMaxMs when the length is unknown) is abandoned
	PlaybackSlackMs int `envconfig:"PLAYBACK_SLACK_MS" default:"3000"`
	PlaybackMaxMs   int `envconfig:"PLAYBACK_MAX_MS" default:"60000"`

	// Recognizer supervision
	ASRRestartBackoffMs  int `envconfig:"ASR_RESTART_BACKOFF_MS" default:"300"`
	ASRRestartDebounceMs int `envconfig:"ASR_RESTART_DEBOUNCE_MS" default:"1000"`
	ASRMaxFailures       int `envconfig:"ASR_MAX_FAILURES" default:"5"`
	ASRFailureWindowMs   int `envconfig:"ASR_FAILURE_WINDOW_MS" default:"10000"`
	ASRMinSessionMs      int `envconfig:"ASR_MIN_SESSION_MS" default:"1000"` // shorter clean sessions count as failures

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// User facing copy
	GenericErrorMessage string `envconfig:"GENERIC_ERROR_MESSAGE" default:"ごめんなさい、うまく聞き取れませんでした。もう一度お願いします。"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the coordinator cannot run with
func (c *Config) Validate() error {
	if c.ExchangeURL == "" {
		return fmt.Errorf("EXCHANGE_URL is required")
	}
	switch c.ASRProvider {
	case ASRProviderClient:
	case ASRProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when ASR_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unknown ASR_PROVIDER %q", c.ASRProvider)
	}
	switch c.AudioInputEncoding {
	case EncodingPCM16, EncodingMulaw:
	default:
		return fmt.Errorf("unknown AUDIO_INPUT_ENCODING %q", c.AudioInputEncoding)
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.VADPollIntervalMs <= 0 {
		return fmt.Errorf("VAD_POLL_INTERVAL_MS must be positive")
	}
	if c.VADSilenceMs <= c.VADPollIntervalMs {
		return fmt.Errorf("VAD_SILENCE_MS (%d) must exceed VAD_POLL_INTERVAL_MS (%d)", c.VADSilenceMs, c.VADPollIntervalMs)
	}
	if c.MinRecordingMs >= c.MaxRecordingMs {
		return fmt.Errorf("MIN_RECORDING_MS (%d) must be below MAX_RECORDING_MS (%d)", c.MinRecordingMs, c.MaxRecordingMs)
	}
	if c.ASRMaxFailures <= 0 {
		return fmt.Errorf("ASR_MAX_FAILURES must be positive")
	}
	return nil
}

// Ms converts an integer millisecond setting to a duration
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
