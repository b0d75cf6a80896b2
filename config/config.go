package config

import (
	"strconv"
	"time"

	"github.com/pitabwire/frame/config"
)

// AssistantConfig configures the vi daemon.
type AssistantConfig struct {
	config.ConfigurationDefault

	// Dialog
	DialogDir                string  `envDefault:"./dialogs" env:"DIALOG_DIR"`
	DefaultDialog            string  `envDefault:"example"   env:"DEFAULT_DIALOG"`
	Locale                   string  `envDefault:"en-US"     env:"LOCALE"`
	ConfidenceThreshold      float32 `envDefault:"0.6"       env:"CONFIDENCE_THRESHOLD"`
	RejectionThreshold       float32 `envDefault:"0.15"      env:"REJECTION_THRESHOLD"`
	SpeechMaxAgeMs           int     `envDefault:"30000"     env:"SPEECH_MAX_AGE_MS"`
	HandlerTickIntervalMs    int     `envDefault:"1000"      env:"HANDLER_TICK_INTERVAL_MS"`
	HandlerShutdownTimeoutMs int     `envDefault:"5000"      env:"HANDLER_SHUTDOWN_TIMEOUT_MS"`
	RandomSeed               uint64  `envDefault:"0"         env:"RANDOM_SEED"`
	SnapshotPath             string  `envDefault:""          env:"SNAPSHOT_PATH"`

	// Speech
	RecognizerBackend string `envDefault:"console"                   env:"RECOGNIZER_BACKEND"`
	VoiceBackend      string `envDefault:"console"                   env:"VOICE_BACKEND"`
	PlayerBackend     string `envDefault:""                          env:"PLAYER_BACKEND"`
	BridgeURL         string `envDefault:""                          env:"BRIDGE_URL"`
	BridgeLocales     string `envDefault:""                          env:"BRIDGE_LOCALES"`
	PlayerCommand     string `envDefault:""                          env:"PLAYER_COMMAND"`
	PlayerFormat      string `envDefault:"raw"                       env:"PLAYER_FORMAT"`
	WordsPerMinute    int    `envDefault:"180"                       env:"WORDS_PER_MINUTE"`
	PiperModelPath    string `envDefault:"./models/en_US-amy-medium.onnx" env:"PIPER_MODEL_PATH"`
	PiperBinaryPath   string `envDefault:"piper"                     env:"PIPER_BINARY_PATH"`
	ElevenLabsAPIKey  string `envDefault:""                          env:"ELEVENLABS_API_KEY"`
	OpenAIAPIKey      string `envDefault:""                          env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `envDefault:"https://api.openai.com/v1" env:"OPENAI_BASE_URL"`
	Voice             string `envDefault:""                          env:"VOICE"`

	// Fault log
	FaultLogCapacity int  `envDefault:"256"   env:"FAULT_LOG_CAPACITY"`
	FaultLogPersist  bool `envDefault:"false" env:"FAULT_LOG_PERSIST"`

	// Event webhooks
	EventWebhookURLs   string `envDefault:""    env:"EVENT_WEBHOOK_URLS"`
	EventWebhookSecret string `envDefault:""    env:"EVENT_WEBHOOK_SECRET"`
	EventWebhookTypes  string `envDefault:""    env:"EVENT_WEBHOOK_TYPES"`
	WebhookMaxRetries  int    `envDefault:"5"   env:"WEBHOOK_MAX_RETRIES"`
	WebhookTimeoutSec  int    `envDefault:"10"  env:"WEBHOOK_TIMEOUT_SEC"`
	WebhookBackoffSec  int    `envDefault:"1"   env:"WEBHOOK_BACKOFF_INITIAL_SEC"`
	WebhookBackoffMax  int    `envDefault:"300" env:"WEBHOOK_BACKOFF_MAX_SEC"`
	CBFailThreshold    int    `envDefault:"5"   env:"CB_FAILURE_THRESHOLD"`
	CBResetTimeoutSec  int    `envDefault:"60"  env:"CB_RESET_TIMEOUT_SEC"`

	// Control service. vi-ctl dials ControlServiceURL, falling back to the
	// local HTTP port.
	ControlServiceURL  string `envDefault:""      env:"CONTROL_SERVICE_URL"`
	ControlAuthEnabled bool   `envDefault:"false" env:"CONTROL_AUTH_ENABLED"`
}

// Ms converts a millisecond setting.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// BackendConfig returns the config map passed to the named speech backend
// factories. Keys follow what each backend reads.
func (c *AssistantConfig) BackendConfig(backend string) map[string]string {
	m := map[string]string{}
	switch backend {
	case "bridge":
		m["url"] = c.BridgeURL
		m["locales"] = c.BridgeLocales
	case "console":
		m["words_per_minute"] = strconv.Itoa(c.WordsPerMinute)
	case "exec":
		m["command"] = c.PlayerCommand
		m["format"] = c.PlayerFormat
	case "piper":
		m["binary_path"] = c.PiperBinaryPath
		m["model_path"] = c.PiperModelPath
	case "elevenlabs":
		m["elevenlabs_api_key"] = c.ElevenLabsAPIKey
		m["voice"] = c.Voice
	case "openai":
		m["openai_api_key"] = c.OpenAIAPIKey
		m["base_url"] = c.OpenAIBaseURL
		m["voice"] = c.Voice
	}
	return m
}

// Player returns the configured player backend. Voices that produce text
// (console, bridge) default to the same backend; audio voices default to
// exec.
func (c *AssistantConfig) Player() string {
	if c.PlayerBackend != "" {
		return c.PlayerBackend
	}
	switch c.VoiceBackend {
	case "console", "bridge":
		return c.VoiceBackend
	default:
		return "exec"
	}
}
