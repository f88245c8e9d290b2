package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the transcription gateway.
type Config struct {
	// HTTP server
	Port        string `envconfig:"PORT" default:"8080"`
	RoutePrefix string `envconfig:"ROUTE_PREFIX" default:"/v1/sessions"`

	// Audio / Frame Assembler
	InputSampleRateHz  int    `envconfig:"AUDIO_INPUT_SAMPLE_RATE_HZ" default:"48000"`
	InputChannels      int    `envconfig:"AUDIO_INPUT_CHANNELS" default:"2"`
	TargetSampleRateHz int    `envconfig:"AUDIO_TARGET_SAMPLE_RATE_HZ" default:"16000"`
	TargetFrameMs      int    `envconfig:"AUDIO_TARGET_FRAME_MS" default:"20"`
	NormalizeMode      string `envconfig:"AUDIO_NORMALIZE_MODE" default:"clip"` // clip, agc, off

	// Session
	MaxSessions          int  `envconfig:"SESSION_MAX_SESSIONS" default:"512"`
	MaxPendingChunks     int  `envconfig:"SESSION_MAX_PENDING_CHUNKS" default:"64"`
	MaxPendingFrames     int  `envconfig:"SESSION_MAX_PENDING_FRAMES" default:"250"`
	MaxPendingEvents     int  `envconfig:"SESSION_MAX_PENDING_EVENTS" default:"256"`
	IdleTimeoutMs        int  `envconfig:"SESSION_IDLE_TIMEOUT_MS" default:"60000"`
	SweepIntervalMs      int  `envconfig:"SESSION_SWEEP_INTERVAL_MS" default:"5000"`
	TerminalEventGraceMs int  `envconfig:"SESSION_TERMINAL_EVENT_GRACE_MS" default:"30000"`
	AcceptTimeoutMs      int  `envconfig:"SESSION_ACCEPT_TIMEOUT_MS" default:"2000"`
	MaxSessionDurationMs int  `envconfig:"SESSION_MAX_DURATION_MS" default:"0"`
	AutoCreateOnChunk    bool `envconfig:"AUTO_CREATE_ON_CHUNK" default:"true"`
	SSEKeepaliveMs       int  `envconfig:"SSE_KEEPALIVE_MS" default:"15000"`
	ShutdownGraceMs      int  `envconfig:"SHUTDOWN_GRACE_MS" default:"10000"`

	// ASR client
	AsrBackend              string `envconfig:"ASR_BACKEND" default:"grpc"` // grpc, deepgram
	AsrEndpoint             string `envconfig:"ASR_ENDPOINT" default:"localhost:50061"`
	AsrTLSEnabled           bool   `envconfig:"ASR_TLS_ENABLED" default:"false"`
	AsrLanguage             string `envconfig:"ASR_LANGUAGE" default:"en"`
	AsrOpenMaxRetries       int    `envconfig:"ASR_OPEN_MAX_RETRIES" default:"3"`
	AsrOpenInitialBackoffMs int    `envconfig:"ASR_OPEN_INITIAL_BACKOFF_MS" default:"100"`
	AsrIdlePingMs           int    `envconfig:"ASR_IDLE_PING_MS" default:"5000"`
	AsrHeartbeatTimeoutMs   int    `envconfig:"ASR_HEARTBEAT_TIMEOUT_MS" default:"15000"`

	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Resilience
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"`

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration directly from the environment, skipping
// any .env file — for containerized deployments where the environment is
// already fully populated.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AsrBackend == "deepgram" && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when ASR_BACKEND=deepgram")
	}
	switch c.NormalizeMode {
	case "clip", "agc", "off":
	default:
		return fmt.Errorf("AUDIO_NORMALIZE_MODE must be one of clip, agc, off; got %q", c.NormalizeMode)
	}
	if c.TargetFrameMs <= 0 {
		return fmt.Errorf("AUDIO_TARGET_FRAME_MS must be positive")
	}
	return nil
}
