// Package config provides the configuration schema, loader and live-provider
// registry for J-Jaga.
package config

import (
	"time"

	"github.com/MrWong99/jaga/pkg/live"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultLiveProvider       = "gemini-live"
	DefaultBlockSize          = 4096
	DefaultInputSampleRate    = 16000
	DefaultOutputSampleRate   = 24000
	DefaultFrameInterval      = time.Second
	DefaultVisionMinGap       = 2 * time.Second
	DefaultVisionTimeout      = 10 * time.Second
	DefaultSubtitleClearDelay = 5 * time.Second
	DefaultMarkerTTL          = 8 * time.Second
	DefaultRedisStream        = "jaga:evidence"

	// APIKeyEnv is read when gemini.api_key is empty.
	APIKeyEnv = "GEMINI_API_KEY"
)

// Config is the root configuration structure for J-Jaga.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Live     LiveConfig     `yaml:"live"`
	Session  SessionConfig  `yaml:"session"`
	Prompts  PromptsConfig  `yaml:"prompts"`
	Evidence EvidenceConfig `yaml:"evidence"`

	// Triggers are the wake phrases that switch standby into Guardian mode.
	// Empty means the built-in phrases.
	Triggers []string `yaml:"triggers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// GeminiConfig holds credentials and model names for the Gemini API.
type GeminiConfig struct {
	// APIKey falls back to the GEMINI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the REST endpoint used by the analyzers.
	BaseURL string `yaml:"base_url"`

	// LiveModel is the realtime model for Guardian sessions.
	LiveModel string `yaml:"live_model"`

	// Voice is the prebuilt voice of the Guardian.
	Voice string `yaml:"voice"`

	// AnalysisModels are tried in order by the Mechanic and Sceptic analyzers.
	AnalysisModels []string `yaml:"analysis_models"`
}

// LiveConfig selects the realtime transport.
type LiveConfig struct {
	// Provider is a name registered in the [Registry]. Default: "gemini-live".
	Provider string `yaml:"provider"`

	// URL overrides the provider's websocket endpoint.
	URL string `yaml:"url"`
}

// SessionConfig holds the tunables of a Guardian session.
type SessionConfig struct {
	BlockSize          int           `yaml:"block_size"`
	InputSampleRate    int           `yaml:"input_sample_rate"`
	OutputSampleRate   int           `yaml:"output_sample_rate"`
	FrameInterval      time.Duration `yaml:"frame_interval"`
	VisionMinGap       time.Duration `yaml:"vision_min_gap"`
	VisionTimeout      time.Duration `yaml:"vision_timeout"`
	SubtitleClearDelay time.Duration `yaml:"subtitle_clear_delay"`
	MarkerTTL          time.Duration `yaml:"marker_ttl"`
	Retry              RetryConfig   `yaml:"retry"`
}

// RetryConfig mirrors [live.RetryPolicy].
type RetryConfig struct {
	Base        time.Duration `yaml:"base"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Policy converts r into a [live.RetryPolicy].
func (r RetryConfig) Policy() live.RetryPolicy {
	return live.RetryPolicy{
		Base:        r.Base,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay,
		MaxAttempts: r.MaxAttempts,
	}
}

// PromptsConfig holds the system instructions per mode. Empty prompts fall
// back to the built-in defaults of the respective component.
type PromptsConfig struct {
	Guardian string `yaml:"guardian"`
	Mechanic string `yaml:"mechanic"`
	Sceptic  string `yaml:"sceptic"`
}

// EvidenceConfig configures the optional durable mirrors of the evidence
// vault. Both are disabled when empty.
type EvidenceConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
	RedisStream string `yaml:"redis_stream"`
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Live.Provider == "" {
		c.Live.Provider = DefaultLiveProvider
	}

	s := &c.Session
	setInt(&s.BlockSize, DefaultBlockSize)
	setInt(&s.InputSampleRate, DefaultInputSampleRate)
	setInt(&s.OutputSampleRate, DefaultOutputSampleRate)
	setDur(&s.FrameInterval, DefaultFrameInterval)
	setDur(&s.VisionMinGap, DefaultVisionMinGap)
	setDur(&s.VisionTimeout, DefaultVisionTimeout)
	setDur(&s.SubtitleClearDelay, DefaultSubtitleClearDelay)
	setDur(&s.MarkerTTL, DefaultMarkerTTL)

	def := live.DefaultRetryPolicy()
	setDur(&s.Retry.Base, def.Base)
	setDur(&s.Retry.MaxDelay, def.MaxDelay)
	setInt(&s.Retry.MaxAttempts, def.MaxAttempts)
	if s.Retry.Multiplier == 0 {
		s.Retry.Multiplier = def.Multiplier
	}

	if c.Evidence.RedisURL != "" && c.Evidence.RedisStream == "" {
		c.Evidence.RedisStream = DefaultRedisStream
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setDur(p *time.Duration, def time.Duration) {
	if *p == 0 {
		*p = def
	}
}
