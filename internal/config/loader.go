package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownLiveProviders lists the live provider names shipped with J-Jaga.
// Used by [Validate] to warn about unrecognised names.
var KnownLiveProviders = []string{"gemini-live"}

// Marker TTL bounds accepted by [Validate].
const (
	MinMarkerTTL = 5 * time.Second
	MaxMarkerTTL = 15 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in the API key from the
// environment, applies defaults and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv(APIKeyEnv)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration, with the API key taken from the
// environment.
func Default() *Config {
	cfg := &Config{Gemini: GeminiConfig{APIKey: os.Getenv(APIKeyEnv)}}
	cfg.ApplyDefaults()
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Gemini
	if cfg.Gemini.APIKey == "" {
		slog.Warn("gemini.api_key is empty and " + APIKeyEnv + " is not set; remote calls will fail")
	}
	for i, m := range cfg.Gemini.AnalysisModels {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, fmt.Errorf("gemini.analysis_models[%d] is empty", i))
		}
	}
	if cfg.Gemini.BaseURL != "" {
		if err := checkURL(cfg.Gemini.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("gemini.base_url: %w", err))
		}
	}

	// Live
	if cfg.Live.Provider != "" && !slices.Contains(KnownLiveProviders, cfg.Live.Provider) {
		slog.Warn("unknown live provider name; may be a typo or third-party provider",
			"name", cfg.Live.Provider,
			"known", KnownLiveProviders,
		)
	}
	if cfg.Live.URL != "" {
		if err := checkURL(cfg.Live.URL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("live.url: %w", err))
		}
	}

	// Session
	s := cfg.Session
	for _, f := range []struct {
		name string
		v    int
	}{
		{"session.block_size", s.BlockSize},
		{"session.input_sample_rate", s.InputSampleRate},
		{"session.output_sample_rate", s.OutputSampleRate},
		{"session.retry.max_attempts", s.Retry.MaxAttempts},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.v))
		}
	}
	for _, f := range []struct {
		name string
		v    time.Duration
	}{
		{"session.frame_interval", s.FrameInterval},
		{"session.vision_min_gap", s.VisionMinGap},
		{"session.vision_timeout", s.VisionTimeout},
		{"session.subtitle_clear_delay", s.SubtitleClearDelay},
		{"session.retry.base", s.Retry.Base},
		{"session.retry.max_delay", s.Retry.MaxDelay},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", f.name, f.v))
		}
	}
	if s.MarkerTTL != 0 && (s.MarkerTTL < MinMarkerTTL || s.MarkerTTL > MaxMarkerTTL) {
		errs = append(errs, fmt.Errorf("session.marker_ttl %s is out of range [%s, %s]", s.MarkerTTL, MinMarkerTTL, MaxMarkerTTL))
	}
	if s.Retry.Multiplier != 0 && s.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("session.retry.multiplier %.2f must be at least 1", s.Retry.Multiplier))
	}
	if s.Retry.MaxDelay > 0 && s.Retry.Base > s.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("session.retry.base %s exceeds max_delay %s", s.Retry.Base, s.Retry.MaxDelay))
	}

	// Evidence
	if cfg.Evidence.RedisURL != "" {
		if err := checkURL(cfg.Evidence.RedisURL, "redis", "rediss", "unix"); err != nil {
			errs = append(errs, fmt.Errorf("evidence.redis_url: %w", err))
		}
	}

	// Triggers
	for i, p := range cfg.Triggers {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("triggers[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is invalid; valid values: %s", u.Scheme, strings.Join(schemes, ", "))
	}
	return nil
}
