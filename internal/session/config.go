package session

import (
	"time"

	"github.com/MrWong99/jaga/internal/config"
	"github.com/MrWong99/jaga/internal/hud"
	"github.com/MrWong99/jaga/pkg/audio"
	"github.com/MrWong99/jaga/pkg/live"
	"github.com/MrWong99/jaga/pkg/vision"
)

// DefaultGuardianPrompt is the system instruction of a Guardian session when
// none is configured.
const DefaultGuardianPrompt = `You are the Guardian, a calm and caring companion speaking to a driver who has just had a car accident.
Reassure them first and keep your sentences short. Use the camera feed to guide them through collecting evidence:
number plates, road tax discs, damage, witnesses and documents. Call draw_ar_marker to point at what they should
film, holographic_overlay to show a checklist or warning, and log_evidence for every fact worth keeping.
Remind them not to admit fault.`

// Config holds the tunables of one Guardian session. The zero value is
// usable; zero fields take the component defaults.
type Config struct {
	// Model and Voice select the realtime model and its prebuilt voice.
	Model string
	Voice string

	// Instructions is the system prompt. Default: [DefaultGuardianPrompt].
	Instructions string

	BlockSize          int
	InputSampleRate    int
	OutputSampleRate   int
	FrameInterval      time.Duration
	VisionMinGap       time.Duration
	VisionTimeout      time.Duration
	SubtitleClearDelay time.Duration
	MarkerTTL          time.Duration
	Retry              live.RetryPolicy
}

// ConfigFrom extracts the session tunables from the application config.
func ConfigFrom(cfg *config.Config) Config {
	s := cfg.Session
	return Config{
		Model:              cfg.Gemini.LiveModel,
		Voice:              cfg.Gemini.Voice,
		Instructions:       cfg.Prompts.Guardian,
		BlockSize:          s.BlockSize,
		InputSampleRate:    s.InputSampleRate,
		OutputSampleRate:   s.OutputSampleRate,
		FrameInterval:      s.FrameInterval,
		VisionMinGap:       s.VisionMinGap,
		VisionTimeout:      s.VisionTimeout,
		SubtitleClearDelay: s.SubtitleClearDelay,
		MarkerTTL:          s.MarkerTTL,
		Retry:              s.Retry.Policy(),
	}
}

func (c Config) withDefaults() Config {
	if c.Instructions == "" {
		c.Instructions = DefaultGuardianPrompt
	}
	if c.BlockSize <= 0 {
		c.BlockSize = audio.DefaultBlockSize
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = audio.InputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = audio.OutputSampleRate
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = vision.DefaultInterval
	}
	if c.SubtitleClearDelay <= 0 {
		c.SubtitleClearDelay = hud.DefaultSubtitleClearDelay
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = hud.DefaultMarkerTTL
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = live.DefaultRetryPolicy()
	}
	return c
}

// liveConfig is the setup sent to the model.
func (c Config) liveConfig() live.Config {
	return live.Config{
		Model:         c.Model,
		Voice:         c.Voice,
		Instructions:  c.Instructions,
		Tools:         hud.Declarations(),
		Transcription: true,
	}
}
