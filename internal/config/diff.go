package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are applied to sessions created after the reload;
// everything listed in RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PromptsChanged  bool
	SessionChanged  bool
	TriggersChanged bool

	// RestartRequired names the changed sections that cannot be hot-reloaded.
	RestartRequired []string
}

// HotReloadable reports whether any change can be applied without restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.PromptsChanged || d.SessionChanged || d.TriggersChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.PromptsChanged = old.Prompts != new.Prompts
	d.SessionChanged = old.Session != new.Session
	d.TriggersChanged = !slices.Equal(old.Triggers, new.Triggers)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !geminiEqual(old.Gemini, new.Gemini) {
		d.RestartRequired = append(d.RestartRequired, "gemini")
	}
	if old.Live != new.Live {
		d.RestartRequired = append(d.RestartRequired, "live")
	}
	if old.Evidence != new.Evidence {
		d.RestartRequired = append(d.RestartRequired, "evidence")
	}
	return d
}

func geminiEqual(a, b GeminiConfig) bool {
	return a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.LiveModel == b.LiveModel &&
		a.Voice == b.Voice &&
		slices.Equal(a.AnalysisModels, b.AnalysisModels)
}
