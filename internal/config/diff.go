package config

// Diff describes what changed between two configs. Only the log level is
// applied while running; every other change is listed so the caller can
// ask for a restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed keys that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Compare returns the differences between old and new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.url", old.Server.URL != new.Server.URL)
	restart("audio.capture", old.Audio.Capture != new.Audio.Capture)
	restart("audio.output", old.Audio.Output != new.Audio.Output)
	restart("transcript", old.Transcript != new.Transcript)
	restart("observe", old.Observe != new.Observe)

	return d
}
