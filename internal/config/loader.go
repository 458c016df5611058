package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownBackends lists the built-in backend names per kind. Used by
// [Validate] to warn about unrecognised names.
var KnownBackends = map[string][]string{
	"capture": {"portaudio"},
	"output":  {"beep"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.URL != "" {
		if err := validateServerURL(cfg.Server.URL); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Audio.Capture.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.buffer_size %d must not be negative", cfg.Audio.Capture.BufferSize))
	} else if n := cfg.Audio.Capture.BufferSize; n != 0 && (n < 256 || n > 16384) {
		errs = append(errs, fmt.Errorf("audio.capture.buffer_size %d is out of range [256, 16384]", n))
	}
	if cfg.Audio.Output.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d must not be negative", cfg.Audio.Output.SampleRate))
	}

	warnUnknownBackend("capture", cfg.Audio.Capture.Backend)
	warnUnknownBackend("output", cfg.Audio.Output.Backend)

	if cfg.Observe.MetricsAddr == "" && cfg.Observe.TraceStdout {
		slog.Info("observe.trace_stdout is set without observe.metrics_addr; spans are printed but metrics are not served")
	}

	return errors.Join(errs...)
}

func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url %q: scheme must be http, https, ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("server.url %q: host is required", raw)
	}
	return nil
}

// warnUnknownBackend logs a warning if name is non-empty and not one of the
// built-in backends for kind.
func warnUnknownBackend(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(KnownBackends[kind], name) {
		return
	}
	slog.Warn("unknown audio backend; it must be registered before use",
		"kind", kind,
		"name", name,
		"known", KnownBackends[kind],
	)
}
