package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  url: https://voice.example.com
  log_level: debug
audio:
  capture:
    backend: portaudio
    buffer_size: 2048
    device: "USB Microphone"
  output:
    backend: beep
    sample_rate: 44100
transcript:
  agent_name: Nova
  path: /var/lib/parley/transcript.db
observe:
  metrics_addr: ":9464"
  trace_stdout: true
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── loader ───────────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.URL != "https://voice.example.com" {
		t.Errorf("server.url = %q", cfg.Server.URL)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Audio.Capture.BufferSize != 2048 || cfg.Audio.Capture.Device != "USB Microphone" {
		t.Errorf("audio.capture = %+v", cfg.Audio.Capture)
	}
	if cfg.Audio.Output.Backend != "beep" || cfg.Audio.Output.SampleRate != 44100 {
		t.Errorf("audio.output = %+v", cfg.Audio.Output)
	}
	if cfg.Transcript.AgentName != "Nova" || cfg.Transcript.Path != "/var/lib/parley/transcript.db" {
		t.Errorf("transcript = %+v", cfg.Transcript)
	}
	if cfg.Observe.MetricsAddr != ":9464" || !cfg.Observe.TraceStdout {
		t.Errorf("observe = %+v", cfg.Observe)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"empty document": "",
		"partial":        "server:\n  log_level: warn\n",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := mustLoad(t, doc)
			if cfg.Server.URL != config.DefaultServerURL {
				t.Errorf("server.url = %q, want %q", cfg.Server.URL, config.DefaultServerURL)
			}
			if cfg.Audio.Capture.Backend != "portaudio" || cfg.Audio.Capture.BufferSize != 4096 {
				t.Errorf("audio.capture = %+v, want portaudio/4096", cfg.Audio.Capture)
			}
			if cfg.Audio.Output.Backend != "beep" {
				t.Errorf("audio.output.backend = %q, want beep", cfg.Audio.Output.Backend)
			}
			if cfg.Transcript.AgentName != "Nirvana" {
				t.Errorf("transcript.agent_name = %q, want Nirvana", cfg.Transcript.AgentName)
			}
			if cfg.Server.LogLevel == "" {
				t.Error("log level left empty")
			}
		})
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_addr: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"bad scheme", "server:\n  url: ftp://host\n", "scheme must be"},
		{"missing host", "server:\n  url: http://\n", "host is required"},
		{"buffer too small", "audio:\n  capture:\n    buffer_size: 16\n", "buffer_size 16 is out of range"},
		{"negative buffer", "audio:\n  capture:\n    buffer_size: -1\n", "must not be negative"},
		{"negative rate", "audio:\n  output:\n    sample_rate: -8000\n", "sample_rate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Server: config.ServerConfig{URL: "gopher://x", LogLevel: "chatty"},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") || !strings.Contains(msg, "server.url") {
		t.Errorf("joined error missing a failure: %q", msg)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transcript.AgentName != "Nova" {
		t.Errorf("agent_name = %q, want Nova", cfg.Transcript.AgentName)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	dev := &mock.CaptureDevice{}
	out := &mock.Output{}

	var gotDevice string
	r.RegisterCapture("fake", func(c config.CaptureConfig) (audio.CaptureDevice, error) {
		gotDevice = c.Device
		return dev, nil
	})
	r.RegisterOutput("fake", func(config.OutputConfig) (audio.Output, error) { return out, nil })

	d, err := r.CreateCapture(config.CaptureConfig{Backend: "fake", Device: "mic-2"})
	if err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
	if d != dev || gotDevice != "mic-2" {
		t.Errorf("CreateCapture returned %v with device %q", d, gotDevice)
	}

	o, err := r.CreateOutput(config.OutputConfig{Backend: "fake"})
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}
	if o != out {
		t.Error("CreateOutput returned a different output")
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	if _, err := r.CreateCapture(config.CaptureConfig{Backend: "alsa"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateCapture = %v, want ErrBackendNotRegistered", err)
	}
	if _, err := r.CreateOutput(config.OutputConfig{Backend: "oto"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("CreateOutput = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRegistry_FactoryErrorPassesThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("no devices")
	r := config.NewRegistry()
	r.RegisterCapture("broken", func(config.CaptureConfig) (audio.CaptureDevice, error) { return nil, boom })

	if _, err := r.CreateCapture(config.CaptureConfig{Backend: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
