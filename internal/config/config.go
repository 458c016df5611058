// Package config provides the configuration schema, loader and backend
// registry for the parley voice client.
package config

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

// Defaults applied by [ApplyDefaults].
const (
	DefaultServerURL      = "http://localhost:8000"
	DefaultCaptureBackend = "portaudio"
	DefaultOutputBackend  = "beep"
	DefaultBufferSize     = 4096
	DefaultAgentName      = "Nirvana"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Observe    ObserveConfig    `yaml:"observe"`
}

// ServerConfig selects the voice server and logging.
type ServerConfig struct {
	// URL is the server base URL. http(s) URLs are mapped to ws(s) and an
	// empty path becomes /ws.
	URL string `yaml:"url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the capture and output backends.
type AudioConfig struct {
	Capture CaptureConfig `yaml:"capture"`
	Output  OutputConfig  `yaml:"output"`
}

// CaptureConfig configures the microphone backend.
type CaptureConfig struct {
	// Backend is the registry name of the capture backend.
	Backend string `yaml:"backend"`

	// BufferSize is the number of frames per capture buffer. Every buffer
	// becomes one outbound PCM frame.
	BufferSize int `yaml:"buffer_size"`

	// Device optionally names the input device. Empty selects the system
	// default.
	Device string `yaml:"device"`
}

// OutputConfig configures the speech output backend.
type OutputConfig struct {
	// Backend is the registry name of the output backend.
	Backend string `yaml:"backend"`

	// SampleRate is the device rate in Hz. Zero lets the backend choose.
	SampleRate int `yaml:"sample_rate"`
}

// TranscriptConfig configures the conversation transcript.
type TranscriptConfig struct {
	// AgentName labels agent turns and the thinking status.
	AgentName string `yaml:"agent_name"`

	// Path is the SQLite file for persisted turns. Empty disables
	// persistence.
	Path string `yaml:"path"`
}

// ObserveConfig configures diagnostics.
type ObserveConfig struct {
	// MetricsAddr, when set, serves /metrics, /healthz and /readyz.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceStdout pretty-prints spans to stdout.
	TraceStdout bool `yaml:"trace_stdout"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.URL == "" {
		cfg.Server.URL = DefaultServerURL
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Capture.Backend == "" {
		cfg.Audio.Capture.Backend = DefaultCaptureBackend
	}
	if cfg.Audio.Capture.BufferSize == 0 {
		cfg.Audio.Capture.BufferSize = DefaultBufferSize
	}
	if cfg.Audio.Output.Backend == "" {
		cfg.Audio.Output.Backend = DefaultOutputBackend
	}
	if cfg.Transcript.AgentName == "" {
		cfg.Transcript.AgentName = DefaultAgentName
	}
}
