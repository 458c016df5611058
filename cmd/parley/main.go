// Command parley is a terminal voice client for a conversational agent
// server. It streams the microphone over a WebSocket and plays the spoken
// replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/portaudio"
	"github.com/MrWong99/parley/pkg/audio/speaker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	serverURL := flag.String("url", "", "voice server URL, overrides server.url")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"server", cfg.Server.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var traceOut io.Writer
	if cfg.Observe.TraceStdout {
		traceOut = os.Stdout
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		TraceWriter:    traceOut,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio backends ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	var opts []app.Option
	opts = append(opts, app.WithLevel(level))
	if *configPath != "" {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or returns the defaults when no path was given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg, config.Validate(cfg)
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the capture and output backends that ship
// with parley into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterCapture("portaudio", func(c config.CaptureConfig) (audio.CaptureDevice, error) {
		return portaudio.New(
			portaudio.WithDeviceName(c.Device),
			portaudio.WithFramesPerBuffer(c.BufferSize),
		), nil
	})

	reg.RegisterOutput("beep", func(c config.OutputConfig) (audio.Output, error) {
		return speaker.New(speaker.WithSampleRate(c.SampleRate)), nil
	})

	for kind, names := range config.KnownBackends {
		for _, name := range names {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         parley: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Server", cfg.Server.URL)
	printRow("Capture", cfg.Audio.Capture.Backend)
	printRow("Output", cfg.Audio.Output.Backend)
	printRow("Agent", cfg.Transcript.AgentName)
	if cfg.Transcript.Path != "" {
		printRow("Transcript", cfg.Transcript.Path)
	} else {
		printRow("Transcript", "(memory only)")
	}
	if cfg.Observe.MetricsAddr != "" {
		printRow("Diagnostics", cfg.Observe.MetricsAddr)
	} else {
		printRow("Diagnostics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}
