// Package app wires all parley subsystems together into a runnable client.
//
// New builds the transcript sinks, the audio backends, the session
// controller and the diagnostics server from a [config.Config]. Run executes
// the interactive command loop, and Shutdown tears everything down.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
)

// serverShutdownTimeout bounds the graceful stop of the diagnostics server.
const serverShutdownTimeout = 5 * time.Second

// App owns every subsystem of a running client.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	in         io.Reader
	out        io.Writer
	statusOut  io.Writer
	level      *slog.LevelVar
	metrics    *observe.Metrics
	configPath string
	dialOpts   []transport.Option

	// Subsystems, initialised in New and torn down in Shutdown.
	ctrl     *session.Controller
	log      *transcript.Log
	console  *transcript.Console
	store    *transcript.Store
	reloader *config.Reloader
	server   *http.Server
	listener net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithInput sets the command source. Defaults to os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutput sets where the transcript and command feedback are printed.
// Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithStatusOutput sets where status lines are printed. Defaults to
// os.Stderr so they never split a streamed agent line.
func WithStatusOutput(w io.Writer) Option {
	return func(a *App) { a.statusOut = w }
}

// WithLevel hands the app the level variable behind the process logger so
// config reloads can change verbosity.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath enables hot reload of the given config file. The file must
// describe the config New is given.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTransportOptions adds options to every session dial.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(a *App) { a.dialOpts = append(a.dialOpts, opts...) }
}

// New creates a new App from cfg. Audio backends are looked up in reg. The
// returned App is ready for [App.Run].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		registry:  reg,
		in:        os.Stdin,
		out:       os.Stdout,
		statusOut: os.Stderr,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript ───────────────────────────────────────────────────────
	if err := a.initTranscript(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 2. Session controller ──────────────────────────────────────────────
	if err := a.initController(); err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 3. Diagnostics server ──────────────────────────────────────────────
	if err := a.initDiagnostics(); err != nil {
		a.closeAll()
		return nil, err
	}

	// ── 4. Config reload ───────────────────────────────────────────────────
	if err := a.initReload(); err != nil {
		a.closeAll()
		return nil, err
	}

	return a, nil
}

func (a *App) initTranscript(ctx context.Context) error {
	a.log = transcript.NewLog()
	a.console = transcript.NewConsole(a.out, a.cfg.Transcript.AgentName)

	if a.cfg.Transcript.Path == "" {
		return nil
	}
	store, err := transcript.OpenStore(ctx, a.cfg.Transcript.Path)
	if err != nil {
		return fmt.Errorf("app: open transcript store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	slog.Info("transcript store opened", "path", a.cfg.Transcript.Path)
	return nil
}

func (a *App) initController() error {
	url, err := transport.ResolveURL(a.cfg.Server.URL)
	if err != nil {
		return fmt.Errorf("app: server url: %w", err)
	}

	// A missing microphone is reported when a session starts, not here.
	capture, err := a.registry.CreateCapture(a.cfg.Audio.Capture)
	if err != nil {
		slog.Warn("capture backend unavailable", "backend", a.cfg.Audio.Capture.Backend, "err", err)
		capture = nil
	}

	sinks := transcript.Multi{a.log, a.console}
	if a.store != nil {
		// Database writes stay off the receive loop. Closed after the
		// controller so the final turns are flushed before the store closes.
		persist := transcript.NewAsync(a.store, transcript.DefaultAsyncBuffer)
		a.closers = append(a.closers, persist.Close)
		sinks = append(sinks, persist)
	}

	a.ctrl = session.New(session.Config{
		URL:        url,
		Capture:    capture,
		OpenOutput: a.openOutput,
		Status:     session.StatusFunc(a.printStatus),
		Transcript: sinks,
		AgentName:  a.cfg.Transcript.AgentName,
		Transport:  a.dialOpts,
		Metrics:    a.metrics,
	})
	a.closers = append(a.closers, a.ctrl.Close)
	return nil
}

// openOutput creates the configured output backend on the first session.
func (a *App) openOutput(context.Context) (audio.Output, error) {
	out, err := a.registry.CreateOutput(a.cfg.Audio.Output)
	if err != nil {
		return nil, fmt.Errorf("app: create output %q: %w", a.cfg.Audio.Output.Backend, err)
	}
	return out, nil
}

func (a *App) initDiagnostics() error {
	addr := a.cfg.Observe.MetricsAddr
	if addr == "" {
		return nil
	}

	checks := []health.Checker{
		health.Flag("audio_output", a.ctrl.OutputReady, "audio output not acquired yet"),
	}
	if a.store != nil {
		checks = append(checks, health.Ping("transcript_store", a.store))
	}
	h := health.New(
		health.WithChecks(checks...),
		health.WithInfo(a.info),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	h.Register(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: diagnostics listen %s: %w", addr, err)
	}
	a.listener = ln
	a.closers = append(a.closers, func() error {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("diagnostics server listening", "addr", ln.Addr().String())
	return nil
}

// info reports the live session for /healthz.
func (a *App) info() map[string]string {
	m := map[string]string{"session_state": a.ctrl.State().String()}
	if id := a.ctrl.SessionID(); id != "" {
		m["session_id"] = id
	}
	return m
}

func (a *App) initReload() error {
	if a.configPath == "" {
		return nil
	}
	r, err := config.NewReloader(a.configPath, a.applyConfig)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.reloader = r
	a.closers = append(a.closers, r.Close)
	return nil
}

// applyConfig applies a reloaded config: the log level moves at once and
// everything else waits for a restart.
func (a *App) applyConfig(d config.Diff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "keys", d.RestartRequired)
	}
}

// Addr returns the diagnostics server address, or "" when disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Controller exposes the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Transcript exposes the in-memory transcript.
func (a *App) Transcript() *transcript.Log { return a.log }

// printStatus writes one status line.
func (a *App) printStatus(s session.Status) {
	if s.Error {
		fmt.Fprintf(a.statusOut, "! %s\n", s.Text)
		return
	}
	fmt.Fprintf(a.statusOut, "* %s\n", s.Text)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves diagnostics and processes commands until the input ends, the
// user quits or ctx is cancelled. A failing diagnostics server ends Run with
// its error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			err := a.server.Serve(a.listener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: diagnostics server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer scancel()
			return a.server.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.commandLoop(gctx)
	})

	slog.Info("app running", "server", a.cfg.Server.URL)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to build before failing.
func (a *App) closeAll() {
	_ = a.Shutdown(context.Background())
}

// SlogLevel maps a config log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
