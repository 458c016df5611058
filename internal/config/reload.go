package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Reloader] rereads its file.
const DefaultPollInterval = 5 * time.Second

// Reloader rereads a config file and reports each edit as a [Diff] against
// the config the process is running. Only the log level is live: it moves
// with the file. Every other key keeps its startup value, so a key stays in
// RestartRequired until the file matches the startup value again.
type Reloader struct {
	path     string
	interval time.Duration
	apply    func(Diff)

	// reloadMu serialises Reload so apply sees diffs in file order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	startup *Config
	level   LogLevel
	sum     [sha256.Size]byte

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// ReloadOption configures a [Reloader].
type ReloadOption func(*Reloader)

// WithPollInterval sets how often the file is reread. Zero disables polling;
// edits are then only picked up by explicit [Reloader.Reload] calls.
func WithPollInterval(d time.Duration) ReloadOption {
	return func(r *Reloader) {
		if d >= 0 {
			r.interval = d
		}
	}
}

// NewReloader loads path as the startup config and starts polling it. apply
// is called with every non-empty Diff; it may be nil.
func NewReloader(path string, apply func(Diff), opts ...ReloadOption) (*Reloader, error) {
	r := &Reloader{
		path:     path,
		interval: DefaultPollInterval,
		apply:    apply,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	cfg, sum, err := r.read()
	if err != nil {
		return nil, fmt.Errorf("config: reloader initial load: %w", err)
	}
	r.startup = cfg
	r.level = cfg.Server.LogLevel
	r.sum = sum

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if r.interval == 0 {
		close(r.done)
		return r, nil
	}
	go r.poll(ctx)
	return r, nil
}

// Running returns the config in effect: the startup config carrying the
// current log level.
func (r *Reloader) Running() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Reloader) runningLocked() *Config {
	c := *r.startup
	c.Server.LogLevel = r.level
	return &c
}

// Reload rereads the file now. Unchanged content yields an empty Diff. An
// unreadable or invalid file returns an error and the running config is kept.
func (r *Reloader) Reload() (Diff, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	next, sum, err := r.read()

	r.mu.Lock()
	if err != nil {
		r.mu.Unlock()
		return Diff{}, fmt.Errorf("config: reload %s: %w", r.path, err)
	}
	if sum == r.sum {
		r.mu.Unlock()
		return Diff{}, nil
	}
	r.sum = sum
	d := Compare(r.runningLocked(), next)
	r.level = next.Server.LogLevel
	r.mu.Unlock()

	if !d.Empty() && r.apply != nil {
		r.apply(d)
	}
	return d, nil
}

// Close stops polling and waits for the loop to exit. It is safe to call
// more than once.
func (r *Reloader) Close() error {
	r.closeOnce.Do(r.cancel)
	<-r.done
	return nil
}

func (r *Reloader) poll(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// lastErr keeps a broken file from logging on every tick.
	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.Reload()
			if err == nil {
				lastErr = ""
				continue
			}
			if err.Error() != lastErr {
				slog.Warn("config reload failed, keeping running config", "path", r.path, "err", err)
			}
			lastErr = err.Error()
		}
	}
}

// read parses and validates the file and returns it with its content hash.
func (r *Reloader) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
