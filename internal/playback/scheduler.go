// Package playback schedules server speech chunks for gapless, strictly
// ordered playback on an [audio.Output].
//
// Chunks are decoded and played one at a time in arrival order. An interrupt
// silences the current sound, drops everything queued and invalidates any
// decode still in flight: each worker is tagged with the epoch it was started
// in and re-checks it after every suspension point, so a decode that resolves
// after an interrupt is discarded instead of being played.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// State is the scheduler's playback state.
type State int

const (
	// Idle means nothing is sounding and no worker is running.
	Idle State = iota
	// Playing means a worker owns the queue.
	Playing
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	default:
		return "unknown"
	}
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger used for chunk and decode diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler is the FIFO playback queue. All methods are safe for concurrent
// use.
type Scheduler struct {
	out     audio.Output
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	queue   [][]byte
	state   State
	active  audio.Sound
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
	chunks  int
	closed  bool
	workers sync.WaitGroup
}

// New returns an idle scheduler that plays through out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{out: out}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Enqueue appends an encoded chunk. When the scheduler is idle a worker is
// started for the current epoch.
func (s *Scheduler) Enqueue(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.chunks++
	s.queue = append(s.queue, chunk)
	s.metrics.ChunksReceived.Add(context.Background(), 1)
	s.log.Debug("playback: chunk queued",
		"chunk", s.chunks,
		"bytes", len(chunk),
		"queued", len(s.queue),
	)

	if s.state == Idle {
		s.state = Playing
		s.workers.Add(1)
		go s.run(s.ctx, s.epoch)
	}
}

// Interrupt silences the current sound, drops the queue and invalidates any
// in-flight decode. Calling it while idle is a no-op apart from the epoch
// bump.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	wasBusy := s.state == Playing || s.active != nil || len(s.queue) > 0

	s.epoch++
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.active != nil {
		s.active.Stop()
		s.active = nil
	}
	s.queue = nil
	s.state = Idle

	if wasBusy {
		s.metrics.Interrupts.Add(context.Background(), 1)
		s.log.Debug("playback: interrupted", "epoch", s.epoch)
	}
}

// Reset prepares for a new response: the queue and the per-response chunk
// counter are cleared. A sound that is already playing is left alone.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.chunks = 0
}

// State returns the current playback state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Queued returns the number of chunks waiting to be decoded.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close interrupts playback, rejects further chunks and waits for workers to
// exit. The output itself is not closed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.interruptLocked()
	s.cancel()
	s.mu.Unlock()
	s.workers.Wait()
}

// run is the worker loop for one epoch. It exits as soon as the scheduler
// has moved past epoch.
func (s *Scheduler) run(ctx context.Context, epoch uint64) {
	defer s.workers.Done()

	for {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.state = Idle
			s.mu.Unlock()
			return
		}
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		start := time.Now()
		clip, err := s.out.Decode(ctx, chunk)
		s.metrics.DecodeDuration.Record(context.Background(), time.Since(start).Seconds())

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.mu.Unlock()
			s.metrics.DecodeFailures.Add(context.Background(), 1)
			s.log.Warn("playback: skipping undecodable chunk", "bytes", len(chunk), "err", err)
			continue
		}
		snd, err := s.out.Play(clip)
		if err != nil {
			s.mu.Unlock()
			s.metrics.DecodeFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", "play")))
			s.log.Warn("playback: failed to start clip", "err", err)
			continue
		}
		s.active = snd
		s.mu.Unlock()

		<-snd.Done()

		s.mu.Lock()
		if s.epoch == epoch {
			s.active = nil
			s.metrics.ChunksPlayed.Add(context.Background(), 1)
		}
		s.mu.Unlock()
	}
}
