// Package session drives one duplex voice conversation at a time.
//
// A [Controller] owns the lifecycle Idle → Connecting → Active → Stopping →
// Idle. Starting a session acquires the shared audio output, opens the
// websocket transport and the microphone, and pumps encoded frames upstream.
// Inbound protocol events are dispatched in arrival order to the playback
// scheduler, the transcript and the status sink. Any end of the connection,
// local or remote, tears the whole session down; there is no retry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultAgentName labels agent turns and the thinking status.
const DefaultAgentName = "Nirvana"

var (
	// ErrSessionActive is returned by Start when a session already exists.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrCaptureUnavailable is returned when no microphone backend exists.
	ErrCaptureUnavailable = errors.New("session: audio capture unavailable")

	// ErrOutputUnavailable is returned when the audio output cannot be
	// acquired or resumed.
	ErrOutputUnavailable = errors.New("session: audio output unavailable")

	// ErrPermissionDenied is returned when the microphone cannot be opened.
	ErrPermissionDenied = errors.New("session: microphone access denied")

	// ErrConnectionLost is returned by Start when the connection ended
	// before the session became active.
	ErrConnectionLost = errors.New("session: connection closed during start")
)

// State is the controller's lifecycle state.
type State int

// Lifecycle states.
const (
	Idle State = iota
	Connecting
	Active
	Stopping
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// OutputFactory creates the process-wide audio output.
type OutputFactory func(ctx context.Context) (audio.Output, error)

// Config configures a [Controller].
type Config struct {
	// URL is the websocket endpoint, usually from [transport.ResolveURL].
	URL string

	// Capture is the microphone backend. Nil makes Start fail with
	// [ErrCaptureUnavailable].
	Capture audio.CaptureDevice

	// OpenOutput is called once, on the first Start. Its output is reused by
	// every later session and only released by [Controller.Close]. Nil makes
	// Start fail with [ErrOutputUnavailable].
	OpenOutput OutputFactory

	// Status receives user-facing status updates. May be nil.
	Status StatusSink

	// Transcript receives user and agent turns. May be nil.
	Transcript transcript.Sink

	// AgentName defaults to [DefaultAgentName].
	AgentName string

	// TargetRate is the outbound PCM rate. Zero means 16 kHz.
	TargetRate int

	// Transport holds extra options for every dial, such as heartbeat
	// interval or HTTP client.
	Transport []transport.Option

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller runs conversation sessions. All methods are safe for
// concurrent use.
type Controller struct {
	cfg     Config
	metrics *observe.Metrics

	mu         sync.Mutex
	state      State
	sessionID  string
	output     audio.Output
	scheduler  *playback.Scheduler
	conn       *transport.Session
	stream     audio.CaptureStream
	stopPump   context.CancelFunc
	done       chan struct{}
	agentTurn  *transcript.Turn
	sessionCtx context.Context
}

// New returns an idle controller.
func New(cfg Config) *Controller {
	if cfg.AgentName == "" {
		cfg.AgentName = DefaultAgentName
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	done := make(chan struct{})
	close(done)
	return &Controller{cfg: cfg, metrics: m, done: done}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the ID of the current session, or "" when idle.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done returns a channel that is closed when the current session ends. When
// no session exists the channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// OutputReady reports whether the shared audio output has been acquired.
func (c *Controller) OutputReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output != nil
}

// ── start ────────────────────────────────────────────────────────────────────

// Start opens a new session. It returns once the session is Active or has
// been torn down again. ctx bounds the connection setup only.
func (c *Controller) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	id := uuid.NewString()
	c.state = Connecting
	c.sessionID = id
	c.done = make(chan struct{})
	c.agentTurn = nil
	c.sessionCtx = observe.WithSessionID(context.Background(), id)
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()
	ctx = observe.WithSessionID(ctx, id)
	log := observe.Logger(ctx)
	began := time.Now()

	c.emit(Status{Text: StatusConnecting})

	reported := false
	defer func() {
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("session: start failed", "err", err)
		if !reported {
			c.emit(errorStatus(err.Error()))
		}
	}()

	if c.cfg.Capture == nil {
		c.abort(id, nil)
		c.metrics.RecordSessionError(ctx, "capability")
		return ErrCaptureUnavailable
	}

	out, err := c.acquireOutput(ctx)
	if err != nil {
		c.abort(id, nil)
		c.metrics.RecordSessionError(ctx, "capability")
		return err
	}
	if err := out.Resume(ctx); err != nil {
		c.abort(id, nil)
		c.metrics.RecordSessionError(ctx, "capability")
		return fmt.Errorf("%w: resume: %w", ErrOutputUnavailable, err)
	}

	opts := append([]transport.Option{
		transport.WithMetrics(c.metrics),
		transport.WithMessageHandler(c.messageHandler(id)),
		transport.WithCloseHandler(c.closeHandler(id)),
	}, c.cfg.Transport...)
	conn, err := transport.Dial(ctx, c.cfg.URL, opts...)
	if err != nil {
		c.abort(id, nil)
		c.metrics.RecordSessionError(ctx, "transport")
		c.emit(Status{Text: StatusConnectionError, Error: true})
		reported = true
		return fmt.Errorf("session: connect: %w", err)
	}

	stream, err := c.cfg.Capture.Open(ctx)
	if err != nil {
		c.abort(id, conn)
		if errors.Is(err, audio.ErrPermissionDenied) {
			c.metrics.RecordSessionError(ctx, "permission")
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		c.metrics.RecordSessionError(ctx, "capability")
		return fmt.Errorf("%w: open: %w", ErrCaptureUnavailable, err)
	}

	c.mu.Lock()
	if c.sessionID != id || c.state != Connecting {
		// The connection ended while the microphone was being opened.
		c.mu.Unlock()
		if cerr := stream.Close(); cerr != nil {
			log.Warn("session: close capture stream", "err", cerr)
		}
		conn.Close()
		reported = true
		return ErrConnectionLost
	}
	pumpCtx, stopPump := context.WithCancel(c.sessionCtx)
	c.conn = conn
	c.stream = stream
	c.stopPump = stopPump
	c.state = Active
	c.mu.Unlock()

	go c.pump(pumpCtx, id, stream, conn)

	c.metrics.ActiveSessions.Add(ctx, 1)
	c.metrics.SessionStartDuration.Record(ctx, time.Since(began).Seconds())
	log.Info("session: active", "url", c.cfg.URL, "sample_rate", stream.SampleRate())
	return nil
}

// acquireOutput returns the shared output, creating it on first use.
func (c *Controller) acquireOutput(ctx context.Context) (audio.Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.output != nil {
		return c.output, nil
	}
	if c.cfg.OpenOutput == nil {
		return nil, ErrOutputUnavailable
	}
	out, err := c.cfg.OpenOutput(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutputUnavailable, err)
	}
	c.output = out
	c.scheduler = playback.New(out,
		playback.WithMetrics(c.metrics),
		playback.WithLogger(slog.Default().With("component", "playback")),
	)
	return out, nil
}

// abort returns a half-built session to Idle. conn, if non-nil, is closed
// after the state change so its close handler finds nothing to tear down.
func (c *Controller) abort(id string, conn *transport.Session) {
	c.mu.Lock()
	if c.sessionID == id {
		c.state = Idle
		c.sessionID = ""
		c.agentTurn = nil
		close(c.done)
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Controller) pump(ctx context.Context, id string, stream audio.CaptureStream, conn *transport.Session) {
	enc := capture.Encoder{TargetRate: c.cfg.TargetRate}
	err := capture.Pump(ctx, stream.Buffers(), enc, conn.SendFrame, c.metrics.RecordFrame)
	if err == nil || errors.Is(err, transport.ErrClosed) {
		return
	}
	observe.Logger(ctx).Warn("session: capture pump stopped", "err", err)
	c.metrics.RecordSessionError(ctx, "transport")
	c.end(id, Status{Text: StatusConnectionError, Error: true})
}

// ── stop ─────────────────────────────────────────────────────────────────────

// Stop ends the current session. It is a no-op when no session is running.
// The shared audio output stays open for the next session.
func (c *Controller) Stop() {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == "" {
		return
	}
	c.end(id, Status{Text: StatusReady})
}

// end tears down session id and publishes final. Calls for a session that is
// already ending or gone are ignored.
func (c *Controller) end(id string, final Status) {
	c.mu.Lock()
	if c.sessionID != id || (c.state != Active && c.state != Connecting) {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == Active
	c.state = Stopping
	if c.scheduler != nil {
		c.scheduler.Interrupt()
	}
	conn, stream, stopPump := c.conn, c.stream, c.stopPump
	c.conn, c.stream, c.stopPump = nil, nil, nil
	c.agentTurn = nil
	ctx := c.sessionCtx
	c.mu.Unlock()

	if stopPump != nil {
		stopPump()
	}
	if conn != nil {
		conn.Close()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			observe.Logger(ctx).Warn("session: close capture stream", "err", err)
		}
	}
	if wasActive {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}

	c.mu.Lock()
	c.state = Idle
	c.sessionID = ""
	done := c.done
	c.mu.Unlock()

	c.emit(final)
	close(done)
	observe.Logger(ctx).Info("session: ended", "status", final.Text)
}

// Close stops any session and releases the shared audio output. The
// controller must not be started again afterwards.
func (c *Controller) Close() error {
	c.Stop()

	c.mu.Lock()
	out, sched := c.output, c.scheduler
	c.output, c.scheduler = nil, nil
	c.mu.Unlock()

	if sched != nil {
		sched.Close()
	}
	if out != nil {
		if err := out.Close(); err != nil {
			return fmt.Errorf("session: close output: %w", err)
		}
	}
	return nil
}

// ── inbound ──────────────────────────────────────────────────────────────────

func (c *Controller) closeHandler(id string) transport.CloseHandler {
	return func(err error) {
		if err != nil {
			c.metrics.RecordSessionError(context.Background(), "transport")
			c.end(id, Status{Text: StatusConnectionError, Error: true})
			return
		}
		c.end(id, Status{Text: StatusConnectionClosed})
	}
}

func (c *Controller) messageHandler(id string) transport.MessageHandler {
	return func(ctx context.Context, data []byte) {
		ev, err := protocol.Decode(data)
		if err != nil {
			c.metrics.MalformedMessages.Add(ctx, 1)
			observe.Logger(observe.WithSessionID(ctx, id)).Warn("session: dropping malformed message", "err", err)
			return
		}
		c.metrics.RecordMessage(ctx, ev.Type())
		c.dispatch(ctx, id, ev)
	}
}

// dispatch applies one event. Scheduler and accumulator changes happen under
// the lock so nothing leaks into a session that is being torn down; status
// and transcript writes happen after it is released.
func (c *Controller) dispatch(ctx context.Context, id string, ev protocol.Event) {
	var (
		status *Status
		turn   *transcript.Turn
		resume audio.Output
	)

	c.mu.Lock()
	if c.sessionID != id || (c.state != Active && c.state != Connecting) {
		c.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case protocol.Pong:
	case protocol.Status:
		status = &Status{Text: e.Message}
	case protocol.Transcription:
		if e.EndOfTurn && e.Text != "" {
			turn = &transcript.Turn{
				ID:        uuid.NewString(),
				SessionID: id,
				Role:      transcript.RoleUser,
				Text:      e.Text,
				Timestamp: time.Now(),
			}
			c.agentTurn = nil
			status = &Status{Text: thinkingStatus(c.cfg.AgentName)}
		}
	case protocol.LLMChunk:
		if e.Data != "" {
			if c.agentTurn == nil {
				c.agentTurn = &transcript.Turn{
					ID:        uuid.NewString(),
					SessionID: id,
					Role:      transcript.RoleAgent,
					Timestamp: time.Now(),
				}
			}
			c.agentTurn.Text += e.Data
			snapshot := *c.agentTurn
			turn = &snapshot
		}
	case protocol.AudioStart:
		c.scheduler.Reset()
		resume = c.output
		c.agentTurn = nil
		status = &Status{Text: StatusReceivingAudio}
	case protocol.Audio:
		// An empty chunk has nothing to play and would stall the queue.
		if len(e.Data) > 0 {
			c.scheduler.Enqueue(e.Data)
		}
	case protocol.AudioInterrupt:
		c.scheduler.Interrupt()
		status = &Status{Text: StatusInterrupted}
	case protocol.AudioEnd:
		status = &Status{Text: StatusPlaybackFinished}
	case protocol.Error:
		s := errorStatus(e.Message)
		status = &s
	case protocol.Unknown:
		slog.Debug("session: ignoring unknown message type", "type", e.Kind, "session_id", id)
	}
	c.mu.Unlock()

	if resume != nil {
		if err := resume.Resume(ctx); err != nil {
			observe.Logger(observe.WithSessionID(ctx, id)).Warn("session: resume output", "err", err)
		}
	}
	if turn != nil && c.cfg.Transcript != nil {
		if err := c.cfg.Transcript.WriteTurn(ctx, *turn); err != nil {
			observe.Logger(observe.WithSessionID(ctx, id)).Warn("session: write transcript", "err", err, "role", string(turn.Role))
		}
	}
	if status != nil {
		c.emit(*status)
	}
}

func (c *Controller) emit(s Status) {
	if c.cfg.Status != nil {
		c.cfg.Status.SetStatus(s)
	}
}
