// Package transport owns the single websocket connection of a conversation
// session. It sends binary PCM frames and JSON control messages, delivers
// inbound text messages to a handler in arrival order, keeps the connection
// alive with a periodic ping and reports exactly once when the connection
// ends.
//
// There is no reconnection: once a [Session] is closed it stays closed.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
)

const (
	// DefaultHeartbeatInterval is the ping period of an open session.
	DefaultHeartbeatInterval = 25 * time.Second

	// DefaultReadLimit bounds a single inbound message. Audio messages carry
	// base64 speech clips and easily exceed the websocket library default.
	DefaultReadLimit = 16 << 20
)

var (
	// ErrClosed is returned by sends on a session that has been closed.
	ErrClosed = errors.New("transport: session closed")

	// ErrUnsupportedScheme is returned by [ResolveURL] for schemes other
	// than http, https, ws and wss.
	ErrUnsupportedScheme = errors.New("transport: unsupported url scheme")
)

// MessageHandler receives inbound text messages. It is called serially from
// the session's receive goroutine; ctx is cancelled when the session ends.
type MessageHandler func(ctx context.Context, data []byte)

// CloseHandler is called exactly once when the session ends. err is nil for
// a clean close from either side and non-nil when the connection failed.
type CloseHandler func(err error)

// Option is a functional option for [Dial].
type Option func(*Session)

// WithMessageHandler sets the inbound message handler.
func WithMessageHandler(h MessageHandler) Option {
	return func(s *Session) { s.onMessage = h }
}

// WithCloseHandler sets the close notification handler.
func WithCloseHandler(h CloseHandler) Option {
	return func(s *Session) { s.onClose = h }
}

// WithHeartbeatInterval overrides [DefaultHeartbeatInterval].
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for the opening handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(s *Session) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one open websocket connection. All methods are safe for
// concurrent use.
type Session struct {
	conn       *websocket.Conn
	onMessage  MessageHandler
	onClose    CloseHandler
	heartbeat  time.Duration
	httpClient *http.Client
	readLimit  int64
	metrics    *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial opens a websocket connection to rawURL and starts the receive and
// heartbeat goroutines. ctx bounds only the opening handshake.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Session, error) {
	s := &Session{
		heartbeat: DefaultHeartbeatInterval,
		readLimit: DefaultReadLimit,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	conn.SetReadLimit(s.readLimit)
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.receiveLoop()
	go s.heartbeatLoop()

	slog.Debug("transport: connected", "url", rawURL, "heartbeat", s.heartbeat)
	return s, nil
}

// SendFrame writes one binary frame.
func (s *Session) SendFrame(ctx context.Context, frame []byte) error {
	return s.write(ctx, websocket.MessageBinary, frame)
}

// SendControl marshals v as JSON and writes it as a text frame.
func (s *Session) SendControl(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal control: %w", err)
	}
	return s.write(ctx, websocket.MessageText, data)
}

func (s *Session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.conn.Write(ctx, typ, data); err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close performs a normal websocket close. It is idempotent and the close
// handler observes a nil error. Handshake failures are only logged since the
// connection is gone either way.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		slog.Debug("transport: close handshake", "err", err)
	}
	s.cancel()
}

// Done is closed once the session has ended and the close handler returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the session, or nil after a clean
// close or while the session is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── goroutines ───────────────────────────────────────────────────────────────

// receiveLoop owns the read side of the connection and the session's end.
func (s *Session) receiveLoop() {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("transport: dropping inbound binary frame", "bytes", len(data))
			continue
		}
		if s.onMessage != nil {
			s.onMessage(s.ctx, data)
		}
	}
}

func (s *Session) finish(readErr error) {
	s.mu.Lock()
	local := s.closed
	s.closed = true
	var err error
	if !local && !isCleanClose(readErr) {
		err = fmt.Errorf("transport: read: %w", readErr)
	}
	s.err = err
	s.mu.Unlock()

	s.cancel()
	if !local {
		_ = s.conn.CloseNow()
	}

	if err != nil {
		slog.Warn("transport: connection lost", "err", err)
	} else {
		slog.Debug("transport: connection closed", "local", local)
	}
	if s.onClose != nil {
		s.onClose(err)
	}
	close(s.done)
}

// heartbeatLoop sends a ping every interval until the session ends.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.SendControl(s.ctx, protocol.Ping); err != nil {
				if !errors.Is(err, ErrClosed) && s.ctx.Err() == nil {
					slog.Warn("transport: heartbeat failed", "err", err)
				}
				return
			}
			s.metrics.HeartbeatsSent.Add(s.ctx, 1)
		}
	}
}

func isCleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// ── URL resolution ───────────────────────────────────────────────────────────

// ResolveURL turns a server base URL into the websocket endpoint. http and
// https map to ws and wss; an empty path becomes "/ws". Query strings are
// preserved.
func ResolveURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		u.Scheme = strings.ToLower(u.Scheme)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: url %q has no host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
