package session_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

// ── fake server ──────────────────────────────────────────────────────────────

// serverConn is the server side of one accepted client connection.
type serverConn struct {
	conn   *websocket.Conn
	frames chan []byte
	closed chan struct{}
}

func (sc *serverConn) send(t *testing.T, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sc.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("server write %s: %v", msg, err)
	}
}

type fakeServer struct {
	url   string
	conns chan *serverConn
	count atomic.Int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *serverConn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		fs.count.Add(1)
		sc := &serverConn{conn: conn, frames: make(chan []byte, 64), closed: make(chan struct{})}
		fs.conns <- sc
		defer close(sc.closed)
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				select {
				case sc.frames <- data:
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	fs.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fs.conns:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("no client connection")
		return nil
	}
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	ctrl    *session.Controller
	srv     *fakeServer
	dev     *mock.CaptureDevice
	out     *mock.Output
	status  *session.StatusRecorder
	log     *transcript.Log
	opens   atomic.Int32
	started chan *mock.Sound
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newHarness builds a controller wired to a fake server, a capture device
// that yields a fresh 48 kHz stream per Open, and a mock output.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		srv:     newFakeServer(t),
		status:  &session.StatusRecorder{},
		log:     transcript.NewLog(),
		started: make(chan *mock.Sound, 16),
	}
	h.out = &mock.Output{PlayStarted: h.started}
	h.dev = &mock.CaptureDevice{
		OpenFunc: func(context.Context) (audio.CaptureStream, error) {
			return mock.NewCaptureStream(48000, 8), nil
		},
	}
	h.ctrl = session.New(session.Config{
		URL:     h.srv.url,
		Capture: h.dev,
		OpenOutput: func(context.Context) (audio.Output, error) {
			h.opens.Add(1)
			return h.out, nil
		},
		Status:     h.status,
		Transcript: h.log,
		Metrics:    testMetrics(t),
	})
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) start(t *testing.T) *serverConn {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.srv.accept(t)
}

// sync sends a marker status and waits until it has been dispatched, which
// guarantees every earlier message was handled.
func (h *harness) sync(t *testing.T, sc *serverConn) {
	t.Helper()
	marker := fmt.Sprintf("sync-%d", time.Now().UnixNano())
	sc.send(t, `{"type":"status","message":"`+marker+`"}`)
	waitFor(t, "marker "+marker, func() bool { return h.status.Last().Text == marker })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func texts(history []session.Status) []string {
	out := make([]string, len(history))
	for i, s := range history {
		out[i] = s.Text
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestController_StartStreamStop(t *testing.T) {
	t.Parallel()

	var stream *mock.CaptureStream
	h := newHarness(t)
	h.dev.OpenFunc = func(context.Context) (audio.CaptureStream, error) {
		stream = mock.NewCaptureStream(48000, 8)
		return stream, nil
	}

	sc := h.start(t)
	if h.ctrl.State() != session.Active {
		t.Fatalf("state = %v, want active", h.ctrl.State())
	}
	if h.ctrl.SessionID() == "" {
		t.Error("SessionID empty while active")
	}
	if got := h.status.History()[0]; got.Text != session.StatusConnecting || got.Error {
		t.Errorf("first status = %+v, want Connecting...", got)
	}

	stream.Push(make([]float32, 4096))
	select {
	case frame := <-sc.frames:
		if len(frame) != 2730 {
			t.Errorf("frame length = %d, want 2730", len(frame))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no PCM frame received")
	}

	done := h.ctrl.Done()
	h.ctrl.Stop()

	waitClosed(t, "session done", done)
	waitClosed(t, "server connection close", sc.closed)
	if h.ctrl.State() != session.Idle {
		t.Errorf("state after stop = %v, want idle", h.ctrl.State())
	}
	if h.ctrl.SessionID() != "" {
		t.Errorf("SessionID after stop = %q, want empty", h.ctrl.SessionID())
	}
	if !stream.Closed() {
		t.Error("capture stream not closed")
	}
	if got := h.status.Last(); got.Text != session.StatusReady || got.Error {
		t.Errorf("last status = %+v, want Ready", got)
	}
	if h.out.CallCountClose != 0 {
		t.Error("Stop released the audio output")
	}

	// A second stop is a no-op.
	n := len(h.status.History())
	h.ctrl.Stop()
	if len(h.status.History()) != n {
		t.Errorf("second Stop emitted statuses: %v", texts(h.status.History()[n:]))
	}
}

func TestController_StartWhileActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, session.ErrSessionActive) {
		t.Errorf("second Start = %v, want ErrSessionActive", err)
	}
	if h.srv.count.Load() != 1 {
		t.Errorf("connections = %d, want 1", h.srv.count.Load())
	}
}

func TestController_OutputReusedAcrossSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := range 3 {
		sc := h.start(t)
		h.ctrl.Stop()
		waitClosed(t, fmt.Sprintf("server close %d", i), sc.closed)
	}

	if got := h.opens.Load(); got != 1 {
		t.Errorf("output opened %d times, want 1", got)
	}
	if h.out.CallCountResume != 3 {
		t.Errorf("resume calls = %d, want 3", h.out.CallCountResume)
	}
	if !h.ctrl.OutputReady() {
		t.Error("OutputReady = false after sessions")
	}
}

func TestController_CaptureUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctrl := session.New(session.Config{
		URL:        h.srv.url,
		OpenOutput: func(context.Context) (audio.Output, error) { return h.out, nil },
		Status:     h.status,
		Metrics:    testMetrics(t),
	})

	err := ctrl.Start(context.Background())
	if !errors.Is(err, session.ErrCaptureUnavailable) {
		t.Fatalf("Start = %v, want ErrCaptureUnavailable", err)
	}
	if ctrl.State() != session.Idle {
		t.Errorf("state = %v, want idle", ctrl.State())
	}
	if h.srv.count.Load() != 0 {
		t.Error("a connection was opened")
	}
	if !h.status.Last().Error {
		t.Errorf("last status = %+v, want error flag", h.status.Last())
	}
	waitClosed(t, "done", ctrl.Done())
}

func TestController_OutputUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctrl := session.New(session.Config{
		URL:     h.srv.url,
		Capture: h.dev,
		OpenOutput: func(context.Context) (audio.Output, error) {
			return nil, errors.New("no sound card")
		},
		Metrics: testMetrics(t),
	})

	if err := ctrl.Start(context.Background()); !errors.Is(err, session.ErrOutputUnavailable) {
		t.Fatalf("Start = %v, want ErrOutputUnavailable", err)
	}
	if ctrl.State() != session.Idle || ctrl.OutputReady() {
		t.Errorf("state = %v, output ready = %v", ctrl.State(), ctrl.OutputReady())
	}
	if h.srv.count.Load() != 0 {
		t.Error("a connection was opened")
	}
}

func TestController_PermissionDeniedTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dev.OpenFunc = func(context.Context) (audio.CaptureStream, error) {
		return nil, fmt.Errorf("portaudio: open stream: %w", audio.ErrPermissionDenied)
	}

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, session.ErrPermissionDenied) || !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want permission denied", err)
	}
	if h.ctrl.State() != session.Idle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}

	sc := h.srv.accept(t)
	waitClosed(t, "half-open connection close", sc.closed)

	// The controller is usable again.
	h.dev.OpenFunc = func(context.Context) (audio.CaptureStream, error) {
		return mock.NewCaptureStream(48000, 8), nil
	}
	h.start(t)
	if h.ctrl.State() != session.Active {
		t.Errorf("state after retry = %v, want active", h.ctrl.State())
	}
}

func TestController_DialFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctrl := session.New(session.Config{
		URL:        "ws://127.0.0.1:1/ws",
		Capture:    h.dev,
		OpenOutput: func(context.Context) (audio.Output, error) { return h.out, nil },
		Status:     h.status,
		Metrics:    testMetrics(t),
	})

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a closed port")
	}
	if ctrl.State() != session.Idle {
		t.Errorf("state = %v, want idle", ctrl.State())
	}
	if got := h.status.Last(); got.Text != session.StatusConnectionError || !got.Error {
		t.Errorf("last status = %+v, want connection error", got)
	}
}

func TestController_RemoteCloseTearsDown(t *testing.T) {
	t.Parallel()

	var stream *mock.CaptureStream
	h := newHarness(t)
	h.dev.OpenFunc = func(context.Context) (audio.CaptureStream, error) {
		stream = mock.NewCaptureStream(48000, 8)
		return stream, nil
	}
	sc := h.start(t)
	done := h.ctrl.Done()

	_ = sc.conn.Close(websocket.StatusNormalClosure, "server shutdown")

	waitClosed(t, "session done", done)
	if h.ctrl.State() != session.Idle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}
	if !stream.Closed() {
		t.Error("capture stream not released")
	}
	if got := h.status.Last(); got.Text != session.StatusConnectionClosed || got.Error {
		t.Errorf("last status = %+v, want Connection closed.", got)
	}
}

func TestController_RemoteAbortIsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)
	done := h.ctrl.Done()

	_ = sc.conn.CloseNow()

	waitClosed(t, "session done", done)
	if got := h.status.Last(); got.Text != session.StatusConnectionError || !got.Error {
		t.Errorf("last status = %+v, want connection error", got)
	}
}

func TestController_NewSessionClearsErrorFlag(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)
	sc.send(t, `{"type":"error","message":"model overloaded"}`)
	waitFor(t, "error status", func() bool { return h.status.Last().Error })
	h.ctrl.Stop()

	n := len(h.status.History())
	h.start(t)
	if got := h.status.History()[n]; got.Text != session.StatusConnecting || got.Error {
		t.Errorf("first status of new session = %+v, want plain Connecting...", got)
	}
}

// ── dispatch ─────────────────────────────────────────────────────────────────

func TestController_TranscriptScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)

	sc.send(t, `{"type":"transcription","text":"hello","end_of_turn":true}`)
	sc.send(t, `{"type":"llm_chunk","data":"Hi"}`)
	sc.send(t, `{"type":"llm_chunk","data":" there"}`)
	h.sync(t, sc)

	turns := h.log.Turns()
	if len(turns) != 2 {
		t.Fatalf("turns = %+v, want 2", turns)
	}
	if turns[0].Role != transcript.RoleUser || turns[0].Text != "hello" {
		t.Errorf("turn 0 = %+v, want user hello", turns[0])
	}
	if turns[1].Role != transcript.RoleAgent || turns[1].Text != "Hi there" {
		t.Errorf("turn 1 = %+v, want agent \"Hi there\"", turns[1])
	}
	if turns[0].SessionID != h.ctrl.SessionID() || turns[1].SessionID != h.ctrl.SessionID() {
		t.Error("turns not tagged with the session ID")
	}
	if !contains(texts(h.status.History()), "Nirvana is thinking...") {
		t.Errorf("statuses = %v, want thinking status", texts(h.status.History()))
	}
}

func TestController_TranscriptionIgnoredUntilEndOfTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)

	sc.send(t, `{"type":"transcription","text":"hel","end_of_turn":false}`)
	sc.send(t, `{"type":"transcription","text":"","end_of_turn":true}`)
	sc.send(t, `{"type":"llm_chunk","data":""}`)
	h.sync(t, sc)

	if n := h.log.Len(); n != 0 {
		t.Errorf("turns = %d, want 0", n)
	}
}

func TestController_NewUserTurnStartsNewAgentTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)

	sc.send(t, `{"type":"llm_chunk","data":"A"}`)
	sc.send(t, `{"type":"transcription","text":"next","end_of_turn":true}`)
	sc.send(t, `{"type":"llm_chunk","data":"B"}`)
	sc.send(t, `{"type":"audio_start"}`)
	sc.send(t, `{"type":"llm_chunk","data":"C"}`)
	h.sync(t, sc)

	var got []string
	for _, turn := range h.log.Turns() {
		got = append(got, string(turn.Role)+":"+turn.Text)
	}
	if strings.Join(got, ",") != "agent:A,user:next,agent:B,agent:C" {
		t.Errorf("turns = %v", got)
	}
}

func TestController_AudioScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)

	sc.send(t, `{"type":"audio_start"}`)
	sc.send(t, `{"type":"audio","data":"`+base64.StdEncoding.EncodeToString([]byte("X"))+`"}`)

	var snd *mock.Sound
	select {
	case snd = <-h.started:
	case <-time.After(3 * time.Second):
		t.Fatal("audio chunk was not played")
	}
	if string(snd.Data) != "X" {
		t.Errorf("played %q, want X", snd.Data)
	}
	if h.out.CallCountResume != 2 {
		t.Errorf("resume calls = %d, want 2 (start + audio_start)", h.out.CallCountResume)
	}
	if !contains(texts(h.status.History()), session.StatusReceivingAudio) {
		t.Errorf("statuses = %v, want receiving status", texts(h.status.History()))
	}

	sc.send(t, `{"type":"audio_interrupt"}`)
	waitFor(t, "interrupted status", func() bool { return h.status.Last().Text == session.StatusInterrupted })
	if !snd.Stopped() {
		t.Error("interrupt did not stop the sounding chunk")
	}
}

func TestController_AudioStartDropsQueuedChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)

	chunk := func(s string) string {
		return `{"type":"audio","data":"` + base64.StdEncoding.EncodeToString([]byte(s)) + `"}`
	}
	sc.send(t, chunk("old-1"))
	sc.send(t, chunk("old-2"))
	first := <-h.started
	sc.send(t, `{"type":"audio_start"}`)
	sc.send(t, chunk("new-1"))
	h.sync(t, sc)

	first.Finish()
	select {
	case next := <-h.started:
		if string(next.Data) != "new-1" {
			t.Errorf("next chunk = %q, want new-1", next.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("new response chunk not played")
	}
}

func TestController_EmptyAudioChunkSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)

	sc.send(t, `{"type":"audio","data":""}`)
	h.sync(t, sc)
	select {
	case snd := <-h.started:
		t.Fatalf("empty chunk reached the player: %q", snd.Data)
	default:
	}

	sc.send(t, `{"type":"audio","data":"`+base64.StdEncoding.EncodeToString([]byte("speech"))+`"}`)
	select {
	case snd := <-h.started:
		if string(snd.Data) != "speech" {
			t.Errorf("first played chunk = %q, want speech", snd.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("chunk after the empty one not played")
	}
}

func TestController_StatusMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sc := h.start(t)
	base := len(h.status.History())

	sc.send(t, `{"type":"pong"}`)
	sc.send(t, `{"type":"status","message":"Listening"}`)
	sc.send(t, `not json`)
	sc.send(t, `{"type":"mystery","payload":1}`)
	sc.send(t, `{"type":"audio_end"}`)
	sc.send(t, `{"type":"error","message":"boom"}`)
	h.sync(t, sc)

	got := h.status.History()[base:]
	want := []session.Status{
		{Text: "Listening"},
		{Text: session.StatusPlaybackFinished},
		{Text: "Error: boom", Error: true},
	}
	if len(got) != len(want)+1 {
		t.Fatalf("statuses = %+v, want %+v plus marker", got, want)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("status %d = %+v, want %+v", i, got[i], w)
		}
	}
	if h.ctrl.State() != session.Active {
		t.Errorf("state = %v, want active after malformed input", h.ctrl.State())
	}
}

func TestController_CloseReleasesOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.ctrl.State() != session.Idle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}
	if h.out.CallCountClose != 1 {
		t.Errorf("output close calls = %d, want 1", h.out.CallCountClose)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[session.State]string{
		session.Idle:       "idle",
		session.Connecting: "connecting",
		session.Active:     "active",
		session.Stopping:   "stopping",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
