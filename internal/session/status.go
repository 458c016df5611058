package session

import "sync"

// User-facing status texts.
const (
	StatusConnecting       = "Connecting..."
	StatusReady            = "Ready"
	StatusReceivingAudio   = "Receiving audio response..."
	StatusInterrupted      = "Interrupted. Listening..."
	StatusPlaybackFinished = "Audio playback finished."
	StatusConnectionClosed = "Connection closed."
	StatusConnectionError  = "A connection error occurred."
)

// Status is one status line shown to the user. Error marks failure states.
type Status struct {
	Text  string
	Error bool
}

// StatusSink receives status updates. Implementations must not call back
// into the [Controller] synchronously.
type StatusSink interface {
	SetStatus(Status)
}

// StatusFunc adapts a function to [StatusSink].
type StatusFunc func(Status)

// SetStatus implements [StatusSink].
func (f StatusFunc) SetStatus(s Status) { f(s) }

// StatusRecorder is a [StatusSink] that keeps every update. The zero value is
// ready to use.
type StatusRecorder struct {
	mu      sync.Mutex
	history []Status
}

// SetStatus implements [StatusSink].
func (r *StatusRecorder) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, s)
}

// Last returns the most recent status, or the zero Status.
func (r *StatusRecorder) Last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return Status{}
	}
	return r.history[len(r.history)-1]
}

// History returns a copy of every recorded status in order.
func (r *StatusRecorder) History() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.history))
	copy(out, r.history)
	return out
}

func thinkingStatus(agent string) string {
	return agent + " is thinking..."
}

func errorStatus(msg string) Status {
	return Status{Text: "Error: " + msg, Error: true}
}
