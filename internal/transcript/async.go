package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSinkClosed is returned by [Async.WriteTurn] after [Async.Close].
var ErrSinkClosed = errors.New("transcript: sink closed")

// DefaultAsyncBuffer is the queue size used by [NewAsync] when size <= 0.
const DefaultAsyncBuffer = 256

type asyncItem struct {
	ctx  context.Context
	turn Turn
}

// Async moves a slow sink, such as a [Store], off the caller's goroutine.
// Turns are queued and written in order by one worker. WriteTurn only blocks
// when the queue is full. Write failures are logged because the caller has
// already moved on.
type Async struct {
	next Sink

	mu     sync.RWMutex
	closed bool
	queue  chan asyncItem
	done   chan struct{}
}

// NewAsync starts a worker that writes queued turns to next.
func NewAsync(next Sink, size int) *Async {
	if size <= 0 {
		size = DefaultAsyncBuffer
	}
	a := &Async{
		next:  next,
		queue: make(chan asyncItem, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// WriteTurn implements [Sink]. The turn is written later with the values of
// ctx but without its cancellation.
func (a *Async) WriteTurn(ctx context.Context, t Turn) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrSinkClosed
	}
	a.queue <- asyncItem{ctx: context.WithoutCancel(ctx), turn: t}
	return nil
}

// Close stops accepting turns and waits until every queued turn is written.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for it := range a.queue {
		if err := a.next.WriteTurn(it.ctx, it.turn); err != nil {
			slog.Warn("transcript write failed", "turn", it.turn.ID, "session", it.turn.SessionID, "err", err)
		}
	}
}
