package transcript

import (
	"context"
	"sync"
)

// Log is the in-memory transcript. It is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	turns []Turn
	index map[string]int
}

// NewLog returns an empty transcript log.
func NewLog() *Log {
	return &Log{index: make(map[string]int)}
}

// WriteTurn implements [Sink]. A turn whose ID is already present is updated
// in place so the original order is kept.
func (l *Log) WriteTurn(_ context.Context, t Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[t.ID]; ok {
		l.turns[i] = t
		return nil
	}
	l.index[t.ID] = len(l.turns)
	l.turns = append(l.turns, t)
	return nil
}

// Turns returns a snapshot of the transcript in creation order.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Clear drops every turn. A later update to a cleared agent turn starts a
// fresh entry.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
	l.index = make(map[string]int)
}
