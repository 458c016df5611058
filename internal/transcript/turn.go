// Package transcript records the running conversation: finalized user turns
// and streamed agent turns.
//
// Producers publish turns to a [Sink]. Agent turns are published repeatedly
// with the same ID while text streams in, so every sink treats WriteTurn as
// an upsert keyed by [Turn.ID].
package transcript

import (
	"context"
	"errors"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	// RoleUser marks text recognised from the local microphone.
	RoleUser Role = "user"
	// RoleAgent marks text generated by the remote agent.
	RoleAgent Role = "agent"
)

// Turn is one entry of the conversation transcript.
type Turn struct {
	// ID is unique per turn. Updates to a streaming agent turn reuse it.
	ID string

	// SessionID identifies the conversation session the turn belongs to.
	SessionID string

	Role Role

	// Text is the full text of the turn so far.
	Text string

	// Timestamp is when the turn was first created.
	Timestamp time.Time
}

// Sink receives transcript turns.
type Sink interface {
	// WriteTurn inserts t, or replaces the stored turn with the same ID.
	WriteTurn(ctx context.Context, t Turn) error
}

// Multi fans a turn out to every sink in order. All sinks are attempted; the
// returned error joins the individual failures.
type Multi []Sink

// WriteTurn implements [Sink].
func (m Multi) WriteTurn(ctx context.Context, t Turn) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteTurn(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
