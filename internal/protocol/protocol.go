// Package protocol decodes the JSON messages exchanged with the voice agent
// server into a closed set of typed events.
//
// Every inbound text frame carries a "type" discriminator. [Decode] maps each
// known tag onto exactly one [Event] variant; unknown tags become [Unknown]
// so callers can ignore them without special-casing errors. Only frames that
// are not valid JSON, lack a type, or carry undecodable audio are rejected
// with [ErrMalformed].
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every [Decode] failure.
var ErrMalformed = errors.New("protocol: malformed message")

// Message type tags.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeStatus         = "status"
	TypeTranscription  = "transcription"
	TypeLLMChunk       = "llm_chunk"
	TypeAudioStart     = "audio_start"
	TypeAudioInterrupt = "audio_interrupt"
	TypeAudio          = "audio"
	TypeAudioEnd       = "audio_end"
	TypeError          = "error"
)

// Event is one decoded inbound message. The set of implementations is closed;
// switch on the concrete type.
type Event interface {
	// Type returns the wire discriminator.
	Type() string
	sealed()
}

// Pong acknowledges a heartbeat.
type Pong struct{}

// Status carries informational status text.
type Status struct{ Message string }

// Transcription carries recognised user speech.
type Transcription struct {
	Text      string
	EndOfTurn bool
}

// LLMChunk carries a fragment of the agent's text reply.
type LLMChunk struct{ Data string }

// AudioStart announces a new synthesized reply.
type AudioStart struct{}

// AudioInterrupt invalidates all queued and playing speech.
type AudioInterrupt struct{}

// Audio carries one chunk of synthesized speech, already base64-decoded.
type Audio struct{ Data []byte }

// AudioEnd announces that the server has sent the last chunk of a reply.
type AudioEnd struct{}

// Error carries a server-side error description.
type Error struct{ Message string }

// Unknown is any message with an unrecognised type tag.
type Unknown struct{ Kind string }

func (Pong) Type() string           { return TypePong }
func (Status) Type() string         { return TypeStatus }
func (Transcription) Type() string  { return TypeTranscription }
func (LLMChunk) Type() string       { return TypeLLMChunk }
func (AudioStart) Type() string     { return TypeAudioStart }
func (AudioInterrupt) Type() string { return TypeAudioInterrupt }
func (Audio) Type() string          { return TypeAudio }
func (AudioEnd) Type() string       { return TypeAudioEnd }
func (Error) Type() string          { return TypeError }
func (u Unknown) Type() string      { return u.Kind }

func (Pong) sealed()           {}
func (Status) sealed()         {}
func (Transcription) sealed()  {}
func (LLMChunk) sealed()       {}
func (AudioStart) sealed()     {}
func (AudioInterrupt) sealed() {}
func (Audio) sealed()          {}
func (AudioEnd) sealed()       {}
func (Error) sealed()          {}
func (Unknown) sealed()        {}

// envelope is the union of all inbound fields.
type envelope struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Text      string `json:"text,omitempty"`
	EndOfTurn bool   `json:"end_of_turn,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Decode parses one inbound text frame.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch env.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypePong:
		return Pong{}, nil
	case TypeStatus:
		return Status{Message: env.Message}, nil
	case TypeTranscription:
		return Transcription{Text: env.Text, EndOfTurn: env.EndOfTurn}, nil
	case TypeLLMChunk:
		return LLMChunk{Data: env.Data}, nil
	case TypeAudioStart:
		return AudioStart{}, nil
	case TypeAudioInterrupt:
		return AudioInterrupt{}, nil
	case TypeAudio:
		raw, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: audio data: %w", ErrMalformed, err)
		}
		return Audio{Data: raw}, nil
	case TypeAudioEnd:
		return AudioEnd{}, nil
	case TypeError:
		return Error{Message: env.Message}, nil
	default:
		return Unknown{Kind: env.Type}, nil
	}
}

// Control is an outbound JSON control message.
type Control struct {
	Type string `json:"type"`
}

// Ping is the heartbeat control message, {"type":"ping"}.
var Ping = Control{Type: TypePing}
