// Package audio defines the device-facing interfaces and PCM helpers used by
// the parley voice client.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] opens the microphone and returns a [CaptureStream]
//     delivering float sample buffers at the device's native rate.
//   - [Output] is the long-lived output context that decodes server speech
//     chunks into playable [Clip] values and starts [Sound] handles.
//
// Implementations live in backend packages (audio/portaudio, audio/speaker) and
// in audio/mock for tests. The interfaces are intentionally narrow so the
// session controller and playback scheduler stay independent of any sound API.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned (wrapped) by [CaptureDevice.Open] when the
// operating system or the user refuses microphone access.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// CaptureDevice is the entry point for microphone access.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Open acquires the microphone and starts delivering buffers. The supplied
	// ctx governs the acquisition only; the stream stays alive until
	// [CaptureStream.Close] is called.
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an open microphone.
type CaptureStream interface {
	// Buffers returns the channel on which captured buffers arrive, in capture
	// order. The channel is closed after [CaptureStream.Close].
	Buffers() <-chan CaptureBuffer

	// SampleRate reports the native rate of the delivered buffers in Hz.
	SampleRate() int

	// Close disconnects the capture graph and releases the device. It is safe
	// to call Close more than once; subsequent calls return nil.
	Close() error
}

// Clip is a decoded, ready-to-play speech segment.
type Clip interface {
	// Duration returns the playback length of the clip.
	Duration() time.Duration
}

// Sound is a handle to a clip that is currently sounding.
type Sound interface {
	// Stop silences the sound immediately. Done is closed afterwards. Calling
	// Stop on a finished sound is a no-op.
	Stop()

	// Done is closed when the sound completes naturally or is stopped.
	Done() <-chan struct{}
}

// Output is the audio output context. One Output is created per process and
// reused across sessions.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Decode turns an opaque encoded chunk (MP3, WAV, …) into a playable clip.
	// Decode may block; it should honour ctx cancellation.
	Decode(ctx context.Context, data []byte) (Clip, error)

	// Play starts sounding clip and returns without waiting for completion.
	Play(clip Clip) (Sound, error)

	// Resume un-suspends the output if it was suspended. A running output is
	// left untouched.
	Resume(ctx context.Context) error

	// Close releases the output device.
	Close() error
}
