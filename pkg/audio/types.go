package audio

import "time"

// CaptureBuffer is one block of microphone samples as delivered by a capture
// device. Buffers are the atomic unit of capture: each one becomes exactly one
// outbound PCM frame.
type CaptureBuffer struct {
	// Samples holds mono float samples, nominally in [-1, 1].
	Samples []float32

	// SampleRate is the device's native rate in Hz (e.g., 48000, 44100).
	SampleRate int

	// Timestamp marks when this buffer was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the wall-clock length of the buffer.
func (b CaptureBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
