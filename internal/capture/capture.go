// Package capture turns microphone buffers into outbound PCM frames.
//
// Each [audio.CaptureBuffer] becomes exactly one frame of 16 kHz signed 16-bit
// little-endian mono PCM. Frames are never merged, split or reordered.
package capture

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

// Encoder converts capture buffers to wire frames.
type Encoder struct {
	// TargetRate is the output rate in Hz. Zero means [audio.TargetSampleRate].
	TargetRate int
}

// Encode downsamples buf to the target rate and encodes it as PCM16. The
// buffer's own SampleRate is used as the source rate.
func (e Encoder) Encode(buf audio.CaptureBuffer) []byte {
	target := e.TargetRate
	if target <= 0 {
		target = audio.TargetSampleRate
	}
	return audio.EncodePCM16(audio.Downsample(buf.Samples, buf.SampleRate, target))
}

// SendFunc delivers one encoded frame to the transport.
type SendFunc func(ctx context.Context, frame []byte) error

// FrameObserver is notified after every frame is sent.
type FrameObserver func(ctx context.Context, frameBytes int)

// Pump reads buffers until the channel is closed or ctx is done, encodes each
// one and passes it to send in capture order. Empty frames are skipped. Pump
// returns nil on channel close or context cancellation, and the send error
// otherwise.
func Pump(ctx context.Context, buffers <-chan audio.CaptureBuffer, enc Encoder, send SendFunc, observe FrameObserver) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case buf, ok := <-buffers:
			if !ok {
				return nil
			}
			frame := enc.Encode(buf)
			if len(frame) == 0 {
				continue
			}
			if err := send(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("capture: send frame: %w", err)
			}
			if observe != nil {
				observe(ctx, len(frame))
			}
		}
	}
}
