// Package portaudio implements [audio.CaptureDevice] with
// github.com/gordonklaus/portaudio.
//
// The device opens a mono float32 input stream at the device's default rate
// and delivers one [audio.CaptureBuffer] per callback. Downsampling to the
// wire rate is left to the capture encoder.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time assertions.
var (
	_ audio.CaptureDevice = (*Device)(nil)
	_ audio.CaptureStream = (*stream)(nil)
)

const (
	defaultFramesPerBuffer = 4096
	bufferQueue            = 32
)

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithDeviceName selects an input device by exact name. Empty selects the
// system default.
func WithDeviceName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithFramesPerBuffer sets the number of samples per capture buffer.
// Default: 4096.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// Device is a PortAudio microphone.
type Device struct {
	name            string
	framesPerBuffer int
}

// New creates a Device. PortAudio is not initialised until Open.
func New(opts ...Option) *Device {
	d := &Device{framesPerBuffer: defaultFramesPerBuffer}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open initialises PortAudio, opens the input stream and starts it.
// Failures to open or start the stream are reported as
// [audio.ErrPermissionDenied] alongside the PortAudio error.
func (d *Device) Open(ctx context.Context) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	info, err := d.inputDevice()
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}

	params := pa.LowLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.FramesPerBuffer = d.framesPerBuffer

	s := &stream{
		rate: int(params.SampleRate),
		ch:   make(chan audio.CaptureBuffer, bufferQueue),
	}
	paStream, err := pa.OpenStream(params, s.callback)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open input %q: %w", info.Name, errors.Join(audio.ErrPermissionDenied, err))
	}
	s.pa = paStream
	if err := paStream.Start(); err != nil {
		_ = paStream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start input %q: %w", info.Name, errors.Join(audio.ErrPermissionDenied, err))
	}

	slog.Info("microphone opened", "device", info.Name, "sample_rate", s.rate, "frames_per_buffer", d.framesPerBuffer)
	return s, nil
}

func (d *Device) inputDevice() (*pa.DeviceInfo, error) {
	if d.name == "" {
		info, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return info, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, info := range devices {
		if info.Name == d.name && info.MaxInputChannels > 0 {
			return info, nil
		}
	}
	return nil, fmt.Errorf("portaudio: input device %q not found", d.name)
}

// ── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	pa   *pa.Stream
	rate int
	ch   chan audio.CaptureBuffer

	mu      sync.Mutex
	closed  bool
	elapsed time.Duration
	dropped int
}

// callback runs on the PortAudio thread. It must not block, so buffers are
// dropped when the consumer falls behind.
func (s *stream) callback(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	buf := audio.CaptureBuffer{Samples: samples, SampleRate: s.rate, Timestamp: s.elapsed}
	s.elapsed += buf.Duration()
	select {
	case s.ch <- buf:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			slog.Warn("capture buffer dropped: consumer too slow", "dropped", s.dropped)
		}
	}
}

func (s *stream) Buffers() <-chan audio.CaptureBuffer { return s.ch }

func (s *stream) SampleRate() int { return s.rate }

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Stop waits for an in-flight callback, so it runs without s.mu held.
	var errs []error
	if err := s.pa.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop: %w", err))
	}
	if err := s.pa.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	close(s.ch)
	return errors.Join(errs...)
}
