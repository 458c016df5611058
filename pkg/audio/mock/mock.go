// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.CaptureStream], [audio.Output] and
// [audio.Sound] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(48000, 4)
//	dev := &mock.CaptureDevice{OpenResult: stream}
//	out := &mock.Output{AutoFinish: true}
//	stream.Push(make([]float32, 4096))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Feed it
// with [CaptureStream.Push]; Close closes the buffer channel.
type CaptureStream struct {
	rate int
	ch   chan audio.CaptureBuffer

	mu      sync.Mutex
	closed  bool
	elapsed time.Duration

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns a stream reporting rate with a buffer channel of
// capacity size.
func NewCaptureStream(rate, size int) *CaptureStream {
	return &CaptureStream{rate: rate, ch: make(chan audio.CaptureBuffer, size)}
}

// Buffers implements [audio.CaptureStream].
func (s *CaptureStream) Buffers() <-chan audio.CaptureBuffer { return s.ch }

// SampleRate implements [audio.CaptureStream].
func (s *CaptureStream) SampleRate() int { return s.rate }

// Push delivers one buffer of samples. It reports false if the stream is
// already closed. Push blocks while the channel is full.
func (s *CaptureStream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	buf := audio.CaptureBuffer{Samples: samples, SampleRate: s.rate, Timestamp: s.elapsed}
	s.elapsed += buf.Duration()
	s.ch <- buf
	return true
}

// Close implements [audio.CaptureStream]. Returns CloseError on the first call.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenResult is returned by Open.
	OpenResult audio.CaptureStream

	// OpenError is returned by Open.
	OpenError error

	// OpenFunc, when set, takes precedence over OpenResult and OpenError.
	OpenFunc func(ctx context.Context) (audio.CaptureStream, error)

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(ctx context.Context) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenFunc != nil {
		return d.OpenFunc(ctx)
	}
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// ─── Sound ────────────────────────────────────────────────────────────────────

// Sound is a mock [audio.Sound]. It completes when the test calls Finish or
// when the scheduler calls Stop.
type Sound struct {
	// Data is the chunk payload the sound was built from.
	Data []byte

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// NewSound returns an unfinished sound for data.
func NewSound(data []byte) *Sound {
	return &Sound{Data: data, done: make(chan struct{})}
}

// Stop implements [audio.Sound].
func (s *Sound) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Done implements [audio.Sound].
func (s *Sound) Done() <-chan struct{} { return s.done }

// Finish simulates natural completion.
func (s *Sound) Finish() { s.once.Do(func() { close(s.done) }) }

// Stopped reports whether Stop was called.
func (s *Sound) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Clip is the [audio.Clip] produced by [Output.Decode].
type Clip struct {
	Data   []byte
	Length time.Duration
}

// Duration implements [audio.Clip].
func (c Clip) Duration() time.Duration { return c.Length }

// Output is a mock implementation of [audio.Output].
type Output struct {
	// DecodeFunc overrides Decode when set. It is called without the mock's
	// lock held so it may block.
	DecodeFunc func(ctx context.Context, data []byte) (audio.Clip, error)

	// PlayError is returned by Play.
	PlayError error

	// ResumeError is returned by Resume.
	ResumeError error

	// AutoFinish makes every sound complete as soon as it starts.
	AutoFinish bool

	// PlayStarted, when non-nil, receives every started sound. Sends block, so
	// size the channel for the test.
	PlayStarted chan *Sound

	mu              sync.Mutex
	decoded         [][]byte
	sounds          []*Sound
	CallCountResume int
	CallCountClose  int
}

// Decode implements [audio.Output].
func (o *Output) Decode(ctx context.Context, data []byte) (audio.Clip, error) {
	o.mu.Lock()
	o.decoded = append(o.decoded, data)
	fn := o.DecodeFunc
	o.mu.Unlock()
	if fn != nil {
		return fn(ctx, data)
	}
	return Clip{Data: data}, nil
}

// Play implements [audio.Output].
func (o *Output) Play(clip audio.Clip) (audio.Sound, error) {
	o.mu.Lock()
	if o.PlayError != nil {
		err := o.PlayError
		o.mu.Unlock()
		return nil, err
	}
	var data []byte
	if c, ok := clip.(Clip); ok {
		data = c.Data
	}
	snd := NewSound(data)
	o.sounds = append(o.sounds, snd)
	auto := o.AutoFinish
	started := o.PlayStarted
	o.mu.Unlock()

	if started != nil {
		started <- snd
	}
	if auto {
		snd.Finish()
	}
	return snd, nil
}

// Resume implements [audio.Output].
func (o *Output) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	return o.ResumeError
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Decoded returns a copy of every payload passed to Decode, in call order.
func (o *Output) Decoded() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.decoded))
	copy(out, o.decoded)
	return out
}

// Sounds returns a copy of every sound started by Play, in call order.
func (o *Output) Sounds() []*Sound {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Sound, len(o.sounds))
	copy(out, o.sounds)
	return out
}

// Played returns the payloads of every started sound, in call order.
func (o *Output) Played() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.sounds))
	for i, s := range o.sounds {
		out[i] = string(s.Data)
	}
	return out
}
