// Package speaker implements [audio.Output] on top of github.com/faiface/beep.
//
// Chunks are decoded eagerly (MP3 or WAV, sniffed from the payload) into an
// in-memory [beep.Buffer] resampled to the speaker rate, so that corrupt audio
// fails in Decode rather than halfway through playback. The speaker device is
// initialised lazily on the first Resume or Play and kept open for the life of
// the process; sessions come and go without re-opening it.
package speaker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	beepspeaker "github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time assertion that Output satisfies audio.Output.
var _ audio.Output = (*Output)(nil)

const (
	defaultSampleRate = beep.SampleRate(44100)
	defaultBuffer     = 100 * time.Millisecond
	resampleQuality   = 4
)

// ErrUnsupportedClip is returned by Play for clips not produced by this package.
var ErrUnsupportedClip = errors.New("speaker: clip was not decoded by this output")

// Option is a functional option for configuring an Output.
type Option func(*Output)

// WithSampleRate sets the device sample rate. Default: 44100.
func WithSampleRate(rate int) Option {
	return func(o *Output) {
		if rate > 0 {
			o.rate = beep.SampleRate(rate)
		}
	}
}

// WithBufferDuration sets the device buffer length. Larger buffers trade
// latency for robustness against scheduling hiccups. Default: 100ms.
func WithBufferDuration(d time.Duration) Option {
	return func(o *Output) {
		if d > 0 {
			o.buffer = d
		}
	}
}

// Output plays decoded speech through the default sound card.
type Output struct {
	rate   beep.SampleRate
	buffer time.Duration

	mu     sync.Mutex
	ready  bool
	closed bool
}

// New creates an Output. The device is not opened until first use.
func New(opts ...Option) *Output {
	o := &Output{rate: defaultSampleRate, buffer: defaultBuffer}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resume opens the speaker if it is not open yet.
func (o *Output) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("speaker: output closed")
	}
	if o.ready {
		return nil
	}
	if err := beepspeaker.Init(o.rate, o.rate.N(o.buffer)); err != nil {
		return fmt.Errorf("speaker: init: %w", err)
	}
	o.ready = true
	return nil
}

// Decode decodes an MP3 or WAV payload into a playable clip at the speaker
// rate.
func (o *Output) Decode(ctx context.Context, data []byte) (audio.Clip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("speaker: empty chunk")
	}

	var (
		stream beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	if isWAV(data) {
		stream, format, err = wav.Decode(bytes.NewReader(data))
	} else {
		stream, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	}
	if err != nil {
		return nil, fmt.Errorf("speaker: decode: %w", err)
	}
	defer stream.Close()

	var src beep.Streamer = stream
	if format.SampleRate != o.rate {
		src = beep.Resample(resampleQuality, format.SampleRate, o.rate, stream)
	}
	buf := beep.NewBuffer(beep.Format{
		SampleRate:  o.rate,
		NumChannels: format.NumChannels,
		Precision:   format.Precision,
	})
	buf.Append(src)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("speaker: decode stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, errors.New("speaker: chunk decoded to zero samples")
	}
	return &clip{buf: buf}, nil
}

// Play starts the clip on the speaker mixer and returns immediately.
func (o *Output) Play(c audio.Clip) (audio.Sound, error) {
	cl, ok := c.(*clip)
	if !ok {
		return nil, ErrUnsupportedClip
	}
	if err := o.Resume(context.Background()); err != nil {
		return nil, err
	}

	snd := &sound{done: make(chan struct{})}
	snd.ctrl = &beep.Ctrl{
		Streamer: beep.Seq(cl.buf.Streamer(0, cl.buf.Len()), beep.Callback(snd.finish)),
	}
	beepspeaker.Play(snd.ctrl)
	return snd, nil
}

// Close silences everything and releases the speaker.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if o.ready {
		beepspeaker.Clear()
		beepspeaker.Close()
		o.ready = false
	}
	return nil
}

// isWAV reports whether data starts with a RIFF/WAVE header.
func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ── clip / sound ─────────────────────────────────────────────────────────────

type clip struct {
	buf *beep.Buffer
}

func (c *clip) Duration() time.Duration {
	return c.buf.Format().SampleRate.D(c.buf.Len())
}

type sound struct {
	ctrl *beep.Ctrl
	once sync.Once
	done chan struct{}
}

func (s *sound) finish() { s.once.Do(func() { close(s.done) }) }

// Stop detaches the streamer from the mixer; the mixer drops a Ctrl whose
// Streamer is nil on its next pass.
func (s *sound) Stop() {
	beepspeaker.Lock()
	s.ctrl.Streamer = nil
	beepspeaker.Unlock()
	s.finish()
}

func (s *sound) Done() <-chan struct{} { return s.done }
