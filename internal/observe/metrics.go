// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the diagnostics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture ---

	// FramesSent counts PCM frames handed to the transport.
	FramesSent metric.Int64Counter

	// CaptureBytes counts PCM bytes handed to the transport.
	CaptureBytes metric.Int64Counter

	// --- Transport / protocol ---

	// HeartbeatsSent counts ping control messages.
	HeartbeatsSent metric.Int64Counter

	// MessagesReceived counts decoded inbound messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesReceived metric.Int64Counter

	// MalformedMessages counts inbound frames that failed to decode.
	MalformedMessages metric.Int64Counter

	// --- Playback ---

	// ChunksReceived counts speech chunks enqueued for playback.
	ChunksReceived metric.Int64Counter

	// ChunksPlayed counts chunks that started sounding.
	ChunksPlayed metric.Int64Counter

	// DecodeFailures counts chunks discarded because they failed to decode.
	DecodeFailures metric.Int64Counter

	// Interrupts counts playback interrupts.
	Interrupts metric.Int64Counter

	// DecodeDuration tracks chunk decode latency.
	DecodeDuration metric.Float64Histogram

	// --- Session ---

	// SessionStartDuration tracks the time from Start to an active session.
	SessionStartDuration metric.Float64Histogram

	// SessionErrors counts session-level failures. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks diagnostics HTTP request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// decode and connect latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total PCM frames sent to the server."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Counter("parley.capture.bytes",
		metric.WithDescription("Total PCM bytes sent to the server."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatsSent, err = m.Int64Counter("parley.transport.heartbeats",
		metric.WithDescription("Total heartbeat pings sent."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("parley.protocol.messages",
		metric.WithDescription("Total inbound messages by type."),
	); err != nil {
		return nil, err
	}
	if met.MalformedMessages, err = m.Int64Counter("parley.protocol.malformed",
		metric.WithDescription("Total inbound messages dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("parley.playback.chunks.received",
		metric.WithDescription("Total speech chunks enqueued."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPlayed, err = m.Int64Counter("parley.playback.chunks.played",
		metric.WithDescription("Total speech chunks that started playing."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("parley.playback.decode.failures",
		metric.WithDescription("Total speech chunks discarded after a decode failure."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("parley.playback.interrupts",
		metric.WithDescription("Total playback interrupts."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Total session failures by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("parley.playback.decode.duration",
		metric.WithDescription("Latency of speech chunk decoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionStartDuration, err = m.Float64Histogram("parley.session.start.duration",
		metric.WithDescription("Latency from session start to active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMessage records one inbound message of the given type.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordFrame records one outbound PCM frame of n bytes.
func (m *Metrics) RecordFrame(ctx context.Context, n int) {
	m.FramesSent.Add(ctx, 1)
	m.CaptureBytes.Add(ctx, int64(n))
}

// RecordSessionError records a session failure of the given kind
// (e.g. "capability", "permission", "transport").
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
