// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/MrWong99/voicebridge"

// Results recorded on [Metrics.MicFrames].
const (
	MicForwarded       = "forwarded"
	MicSilent          = "silent"
	MicDroppedUpstream = "dropped_upstream"
	MicDroppedState    = "dropped_state"
	MicEncodeError     = "encode_error"
	MicSendError       = "send_error"
	MicNotReady        = "not_ready"
)

// Results recorded on [Metrics.SpeakerFrames].
const (
	SpeakerBroadcast   = "broadcast"
	SpeakerDecodeError = "decode_error"
	SpeakerEmpty       = "empty"
	SpeakerNotReady    = "not_ready"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks the number of connected browser sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Counters ---

	// MicFrames counts microphone frames leaving the accumulator. Use with
	// attribute.String("result", ...) set to one of the Mic* constants.
	MicFrames metric.Int64Counter

	// SpeakerFrames counts frames received from upstream. Use with
	// attribute.String("result", ...) set to one of the Speaker* constants.
	SpeakerFrames metric.Int64Counter

	// DroppedMessages counts outbound session messages discarded because the
	// session queue was full. Use with attribute.String("kind", "pcm"|"control").
	DroppedMessages metric.Int64Counter

	// UpstreamDials counts upstream connection attempts. Use with
	// attribute.String("status", "ok"|"error"|"rejected").
	UpstreamDials metric.Int64Counter

	// --- Latency histograms ---

	// CodecDuration tracks per-frame codec latency. Use with
	// attribute.String("op", "encode"|"decode").
	CodecDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time by method, route pattern
	// and whether the request became a websocket session.
	HTTPRequestDuration metric.Float64Histogram
}

// codecBuckets covers sub-millisecond to tens-of-milliseconds codec work; a
// 20 ms frame that takes longer than its own duration to encode is a problem.
var codecBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.sessions.active",
		metric.WithDescription("Number of connected browser audio sessions."),
	); err != nil {
		return nil, err
	}

	if met.MicFrames, err = m.Int64Counter("voicebridge.mic.frames",
		metric.WithDescription("Microphone frames by forwarding result."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerFrames, err = m.Int64Counter("voicebridge.speaker.frames",
		metric.WithDescription("Upstream speaker frames by decode result."),
	); err != nil {
		return nil, err
	}
	if met.DroppedMessages, err = m.Int64Counter("voicebridge.session.dropped_messages",
		metric.WithDescription("Outbound session messages dropped on a full queue."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDials, err = m.Int64Counter("voicebridge.upstream.dials",
		metric.WithDescription("Upstream connection attempts by status."),
	); err != nil {
		return nil, err
	}

	if met.CodecDuration, err = m.Float64Histogram("voicebridge.codec.duration",
		metric.WithDescription("Latency of a single codec encode or decode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(codecBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route. Websocket requests last for the whole session."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

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

// RecordMicFrame increments [Metrics.MicFrames] for result.
func (m *Metrics) RecordMicFrame(ctx context.Context, result string) {
	m.MicFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSpeakerFrame increments [Metrics.SpeakerFrames] for result.
func (m *Metrics) RecordSpeakerFrame(ctx context.Context, result string) {
	m.SpeakerFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDroppedMessage increments [Metrics.DroppedMessages] for kind.
func (m *Metrics) RecordDroppedMessage(ctx context.Context, kind string) {
	m.DroppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUpstreamDial increments [Metrics.UpstreamDials] for status.
func (m *Metrics) RecordUpstreamDial(ctx context.Context, status string) {
	m.UpstreamDials.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCodec records the time elapsed since start on [Metrics.CodecDuration].
func (m *Metrics) RecordCodec(ctx context.Context, op string, start time.Time) {
	m.CodecDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", op)),
	)
}
