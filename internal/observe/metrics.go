// Package observe provides application-wide observability primitives for
// sonicgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all sonicgate metrics.
const meterName = "github.com/voicelayer/sonicgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolDuration tracks tool handler execution latency.
	ToolDuration metric.Float64Histogram

	// ResponseDelay tracks the gap between the client ending an audio
	// segment and the first model audio chunk of the reply.
	ResponseDelay metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// SessionDuration tracks voice session lifetimes, creation to teardown.
	// Use with attribute:
	//   attribute.String("reason", ...)
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// ModelEvents counts decoded model stream events. Use with attribute:
	//   attribute.String("type", ...)
	ModelEvents metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionsStarted counts accepted voice sessions.
	SessionsStarted metric.Int64Counter

	// SessionsEnded counts finished voice sessions. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsEnded metric.Int64Counter

	// AuthRejections counts refused connections. Use with attribute:
	//   attribute.String("reason", ...)
	AuthRejections metric.Int64Counter

	// BargeIns counts audio segments that interrupted an unfinished reply.
	BargeIns metric.Int64Counter

	// StreamErrors counts model stream failures. Use with attribute:
	//   attribute.String("kind", ...)
	StreamErrors metric.Int64Counter

	// AudioFrames counts audio chunks through the gateway. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-interaction latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers session lifetimes, from a quick question to an
// hour-long conversation.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ToolDuration, err = m.Float64Histogram("sonicgate.tool.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDelay, err = m.Float64Histogram("sonicgate.response.delay",
		metric.WithDescription("Delay between end of client audio and first model audio of the reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonicgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("sonicgate.session.duration",
		metric.WithDescription("Voice session lifetime by end reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ModelEvents, err = m.Int64Counter("sonicgate.model.events",
		metric.WithDescription("Decoded model stream events by type."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("sonicgate.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("sonicgate.sessions.started",
		metric.WithDescription("Accepted voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("sonicgate.sessions.ended",
		metric.WithDescription("Finished voice sessions by reason."),
	); err != nil {
		return nil, err
	}
	if met.AuthRejections, err = m.Int64Counter("sonicgate.auth.rejections",
		metric.WithDescription("Refused connections by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("sonicgate.bargeins",
		metric.WithDescription("Audio segments that interrupted an unfinished reply."),
	); err != nil {
		return nil, err
	}
	if met.StreamErrors, err = m.Int64Counter("sonicgate.stream.errors",
		metric.WithDescription("Model stream failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("sonicgate.audio.frames",
		metric.WithDescription("Audio chunks through the gateway by direction."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonicgate.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordModelEvent is a convenience method that counts one decoded model
// stream event of the given type.
func (m *Metrics) RecordModelEvent(ctx context.Context, eventType string) {
	m.ModelEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordSessionEnd is a convenience method that counts one finished session
// and records its lifetime, both tagged with the end reason.
func (m *Metrics) RecordSessionEnd(ctx context.Context, reason string, lifetime time.Duration) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.SessionsEnded.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, lifetime.Seconds(), attrs)
}

// RecordAuthRejection is a convenience method that counts one refused
// connection with its reason.
func (m *Metrics) RecordAuthRejection(ctx context.Context, reason string) {
	m.AuthRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordAudioFrame is a convenience method that counts one audio chunk in the
// given direction ("in" from the client, "out" to the client).
func (m *Metrics) RecordAudioFrame(ctx context.Context, direction string) {
	m.AudioFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
