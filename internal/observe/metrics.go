// Package observe provides the observability primitives shared by the relay:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// Prometheus scraping via [InitProvider]. [DefaultMetrics] returns a
// package-level instance bound to the global meter provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Frame directions used as the "direction" attribute.
const (
	DirectionToModel     = "to_model"
	DirectionToTelephony = "to_telephony"
	DirectionToObserver  = "to_observer"
)

// Metrics holds all OpenTelemetry instruments for the relay. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from dial to session.updated.
	HandshakeDuration metric.Float64Histogram

	// FunctionDuration tracks function invocation latency.
	FunctionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FunctionCalls counts invocations by function name and status
	// (ok, error, unknown, stale).
	FunctionCalls metric.Int64Counter

	// ReconnectAttempts counts model reconnect outcomes
	// (retry, recovered, exhausted).
	ReconnectAttempts metric.Int64Counter

	// FramesRelayed counts messages forwarded by direction.
	FramesRelayed metric.Int64Counter

	// FramesDropped counts messages discarded by direction and reason.
	FramesDropped metric.Int64Counter

	// ProtocolErrors counts unparseable or unexpected messages by peer kind.
	ProtocolErrors metric.Int64Counter

	// ObserverDrops counts observers disconnected for being slow or broken.
	ObserverDrops metric.Int64Counter

	// CallsEnded counts finished calls by end reason.
	CallsEnded metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveObservers tracks connected observers across all sessions.
	ActiveObservers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake and function latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("callrelay.realtime.handshake.duration",
		metric.WithDescription("Time from model dial to acknowledged session configuration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FunctionDuration, err = m.Float64Histogram("callrelay.function.duration",
		metric.WithDescription("Latency of function invocations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FunctionCalls, err = m.Int64Counter("callrelay.function.calls",
		metric.WithDescription("Function invocations by name and status."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("callrelay.realtime.reconnects",
		metric.WithDescription("Model reconnect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesRelayed, err = m.Int64Counter("callrelay.frames.relayed",
		metric.WithDescription("Messages forwarded between peers by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callrelay.frames.dropped",
		metric.WithDescription("Messages discarded by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("callrelay.protocol.errors",
		metric.WithDescription("Malformed or unexpected messages by peer kind."),
	); err != nil {
		return nil, err
	}
	if met.ObserverDrops, err = m.Int64Counter("callrelay.observer.drops",
		metric.WithDescription("Observers disconnected for falling behind or failing."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("callrelay.calls.ended",
		metric.WithDescription("Finished calls by end reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callrelay.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveObservers, err = m.Int64UpDownCounter("callrelay.active_observers",
		metric.WithDescription("Number of connected observers across all sessions."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFunctionCall records one invocation with its status and latency.
func (m *Metrics) RecordFunctionCall(ctx context.Context, name, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("function", name),
		attribute.String("status", status),
	)
	m.FunctionCalls.Add(ctx, 1, attrs)
	m.FunctionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordReconnect records a reconnect outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFrame records one forwarded message.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDrop records one discarded message.
func (m *Metrics) RecordDrop(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("reason", reason),
	))
}

// RecordProtocolError records one malformed message from the given peer kind.
func (m *Metrics) RecordProtocolError(ctx context.Context, peerKind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("peer", peerKind)))
}

// RecordCallEnded records a finished call.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordObserverDrop records an observer removed for the given reason.
func (m *Metrics) RecordObserverDrop(ctx context.Context, reason string) {
	m.ObserverDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
