// Package observe wires J-Jaga into OpenTelemetry: metric instruments, spans
// tagged with the Guardian session, context-aware loggers, and an HTTP
// middleware that ties them together.
//
// Metrics go through the OpenTelemetry API. [InitProvider] bridges them to
// Prometheus and [MetricsHandler] serves the result on /metrics. Production
// code shares [DefaultMetrics]; tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/jaga"

// Metrics holds every instrument J-Jaga records. Instruments are safe for
// concurrent use.
type Metrics struct {
	// AnalyzerDuration is the latency of one Mechanic or Sceptic model call.
	// Attributes: kind, model.
	AnalyzerDuration metric.Float64Histogram

	// ConnectDuration is the time until a live session is open, rate-limit
	// retries included.
	ConnectDuration metric.Float64Histogram

	// HTTPRequestDuration is recorded by [Middleware]. Attributes: method,
	// path (the route pattern).
	HTTPRequestDuration metric.Float64Histogram

	AudioBlocksSent      metric.Int64Counter
	AudioChunksScheduled metric.Int64Counter

	// DecodeErrors counts model audio chunks dropped as malformed.
	DecodeErrors metric.Int64Counter

	// VisionFrames counts camera frames. Attribute: status (sent, dropped,
	// failed).
	VisionFrames metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// RateLimitRetries counts backoff retries. Attribute: op.
	RateLimitRetries metric.Int64Counter

	// AnalyzerRequests counts analyzer model calls. Attributes: kind, model,
	// status.
	AnalyzerRequests metric.Int64Counter

	// BreakerTransitions counts analyzer circuit breaker state changes.
	// Attributes: model, to.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions and BridgeClients are gauges kept as up-down counters.
	ActiveSessions metric.Int64UpDownCounter
	BridgeClients  metric.Int64UpDownCounter
}

// modelLatencyBuckets are histogram boundaries in seconds for calls that wait
// on a remote model.
var modelLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	met := &Metrics{}
	var errs []error

	histogram := func(dst *metric.Float64Histogram, name, desc string, buckets ...float64) {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		errs = append(errs, err)
		*dst = h
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		*dst = c
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		*dst = g
	}

	histogram(&met.AnalyzerDuration, "jaga.analyze.duration",
		"Latency of one-shot analysis requests.", modelLatencyBuckets...)
	histogram(&met.ConnectDuration, "jaga.live.connect.duration",
		"Time until a live session is open.", modelLatencyBuckets...)
	histogram(&met.HTTPRequestDuration, "jaga.http.request.duration",
		"HTTP request latency by method and route.")

	counter(&met.AudioBlocksSent, "jaga.audio.blocks_sent",
		"Microphone blocks sent to the live session.")
	counter(&met.AudioChunksScheduled, "jaga.audio.chunks_scheduled",
		"Model audio chunks scheduled for playback.")
	counter(&met.DecodeErrors, "jaga.audio.decode_errors",
		"Model audio chunks dropped because they could not be decoded.")
	counter(&met.VisionFrames, "jaga.vision.frames",
		"Camera frames by outcome.")
	counter(&met.ToolCalls, "jaga.tool.calls",
		"Tool invocations by tool and status.")
	counter(&met.RateLimitRetries, "jaga.live.rate_limit_retries",
		"Retries caused by rate limiting.")
	counter(&met.AnalyzerRequests, "jaga.analyze.requests",
		"Analyzer model requests by kind, model and status.")
	counter(&met.BreakerTransitions, "jaga.analyze.breaker_transitions",
		"Analyzer circuit breaker state changes by model and new state.")

	gauge(&met.ActiveSessions, "jaga.active_sessions",
		"Live Guardian sessions.")
	gauge(&met.BridgeClients, "jaga.bridge.clients",
		"Connected browser HUD clients.")

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments, created on first use
// from the global meter provider. Call [InitProvider] first so they export.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(Attr("tool", tool), Attr("status", status)))
}

// RecordVisionFrames adds n frames with the given outcome. Non-positive n is
// ignored so callers can report every tick.
func (m *Metrics) RecordVisionFrames(ctx context.Context, status string, n int64) {
	if n > 0 {
		m.VisionFrames.Add(ctx, n, metric.WithAttributes(Attr("status", status)))
	}
}

// RecordRetry records one rate-limit retry of op.
func (m *Metrics) RecordRetry(ctx context.Context, op string) {
	m.RateLimitRetries.Add(ctx, 1, metric.WithAttributes(Attr("op", op)))
}

// RecordAnalyzerRequest records one analyzer model call that took seconds.
func (m *Metrics) RecordAnalyzerRequest(ctx context.Context, kind, model, status string, seconds float64) {
	m.AnalyzerDuration.Record(ctx, seconds, metric.WithAttributes(Attr("kind", kind), Attr("model", model)))
	m.AnalyzerRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("kind", kind), Attr("model", model), Attr("status", status)))
}

// RecordBreakerTransition records a model's breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, model, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("model", model), Attr("to", to)))
}
