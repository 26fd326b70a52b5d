// Package observe carries Lectern's telemetry: OpenTelemetry metrics
// exported for Prometheus scraping, tracing of voice runs and HTTP requests,
// and loggers tagged with the run they belong to.
//
// Components take a *[Metrics] and fall back to [DefaultMetrics]; tests build
// their own with [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/lectern"

// Metrics holds the instruments recorded by the pipeline, the providers and
// the HTTP server. Metric names are listed in [NewMetrics].
type Metrics struct {
	// ── stage latency, seconds ──

	STTDuration        metric.Float64Histogram
	// RetrievalDuration carries mode=bypass|hybrid.
	RetrievalDuration  metric.Float64Histogram
	LLMFirstToken      metric.Float64Histogram
	LLMDuration        metric.Float64Histogram
	TTSDuration        metric.Float64Histogram
	FirstAudioDuration metric.Float64Histogram

	// ── run accounting ──

	// Runs carries outcome=completed|cancelled|empty|error.
	Runs          metric.Int64Counter
	// Cancellations carries reason=client|barge_in|superseded.
	Cancellations metric.Int64Counter
	SkippedUnits  metric.Int64Counter

	// ── providers ──

	ProviderRequests   metric.Int64Counter
	ProviderErrors     metric.Int64Counter
	BreakerTransitions metric.Int64Counter

	// ── server ──

	// ActiveSessions is the number of open voice websockets.
	ActiveSessions      metric.Int64UpDownCounter
	// HTTPRequestDuration carries method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets spans a fast sentence synthesis up to a slow cold model load.
var stageBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.STTDuration, "lectern.stt.duration", "Transcription latency of one utterance."},
		{&m.RetrievalDuration, "lectern.retrieval.duration", "Latency of resolving the context of a query."},
		{&m.LLMFirstToken, "lectern.llm.first_token", "Time from request to the first generated text."},
		{&m.LLMDuration, "lectern.llm.duration", "Generation time of a whole answer."},
		{&m.TTSDuration, "lectern.tts.duration", "Synthesis latency of one sentence unit."},
		{&m.FirstAudioDuration, "lectern.first_audio.duration", "End of utterance to the first playable unit."},
	}
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(stageBuckets...),
		)
		if err != nil {
			return nil, fmt.Errorf("observe: %s: %w", h.name, err)
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Runs, "lectern.pipeline.runs", "Finished runs by outcome."},
		{&m.Cancellations, "lectern.pipeline.cancellations", "Cancelled runs by reason."},
		{&m.SkippedUnits, "lectern.pipeline.skipped_units", "Sentence units dropped after a synthesis failure."},
		{&m.ProviderRequests, "lectern.provider.requests", "Provider calls by provider, kind and status."},
		{&m.ProviderErrors, "lectern.provider.errors", "Failed provider calls by provider and kind."},
		{&m.BreakerTransitions, "lectern.breaker.transitions", "Circuit breaker state changes by breaker and target state."},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("observe: %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	if m.ActiveSessions, err = meter.Int64UpDownCounter("lectern.active_sessions",
		metric.WithDescription("Open voice websockets."),
	); err != nil {
		return nil, fmt.Errorf("observe: lectern.active_sessions: %w", err)
	}
	// Default buckets: websocket upgrades are excluded, REST calls are short.
	if m.HTTPRequestDuration, err = meter.Float64Histogram("lectern.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("observe: lectern.http.request.duration: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance on the global meter
// provider, created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call; status is ok, cancelled or
// error.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordRun(ctx context.Context, outcome string) {
	m.Runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordCancellation(ctx context.Context, reason string) {
	m.Cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition counts a breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("to", to),
	))
}
