// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, tracing helpers, and structured logging glue.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from a /metrics endpoint when the binary runs under a supervisor.
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/sblumenf/podcastknowledge-sub012"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ParseDuration tracks WebVTT parse latency.
	ParseDuration metric.Float64Histogram

	// SpeakerDuration tracks speaker identification latency.
	SpeakerDuration metric.Float64Histogram

	// SegmentDuration tracks unit segmentation latency.
	SegmentDuration metric.Float64Histogram

	// ExtractDuration tracks per-unit knowledge extraction latency.
	ExtractDuration metric.Float64Histogram

	// EmbedDuration tracks embedding batch latency.
	EmbedDuration metric.Float64Histogram

	// WriteDuration tracks per-unit graph transaction latency.
	WriteDuration metric.Float64Histogram

	// --- Counters ---

	// LLMRequests counts LLM API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// LLMErrors counts LLM errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	LLMErrors metric.Int64Counter

	// KeyRotations counts API key rotations caused by exhausted or
	// throttled keys. Use with attribute: attribute.String("reason", ...).
	KeyRotations metric.Int64Counter

	// UnitOutcomes counts processed units by terminal outcome. Use with
	// attribute: attribute.String("outcome", ...), one of "ok",
	// "extraction_failed", or "skipped".
	UnitOutcomes metric.Int64Counter

	// EpisodesProcessed counts finished episodes by status. Use with
	// attribute: attribute.String("status", ...).
	EpisodesProcessed metric.Int64Counter

	// --- Gauges ---

	// ActiveExtractions tracks in-flight extraction workers.
	ActiveExtractions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Extraction
// calls routinely run tens of seconds, so the upper buckets stretch well past
// the sub-second range the fast stages occupy.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.ParseDuration, "podcastknowledge.parse.duration", "Latency of WebVTT parsing."},
		{&met.SpeakerDuration, "podcastknowledge.speaker.duration", "Latency of speaker identification."},
		{&met.SegmentDuration, "podcastknowledge.segment.duration", "Latency of unit segmentation."},
		{&met.ExtractDuration, "podcastknowledge.extract.duration", "Latency of per-unit knowledge extraction."},
		{&met.EmbedDuration, "podcastknowledge.embed.duration", "Latency of embedding batches."},
		{&met.WriteDuration, "podcastknowledge.write.duration", "Latency of per-unit graph transactions."},
	}
	for _, h := range histograms {
		hist, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = hist
	}

	var err error
	if met.LLMRequests, err = m.Int64Counter("podcastknowledge.llm.requests",
		metric.WithDescription("Total LLM API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMErrors, err = m.Int64Counter("podcastknowledge.llm.errors",
		metric.WithDescription("Total LLM errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.KeyRotations, err = m.Int64Counter("podcastknowledge.key.rotations",
		metric.WithDescription("Total API key rotations due to exhausted or throttled keys."),
	); err != nil {
		return nil, err
	}
	if met.UnitOutcomes, err = m.Int64Counter("podcastknowledge.unit.outcomes",
		metric.WithDescription("Total processed units by terminal outcome."),
	); err != nil {
		return nil, err
	}
	if met.EpisodesProcessed, err = m.Int64Counter("podcastknowledge.episodes.processed",
		metric.WithDescription("Total finished episodes by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveExtractions, err = m.Int64UpDownCounter("podcastknowledge.active_extractions",
		metric.WithDescription("Number of in-flight extraction workers."),
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

// RecordLLMRequest records one LLM request with the standard attribute set.
func (m *Metrics) RecordLLMRequest(ctx context.Context, provider, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordLLMError records one LLM error with the standard attribute set.
func (m *Metrics) RecordLLMError(ctx context.Context, provider, kind string) {
	m.LLMErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordKeyRotation records one key rotation with its trigger ("exhausted"
// or "cooldown").
func (m *Metrics) RecordKeyRotation(ctx context.Context, reason string) {
	m.KeyRotations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordUnitOutcome records a unit's terminal outcome.
func (m *Metrics) RecordUnitOutcome(ctx context.Context, outcome string) {
	m.UnitOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordEpisode records a finished episode by status.
func (m *Metrics) RecordEpisode(ctx context.Context, status string) {
	m.EpisodesProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
