// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RequestDuration tracks end-to-end chat request latency. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.Bool("stream", ...)
	RequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Fallbacks counts fallback attempts past the first provider. Use with
	// attribute: attribute.String("provider", ...)
	Fallbacks metric.Int64Counter

	// RateLimitHits counts RATE_LIMIT classified failures per provider.
	RateLimitHits metric.Int64Counter

	// TokensProcessed counts total tokens reported by providers.
	TokensProcessed metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("code", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live chat sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM completion latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("parley.request.duration",
		metric.WithDescription("End-to-end chat request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("parley.fallbacks",
		metric.WithDescription("Total fallback attempts past the first provider."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitHits, err = m.Int64Counter("parley.rate_limit.hits",
		metric.WithDescription("Total rate-limit rejections by provider."),
	); err != nil {
		return nil, err
	}
	if met.TokensProcessed, err = m.Int64Counter("parley.tokens.processed",
		metric.WithDescription("Total tokens reported by providers."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and error code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live chat sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordRequest records one completed chat attempt: the request counter, the
// latency histogram, and on success the token counter. Safe to call on a nil
// receiver (no-op) so callers without telemetry wired stay simple.
func (m *Metrics) RecordRequest(ctx context.Context, provider string, stream bool, dur time.Duration, tokens int, errCode string) {
	if m == nil {
		return
	}
	status := "ok"
	if errCode != "" {
		status = "error"
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.RequestDuration.Record(ctx, dur.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.Bool("stream", stream),
		),
	)
	if errCode != "" {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("code", errCode),
			),
		)
		return
	}
	if tokens > 0 {
		m.TokensProcessed.Add(ctx, int64(tokens),
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
}

// RecordFallback records one fallback attempt to the named provider.
func (m *Metrics) RecordFallback(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordRateLimitHit records one rate-limit rejection for a provider.
func (m *Metrics) RecordRateLimitHit(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.RateLimitHits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
