package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all gateway metric instruments.
type Metrics struct {
	meter metric.Meter

	// Provider metrics
	ProviderCalls    metric.Int64Counter
	ProviderDuration metric.Float64Histogram
	CircuitState     metric.Int64Gauge

	// Cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Executor metrics
	Retries             metric.Int64Counter
	DegradedActivations metric.Int64Counter
	ExhaustedRequests   metric.Int64Counter

	// HA metrics
	SyncEvents      metric.Int64Counter
	HeartbeatMisses metric.Int64Counter
	Promotions      metric.Int64Counter

	exporter *prometheus.Exporter
}

// NewMetrics creates the metric instruments. When disabled every recording
// method is a no-op, so callers never nil-check individual instruments.
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}
	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	m.ProviderCalls, err = m.meter.Int64Counter(
		"gateway.provider.calls",
		metric.WithDescription("Total upstream provider calls"),
	)
	if err != nil {
		return err
	}

	m.ProviderDuration, err = m.meter.Float64Histogram(
		"gateway.provider.duration",
		metric.WithDescription("Upstream provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.CircuitState, err = m.meter.Int64Gauge(
		"gateway.provider.circuit_state",
		metric.WithDescription("Provider circuit state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return err
	}

	m.CacheHits, err = m.meter.Int64Counter(
		"gateway.cache.hits",
		metric.WithDescription("Cache lookups served from the store"),
	)
	if err != nil {
		return err
	}

	m.CacheMisses, err = m.meter.Int64Counter(
		"gateway.cache.misses",
		metric.WithDescription("Cache lookups that required a provider fill"),
	)
	if err != nil {
		return err
	}

	m.Retries, err = m.meter.Int64Counter(
		"gateway.executor.retries",
		metric.WithDescription("Request attempts beyond the first, across the pool"),
	)
	if err != nil {
		return err
	}

	m.DegradedActivations, err = m.meter.Int64Counter(
		"gateway.executor.degraded_activations",
		metric.WithDescription("Times selection failed open with no eligible provider"),
	)
	if err != nil {
		return err
	}

	m.ExhaustedRequests, err = m.meter.Int64Counter(
		"gateway.executor.exhausted",
		metric.WithDescription("Requests that failed after exhausting all attempts"),
	)
	if err != nil {
		return err
	}

	m.SyncEvents, err = m.meter.Int64Counter(
		"gateway.ha.sync_events",
		metric.WithDescription("HA sync events by outcome (published/applied/dropped)"),
	)
	if err != nil {
		return err
	}

	m.HeartbeatMisses, err = m.meter.Int64Counter(
		"gateway.ha.heartbeat_misses",
		metric.WithDescription("Missed active heartbeats observed by the standby"),
	)
	if err != nil {
		return err
	}

	m.Promotions, err = m.meter.Int64Counter(
		"gateway.ha.promotions",
		metric.WithDescription("Standby-to-active promotions"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordProviderCall records one upstream call with its outcome and latency.
func (m *Metrics) RecordProviderCall(ctx context.Context, providerID, method, status string, duration time.Duration) {
	if m.ProviderCalls == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", providerID),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.ProviderCalls.Add(ctx, 1, attrs)
	m.ProviderDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// SetCircuitState records a provider's circuit state.
func (m *Metrics) SetCircuitState(ctx context.Context, providerID string, state int64) {
	if m.CircuitState == nil {
		return
	}
	m.CircuitState.Record(ctx, state, metric.WithAttributes(attribute.String("provider", providerID)))
}

// RecordCacheHit counts a lookup served from the store.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m.CacheHits == nil {
		return
	}
	m.CacheHits.Add(ctx, 1)
}

// RecordCacheMiss counts a lookup that required a fill.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m.CacheMisses == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// RecordRetry counts a retry attempt for a method.
func (m *Metrics) RecordRetry(ctx context.Context, method string) {
	if m.Retries == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordDegradedActivation counts a fail-open selection.
func (m *Metrics) RecordDegradedActivation(ctx context.Context) {
	if m.DegradedActivations == nil {
		return
	}
	m.DegradedActivations.Add(ctx, 1)
}

// RecordExhausted counts a request that ran out of attempts.
func (m *Metrics) RecordExhausted(ctx context.Context, method string) {
	if m.ExhaustedRequests == nil {
		return
	}
	m.ExhaustedRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordSyncEvent counts an HA sync event by outcome.
func (m *Metrics) RecordSyncEvent(ctx context.Context, outcome string) {
	if m.SyncEvents == nil {
		return
	}
	m.SyncEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordHeartbeatMiss counts a missed-heartbeat detection.
func (m *Metrics) RecordHeartbeatMiss(ctx context.Context) {
	if m.HeartbeatMisses == nil {
		return
	}
	m.HeartbeatMisses.Add(ctx, 1)
}

// RecordPromotion counts a standby promotion.
func (m *Metrics) RecordPromotion(ctx context.Context) {
	if m.Promotions == nil {
		return
	}
	m.Promotions.Add(ctx, 1)
}

// Handler returns the Prometheus scrape handler, or nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if m.exporter == nil {
		return nil
	}
	return promhttp.Handler()
}
