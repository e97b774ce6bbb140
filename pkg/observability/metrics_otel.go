package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the decision metrics as OpenTelemetry instruments
type OTelMetrics struct {
	decisions          metric.Int64Counter
	resolutionDuration metric.Float64Histogram
	resolutionErrors   metric.Int64Counter
	cacheLookups       metric.Int64Counter
	cacheErrors        metric.Int64Counter
	invalidations      metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithMeter(otel.Meter("github.com/platinummonkey/entitle"))
}

// NewOTelMetricsWithMeter creates instruments on meter
func NewOTelMetricsWithMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"rbac.decisions",
		metric.WithDescription("Permission checks by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.resolutionDuration, err = meter.Float64Histogram(
		"rbac.resolution.duration",
		metric.WithDescription("Time spent resolving a principal"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution duration histogram: %w", err)
	}

	m.resolutionErrors, err = meter.Int64Counter(
		"rbac.resolution.errors",
		metric.WithDescription("Failed resolutions by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution errors counter: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"rbac.cache.lookups",
		metric.WithDescription("Decision cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	m.cacheErrors, err = meter.Int64Counter(
		"rbac.cache.errors",
		metric.WithDescription("Decision cache failures by operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache errors counter: %w", err)
	}

	m.invalidations, err = meter.Int64Counter(
		"rbac.cache.invalidations",
		metric.WithDescription("Cache invalidations by scope"),
		metric.WithUnit("{invalidation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invalidations counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) RecordDecision(ctx context.Context, outcome string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *OTelMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *OTelMetrics) RecordCacheError(ctx context.Context, op string) {
	m.cacheErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (m *OTelMetrics) RecordResolution(ctx context.Context, duration time.Duration, err error) {
	m.resolutionDuration.Record(ctx, duration.Seconds())
	if err != nil {
		m.resolutionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", errorKind(err))))
	}
}

func (m *OTelMetrics) RecordInvalidation(ctx context.Context, scope string) {
	m.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}
