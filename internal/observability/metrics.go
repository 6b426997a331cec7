package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/platformsec/session-lifecycle-service/internal/config"
)

type AppMetrics struct {
	sessionOpCounter metric.Int64Counter
	cacheOpCounter   metric.Int64Counter
	repoOpCounter    metric.Int64Counter
	requestDuration  metric.Float64Histogram
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("session-lifecycle-service")
	sessionOps, err := meter.Int64Counter("session.operations")
	if err != nil {
		return nil, err
	}
	cacheOps, err := meter.Int64Counter("session.cache.operations")
	if err != nil {
		return nil, err
	}
	repoOps, err := meter.Int64Counter("session.repository.operations")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("session_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMetrics = &AppMetrics{
		sessionOpCounter: sessionOps,
		cacheOpCounter:   cacheOps,
		repoOpCounter:    repoOps,
		requestDuration:  duration,
	}
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

// RecordSessionOperation counts manager-level outcomes: op is one of
// create/validate/refresh/revoke/revoke_user, status the outcome class.
func RecordSessionOperation(ctx context.Context, op, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status),
	))
}

// RecordCacheLookup counts cache-tier outcomes (hit/miss/error) per op.
func RecordCacheLookup(ctx context.Context, op, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.cacheOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func RecordRepositoryOperation(ctx context.Context, entity, op, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.repoOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func RecordRequestDuration(ctx context.Context, route, method string, status int, seconds float64) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.requestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}
