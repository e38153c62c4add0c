// Package telemetry wires the process metrics: a Prometheus registry for
// counter state and an OpenTelemetry periodic exporter that prints metric
// snapshots to stderr. Stdout is reserved for the JSON-RPC stream, so every
// telemetry surface writes to stderr.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the Prometheus metrics for the gate. Pass to components that
// need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	DenialsTotal      *prometheus.CounterVec
	RuleEvaluations   *prometheus.CounterVec
	InflightRequests  prometheus.Gauge
	AuditChannelDepth prometheus.Gauge
	ValidatorRejects  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querygate",
				Name:      "requests_total",
				Help:      "Total number of tool calls processed",
			},
			[]string{"tool", "outcome"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "querygate",
				Name:      "request_duration_seconds",
				Help:      "Tool call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		DenialsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querygate",
				Name:      "denials_total",
				Help:      "Total denials by category",
			},
			[]string{"category"},
		),
		RuleEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querygate",
				Name:      "rule_evaluations_total",
				Help:      "Total guard rule evaluations",
			},
			[]string{"result"},
		),
		InflightRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "querygate",
				Name:      "inflight_requests",
				Help:      "Tool calls currently holding a concurrency slot",
			},
		),
		AuditChannelDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "querygate",
				Name:      "audit_channel_depth",
				Help:      "Queued audit events awaiting flush",
			},
		),
		ValidatorRejects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querygate",
				Name:      "validator_rejects_total",
				Help:      "Static SQL validator rejections by reason",
			},
			[]string{"reason"},
		),
	}
}

// Provider bundles the OTel meter provider with its shutdown hook.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// NewProvider creates a meter provider exporting periodic snapshots to
// stderr. interval <= 0 disables periodic export entirely and returns a
// no-op provider.
func NewProvider(interval time.Duration) (*Provider, error) {
	if interval <= 0 {
		return &Provider{}, nil
	}

	exporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(os.Stderr),
	)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(interval),
			),
		),
	)

	return &Provider{meterProvider: mp}, nil
}

// Meter returns a meter for the given instrumentation name, or a no-op meter
// when periodic export is disabled.
func (p *Provider) Meter(name string) metric.Meter {
	if p.meterProvider == nil {
		return noopMeter(name)
	}
	return p.meterProvider.Meter(name)
}

// Shutdown flushes pending metric data.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// noopMeter returns a meter whose instruments record nothing.
func noopMeter(name string) metric.Meter {
	return sdkmetric.NewMeterProvider().Meter(name)
}
