package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/query-gate/querygate/internal/domain/outcome"
	"github.com/query-gate/querygate/internal/telemetry"
)

// StatsService tracks runtime statistics with lock-free atomic counters and
// mirrors them onto the Prometheus and OTel instruments. All operations are
// safe for concurrent use.
type StatsService struct {
	allowed atomic.Int64
	denied  atomic.Int64
	errors  atomic.Int64

	mu             sync.Mutex
	categoryCounts map[outcome.Category]int64
	toolCounts     map[string]int64

	metrics *telemetry.Metrics

	otelRequests metric.Int64Counter
	otelDenials  metric.Int64Counter
}

// NewStatsService creates a StatsService. metrics may be nil in tests;
// meter instruments fall back to no-ops on creation failure.
func NewStatsService(metrics *telemetry.Metrics, meter metric.Meter) *StatsService {
	s := &StatsService{
		categoryCounts: make(map[outcome.Category]int64),
		toolCounts:     make(map[string]int64),
		metrics:        metrics,
	}
	if meter != nil {
		s.otelRequests, _ = meter.Int64Counter("querygate.requests",
			metric.WithDescription("Tool calls processed"))
		s.otelDenials, _ = meter.Int64Counter("querygate.denials",
			metric.WithDescription("Denied tool calls"))
	}
	return s
}

// RecordAllow records a successful tool call.
func (s *StatsService) RecordAllow(tool string, duration time.Duration) {
	s.allowed.Add(1)
	s.mu.Lock()
	s.toolCounts[tool]++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(tool, "success").Inc()
		s.metrics.RequestDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
	if s.otelRequests != nil {
		s.otelRequests.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("outcome", "success"),
			))
	}
}

// RecordDeny records a denied tool call with its category.
func (s *StatsService) RecordDeny(tool string, category outcome.Category) {
	s.denied.Add(1)
	s.mu.Lock()
	s.categoryCounts[category]++
	s.toolCounts[tool]++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(tool, "denied").Inc()
		s.metrics.DenialsTotal.WithLabelValues(string(category)).Inc()
	}
	if s.otelRequests != nil {
		s.otelRequests.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("outcome", "denied"),
			))
	}
	if s.otelDenials != nil {
		s.otelDenials.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("category", string(category))))
	}
}

// RecordError records an internal error outside the denial categories.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

// RecordValidatorReject records a static validator rejection reason.
func (s *StatsService) RecordValidatorReject(reason string) {
	if s.metrics != nil {
		s.metrics.ValidatorRejects.WithLabelValues(reason).Inc()
	}
}

// RecordRuleEvaluation records a guard rule evaluation result.
func (s *StatsService) RecordRuleEvaluation(denied bool) {
	if s.metrics == nil {
		return
	}
	result := "pass"
	if denied {
		result = "deny"
	}
	s.metrics.RuleEvaluations.WithLabelValues(result).Inc()
}

// SetInflight updates the concurrency slot gauge.
func (s *StatsService) SetInflight(n int) {
	if s.metrics != nil {
		s.metrics.InflightRequests.Set(float64(n))
	}
}

// SetAuditDepth updates the audit channel depth gauge.
func (s *StatsService) SetAuditDepth(n int) {
	if s.metrics != nil {
		s.metrics.AuditChannelDepth.Set(float64(n))
	}
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed        int64            `json:"allowed"`
	Denied         int64            `json:"denied"`
	Errors         int64            `json:"errors"`
	CategoryCounts map[string]int64 `json:"category_counts"`
	ToolCounts     map[string]int64 `json:"tool_counts"`
}

// GetStats returns a snapshot of all counters. The snapshot is consistent
// per-counter but not atomically across counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	cc := make(map[string]int64, len(s.categoryCounts))
	for k, v := range s.categoryCounts {
		cc[string(k)] = v
	}
	tc := make(map[string]int64, len(s.toolCounts))
	for k, v := range s.toolCounts {
		tc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:        s.allowed.Load(),
		Denied:         s.denied.Load(),
		Errors:         s.errors.Load(),
		CategoryCounts: cc,
		ToolCounts:     tc,
	}
}
