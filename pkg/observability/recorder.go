package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordValidationRetry(ctx context.Context, operation string)
	RecordFallbackSwitch(ctx context.Context, role string)
	RecordStep(ctx context.Context, taskType string, duration time.Duration, err error)
}

type PrometheusMetrics struct {
	llmDuration     metric.Float64Histogram
	llmCallsTotal   metric.Int64Counter
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	validationRetries metric.Int64Counter
	fallbackSwitches  metric.Int64Counter

	stepDuration metric.Float64Histogram
	stepFailures metric.Int64Counter
}

func NewPrometheusMetrics(
	llmDuration metric.Float64Histogram,
	llmCallsTotal metric.Int64Counter,
	llmInputTokens metric.Int64Counter,
	llmOutputTokens metric.Int64Counter,
	llmErrorsTotal metric.Int64Counter,
	toolDuration metric.Float64Histogram,
	toolCallsTotal metric.Int64Counter,
	toolErrorsTotal metric.Int64Counter,
	validationRetries metric.Int64Counter,
	fallbackSwitches metric.Int64Counter,
	stepDuration metric.Float64Histogram,
	stepFailures metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		llmDuration:       llmDuration,
		llmCallsTotal:     llmCallsTotal,
		llmInputTokens:    llmInputTokens,
		llmOutputTokens:   llmOutputTokens,
		llmErrorsTotal:    llmErrorsTotal,
		toolDuration:      toolDuration,
		toolCallsTotal:    toolCallsTotal,
		toolErrorsTotal:   toolErrorsTotal,
		validationRetries: validationRetries,
		fallbackSwitches:  fallbackSwitches,
		stepDuration:      stepDuration,
		stepFailures:      stepFailures,
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil || m.llmCallsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if inputTokens > 0 && m.llmInputTokens != nil {
		m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	}
	if outputTokens > 0 && m.llmOutputTokens != nil {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))
	}

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil || m.toolCallsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.toolErrorsTotal != nil {
		m.toolErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordValidationRetry(ctx context.Context, operation string) {
	if m == nil || m.validationRetries == nil {
		return
	}
	m.validationRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *PrometheusMetrics) RecordFallbackSwitch(ctx context.Context, role string) {
	if m == nil || m.fallbackSwitches == nil {
		return
	}
	m.fallbackSwitches.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *PrometheusMetrics) RecordStep(ctx context.Context, taskType string, duration time.Duration, err error) {
	if m == nil || m.stepDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("task_type", taskType),
	}

	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil && m.stepFailures != nil {
		m.stepFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
