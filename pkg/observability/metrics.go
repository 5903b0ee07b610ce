// Package observability exposes Prometheus-exported OTel metrics and trace
// helpers for the orchestration core. All recorders are nil-safe so callers
// never need to guard on whether metrics were initialized.
package observability

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// StartMetricsServer exposes the Prometheus scrape endpoint on the configured
// port. The exporter registers against the default registry, so promhttp's
// default handler serves everything InitMetrics created. The returned function
// stops the server; it is a no-op when metrics are disabled or no port is set.
func StartMetricsServer(cfg MetricsConfig) (func(), error) {
	if !cfg.Enabled || cfg.Port <= 0 {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics port %d: %w", cfg.Port, err)
	}

	go func() { _ = srv.Serve(ln) }()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("fabula")

	llmDuration, err := meter.Float64Histogram(
		"fabula_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmCalls, err := meter.Int64Counter(
		"fabula_llm_calls_total",
		metric.WithDescription("Total LLM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm calls counter: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"fabula_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"fabula_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"fabula_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"fabula_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"fabula_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"fabula_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	validationRetries, err := meter.Int64Counter(
		"fabula_validation_retries_total",
		metric.WithDescription("Total validation-driven retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation retries counter: %w", err)
	}

	fallbackSwitches, err := meter.Int64Counter(
		"fabula_fallback_switches_total",
		metric.WithDescription("Total fallback model switches"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback switches counter: %w", err)
	}

	stepDuration, err := meter.Float64Histogram(
		"fabula_step_duration_seconds",
		metric.WithDescription("Task step duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	stepFailures, err := meter.Int64Counter(
		"fabula_step_failures_total",
		metric.WithDescription("Total failed task steps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create step failures counter: %w", err)
	}

	return NewPrometheusMetrics(
		llmDuration,
		llmCalls,
		llmInputTokens,
		llmOutputTokens,
		llmErrors,
		toolDuration,
		toolCalls,
		toolErrors,
		validationRetries,
		fallbackSwitches,
		stepDuration,
		stepFailures,
	), nil
}
