// Package fabula wires the story-orchestration core together: the SQLite
// catalog, the chat bridge, validation with fallback, the step engine, and
// the evaluation passes. Import the subpackages directly for finer control:
//
//	import (
//	    "github.com/fabulist/fabula/pkg/engine"
//	    "github.com/fabulist/fabula/pkg/llm"
//	    "github.com/fabulist/fabula/pkg/store"
//	)
package fabula

import (
	"context"
	"fmt"
	"os"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/engine"
	"github.com/fabulist/fabula/pkg/eval"
	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/observability"
	"github.com/fabulist/fabula/pkg/store"
	"github.com/fabulist/fabula/pkg/tools"
	"github.com/fabulist/fabula/pkg/validation"
)

// Runtime is a fully wired orchestration core.
type Runtime struct {
	Config    *config.Config
	Store     *store.Store
	Logs      *store.ResponseLogWriter
	Tools     *tools.Registry
	Validator *validation.Validator
	Engine    *engine.Engine
	Evaluator *eval.Evaluator

	closers []func()
}

// Option adjusts runtime wiring before the components are built.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	checkerModel string
	rules        []validation.Rule
	bridgeOpts   []llm.BridgeOption
}

// WithChecker enables the LLM judge on the named configured model, citing the
// given rules.
func WithChecker(model string, rules []validation.Rule) Option {
	return func(o *runtimeOptions) {
		o.checkerModel = model
		o.rules = rules
	}
}

// WithBridgeOptions appends options to every bridge the engine builds.
func WithBridgeOptions(opts ...llm.BridgeOption) Option {
	return func(o *runtimeOptions) {
		o.bridgeOpts = append(o.bridgeOpts, opts...)
	}
}

// NewFromFile loads the configuration file and builds a runtime.
func NewFromFile(ctx context.Context, path string, opts ...Option) (*Runtime, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// New builds a runtime from an already validated configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	var ro runtimeOptions
	for _, opt := range opts {
		opt(&ro)
	}

	rt := &Runtime{Config: cfg}

	level, _ := logger.ParseLevel(cfg.Logging.Level)
	output := os.Stderr
	if cfg.Logging.File != "" {
		file, closeFile, err := logger.OpenLogFile(cfg.Logging.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		rt.closers = append(rt.closers, closeFile)
	}
	logger.Init(level, output, cfg.Logging.Format)

	metrics, err := observability.InitMetrics(ctx, cfg.Metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}
	observability.SetGlobalMetrics(metrics)

	stopMetrics, err := observability.StartMetricsServer(cfg.Metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, stopMetrics)

	if _, err := observability.InitGlobalTracer(ctx, cfg.Tracing); err != nil {
		rt.Close()
		return nil, err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = st
	rt.closers = append(rt.closers, func() { _ = st.Close() })

	rt.Logs = st.NewResponseLogWriter()
	rt.Tools = tools.NewRegistry()

	vopts := []validation.ValidatorOption{
		validation.WithFallback(validation.NewFallbackController(st, cfg.Models)),
	}
	if ro.checkerModel != "" {
		checkerBridge, err := rt.Bridge(ro.checkerModel)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("checker model: %w", err)
		}
		vopts = append(vopts, validation.WithChecker(validation.NewChecker(checkerBridge, ro.rules)))
	}
	rt.Validator = validation.NewValidator(&cfg.Validation, st, rt.Logs, vopts...)

	bridgeOpts := append([]llm.BridgeOption{
		llm.WithLogWriter(rt.Logs),
		llm.WithUsageRecorder(st),
	}, ro.bridgeOpts...)
	rt.Engine = engine.NewEngine(st, rt.Validator, rt.Tools, cfg, bridgeOpts...)
	rt.Evaluator = eval.NewEvaluator(st, rt.Validator)

	return rt, nil
}

// Bridge builds a bridge for a configured model, sharing the runtime's
// response log and usage accounting.
func (rt *Runtime) Bridge(model string) (*llm.Bridge, error) {
	ep, ok := rt.Config.Models[model]
	if !ok || ep == nil {
		for _, candidate := range rt.Config.Models {
			if candidate != nil && candidate.Name == model {
				ep = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("model '%s' is not configured", model)
	}
	opts := []llm.BridgeOption{llm.WithUsageRecorder(rt.Store)}
	if rt.Logs != nil {
		opts = append(opts, llm.WithLogWriter(rt.Logs))
	}
	return llm.NewBridge(ep, opts...), nil
}

// Close releases the runtime's resources in reverse acquisition order.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
