package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/eval"
	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/observability"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
	"github.com/fabulist/fabula/pkg/store"
	"github.com/fabulist/fabula/pkg/tools"
	"github.com/fabulist/fabula/pkg/validation"
)

var (
	// ErrExecutionRunning is returned when Run is called on an execution
	// already being driven by this process.
	ErrExecutionRunning = errors.New("execution is already running")

	// ErrNotRunnable is returned when the execution's status does not allow
	// starting or resuming it.
	ErrNotRunnable = errors.New("execution is not in a runnable state")
)

// Engine drives task executions step by step: template parsing, placeholder
// interpolation, validated bridge calls with the tool sub-loop, persistence
// of every step, and the final output merge.
type Engine struct {
	store      *store.Store
	validator  *validation.Validator
	tools      *tools.Registry
	cfg        *config.Config
	bridgeOpts []llm.BridgeOption

	sem     chan struct{}
	mu      sync.Mutex
	running map[int64]*execHandle
	log     *slog.Logger
}

// execHandle controls one in-flight execution.
type execHandle struct {
	cancel context.CancelFunc
	pause  atomic.Bool
}

func NewEngine(st *store.Store, v *validation.Validator, reg *tools.Registry, cfg *config.Config, bridgeOpts ...llm.BridgeOption) *Engine {
	return &Engine{
		store:      st,
		validator:  v,
		tools:      reg,
		cfg:        cfg,
		bridgeOpts: bridgeOpts,
		sem:        make(chan struct{}, cfg.Engine.MaxConcurrentExecutions),
		running:    make(map[int64]*execHandle),
		log:        logger.WithComponent("engine"),
	}
}

// executionConfig is the JSON persisted in the execution's config column.
type executionConfig struct {
	Template string `json:"template"`
}

// StartRequest describes a new execution.
type StartRequest struct {
	TaskType       string
	Template       string
	EntityID       int64 // 0 when the execution has no backing entity
	InitialContext string
	ExecutorAgent  string // optional, overrides the task type's default role
}

// Start validates the request against the catalog and persists a pending
// execution. At most one active execution may exist per (entity, task type);
// a second returns store.ErrActiveExecutionExists.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.TaskExecution, error) {
	taskType, err := e.store.GetTaskType(ctx, req.TaskType)
	if err != nil {
		return nil, err
	}
	tmpl, err := e.store.GetStepTemplateByName(ctx, req.Template)
	if err != nil {
		return nil, err
	}
	steps, err := ParseStepPrompt(tmpl.StepPrompt)
	if err != nil {
		return nil, fmt.Errorf("template '%s': %w", tmpl.Name, err)
	}

	var executorID sql.NullInt64
	if req.ExecutorAgent != "" {
		agent, err := e.store.GetAgentByName(ctx, req.ExecutorAgent)
		if err != nil {
			return nil, err
		}
		executorID = sql.NullInt64{Int64: agent.ID, Valid: true}
	}

	cfgJSON, err := json.Marshal(executionConfig{Template: tmpl.Name})
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution config: %w", err)
	}

	exec := &store.TaskExecution{
		TaskType:        taskType.Code,
		StepPrompt:      tmpl.StepPrompt,
		InitialContext:  req.InitialContext,
		MaxStep:         len(steps),
		Status:          store.StatusPending,
		ExecutorAgentID: executorID,
		Config:          string(cfgJSON),
	}
	if req.EntityID != 0 {
		exec.EntityID = sql.NullInt64{Int64: req.EntityID, Valid: true}
	}

	if _, err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.log.Info("execution created", "id", exec.ID, "task_type", exec.TaskType,
		"entity", req.EntityID, "steps", len(steps))
	return exec, nil
}

// Go runs the execution on a worker goroutine, bounded by the configured
// concurrency limit. The returned channel yields the terminal error.
func (e *Engine) Go(ctx context.Context, executionID int64) <-chan error {
	done := make(chan error, 1)
	go func() {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		done <- e.Run(ctx, executionID)
	}()
	return done
}

// Pause requests a pause after the current step completes. Returns false when
// the execution is not running in this process.
func (e *Engine) Pause(executionID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.running[executionID]
	if ok {
		h.pause.Store(true)
	}
	return ok
}

// Cancel aborts a running execution immediately; it is marked failed.
func (e *Engine) Cancel(executionID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.running[executionID]
	if ok {
		h.cancel()
	}
	return ok
}

func (e *Engine) register(executionID int64, cancel context.CancelFunc) (*execHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[executionID]; exists {
		return nil, ErrExecutionRunning
	}
	h := &execHandle{cancel: cancel}
	e.running[executionID] = h
	return h, nil
}

func (e *Engine) unregister(executionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, executionID)
}

// Run drives the execution from current_step+1 to its last step, then merges
// and persists the final output. Paused and pending executions resume at the
// step after the last completed one.
func (e *Engine) Run(ctx context.Context, executionID int64) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case store.StatusPending, store.StatusPaused:
	case store.StatusCompleted:
		return nil
	default:
		return fmt.Errorf("execution %d status '%s': %w", executionID, exec.Status, ErrNotRunnable)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle, err := e.register(executionID, cancel)
	if err != nil {
		return err
	}
	defer e.unregister(executionID)

	if err := e.store.UpdateExecutionStatus(ctx, executionID, store.StatusInProgress); err != nil {
		return err
	}

	runErr := e.drive(ctx, exec, handle)
	if runErr != nil && !errors.Is(runErr, errPausedInternal) {
		if serr := e.store.UpdateExecutionStatus(context.WithoutCancel(ctx), executionID, store.StatusFailed); serr != nil {
			e.log.Error("failed to mark execution failed", "id", executionID, "error", serr)
		}
		return runErr
	}
	return nil
}

// errPausedInternal signals a requested pause up the drive loop; it is never
// returned to callers.
var errPausedInternal = errors.New("execution paused")

func (e *Engine) drive(ctx context.Context, exec *store.TaskExecution, handle *execHandle) error {
	taskType, err := e.store.GetTaskType(ctx, exec.TaskType)
	if err != nil {
		return err
	}
	tmpl, err := e.loadTemplate(ctx, exec)
	if err != nil {
		return err
	}
	steps, err := ParseStepPrompt(exec.StepPrompt)
	if err != nil {
		return err
	}

	agent, err := e.resolveExecutor(ctx, exec, taskType)
	if err != nil {
		return err
	}
	bridge, err := e.bridgeForAgent(ctx, agent)
	if err != nil {
		return err
	}

	ip := newInterpolator(e.summaryFunc(e.summarizerBridge(ctx, bridge)))
	outputs, err := e.preloadOutputs(ctx, exec, ip)
	if err != nil {
		return err
	}

	baseScope := scope.New(taskType.Code)
	retryTotal := exec.RetryCount

	for n := exec.CurrentStep + 1; n <= len(steps); n++ {
		if handle.pause.Load() {
			if err := e.store.UpdateExecutionStatus(ctx, exec.ID, store.StatusPaused); err != nil {
				return err
			}
			e.log.Info("execution paused", "id", exec.ID, "next_step", n)
			return errPausedInternal
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		result, err := e.runStep(ctx, baseScope, exec, taskType, tmpl, agent, bridge, ip, steps, n)
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordStep(ctx, taskType.Code, time.Since(start), err)
		}
		if err != nil {
			e.saveStepRecord(ctx, exec.ID, n, result, start)
			return fmt.Errorf("step %d of execution %d: %w", n, exec.ID, err)
		}

		e.saveStepRecord(ctx, exec.ID, n, result, start)
		ip.setOutput(n, result.output)
		outputs = append(outputs, result.output)
		retryTotal += result.attempts - 1
		if err := e.store.AdvanceExecutionStep(ctx, exec.ID, n, retryTotal); err != nil {
			return err
		}

		if err := e.applyStepEffects(ctx, exec, tmpl, agent, bridge, n, result.output); err != nil {
			e.log.Warn("step side effect failed", "execution", exec.ID, "step", n, "error", err)
		}
	}

	if err := e.finalize(ctx, exec, taskType, tmpl, agent, bridge, outputs); err != nil {
		return err
	}
	if err := e.store.UpdateExecutionStatus(ctx, exec.ID, store.StatusCompleted); err != nil {
		return err
	}
	e.log.Info("execution completed", "id", exec.ID, "steps", len(steps), "retries", retryTotal)
	return nil
}

func (e *Engine) loadTemplate(ctx context.Context, exec *store.TaskExecution) (*store.StepTemplate, error) {
	var ec executionConfig
	if exec.Config != "" {
		if err := json.Unmarshal([]byte(exec.Config), &ec); err != nil {
			return nil, fmt.Errorf("execution %d config unreadable: %w", exec.ID, err)
		}
	}
	if ec.Template == "" {
		// Legacy executions without a template reference run with the step
		// prompt alone and no step metadata.
		return &store.StepTemplate{StepPrompt: exec.StepPrompt}, nil
	}
	return e.store.GetStepTemplateByName(ctx, ec.Template)
}

func (e *Engine) resolveExecutor(ctx context.Context, exec *store.TaskExecution, taskType *store.TaskType) (*store.Agent, error) {
	if exec.ExecutorAgentID.Valid {
		return e.store.GetAgent(ctx, exec.ExecutorAgentID.Int64)
	}
	return e.store.ResolveAgentByRole(ctx, taskType.DefaultExecutorRole)
}

// preloadOutputs rehydrates the interpolator from persisted steps so a
// resumed execution can reference its earlier outputs.
func (e *Engine) preloadOutputs(ctx context.Context, exec *store.TaskExecution, ip *interpolator) ([]string, error) {
	saved, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	var outputs []string
	for _, st := range saved {
		if st.StepNumber <= exec.CurrentStep {
			ip.setOutput(st.StepNumber, st.StepOutput)
			outputs = append(outputs, st.StepOutput)
		}
	}
	return outputs, nil
}

// stepResult carries one finished (or terminally failed) step.
type stepResult struct {
	instruction string
	output      string
	verdictJSON string
	attempts    int
}

func (e *Engine) runStep(ctx context.Context, baseScope scope.Scope, exec *store.TaskExecution, taskType *store.TaskType, tmpl *store.StepTemplate, agent *store.Agent, bridge *llm.Bridge, ip *interpolator, steps []string, n int) (*stepResult, error) {
	stepCtx := ctx
	if e.cfg.Engine.CallTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.cfg.Engine.CallTimeout)
		defer cancel()
	}

	sc := baseScope.
		WithOperation(fmt.Sprintf("%s/step_%d", taskType.Code, n)).
		WithAgent(agent.Name, taskType.DefaultExecutorRole)
	stepCtx = scope.WithScope(stepCtx, sc)

	instruction, err := ip.Interpolate(stepCtx, steps[n-1], n)
	if err != nil {
		return &stepResult{instruction: steps[n-1]}, err
	}

	user := instruction
	if n == 1 && exec.InitialContext != "" {
		user = exec.InitialContext + "\n\n" + instruction
	}

	conversation := []protocol.Message{
		protocol.SystemMessage(systemPrompt(agent)),
		protocol.UserMessage(user),
	}
	defs := e.toolDefinitions(bridge)

	result := &stepResult{instruction: instruction}
	minChars := minCharsFor(tmpl, n)
	maxAttempts := e.cfg.Validation.GlobalMaxRetries() + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := e.validator.CallWithValidation(stepCtx, bridge, conversation, defs)
		// The validator's in-place retries count toward the step's attempts.
		if res != nil {
			result.attempts += res.Attempts
		}
		var invalid *validation.ValidationInvalid
		if errors.As(err, &invalid) {
			result.verdictJSON = verdictJSON(false, resultModel(res, bridge), invalid.Verdict.Reason)
			return result, err
		}
		if err != nil {
			result.verdictJSON = verdictJSON(false, resultModel(res, bridge), err.Error())
			return result, err
		}
		env := res.Env

		if env.HasToolCalls() {
			loop, err := tools.RunLoop(stepCtx, e.validatedCall(bridge), e.tools, conversation, env, e.cfg.Engine.MaxToolIterations)
			if err != nil {
				result.verdictJSON = verdictJSON(false, env.Model, err.Error())
				return result, err
			}
			env = loop.Final
			conversation = loop.Messages
		}

		text := env.Text
		if minChars > 0 && len(text) < minChars {
			if attempt == maxAttempts {
				result.output = text
				result.verdictJSON = verdictJSON(false, env.Model,
					fmt.Sprintf("output is %d characters, at least %d required", len(text), minChars))
				return result, fmt.Errorf("output stayed under %d characters after %d attempts", minChars, result.attempts)
			}
			conversation = append(conversation,
				protocol.AssistantMessage(text),
				protocol.UserMessage(fmt.Sprintf(
					"The text is %d characters; at least %d are required. Continue and expand it without repeating yourself, then return the complete text.",
					len(text), minChars)))
			e.log.Info("step output too short, retrying",
				"execution", exec.ID, "step", n, "chars", len(text), "min", minChars)
			continue
		}

		result.output = text
		result.verdictJSON = verdictJSON(true, env.Model, "")
		return result, nil
	}

	// Unreachable: the loop always returns.
	return result, fmt.Errorf("step %d exhausted its attempts", n)
}

// validatedCall adapts the validator for the tool sub-loop.
func (e *Engine) validatedCall(bridge *llm.Bridge) tools.CallFunc {
	return func(ctx context.Context, messages []protocol.Message, defs []protocol.ToolDefinition) (*llm.ResponseEnvelope, error) {
		res, err := e.validator.CallWithValidation(ctx, bridge, messages, defs)
		if res == nil {
			return nil, err
		}
		return res.Env, err
	}
}

// resultModel names the model that produced the outcome, falling back to the
// bridge identity when no envelope came back.
func resultModel(res *validation.Outcome, bridge *llm.Bridge) string {
	if res != nil && res.Env != nil && res.Env.Model != "" {
		return res.Env.Model
	}
	return bridge.Model()
}

func (e *Engine) toolDefinitions(bridge *llm.Bridge) []protocol.ToolDefinition {
	if e.tools == nil || e.tools.Count() == 0 || bridge.Endpoint().NoTools {
		return nil
	}
	return e.tools.Definitions()
}

func (e *Engine) saveStepRecord(ctx context.Context, executionID int64, n int, result *stepResult, started time.Time) {
	if result == nil {
		return
	}
	st := &store.TaskExecutionStep{
		ExecutionID:      executionID,
		StepNumber:       n,
		StepInstruction:  result.instruction,
		StepOutput:       result.output,
		ValidationResult: result.verdictJSON,
		AttemptCount:     result.attempts,
		StartedAt:        started.UTC().Format(time.RFC3339),
		CompletedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := e.store.SaveStep(context.WithoutCancel(ctx), st); err != nil {
		e.log.Error("failed to save step", "execution", executionID, "step", n, "error", err)
	}
}

// applyStepEffects persists per-step artifacts onto the backing story.
func (e *Engine) applyStepEffects(ctx context.Context, exec *store.TaskExecution, tmpl *store.StepTemplate, agent *store.Agent, bridge *llm.Bridge, n int, output string) error {
	if !exec.EntityID.Valid {
		return nil
	}
	storyID := exec.EntityID.Int64

	if tmpl.CharactersStep == n {
		if err := e.store.SetStoryCharacters(ctx, storyID, output); err != nil {
			return err
		}
	}
	if tmpl.FullStoryStep == n {
		if err := e.store.UpdateStoryContent(ctx, storyID, output); err != nil {
			return err
		}
	}
	if containsInt(parseCSVInts(tmpl.EvaluationSteps), n) {
		if err := e.recordEvaluationStep(ctx, storyID, agent, bridge, output); err != nil {
			return err
		}
	}
	return nil
}

// recordEvaluationStep parses an evaluation step's output and persists it as a
// scored evaluation of the backing story.
func (e *Engine) recordEvaluationStep(ctx context.Context, storyID int64, agent *store.Agent, bridge *llm.Bridge, output string) error {
	parsed, err := eval.ParseEvaluation(output)
	if err != nil {
		return fmt.Errorf("evaluation step output: %w", err)
	}

	record := parsed.ToRecord(storyID)
	record.AgentID = sql.NullInt64{Int64: agent.ID, Valid: true}
	if model, merr := e.store.GetModelByName(ctx, bridge.Model()); merr == nil {
		record.ModelID = sql.NullInt64{Int64: model.ID, Valid: true}
	}

	_, inserted, err := e.store.InsertEvaluation(ctx, record)
	if err != nil {
		return err
	}
	if inserted {
		e.log.Info("evaluation step recorded", "story", storyID, "total", record.TotalScore)
	}
	return nil
}

// finalize merges step outputs and persists the execution's artifact onto the
// backing story, recording the creator model and agent.
func (e *Engine) finalize(ctx context.Context, exec *store.TaskExecution, taskType *store.TaskType, tmpl *store.StepTemplate, agent *store.Agent, bridge *llm.Bridge, outputs []string) error {
	if !exec.EntityID.Valid {
		return nil
	}
	storyID := exec.EntityID.Int64

	final, err := MergeOutputs(taskType.OutputMergeStrategy, outputs)
	if err != nil {
		return err
	}
	// A dedicated full-story step already wrote the assembled text.
	if tmpl.FullStoryStep == 0 && final != "" {
		if err := e.store.UpdateStoryContent(ctx, storyID, final); err != nil {
			return err
		}
	}

	var modelID int64
	if model, err := e.store.GetModelByName(ctx, bridge.Model()); err == nil {
		modelID = model.ID
	}
	if err := e.store.SetStoryCreator(ctx, storyID, modelID, agent.ID, false); err != nil {
		if errors.Is(err, store.ErrImmutableField) {
			e.log.Debug("story creator already set", "story", storyID)
			return nil
		}
		return err
	}
	return nil
}

// minCharsFor returns the minimum output length for a step, or 0 when none
// applies. Plot steps carry the trama minimum, the full-story step the story
// minimum.
func minCharsFor(tmpl *store.StepTemplate, n int) int {
	if containsInt(parseCSVInts(tmpl.TramaSteps), n) {
		return tmpl.MinCharsTrama
	}
	if tmpl.FullStoryStep == n {
		return tmpl.MinCharsStory
	}
	return 0
}

func systemPrompt(agent *store.Agent) string {
	if agent.Instructions == "" {
		return agent.Prompt
	}
	if agent.Prompt == "" {
		return agent.Instructions
	}
	return agent.Prompt + "\n\n" + agent.Instructions
}

// verdictJSON renders a step's persisted validation verdict. model names the
// responding model, which after a fallback is the adopted one.
func verdictJSON(valid bool, model, reason string) string {
	payload := map[string]any{"is_valid": valid, "reason": reason}
	if model != "" {
		payload["model"] = model
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// bridgeForAgent builds the bridge for an agent, resolving its model endpoint
// from the configuration map first, then the model catalog, and layering the
// agent's sampling overrides on top.
func (e *Engine) bridgeForAgent(ctx context.Context, agent *store.Agent) (*llm.Bridge, error) {
	if !agent.ModelID.Valid {
		return nil, fmt.Errorf("agent '%s' has no model assigned", agent.Name)
	}
	model, err := e.store.GetModel(ctx, agent.ModelID.Int64)
	if err != nil {
		return nil, err
	}

	endpoint, err := e.endpointForModel(model)
	if err != nil {
		return nil, err
	}
	ep := *endpoint
	ep.Params = endpoint.Params.Clone()
	applyAgentParams(&ep, agent)

	opts := append([]llm.BridgeOption{
		llm.WithTokenCosts(model.InputCost, model.OutputCost),
	}, e.bridgeOpts...)
	return llm.NewBridge(&ep, opts...), nil
}

func (e *Engine) endpointForModel(model *store.Model) (*config.ModelEndpoint, error) {
	for _, ep := range e.cfg.Models {
		if ep != nil && ep.Name == model.Name {
			return ep, nil
		}
	}
	if model.Endpoint == "" {
		return nil, fmt.Errorf("model '%s' has no configured endpoint", model.Name)
	}
	ep := &config.ModelEndpoint{
		Name:     model.Name,
		Provider: model.Provider,
		Endpoint: model.Endpoint,
		IsLocal:  model.IsLocal,
		NoTools:  model.NoTools,
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return ep, nil
}

// applyAgentParams overlays the agent's sampling overrides onto the endpoint.
func applyAgentParams(ep *config.ModelEndpoint, agent *store.Agent) {
	if agent.Temperature.Valid {
		v := agent.Temperature.Float64
		ep.Params.Temperature = &v
	}
	if agent.TopP.Valid {
		v := agent.TopP.Float64
		ep.Params.TopP = &v
	}
	if agent.RepeatPenalty.Valid {
		v := agent.RepeatPenalty.Float64
		ep.Params.RepeatPenalty = &v
	}
	if agent.TopK.Valid {
		v := int(agent.TopK.Int64)
		ep.Params.TopK = &v
	}
	if agent.RepeatLastN.Valid {
		v := int(agent.RepeatLastN.Int64)
		ep.Params.RepeatLastN = &v
	}
	if agent.NumPredict.Valid {
		v := int(agent.NumPredict.Int64)
		ep.Params.NumPredict = &v
	}
}

// summarizerBridge resolves the summarizer agent's bridge, falling back to
// the executor's bridge when no summarizer agent is configured.
func (e *Engine) summarizerBridge(ctx context.Context, executor *llm.Bridge) *llm.Bridge {
	agent, err := e.store.ResolveAgentByRole(ctx, SummarizerRole)
	if err != nil {
		return executor
	}
	bridge, err := e.bridgeForAgent(ctx, agent)
	if err != nil {
		e.log.Warn("summarizer bridge unavailable, using executor model", "error", err)
		return executor
	}
	return bridge
}
