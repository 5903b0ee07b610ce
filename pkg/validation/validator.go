package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/observability"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
	"github.com/fabulist/fabula/pkg/store"
)

// Validator wraps bridge calls with deterministic checks, the optional LLM
// judge, feedback-driven retries, and the fallback handoff. It stamps every
// response-log row with its verdict after the row is flushed.
type Validator struct {
	opts     *config.ValidationOptions
	store    *store.Store
	logs     *store.ResponseLogWriter
	checker  *Checker
	fallback *FallbackController
	log      *slog.Logger
}

type ValidatorOption func(*Validator)

// WithChecker installs the LLM judge used when a policy enables checking.
func WithChecker(c *Checker) ValidatorOption {
	return func(v *Validator) { v.checker = c }
}

// WithFallback installs the fallback controller.
func WithFallback(f *FallbackController) ValidatorOption {
	return func(v *Validator) { v.fallback = f }
}

func NewValidator(opts *config.ValidationOptions, st *store.Store, logs *store.ResponseLogWriter, vopts ...ValidatorOption) *Validator {
	v := &Validator{
		opts:  opts,
		store: st,
		logs:  logs,
		log:   logger.WithComponent("validator"),
	}
	for _, opt := range vopts {
		opt(v)
	}
	return v
}

// attemptOutcome carries one validated attempt through the loop.
type attemptOutcome struct {
	env         *llm.ResponseEnvelope
	verdict     *Verdict
	logID       int64
	attempts    int
	providerErr bool
}

// Outcome is the result of a validated call: the accepted envelope (or the
// last invalid one) and the CallOnce attempts consumed, fallback candidates
// included. Callers fold Attempts into their own step accounting.
type Outcome struct {
	Env      *llm.ResponseEnvelope
	Attempts int
}

// CallWithValidation performs a validated call on the bridge: retry in place
// with injected feedback while budget remains, then diagnose and fall back.
// An invalid response with no recovery path is returned alongside a
// *ValidationInvalid error so callers can decide what to keep.
func (v *Validator) CallWithValidation(ctx context.Context, bridge *llm.Bridge, messages []protocol.Message, tools []protocol.ToolDefinition) (*Outcome, error) {
	sc := scope.FromContext(ctx)
	policy := v.opts.Resolve(sc.OperationKey())

	// Skip-role passthrough: one call, no validation, no stamping.
	if sc.AgentRole != "" && v.opts.SkipRole(sc.AgentRole) {
		env, err := bridge.CallOnce(ctx, messages, tools)
		if err != nil {
			return nil, err
		}
		return &Outcome{Env: env, Attempts: 1}, nil
	}

	primaryModel := bridge.Model()
	outcome, err := v.runRetryLoop(ctx, bridge, messages, tools, policy)
	if err != nil {
		return nil, err
	}
	result := &Outcome{Env: outcome.env, Attempts: outcome.attempts}

	if outcome.verdict.IsValid {
		v.recordOutcome(ctx, sc.AgentRole, primaryModel, true)
		return result, nil
	}

	// Terminal failure of the primary.
	v.recordOutcome(ctx, sc.AgentRole, primaryModel, false)

	// A judge verdict of needs_retry=false hands the invalid response back to
	// the caller untouched. Diagnosis and fallback run only when the retry
	// budget ran out or the provider itself failed.
	if outcome.verdict.NeedsRetry || outcome.providerErr {
		if policy.AskFailureReason && !outcome.providerErr {
			v.diagnose(ctx, bridge, messages, outcome.verdict)
		}

		if policy.EnableFallback && sc.AgentRole != "" && v.fallback != nil {
			env, attempts, ferr := v.fallback.Run(ctx, v, bridge, sc.AgentRole, messages, tools, policy)
			result.Attempts += attempts
			if ferr != nil {
				v.log.Warn("fallback failed", "role", sc.AgentRole, "error", ferr)
			}
			if env != nil {
				result.Env = env
				return result, nil
			}
		}
	}

	return result, &ValidationInvalid{Verdict: outcome.verdict}
}

// runRetryLoop runs up to MaxRetries+1 attempts against one bridge,
// stamping each call's own response-log row and injecting feedback between
// attempts.
func (v *Validator) runRetryLoop(ctx context.Context, bridge *llm.Bridge, messages []protocol.Message, tools []protocol.ToolDefinition, policy config.ResolvedPolicy) (*attemptOutcome, error) {
	conversation := protocol.CloneMessages(messages)
	attempts := policy.MaxRetries + 1

	var outcome *attemptOutcome
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		env, callErr := bridge.CallOnce(ctx, conversation, tools)

		if err := v.flushLogs(ctx); err != nil {
			return nil, err
		}
		logID := responseLogID(env)

		if callErr != nil {
			// Provider-level failure ends the primary's attempts without
			// consuming the validation retry budget; tool rejection
			// surfaces so the caller can re-run without tools.
			v.stamp(ctx, logID, store.ResultFailed, callErr.Error())
			if errors.Is(callErr, llm.ErrModelRejectsTools) {
				return nil, callErr
			}
			return &attemptOutcome{
				env:         env,
				verdict:     invalidVerdict(callErr.Error(), false),
				logID:       logID,
				attempts:    attempt,
				providerErr: true,
			}, nil
		}

		verdict := v.validate(ctx, policy, env, conversation)
		outcome = &attemptOutcome{env: env, verdict: verdict, logID: logID, attempts: attempt}

		if verdict.IsValid {
			v.stamp(ctx, logID, store.ResultSuccess, "")
			return outcome, nil
		}

		v.stamp(ctx, logID, store.ResultFailed, verdict.Reason)

		if !verdict.NeedsRetry || attempt == attempts {
			return outcome, nil
		}

		conversation = append(conversation, feedbackMessage(attempt, verdict))
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordValidationRetry(ctx, policy.OperationKey)
		}
		v.log.Info("retrying after invalid response",
			"operation", policy.OperationKey, "attempt", attempt, "reason", verdict.Reason)
	}

	return outcome, nil
}

// validate runs the deterministic checks and, when they pass and the policy
// enables it, the LLM judge.
func (v *Validator) validate(ctx context.Context, policy config.ResolvedPolicy, env *llm.ResponseEnvelope, conversation []protocol.Message) *Verdict {
	verdict := deterministicCheck(policy.OperationKey, env, conversation)
	if !verdict.IsValid {
		return verdict
	}

	// Tool-call answers skip the judge; text is still pending.
	if env.HasToolCalls() {
		return verdict
	}

	if !policy.EnableChecker || v.checker == nil {
		return verdict
	}

	judged, err := v.checker.Check(ctx, checkerInstruction(conversation), env.Text, policy.RuleIDs)
	if err != nil {
		v.log.Warn("checker unavailable, accepting deterministic verdict", "error", err)
		return verdict
	}
	return judged
}

// checkerInstruction reassembles the original system and user instruction
// for the judge.
func checkerInstruction(conversation []protocol.Message) string {
	var system string
	for _, m := range conversation {
		if m.Role == protocol.RoleSystem {
			system = m.Content
			break
		}
	}
	user := protocol.LastUserContent(conversation)
	if system == "" {
		return user
	}
	return system + "\n\n" + user
}

func feedbackMessage(attempt int, verdict *Verdict) protocol.Message {
	if verdict.SystemMessageOverride != "" {
		return protocol.SystemMessage(verdict.SystemMessageOverride)
	}
	return protocol.SystemMessage(fmt.Sprintf("attempt %d: %s", attempt, verdict.Reason))
}

func (v *Validator) flushLogs(ctx context.Context) error {
	if v.logs == nil {
		return nil
	}
	if err := v.logs.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush response log: %w", err)
	}
	return nil
}

// responseLogID returns the id of the call's own log row, assigned by Flush.
// Zero when the call never appended one.
func responseLogID(env *llm.ResponseEnvelope) int64 {
	if env == nil || env.LogEntry == nil {
		return 0
	}
	return env.LogEntry.ID
}

// stamp closes the loop on the flushed response-log row. Log stamping is
// best-effort for rows that never existed (no log writer configured).
func (v *Validator) stamp(ctx context.Context, logID int64, result, failReason string) {
	if v.store == nil || logID == 0 {
		return
	}
	if err := v.store.StampResponseLog(ctx, logID, result, failReason); err != nil {
		v.log.Error("failed to stamp response log", "id", logID, "error", err)
	}
}

// recordOutcome books a success or failure for a model under a role.
func (v *Validator) recordOutcome(ctx context.Context, role, modelName string, success bool) {
	if v.store == nil || role == "" {
		return
	}
	model, err := v.store.GetModelByName(ctx, modelName)
	if err != nil {
		return
	}
	if err := v.store.RecordRoleOutcome(ctx, role, model.ID, success); err != nil {
		v.log.Warn("failed to record role outcome", "role", role, "model", modelName, "error", err)
	}
}

// diagnose issues one short single-turn call asking the model to explain its
// failure. The answer is logged, never retried or validated.
func (v *Validator) diagnose(ctx context.Context, bridge *llm.Bridge, messages []protocol.Message, verdict *Verdict) {
	prompt := fmt.Sprintf(
		"Your previous response was rejected: %s. In two sentences, explain what went wrong.",
		verdict.Reason)

	conversation := append(protocol.CloneMessages(messages), protocol.UserMessage(prompt))
	env, err := bridge.CallOnce(ctx, conversation, nil)
	if ferr := v.flushLogs(ctx); ferr != nil {
		v.log.Warn("failed to flush diagnosis log", "error", ferr)
	}
	if err != nil {
		v.log.Warn("diagnosis call failed", "error", err)
		return
	}
	v.log.Info("model failure diagnosis", "model", bridge.Model(), "diagnosis", env.Text)
}
