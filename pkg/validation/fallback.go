package validation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/observability"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/store"
)

// FallbackController tries the ranked alternate models for a role after the
// primary terminally fails validation. Each candidate gets the full retry
// budget on a cloned conversation; the first success is adopted into the
// caller's bridge for the remainder of the task.
type FallbackController struct {
	store     *store.Store
	endpoints map[string]*config.ModelEndpoint
	log       *slog.Logger
}

// NewFallbackController builds a controller. endpoints maps model names to
// their configured endpoints; models missing from it are reconstructed from
// the catalog row (local endpoints without credentials).
func NewFallbackController(st *store.Store, endpoints map[string]*config.ModelEndpoint) *FallbackController {
	return &FallbackController{
		store:     st,
		endpoints: endpoints,
		log:       logger.WithComponent("fallback"),
	}
}

// Run iterates the role's ranked candidates. Returns the first valid
// envelope plus the attempts the candidates consumed, or a nil envelope when
// every candidate failed.
func (f *FallbackController) Run(ctx context.Context, v *Validator, primary *llm.Bridge, role string, messages []protocol.Message, tools []protocol.ToolDefinition, policy config.ResolvedPolicy) (*llm.ResponseEnvelope, int, error) {
	candidates, err := f.store.ListRoleModels(ctx, role)
	if err != nil {
		return nil, 0, err
	}

	attempts := 0
	primaryModel := primary.Model()
	for _, candidate := range candidates {
		if candidate.ModelName == primaryModel {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		endpoint, err := f.resolveEndpoint(ctx, candidate)
		if err != nil {
			f.log.Warn("skipping fallback candidate", "model", candidate.ModelName, "error", err)
			continue
		}

		f.log.Info("trying fallback model", "role", role, "model", candidate.ModelName,
			"priority", candidate.Priority)

		bridge := primary.CloneForModel(endpoint)
		conversation := protocol.CloneMessages(messages)

		outcome, err := v.runRetryLoop(ctx, bridge, conversation, tools, policy)
		if err != nil {
			f.log.Warn("fallback candidate errored", "model", candidate.ModelName, "error", err)
			continue
		}
		attempts += outcome.attempts

		if outcome.verdict.IsValid {
			v.recordOutcome(ctx, role, candidate.ModelName, true)
			primary.Adopt(bridge.Endpoint())
			if m := observability.GetGlobalMetrics(); m != nil {
				m.RecordFallbackSwitch(ctx, role)
			}
			return outcome.env, attempts, nil
		}

		v.recordOutcome(ctx, role, candidate.ModelName, false)
	}

	return nil, attempts, nil
}

func (f *FallbackController) resolveEndpoint(ctx context.Context, candidate *store.RoleModel) (*config.ModelEndpoint, error) {
	if ep, ok := f.endpoints[candidate.ModelName]; ok {
		return ep, nil
	}

	model, err := f.store.GetModel(ctx, candidate.ModelID)
	if err != nil {
		return nil, err
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
