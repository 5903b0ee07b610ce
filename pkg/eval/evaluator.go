package eval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
	"github.com/fabulist/fabula/pkg/store"
	"github.com/fabulist/fabula/pkg/validation"
)

// EvaluatorRole names agents that score stories.
const EvaluatorRole = "evaluator"

const evaluatorPrompt = `You are a literary evaluator. Score the story on four categories, each 0-100, and list concrete defects per category. Answer with exactly one JSON object:
{"narrative_coherence": {"score": n, "defects": "..."}, "originality": {"score": n, "defects": "..."}, "emotional_impact": {"score": n, "defects": "..."}, "action": {"score": n, "defects": "..."}, "total_score": n}`

// Evaluator runs evaluation passes over completed stories. Calls go through
// the validator so evaluator replies get the usual retry treatment.
type Evaluator struct {
	store     *store.Store
	validator *validation.Validator
	log       *slog.Logger
}

func NewEvaluator(st *store.Store, v *validation.Validator) *Evaluator {
	return &Evaluator{
		store:     st,
		validator: v,
		log:       logger.WithComponent("eval"),
	}
}

// EvaluateStory invokes one evaluator agent over a story and persists the
// scored result. The returned bool is false when an identical evaluation
// already existed.
func (e *Evaluator) EvaluateStory(ctx context.Context, bridge *llm.Bridge, agent *store.Agent, storyID int64) (*store.StoryEvaluation, bool, error) {
	story, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, false, err
	}
	text := story.StoryRaw
	if story.StoryRevised != "" {
		text = story.StoryRevised
	}
	if text == "" {
		return nil, false, fmt.Errorf("story %d has no text to evaluate", storyID)
	}

	sc := scope.FromContext(ctx)
	if sc.ThreadID == "" {
		sc = scope.New("story/evaluate_story")
	}
	sc = sc.WithOperation("story/evaluate_story").WithAgent(agent.Name, EvaluatorRole)
	ctx = scope.WithScope(ctx, sc)

	system := evaluatorPrompt
	if agent.Prompt != "" {
		system = agent.Prompt + "\n\n" + evaluatorPrompt
	}
	messages := []protocol.Message{
		protocol.SystemMessage(system),
		protocol.UserMessage(text),
	}

	res, err := e.validator.CallWithValidation(ctx, bridge, messages, nil)
	if err != nil {
		return nil, false, err
	}

	parsed, err := ParseEvaluation(res.Env.Text)
	if err != nil {
		return nil, false, err
	}

	record := parsed.ToRecord(storyID)
	record.AgentID = sql.NullInt64{Int64: agent.ID, Valid: true}
	if model, merr := e.store.GetModelByName(ctx, bridge.Model()); merr == nil {
		record.ModelID = sql.NullInt64{Int64: model.ID, Valid: true}
	}

	_, inserted, err := e.store.InsertEvaluation(ctx, record)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		e.log.Debug("duplicate evaluation skipped", "story", storyID, "agent", agent.Name)
	} else {
		e.log.Info("story evaluated", "story", storyID, "agent", agent.Name,
			"total", record.TotalScore)
	}
	return record, inserted, nil
}
