package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/httpclient"
	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
	"github.com/fabulist/fabula/pkg/store"
)

func openAIReply(text string) string {
	return fmt.Sprintf(`{
		"choices": [{"message": {"content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
	}`, text)
}

// scriptedServer replays replies in order, repeating the last one, and
// records every request body it sees.
type scriptedServer struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []string
}

func newScriptedServer(t *testing.T, replies ...string) *scriptedServer {
	t.Helper()
	s := &scriptedServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		i := len(s.bodies)
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()
		if i >= len(replies) {
			i = len(replies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, replies[i])
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func testEndpoint(t *testing.T, name, url string) *config.ModelEndpoint {
	t.Helper()
	ep := &config.ModelEndpoint{Name: name, Provider: config.ProviderOpenAI, Endpoint: url}
	require.NoError(t, ep.Validate())
	return ep
}

func testBridge(ep *config.ModelEndpoint, logs *store.ResponseLogWriter) *llm.Bridge {
	return llm.NewBridge(ep,
		llm.WithHTTPClient(httpclient.New(httpclient.WithMaxRetries(0))),
		llm.WithLogWriter(logs))
}

func newTestValidator(t *testing.T, opts *config.ValidationOptions) (*Validator, *store.Store, *store.ResponseLogWriter) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	logs := st.NewResponseLogWriter()
	return NewValidator(opts, st, logs), st, logs
}

func writerScope(operation string) scope.Scope {
	return scope.New(operation).WithAgent("narrator", "writer")
}

func retryBudget(n int) *int { return &n }

func TestCallWithValidationRetriesWithFeedback(t *testing.T) {
	server := newScriptedServer(t, openAIReply("   "), openAIReply("a proper answer"))
	v, st, logs := newTestValidator(t, &config.ValidationOptions{MaxRetries: retryBudget(2)})
	bridge := testBridge(testEndpoint(t, "test-model", server.URL), logs)

	sc := writerScope("story/write")
	ctx := scope.WithScope(context.Background(), sc)

	res, err := v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("write something"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a proper answer", res.Env.Text)
	assert.Equal(t, 2, res.Attempts, "the in-place retry must be reported to the caller")

	reqs := server.requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1], "attempt 1:", "feedback must be injected before the retry")

	rows, err := st.ListResponseLogByThread(ctx, sc.ThreadID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, store.ResultFailed, rows[0].Result.String)
	assert.Equal(t, store.ResultSuccess, rows[1].Result.String)
}

func TestCallWithValidationExhaustsBudget(t *testing.T) {
	server := newScriptedServer(t, openAIReply("   "))
	v, _, logs := newTestValidator(t, &config.ValidationOptions{MaxRetries: retryBudget(1)})
	bridge := testBridge(testEndpoint(t, "test-model", server.URL), logs)

	ctx := scope.WithScope(context.Background(), writerScope("story/write"))

	res, err := v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("write something"),
	}, nil)

	var invalid *ValidationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Verdict.Reason, "blank")
	assert.NotNil(t, res.Env, "the last envelope is still returned for inspection")
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, server.requests(), 2, "MaxRetries=1 means two attempts")
}

func TestCallWithValidationSkipRolePassthrough(t *testing.T) {
	server := newScriptedServer(t, openAIReply("   "))
	v, _, logs := newTestValidator(t, &config.ValidationOptions{
		MaxRetries: retryBudget(2),
		SkipRoles:  []string{"response_checker", "summarizer"},
	})
	bridge := testBridge(testEndpoint(t, "test-model", server.URL), logs)

	sc := scope.New("story/summarize").WithAgent("summarizer", "summarizer")
	ctx := scope.WithScope(context.Background(), sc)

	// A blank reply would fail validation, but skip roles get it verbatim.
	res, err := v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("summarize"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "   ", res.Env.Text)
	assert.Len(t, server.requests(), 1)
}

func TestCallWithValidationProviderErrorNoRetry(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
	}))
	t.Cleanup(failing.Close)

	v, _, logs := newTestValidator(t, &config.ValidationOptions{MaxRetries: retryBudget(3)})
	bridge := testBridge(testEndpoint(t, "test-model", failing.URL), logs)

	ctx := scope.WithScope(context.Background(), writerScope("story/write"))

	_, err := v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("write"),
	}, nil)

	// A provider failure is terminal for the primary: no feedback retries.
	var invalid *ValidationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.False(t, invalid.Verdict.NeedsRetry)
}

func TestCallWithValidationToolRejectionSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "this model does not support tools"}`, http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	v, _, logs := newTestValidator(t, &config.ValidationOptions{MaxRetries: retryBudget(2)})
	bridge := testBridge(testEndpoint(t, "test-model", server.URL), logs)

	ctx := scope.WithScope(context.Background(), writerScope("story/write"))

	_, err := v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("write"),
	}, []protocol.ToolDefinition{{Name: "roll_dice"}})
	assert.ErrorIs(t, err, llm.ErrModelRejectsTools)
}

func TestFallbackAdoptsCandidate(t *testing.T) {
	primary := newScriptedServer(t, openAIReply("   "))
	backup := newScriptedServer(t, openAIReply("a better answer"))

	opts := &config.ValidationOptions{MaxRetries: retryBudget(0), EnableFallback: true}
	v, st, logs := newTestValidator(t, opts)

	ctx := scope.WithScope(context.Background(), writerScope("story/write"))

	_, err := st.UpsertModel(ctx, &store.Model{Name: "primary-model", Endpoint: primary.URL})
	require.NoError(t, err)
	backupID, err := st.UpsertModel(ctx, &store.Model{Name: "backup-model", Endpoint: backup.URL})
	require.NoError(t, err)
	require.NoError(t, st.UpsertRoleModel(ctx, "writer", backupID, 1))

	backupEndpoint := testEndpoint(t, "backup-model", backup.URL)
	v.fallback = NewFallbackController(st, map[string]*config.ModelEndpoint{
		"backup-model": backupEndpoint,
	})

	bridge := testBridge(testEndpoint(t, "primary-model", primary.URL), logs)

	res, err := v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("write"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a better answer", res.Env.Text)
	assert.Equal(t, 2, res.Attempts, "the fallback candidate's attempt counts too")

	// The caller's bridge now speaks to the adopted model.
	assert.Equal(t, "backup-model", bridge.Model())

	ranked, err := st.ListRoleModels(ctx, "writer")
	require.NoError(t, err)
	require.Len(t, ranked, 2, "the primary's failure is booked too")
	for _, rm := range ranked {
		switch rm.ModelName {
		case "backup-model":
			assert.Equal(t, 1, rm.SuccessCount)
		case "primary-model":
			assert.Equal(t, 1, rm.FailureCount)
		}
	}
}

func TestFallbackExhaustedReturnsInvalid(t *testing.T) {
	primary := newScriptedServer(t, openAIReply("   "))
	backup := newScriptedServer(t, openAIReply("\t"))

	opts := &config.ValidationOptions{MaxRetries: retryBudget(0), EnableFallback: true}
	v, st, logs := newTestValidator(t, opts)

	ctx := scope.WithScope(context.Background(), writerScope("story/write"))

	backupID, err := st.UpsertModel(ctx, &store.Model{Name: "backup-model", Endpoint: backup.URL})
	require.NoError(t, err)
	require.NoError(t, st.UpsertRoleModel(ctx, "writer", backupID, 1))

	v.fallback = NewFallbackController(st, map[string]*config.ModelEndpoint{
		"backup-model": testEndpoint(t, "backup-model", backup.URL),
	})
	bridge := testBridge(testEndpoint(t, "primary-model", primary.URL), logs)

	_, err = v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("write"),
	}, nil)

	var invalid *ValidationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "primary-model", bridge.Model(), "a failed fallback must not be adopted")
}

func TestJudgeNoRetryReturnsInvalidWithoutFallback(t *testing.T) {
	primary := newScriptedServer(t, openAIReply("an off-topic essay"))
	backup := newScriptedServer(t, openAIReply("on-topic text"))
	judge := newScriptedServer(t, openAIReply(
		`{"is_valid": false, "needs_retry": false, "reason": "off topic"}`))

	opts := &config.ValidationOptions{
		MaxRetries:       retryBudget(2),
		EnableChecker:    true,
		EnableFallback:   true,
		AskFailureReason: true,
	}
	v, st, logs := newTestValidator(t, opts)
	v.checker = NewChecker(testBridge(testEndpoint(t, "judge-model", judge.URL), nil), nil)

	ctx := scope.WithScope(context.Background(), writerScope("story/write"))

	backupID, err := st.UpsertModel(ctx, &store.Model{Name: "backup-model", Endpoint: backup.URL})
	require.NoError(t, err)
	require.NoError(t, st.UpsertRoleModel(ctx, "writer", backupID, 1))
	v.fallback = NewFallbackController(st, map[string]*config.ModelEndpoint{
		"backup-model": testEndpoint(t, "backup-model", backup.URL),
	})

	bridge := testBridge(testEndpoint(t, "primary-model", primary.URL), logs)

	res, err := v.CallWithValidation(ctx, bridge, []protocol.Message{
		protocol.UserMessage("write"),
	}, nil)

	// needs_retry=false hands the invalid response back untouched: no extra
	// primary calls, no diagnosis, no fallback.
	var invalid *ValidationInvalid
	require.ErrorAs(t, err, &invalid)
	assert.False(t, invalid.Verdict.NeedsRetry)
	assert.Equal(t, "an off-topic essay", res.Env.Text)
	assert.Len(t, primary.requests(), 1)
	assert.Empty(t, backup.requests())
	assert.Equal(t, "primary-model", bridge.Model())
}

// crossCallRecorder starts a second validated call on another bridge while
// the first call's log row is still buffered unflushed.
type crossCallRecorder struct {
	once   sync.Once
	v      *Validator
	bridge *llm.Bridge
	err    error
}

func (r *crossCallRecorder) AddUsage(ctx context.Context, _ string, _ int64, _ float64) error {
	r.once.Do(func() {
		_, r.err = r.v.CallWithValidation(ctx, r.bridge, []protocol.Message{
			protocol.UserMessage("interleaved"),
		}, nil)
	})
	return nil
}

func TestStampsTargetOwnRowsWhenCallsInterleave(t *testing.T) {
	serverA := newScriptedServer(t, openAIReply("answer from a"))
	serverB := newScriptedServer(t, openAIReply("answer from b"))

	v, st, logs := newTestValidator(t, &config.ValidationOptions{MaxRetries: retryBudget(0)})

	sc := writerScope("story/write")
	ctx := scope.WithScope(context.Background(), sc)

	bridgeB := testBridge(testEndpoint(t, "model-b", serverB.URL), logs)
	rec := &crossCallRecorder{v: v, bridge: bridgeB}
	bridgeA := llm.NewBridge(testEndpoint(t, "model-a", serverA.URL),
		llm.WithHTTPClient(httpclient.New(httpclient.WithMaxRetries(0))),
		llm.WithLogWriter(logs),
		llm.WithUsageRecorder(rec))

	res, err := v.CallWithValidation(ctx, bridgeA, []protocol.Message{
		protocol.UserMessage("write"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, rec.err)
	assert.Equal(t, "answer from a", res.Env.Text)

	// Both calls appended to the shared writer before either flushed; each
	// verdict must land on the row its own call appended.
	rows, err := st.ListResponseLogByThread(ctx, sc.ThreadID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "model-a", rows[0].ModelName)
	assert.Equal(t, store.ResultSuccess, rows[0].Result.String)
	assert.Equal(t, "model-b", rows[1].ModelName)
	assert.Equal(t, store.ResultSuccess, rows[1].Result.String)
}

func TestCheckerJudgesCandidate(t *testing.T) {
	judge := newScriptedServer(t, openAIReply(
		`Here is my verdict: {"is_valid": false, "needs_retry": true, "reason": "too short", "violated_rules": ["len-1"]}`))

	bridge := testBridge(testEndpoint(t, "judge-model", judge.URL), nil)
	checker := NewChecker(bridge, []Rule{{ID: "len-1", Text: "At least 100 words."}})

	verdict, err := checker.Check(context.Background(), "Write a story.", "Once.", []string{"len-1"})
	require.NoError(t, err)
	assert.False(t, verdict.IsValid)
	assert.True(t, verdict.NeedsRetry)
	assert.Equal(t, "too short", verdict.Reason)
	assert.Equal(t, []string{"len-1"}, verdict.ViolatedRules)

	reqs := judge.requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0], "len-1", "the cited rule must reach the judge")
}

func TestCheckerUnparseableVerdictAccepts(t *testing.T) {
	judge := newScriptedServer(t, openAIReply("I cannot decide."))

	bridge := testBridge(testEndpoint(t, "judge-model", judge.URL), nil)
	checker := NewChecker(bridge, nil)

	verdict, err := checker.Check(context.Background(), "Write.", "Text.", nil)
	require.NoError(t, err)
	assert.True(t, verdict.IsValid, "an unreadable judge must not reject the candidate")
}

func TestParseVerdictFieldAliases(t *testing.T) {
	v, err := parseVerdict("```json\n{\"valid\": \"yes\", \"retry\": false, \"message\": \"ok\", \"violated_rules\": [3]}\n```")
	require.NoError(t, err)
	assert.True(t, v.IsValid)
	assert.False(t, v.NeedsRetry)
	assert.Equal(t, "ok", v.Reason)
	assert.Equal(t, []string{"3"}, v.ViolatedRules)

	_, err = parseVerdict("no json at all")
	assert.Error(t, err)
}

const voiceTagPrompt = `Tag the following text.

Dialogue lines:
[001]: "We leave at dawn," said Aria.
[002]: "Then we leave without the map," Bren replied.
`

func TestCheckVoiceTagsCompleteMapping(t *testing.T) {
	response := `{"001": {"character": "Aria", "emotion": "resolute"},
		"2": "[Bren][grim]"}`

	v := checkVoiceTags(response, voiceTagPrompt)
	assert.True(t, v.IsValid, "both object and bracket-string entries count, padded or not: %s", v.Reason)
}

func TestCheckVoiceTagsMissingLine(t *testing.T) {
	response := `{"001": {"character": "Aria", "emotion": "resolute"}}`

	v := checkVoiceTags(response, voiceTagPrompt)
	assert.False(t, v.IsValid)
	assert.True(t, v.NeedsRetry)
	assert.Contains(t, v.Reason, "002")
	assert.NotEmpty(t, v.SystemMessageOverride, "the retry must carry a corrective system message")
}

func TestCheckVoiceTagsIncompleteEntry(t *testing.T) {
	response := `{"001": {"character": "Aria", "emotion": "resolute"},
		"002": {"character": "Bren"}}`

	v := checkVoiceTags(response, voiceTagPrompt)
	assert.False(t, v.IsValid)
	assert.Contains(t, v.Reason, "both character and emotion")
}

func TestCheckVoiceTagsNoDeclaredLines(t *testing.T) {
	v := checkVoiceTags("anything", "a prompt with no dialogue section")
	assert.True(t, v.IsValid)
}

func TestDeterministicCheckRoutesVoiceTagOperation(t *testing.T) {
	env := &llm.ResponseEnvelope{Text: "not a mapping"}
	messages := []protocol.Message{protocol.UserMessage(voiceTagPrompt)}

	v := deterministicCheck(OpAddVoiceTags, env, messages)
	assert.False(t, v.IsValid)
	assert.Contains(t, v.Reason, "JSON mapping")

	// Any other operation only requires non-blank text.
	v = deterministicCheck("story/write", env, messages)
	assert.True(t, v.IsValid)
}

func TestDeterministicCheckToolCallsAlwaysPass(t *testing.T) {
	env := &llm.ResponseEnvelope{ToolCalls: []protocol.ToolCall{{ID: "c1", Name: "roll_dice"}}}
	v := deterministicCheck("story/write", env, nil)
	assert.True(t, v.IsValid)
}

func TestExtractJSONObjectBalancing(t *testing.T) {
	in := `prefix {"a": {"b": "}"}, "c": 1} suffix {"d": 2}`
	assert.Equal(t, `{"a": {"b": "}"}, "c": 1}`, extractJSONObject(in))
	assert.Equal(t, "", extractJSONObject("no braces"))
	assert.Equal(t, "", extractJSONObject("{never closed"))
}

func TestResolvePolicyOperationOverride(t *testing.T) {
	maxRetries := 5
	enable := true
	opts := &config.ValidationOptions{
		MaxRetries: retryBudget(2),
		Operations: map[string]config.OperationPolicy{
			"test_base": {
				RuleIDs:       []string{"r1"},
				MaxRetries:    &maxRetries,
				EnableChecker: &enable,
			},
		},
	}

	resolved := opts.Resolve("test_base")
	assert.Equal(t, 5, resolved.MaxRetries)
	assert.True(t, resolved.EnableChecker)
	assert.Equal(t, []string{"r1"}, resolved.RuleIDs)

	resolved = opts.Resolve("story/write")
	assert.Equal(t, 2, resolved.MaxRetries)
	assert.False(t, resolved.EnableChecker)
}

func TestValidationInvalidError(t *testing.T) {
	err := error(&ValidationInvalid{Verdict: invalidVerdict("bad output", true)})
	assert.True(t, strings.Contains(err.Error(), "bad output"))

	var invalid *ValidationInvalid
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &invalid))
}
