// Package llm implements the chat bridge: one outbound call to one model
// endpoint, abstracting over the OpenAI and Ollama wire shapes with
// per-model parameter filtering.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/httpclient"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/observability"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
	"github.com/fabulist/fabula/pkg/store"
)

// UsageRecorder accumulates token usage; satisfied by *store.Store.
type UsageRecorder interface {
	AddUsage(ctx context.Context, month string, tokens int64, cost float64) error
}

// Bridge performs single calls against one model endpoint. The endpoint is
// swappable at runtime so a successful fallback can adopt its model for the
// remainder of a task.
type Bridge struct {
	mu       sync.RWMutex
	endpoint *config.ModelEndpoint

	client     *httpclient.Client
	logs       *store.ResponseLogWriter
	usage      UsageRecorder
	hooks      Hooks
	inputCost  float64
	outputCost float64
	log        *slog.Logger
}

type BridgeOption func(*Bridge)

func WithLogWriter(w *store.ResponseLogWriter) BridgeOption {
	return func(b *Bridge) { b.logs = w }
}

func WithUsageRecorder(r UsageRecorder) BridgeOption {
	return func(b *Bridge) { b.usage = r }
}

func WithHooks(h Hooks) BridgeOption {
	return func(b *Bridge) { b.hooks = h }
}

// WithTokenCosts sets the per-token input/output cost used for usage
// accounting.
func WithTokenCosts(input, output float64) BridgeOption {
	return func(b *Bridge) { b.inputCost = input; b.outputCost = output }
}

func WithHTTPClient(c *httpclient.Client) BridgeOption {
	return func(b *Bridge) { b.client = c }
}

func NewBridge(endpoint *config.ModelEndpoint, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		endpoint: endpoint,
		log:      logger.WithComponent("llm"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = defaultClient(endpoint)
	}
	return b
}

func defaultClient(endpoint *config.ModelEndpoint) *httpclient.Client {
	parser := httpclient.ParseOpenAIHeaders
	if endpoint.IsOllama() {
		parser = httpclient.ParseRetryAfterHeader
	}
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 10 * time.Minute}),
		httpclient.WithHeaderParser(parser),
	)
}

// Model returns the current model name (the adopted one after a fallback).
func (b *Bridge) Model() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoint.Name
}

// Endpoint returns the current endpoint configuration.
func (b *Bridge) Endpoint() *config.ModelEndpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoint
}

// Adopt swaps the bridge onto a different model endpoint. Called by the
// fallback controller after a candidate succeeds.
func (b *Bridge) Adopt(endpoint *config.ModelEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoint = endpoint
	b.log.Info("bridge adopted fallback model", "model", endpoint.Name)
}

// CloneForModel builds a bridge for a fallback candidate, carrying over the
// primary's sampling settings and shared recorders. The candidate keeps its
// own exclusion filters.
func (b *Bridge) CloneForModel(candidate *config.ModelEndpoint) *Bridge {
	b.mu.RLock()
	primary := b.endpoint
	b.mu.RUnlock()

	ep := *candidate
	ep.Params = primary.Params.Clone()
	ep.Params.ResponseFormat = primary.Params.ResponseFormat

	return &Bridge{
		endpoint:   &ep,
		client:     defaultClient(&ep),
		logs:       b.logs,
		usage:      b.usage,
		hooks:      b.hooks,
		inputCost:  b.inputCost,
		outputCost: b.outputCost,
		log:        b.log,
	}
}

// CallOnce performs one chat-completion call. The returned envelope carries
// the raw body plus the parsed projection; the call is logged to the
// response log under the ambient thread scope.
func (b *Bridge) CallOnce(ctx context.Context, messages []protocol.Message, tools []protocol.ToolDefinition) (*ResponseEnvelope, error) {
	b.mu.RLock()
	endpoint := b.endpoint
	b.mu.RUnlock()

	var (
		requestBody []byte
		url         string
		err         error
	)
	if endpoint.IsOllama() {
		req := buildOllamaRequest(endpoint, messages, tools)
		requestBody, err = json.Marshal(req)
		url = strings.TrimSuffix(endpoint.Endpoint, "/") + "/api/chat"
	} else {
		req := buildOpenAIRequest(endpoint, messages, tools)
		requestBody, err = json.Marshal(req)
		url = strings.TrimSuffix(endpoint.Endpoint, "/") + "/v1/chat/completions"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if !endpoint.IsOllama() && endpoint.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	notifyBusy(b.hooks, endpoint.Name)
	start := time.Now()
	resp, err := b.client.Do(httpReq)
	duration := time.Since(start)
	notifyFree(b.hooks, endpoint.Name)

	sc := scope.FromContext(ctx)

	var responseBody []byte
	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		responseBody, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}

	entry := b.appendLog(sc, endpoint.Name, requestBody, responseBody)

	if err != nil || statusCode < 200 || statusCode >= 300 {
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordLLMCall(ctx, endpoint.Name, duration, 0, 0, err)
		}
		b.log.Error("model call failed",
			"model", endpoint.Name,
			"status", statusCode,
			"duration", duration,
			"request", string(requestBody),
			"response", string(responseBody),
			"error", err)
		// The envelope still carries the log entry so the failed call's own
		// row can be stamped.
		return &ResponseEnvelope{Model: endpoint.Name, LogEntry: entry},
			newProviderError(endpoint.Name, statusCode, string(responseBody), err)
	}

	env, parseErr := ParseResponse(responseBody)
	env.Model = endpoint.Name
	env.LogEntry = entry
	if parseErr != nil {
		b.log.Warn("model response unparseable",
			"model", endpoint.Name, "duration", duration, "response", string(responseBody))
		return env, nil // validator treats the empty projection as invalid
	}

	b.recordUsage(ctx, endpoint, messages, env)

	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordLLMCall(ctx, endpoint.Name, duration,
			env.Usage.PromptTokens, env.Usage.CompletionTokens, nil)
	}

	b.log.Info("model call ok",
		"model", endpoint.Name,
		"duration", duration,
		"chars", len(env.Text),
		"tool_calls", len(env.ToolCalls),
		"tokens", env.Usage.TotalTokens)

	return env, nil
}

// appendLog buffers the call's log row and returns it; the row's ID is
// assigned when the writer flushes.
func (b *Bridge) appendLog(sc scope.Scope, model string, request, response []byte) *store.ResponseLogEntry {
	if b.logs == nil {
		return nil
	}
	entry := &store.ResponseLogEntry{
		ThreadID:     sc.ThreadID,
		AgentName:    sc.AgentName,
		ModelName:    model,
		RequestJSON:  string(request),
		ResponseJSON: string(response),
	}
	b.logs.Append(entry)
	return entry
}

// recordUsage accumulates token usage, estimating with tiktoken when the
// provider omitted it.
func (b *Bridge) recordUsage(ctx context.Context, endpoint *config.ModelEndpoint, messages []protocol.Message, env *ResponseEnvelope) {
	if env.Usage.TotalTokens == 0 {
		counter, err := NewTokenCounter(endpoint.Name)
		if err == nil {
			env.Usage = TokenUsage{
				PromptTokens:     counter.CountMessages(messages),
				CompletionTokens: counter.Count(env.Text),
				Estimated:        true,
			}
			env.Usage.TotalTokens = env.Usage.PromptTokens + env.Usage.CompletionTokens
		}
	}

	if b.usage == nil || env.Usage.TotalTokens == 0 {
		return
	}

	cost := float64(env.Usage.PromptTokens)*b.inputCost +
		float64(env.Usage.CompletionTokens)*b.outputCost
	month := store.MonthKey(time.Now())
	if err := b.usage.AddUsage(ctx, month, int64(env.Usage.TotalTokens), cost); err != nil {
		b.log.Warn("failed to record usage", "model", endpoint.Name, "error", err)
	}
}
