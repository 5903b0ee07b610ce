package observability

const (
	AttrAgentName       = "agent.name"
	AttrAgentRole       = "agent.role"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrToolName        = "tool.name"
	AttrOperation       = "operation"
	AttrErrorType       = "error.type"
	AttrStatusCode      = "http.status_code"

	SpanLLMRequest    = "bridge.llm_request"
	SpanToolExecution = "bridge.tool_execution"
	SpanValidation    = "validator.check"
	SpanStep          = "engine.step"
	SpanTask          = "engine.task"

	DefaultServiceName = "fabula"
)
