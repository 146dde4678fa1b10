package models

// ResponseKind distinguishes the two shapes a model turn can take.
type ResponseKind string

const (
	ResponseText      ResponseKind = "text"
	ResponseToolCalls ResponseKind = "tool_calls"
)

// Usage records token consumption reported by a provider.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Response is the provider-neutral result of one model round trip.
//
// Exactly one of Text or ToolCalls is meaningful, selected by Kind. Use
// NewResponse to build one so the tool-call precedence rule is applied.
type Response struct {
	Kind       ResponseKind `json:"kind"`
	Text       string       `json:"text,omitempty"`
	ToolCalls  []ToolCall   `json:"tool_calls,omitempty"`
	Usage      Usage        `json:"usage"`
	StopReason string       `json:"stop_reason,omitempty"`
}

// NewResponse builds a Response. When calls is non-empty the response is a
// tool-call response and text is discarded.
func NewResponse(text string, calls []ToolCall, usage Usage) *Response {
	if len(calls) > 0 {
		return &Response{Kind: ResponseToolCalls, ToolCalls: cloneToolCalls(calls), Usage: usage}
	}
	return &Response{Kind: ResponseText, Text: text, Usage: usage}
}

// HasToolCalls reports whether the model asked for tools.
func (r *Response) HasToolCalls() bool {
	return r != nil && r.Kind == ResponseToolCalls && len(r.ToolCalls) > 0
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	// Model overrides the transport's active model when non-empty.
	Model       string           `json:"model,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// Float64 returns a pointer to v, for optional request fields.
func Float64(v float64) *float64 {
	return &v
}
