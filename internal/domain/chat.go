package domain

// Chat roles understood by the reasoning service adapters.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is the provider-agnostic chat message shape used by the
// orchestrator and LLM integrations. Assistant messages may carry tool calls;
// tool messages answer exactly one of them via ToolCallID.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single tool invocation proposed by the reasoning service.
// Arguments is the raw JSON object the service produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes a tool to the reasoning service.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ReasonerRequest is one round-trip to the reasoning service.
type ReasonerRequest struct {
	Messages []ChatMessage
	Tools    []ToolSpec
	// RequireFinal forces the service to answer with the finalize tool.
	RequireFinal bool
	FinalTool    string
}

// ReasonerReply is what the reasoning service answered in one round-trip.
type ReasonerReply struct {
	Content   string
	ToolCalls []ToolCall
}
