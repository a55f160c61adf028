package domain

import "encoding/json"

// Message roles shared by the routing core and the LLM integrations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is the provider-agnostic chat message shape used by the handler
// and LLM integrations. ToolCalls and ToolCallID are populated only on the
// tool-calling path used by the supervisor strategy.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable function offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// LabelConstraint is a structured-output constraint restricting a completion
// to exactly one label from a closed set, returned under Field.
type LabelConstraint struct {
	Name   string
	Field  string
	Labels []string
}
