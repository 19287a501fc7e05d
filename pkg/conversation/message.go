package conversation

import "strings"

// Role tags the Message variant
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
	RoleTool  Role = "tool"
)

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Message is one entry of a thread. Which fields are meaningful depends on Role:
// human messages use Content and Synthetic, AI messages use Content and
// ToolCalls, tool results use ToolCallID, Name, Content and IsError.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Synthetic  bool       `json:"synthetic,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// Human creates a message typed by the user
func Human(text string) Message {
	return Message{Role: RoleHuman, Content: text}
}

// Synthetic creates a human message injected by the runtime
func Synthetic(text string) Message {
	return Message{Role: RoleHuman, Content: text, Synthetic: true}
}

// AI creates a model message
func AI(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAI, Content: text, ToolCalls: calls}
}

// ToolResult creates the answer to a tool call
func ToolResult(callID, name, content string, isError bool) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content, IsError: isError}
}

// IsRealHuman reports whether m was typed by the user
func (m Message) IsRealHuman() bool {
	return m.Role == RoleHuman && !m.Synthetic
}

// HasToolCalls reports whether m is an AI message requesting tools
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAI && len(m.ToolCalls) > 0
}

// HasText reports whether m carries non blank text
func (m Message) HasText() bool {
	return strings.TrimSpace(m.Content) != ""
}

// Clone returns a deep copy of m
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Arguments != nil {
				args := make(map[string]interface{}, len(tc.Arguments))
				for k, v := range tc.Arguments {
					args[k] = v
				}
				out.ToolCalls[i].Arguments = args
			}
		}
	}
	return out
}
