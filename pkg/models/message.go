package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one entry of a conversation as seen by the agent loop.
//
// ToolCalls is only populated on assistant messages. ToolCallID is set on tool
// messages and refers back to the assistant ToolCall the message answers.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds a plain text assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// AssistantToolCalls builds an assistant message carrying tool calls.
func AssistantToolCalls(calls []ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: cloneToolCalls(calls)}
}

// ToolMessage builds the tool message answering a tool call.
func ToolMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    result.Content,
		ToolCallID: result.ToolCallID,
		IsError:    result.IsError,
	}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.ToolCalls = cloneToolCalls(m.ToolCalls)
	return m
}

// Validate checks the per-role invariants of a single message.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("%s message cannot carry tool calls", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return errors.New("tool message requires tool_call_id")
	}
	if m.Role != RoleTool && m.ToolCallID != "" {
		return fmt.Errorf("%s message cannot carry tool_call_id", m.Role)
	}
	for i, call := range m.ToolCalls {
		if call.ID == "" {
			return fmt.Errorf("tool call %d has empty id", i)
		}
		if call.Name == "" {
			return fmt.Errorf("tool call %s has empty name", call.ID)
		}
	}
	return nil
}

// ValidateConversation checks every message and that each tool message answers
// a tool call issued earlier in the same conversation. Tool call ids must be
// unique across the conversation.
func ValidateConversation(msgs []Message) error {
	issued := make(map[string]bool)
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		for _, call := range msg.ToolCalls {
			if issued[call.ID] {
				return fmt.Errorf("message %d: duplicate tool call id %s", i, call.ID)
			}
			issued[call.ID] = true
		}
		if msg.Role == RoleTool && !issued[msg.ToolCallID] {
			return fmt.Errorf("message %d: tool_call_id %s does not match an earlier tool call", i, msg.ToolCallID)
		}
	}
	return nil
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// NormalizeArguments returns args as compact JSON. Empty input becomes "{}".
func NormalizeArguments(args []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return json.RawMessage("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

func cloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = c
		if c.Arguments != nil {
			out[i].Arguments = append(json.RawMessage(nil), c.Arguments...)
		}
	}
	return out
}
