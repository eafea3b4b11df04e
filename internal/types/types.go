// Package types provides shared type definitions used across autonomy packages.
// This package exists to break import cycles between the orchestrator, phases,
// tools, and the model client. Types here should be foundational data
// structures with no complex dependencies.
package types

import (
	"context"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is a single message in a conversation thread.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Model records which model produced an assistant message. Empty for
	// user and system messages.
	Model string `json:"model,omitempty"`
}

// ToolCall is a structured tool invocation requested by a model.
// Name may be empty when the model emits a malformed call; the executor
// attempts name inference before failing the call.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Property describes a single parameter in a tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array").
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// ToolSchema defines the JSON-shaped argument schema for a tool.
type ToolSchema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ToolDefinition is the wire-facing description of a tool handed to the
// model server.
type ToolDefinition struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schema      ToolSchema `json:"parameters"`
}

// ModelResponse is the structured result of one model call: textual content
// plus zero or more tool calls. Malformed tool calls are preserved verbatim;
// repair is the executor's job, not the client's.
type ModelResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Model     string     `json:"model,omitempty"`
}

// ModelRole selects which configured model serves a request.
type ModelRole string

const (
	// RoleArbiter makes scheduling and classification decisions.
	RoleArbiter ModelRole = "arbiter"
	// RoleCoder writes and modifies source.
	RoleCoder ModelRole = "coder"
	// RoleReasoner handles investigation and summarization.
	RoleReasoner ModelRole = "reasoner"
	// RoleAnalyst runs code analysis reviews.
	RoleAnalyst ModelRole = "analyst"
	// RoleInterpreter repairs malformed tool calls.
	RoleInterpreter ModelRole = "interpreter"
)

// ModelClient is the interface phases use to talk to remote model servers.
// Implementations select a concrete model per role and fail with a typed
// error once all configured hosts are exhausted.
type ModelClient interface {
	// Chat sends the full message list plus tool definitions and returns
	// the parsed response. The context deadline bounds the call.
	Chat(ctx context.Context, role ModelRole, messages []ChatMessage, tools []ToolDefinition) (*ModelResponse, error)
}
