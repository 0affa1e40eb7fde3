// Package llm holds the provider-neutral request and result shapes the
// gateway routes between its HTTP surface and the CLI providers.
package llm

import (
	"fmt"
	"strings"
)

// Role is a chat message author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func validRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ChatMessage is one turn of the conversation, content already flattened
// to text.
type ChatMessage struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDefinition declares one callable tool. Parameters is a JSON Schema
// object, kept loose because it is forwarded to the provider verbatim.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// DedupeTools drops duplicate tool names case-insensitively, first
// occurrence wins.
func DedupeTools(tools []ToolDefinition) []ToolDefinition {
	if len(tools) == 0 {
		return tools
	}
	seen := map[string]bool{}
	out := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		key := strings.ToLower(strings.TrimSpace(t.Name))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// Request is the unified request handed to a provider. ProviderModel is
// filled in by the router once a binding is chosen.
type Request struct {
	RequestID     string            `json:"request_id"`
	Model         string            `json:"model"`
	ProviderModel string            `json:"provider_model,omitempty"`
	Messages      []ChatMessage     `json:"messages"`
	Tools         []ToolDefinition  `json:"tools,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request shape before any routing happens.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("request missing model")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("request has no messages")
	}
	for i, m := range r.Messages {
		if !validRole(m.Role) {
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if m.Role == RoleTool && strings.TrimSpace(m.ToolCallID) == "" {
			return fmt.Errorf("message %d: tool message missing tool_call_id", i)
		}
	}
	return nil
}

// FinishReason mirrors the OpenAI finish_reason values.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// ToolCall is one parsed tool invocation. Arguments is always a string;
// for well-formed calls it holds a JSON object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RawDiagnostics carries the untouched provider stdout plus a short
// content digest for log correlation.
type RawDiagnostics struct {
	Stdout string `json:"stdout,omitempty"`
	Digest string `json:"digest,omitempty"`
}

// ProviderResult is the parsed outcome of one successful provider run.
type ProviderResult struct {
	OutputText   string          `json:"output_text"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	FinishReason FinishReason    `json:"finish_reason"`
	Raw          *RawDiagnostics `json:"-"`
}
