package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danshapiro/modelgate/internal/llm"
)

// OpenAI chat-completions wire shapes, reduced to what the gateway
// consumes and produces. Message content arrives either as a plain
// string or as an array of typed parts; the adapter flattens both to
// text before the core sees them.

// ChatCompletionRequest is the POST /v1/chat/completions body.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatCompletionResponse is the successful response body.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   ChatCompletionUsage    `json:"usage"`
}

type ChatCompletionChoice struct {
	Index        int               `json:"index"`
	Message      ChatOutputMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type ChatOutputMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionUsage is reported as zeros: CLI providers do not expose
// token counts.
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelListResponse is the GET /v1/models body.
type ModelListResponse struct {
	Object string      `json:"object"`
	Data   []ModelItem `json:"data"`
}

type ModelItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ErrorResponse is the OpenAI-style error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// toCoreRequest flattens the wire request into the core's unified
// request shape. Tools are deduplicated case-insensitively, first
// occurrence wins.
func (r ChatCompletionRequest) toCoreRequest(requestID string) (llm.Request, error) {
	req := llm.Request{
		RequestID: requestID,
		Model:     r.Model,
		Metadata:  r.Metadata,
	}
	for i, m := range r.Messages {
		content, err := flattenContent(m.Content)
		if err != nil {
			return llm.Request{}, fmt.Errorf("message %d: %w", i, err)
		}
		req.Messages = append(req.Messages, llm.ChatMessage{
			Role:       llm.Role(m.Role),
			Content:    content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}
	tools := make([]llm.ToolDefinition, 0, len(r.Tools))
	for _, t := range r.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		tools = append(tools, llm.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	req.Tools = llm.DedupeTools(tools)
	return req, nil
}

// flattenContent accepts a JSON string or an array of content parts and
// returns concatenated text.
func flattenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []wireContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unsupported content shape")
	}
	texts := []string{}
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// fromCoreResult shapes a ProviderResult as an OpenAI chat completion.
func fromCoreResult(id string, created int64, model string, res llm.ProviderResult) ChatCompletionResponse {
	content := res.OutputText
	msg := ChatOutputMessage{Role: "assistant", Content: &content}
	for _, call := range res.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
			ID:   call.ID,
			Type: "function",
			Function: wireToolCallFunc{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: string(res.FinishReason),
		}},
	}
}
