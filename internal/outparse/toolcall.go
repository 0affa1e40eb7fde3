package outparse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danshapiro/modelgate/internal/llm"
)

var toolCallIDKeys = []string{"id", "call_id", "tool_id", "toolId"}
var toolCallNameKeys = []string{"name", "tool_name", "toolName"}
var toolCallArgKeys = []string{"arguments", "args", "parameters"}

// normalizeToolCall maps one raw tool_calls[] entry to a ToolCall.
// Providers disagree on field names, so every known alias is tried; a
// missing id is synthesized as call_<index+1>. Returns false only for
// entries that are not objects at all.
func normalizeToolCall(entry any, index int) (llm.ToolCall, bool) {
	obj, ok := entry.(map[string]any)
	if !ok {
		return llm.ToolCall{}, false
	}

	call := llm.ToolCall{
		ID:   firstString(obj, toolCallIDKeys),
		Name: firstString(obj, toolCallNameKeys),
	}

	var rawArgs any
	var haveArgs bool
	for _, key := range toolCallArgKeys {
		if v, ok := obj[key]; ok {
			rawArgs, haveArgs = v, true
			break
		}
	}
	if fn, ok := obj["function"].(map[string]any); ok {
		if call.Name == "" {
			call.Name = firstString(fn, []string{"name"})
		}
		if !haveArgs {
			for _, key := range []string{"arguments", "args"} {
				if v, ok := fn[key]; ok {
					rawArgs, haveArgs = v, true
					break
				}
			}
		}
	}

	call.Arguments = encodeArguments(rawArgs)
	if call.ID == "" {
		call.ID = fmt.Sprintf("call_%d", index+1)
	}

	// A string argument payload can itself be a full assistant reply
	// with the real tool call buried inside; same for a missing name.
	if name, args, found := recoverNestedToolCall(rawArgs); found {
		call.Name = name
		call.Arguments = args
	}
	return call, true
}

// encodeArguments guarantees the arguments field is a JSON-encoded
// string. JSON-looking strings are parsed and re-serialized (which also
// sanitizes whitespace-padded keys); other strings pass through
// verbatim; structured values are stringified.
func encodeArguments(raw any) string {
	switch v := raw.(type) {
	case nil:
		return "{}"
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				if b, err := json.Marshal(sanitizeKeys(parsed)); err == nil {
					return string(b)
				}
			}
		}
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return "{}"
	}
}

// sanitizeKeys trims surrounding whitespace from object keys at every
// depth. Some CLIs emit ` "query" ` style keys when they stitch JSON
// together by hand.
func sanitizeKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[strings.TrimSpace(k)] = sanitizeKeys(val)
		}
		return out
	case []any:
		for i := range x {
			x[i] = sanitizeKeys(x[i])
		}
		return x
	default:
		return v
	}
}

func firstString(obj map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
