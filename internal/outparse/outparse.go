// Package outparse normalizes raw provider stdout into assistant text
// and structured tool calls. Provider output is untrusted: it ranges
// from a bare string to doubly-encoded JSON wrapped in fenced code
// blocks, so extraction is a bounded search rather than a strict decode.
package outparse

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/danshapiro/modelgate/internal/llm"
)

// Mode selects the output contract a provider command declares.
type Mode string

const (
	// ModeText tries soft contract extraction, falling back to the raw
	// trimmed stdout.
	ModeText Mode = "text"

	// ModeTextPlain returns trimmed stdout unconditionally.
	ModeTextPlain Mode = "text_plain"

	// ModeTextFinalLine parses the last non-empty line as a JSON
	// contract, falling back to trimmed stdout.
	ModeTextFinalLine Mode = "text_contract_final_line"

	// ModeJSONContract requires a JSON contract somewhere in stdout.
	ModeJSONContract Mode = "json_contract"
)

// ValidMode reports whether m is a recognized output mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeText, ModeTextPlain, ModeTextFinalLine, ModeJSONContract:
		return true
	}
	return false
}

// Parse extracts a ProviderResult from raw stdout per the declared mode.
// The provider name is only used in error messages.
func Parse(mode Mode, provider string, stdout string) (llm.ProviderResult, error) {
	trimmed := strings.TrimSpace(stdout)
	plain := llm.ProviderResult{OutputText: trimmed, FinishReason: llm.FinishStop}

	switch mode {
	case ModeTextPlain:
		return plain, nil

	case ModeText:
		if res, ok := softContract(trimmed); ok {
			return res, nil
		}
		return plain, nil

	case ModeTextFinalLine:
		line := lastNonEmptyLine(stdout)
		if line != "" {
			if res, ok := contractFromJSON(line); ok {
				return res, nil
			}
		}
		return plain, nil

	case ModeJSONContract:
		if trimmed == "" {
			return llm.ProviderResult{}, &llm.ParseError{Provider: provider, Detail: "empty stdout in json_contract mode"}
		}
		if res, ok := contractFromJSON(trimmed); ok {
			return res, nil
		}
		// Scan bottom-up for the first line that is a standalone object.
		lines := splitLines(stdout)
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			if res, ok := contractFromJSON(line); ok {
				return res, nil
			}
		}
		// Last resort: repair truncated or sloppily quoted JSON.
		if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
			if res, ok := contractFromJSON(repaired); ok {
				return res, nil
			}
		}
		return llm.ProviderResult{}, &llm.ParseError{Provider: provider, Detail: "no JSON object found in stdout"}

	default:
		return llm.ProviderResult{}, &llm.ParseError{Provider: provider, Detail: "unknown output mode: " + string(mode)}
	}
}

// softContract accepts a parse only when the object carried at least one
// contract field; otherwise text mode falls back to raw stdout.
func softContract(trimmed string) (llm.ProviderResult, bool) {
	obj, ok := decodeObject(trimmed)
	if !ok {
		return llm.ProviderResult{}, false
	}
	if !hasContractField(obj) {
		return llm.ProviderResult{}, false
	}
	return contractFromObject(obj), true
}

func hasContractField(obj map[string]any) bool {
	for _, key := range []string{"output_text", "text", "content"} {
		if _, ok := obj[key].(string); ok {
			return true
		}
	}
	if calls, ok := obj["tool_calls"].([]any); ok && len(calls) > 0 {
		return true
	}
	return false
}

func contractFromJSON(raw string) (llm.ProviderResult, bool) {
	obj, ok := decodeObject(raw)
	if !ok {
		return llm.ProviderResult{}, false
	}
	return contractFromObject(obj), true
}

// contractFromObject maps a parsed contract object to a ProviderResult:
// outputText is the first of output_text|text|content, finish_reason
// defaults from the presence of tool calls.
func contractFromObject(obj map[string]any) llm.ProviderResult {
	res := llm.ProviderResult{}
	for _, key := range []string{"output_text", "text", "content"} {
		if s, ok := obj[key].(string); ok {
			res.OutputText = strings.TrimSpace(s)
			break
		}
	}
	if rawCalls, ok := obj["tool_calls"].([]any); ok {
		for i, entry := range rawCalls {
			if call, ok := normalizeToolCall(entry, i); ok {
				res.ToolCalls = append(res.ToolCalls, call)
			}
		}
	}
	switch fr, _ := obj["finish_reason"].(string); llm.FinishReason(fr) {
	case llm.FinishStop, llm.FinishToolCalls, llm.FinishLength, llm.FinishError:
		res.FinishReason = llm.FinishReason(fr)
	default:
		if len(res.ToolCalls) > 0 {
			res.FinishReason = llm.FinishToolCalls
		} else {
			res.FinishReason = llm.FinishStop
		}
	}
	return res
}

func decodeObject(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '{' {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

func lastNonEmptyLine(s string) string {
	lines := splitLines(s)
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
