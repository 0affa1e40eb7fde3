package outparse

import (
	"encoding/json"
	"sort"
	"strings"
)

// Nested recovery: some CLIs reply to a tool-call prompt by stuffing an
// entire assistant-style reply (often fenced, often doubly encoded) into
// the arguments field of a placeholder tool call. A breadth-limited
// traversal digs the real call out.

// maxNestedNodes caps how many nodes the traversal may visit so that
// adversarial stdout cannot wedge a request.
const maxNestedNodes = 80

// priorityKeys is the expansion order inside a parsed object, most
// likely carriers of a nested reply first.
var priorityKeys = []string{"response", "output_text", "text", "content"}

// recoverNestedToolCall searches raw (usually the arguments value of an
// outer tool call) for an inner tool call. On success it returns the
// inner name and JSON-encoded arguments; the caller keeps the outer id.
func recoverNestedToolCall(raw any) (string, string, bool) {
	if raw == nil {
		return "", "", false
	}

	type node struct{ value any }
	work := []node{{value: raw}}
	seen := map[string]bool{}
	visited := 0

	for len(work) > 0 && visited < maxNestedNodes {
		cur := work[0]
		work = work[1:]
		visited++

		switch v := cur.value.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			for _, candidate := range jsonCandidates(s) {
				var parsed any
				if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
					continue
				}
				switch parsed.(type) {
				case map[string]any, []any:
					work = append(work, node{value: parsed})
				}
			}

		case map[string]any:
			if calls, ok := v["tool_calls"].([]any); ok && len(calls) > 0 {
				if name, args, ok := shallowToolCall(calls[0]); ok {
					return name, args, true
				}
			}
			for _, key := range priorityKeys {
				if s, ok := v[key].(string); ok {
					work = append(work, node{value: s})
				}
			}
			if msg, ok := v["message"].(map[string]any); ok {
				if s, ok := msg["content"].(string); ok {
					work = append(work, node{value: s})
				}
			}
			for _, key := range sortedStringKeys(v) {
				if isPriorityKey(key) || key == "message" {
					continue
				}
				if s, ok := v[key].(string); ok {
					work = append(work, node{value: s})
				}
			}

		case []any:
			// A candidate string can parse straight to a tool_calls
			// array with no envelope object around it.
			if len(v) > 0 && looksLikeToolCallEntry(v[0]) {
				if name, args, ok := shallowToolCall(v[0]); ok {
					return name, args, true
				}
			}
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					work = append(work, node{value: m})
				}
			}
		}
	}
	return "", "", false
}

// looksLikeToolCallEntry gates adoption of array elements: the entry
// must carry a function envelope or both a name-ish and an args-ish key,
// so that a legitimate arguments array is never mistaken for a call.
func looksLikeToolCallEntry(entry any) bool {
	obj, ok := entry.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := obj["function"].(map[string]any); ok {
		return true
	}
	hasName := firstString(obj, toolCallNameKeys) != ""
	hasArgs := false
	for _, key := range toolCallArgKeys {
		if _, ok := obj[key]; ok {
			hasArgs = true
			break
		}
	}
	return hasName && hasArgs
}

// shallowToolCall extracts id-less name/arguments from a raw entry
// without triggering another nested recovery.
func shallowToolCall(entry any) (string, string, bool) {
	obj, ok := entry.(map[string]any)
	if !ok {
		return "", "", false
	}
	name := firstString(obj, toolCallNameKeys)
	var rawArgs any
	for _, key := range toolCallArgKeys {
		if v, ok := obj[key]; ok {
			rawArgs = v
			break
		}
	}
	if fn, ok := obj["function"].(map[string]any); ok {
		if name == "" {
			name = firstString(fn, []string{"name"})
		}
		if rawArgs == nil {
			for _, key := range []string{"arguments", "args"} {
				if v, ok := fn[key]; ok {
					rawArgs = v
					break
				}
			}
		}
	}
	if name == "" {
		return "", "", false
	}
	return name, encodeArguments(rawArgs), true
}

// jsonCandidates lists substrings of s worth a parse attempt: the string
// itself, the bodies of ``` fenced blocks, and the slice between the
// first '{' and last '}'.
func jsonCandidates(s string) []string {
	out := []string{}
	if looksLikeJSON(s) {
		out = append(out, s)
	}
	for _, block := range fencedBlocks(s) {
		if looksLikeJSON(block) {
			out = append(out, block)
		}
	}
	if open := strings.IndexByte(s, '{'); open >= 0 {
		if close := strings.LastIndexByte(s, '}'); close > open {
			inner := strings.TrimSpace(s[open : close+1])
			if inner != s {
				out = append(out, inner)
			}
		}
	}
	return out
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// fencedBlocks returns the bodies of ``` code fences, tolerating a
// language tag on the opening fence.
func fencedBlocks(s string) []string {
	out := []string{}
	for {
		open := strings.Index(s, "```")
		if open < 0 {
			return out
		}
		rest := s[open+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			// Drop the language tag line when present.
			tag := strings.TrimSpace(rest[:nl])
			if tag == "" || isFenceTag(tag) {
				rest = rest[nl+1:]
			}
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			out = append(out, strings.TrimSpace(rest))
			return out
		}
		out = append(out, strings.TrimSpace(rest[:end]))
		s = rest[end+3:]
	}
}

func isFenceTag(tag string) bool {
	if len(tag) > 16 {
		return false
	}
	for _, r := range tag {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func isPriorityKey(key string) bool {
	for _, k := range priorityKeys {
		if k == key {
			return true
		}
	}
	return false
}

func sortedStringKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
