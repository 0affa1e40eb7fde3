package outparse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/modelgate/internal/llm"
)

// CanonicalName lowers a tool or argument name to snake case: camelCase
// boundaries split, spaces/hyphens/dots/slashes become underscores,
// other non-alphanumerics are stripped, runs collapse, edges trim.
// Idempotent: CanonicalName(CanonicalName(x)) == CanonicalName(x).
func CanonicalName(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			prevLower = false
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevLower = r >= 'a' && r <= 'z'
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '_':
			b.WriteByte('_')
			prevLower = false
		default:
			prevLower = false
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

// ApplyToolFilter post-processes parsed tool calls against the declared
// tool set. Calls naming undeclared tools are dropped; survivors are
// renamed to the declared spelling and their argument keys are
// canonicalized against the declared parameter property names. When the
// request declared no tools, every call is dropped. Returns operator
// warnings (schema validation mismatches); they never fail the request.
func ApplyToolFilter(res *llm.ProviderResult, tools []llm.ToolDefinition) []string {
	if res == nil {
		return nil
	}
	warnings := []string{}

	if len(tools) == 0 {
		if len(res.ToolCalls) > 0 {
			warnings = append(warnings, fmt.Sprintf("dropped %d tool call(s): request declared no tools", len(res.ToolCalls)))
		}
		res.ToolCalls = nil
		if res.FinishReason == llm.FinishToolCalls {
			res.FinishReason = llm.FinishStop
		}
		return warnings
	}

	declared := map[string]llm.ToolDefinition{}
	for _, t := range tools {
		key := CanonicalName(t.Name)
		if key == "" {
			continue
		}
		if _, ok := declared[key]; !ok {
			declared[key] = t
		}
	}

	kept := res.ToolCalls[:0]
	for _, call := range res.ToolCalls {
		def, ok := declared[CanonicalName(call.Name)]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("dropped tool call %q: not in declared tool set", call.Name))
			continue
		}
		call.Name = def.Name
		call.Arguments = canonicalizeArgumentKeys(call.Arguments, def)
		if w := validateArguments(call, def); w != "" {
			warnings = append(warnings, w)
		}
		kept = append(kept, call)
	}
	res.ToolCalls = kept
	if len(res.ToolCalls) == 0 {
		res.ToolCalls = nil
		if res.FinishReason == llm.FinishToolCalls {
			res.FinishReason = llm.FinishStop
		}
	}
	return warnings
}

// canonicalizeArgumentKeys rewrites top-level argument keys to the
// declared property spelling when the canonical forms match. Non-object
// arguments pass through untouched.
func canonicalizeArgumentKeys(arguments string, def llm.ToolDefinition) string {
	props := declaredProperties(def)
	if len(props) == 0 {
		return arguments
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(arguments), &obj); err != nil {
		return arguments
	}
	byCanonical := map[string]string{}
	for name := range props {
		byCanonical[CanonicalName(name)] = name
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if declaredName, ok := byCanonical[CanonicalName(k)]; ok {
			out[declaredName] = v
		} else {
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return arguments
	}
	return string(b)
}

func declaredProperties(def llm.ToolDefinition) map[string]any {
	if def.Parameters == nil {
		return nil
	}
	props, _ := def.Parameters["properties"].(map[string]any)
	return props
}

// validateArguments checks the final argument object against the
// declared parameter schema, advisory only.
func validateArguments(call llm.ToolCall, def llm.ToolDefinition) string {
	schema, err := compileParameterSchema(def.Parameters)
	if err != nil {
		return fmt.Sprintf("tool %s: parameter schema did not compile: %v", def.Name, err)
	}
	var parsed any
	if err := json.Unmarshal([]byte(call.Arguments), &parsed); err != nil {
		return fmt.Sprintf("tool %s call %s: arguments are not valid JSON: %v", def.Name, call.ID, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Sprintf("tool %s call %s: arguments do not match declared schema: %v", def.Name, call.ID, err)
	}
	return ""
}

func compileParameterSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		// Default to empty object schema.
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
