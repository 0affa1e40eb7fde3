package config

import (
	"strings"

	"github.com/danshapiro/modelgate/internal/cliexec"
	"github.com/danshapiro/modelgate/internal/outparse"
	"github.com/danshapiro/modelgate/internal/provider"
)

// Preset is a builtin response-command shape for a well-known coding
// CLI, so a providers file can declare `preset: claude` and only list
// its models.
type Preset struct {
	Response provider.ResponseCommand
	Login    *cliexec.CommandSpec
	Status   *cliexec.CommandSpec
}

var builtinPresets = map[string]Preset{
	"claude": {
		Response: provider.ResponseCommand{
			CommandSpec: cliexec.CommandSpec{
				Executable: "claude",
				Args:       []string{"-p", "--output-format", "text", "--model", "{{provider_model}}"},
				TimeoutMS:  cliexec.DefaultTimeoutMS,
			},
			Input:  provider.InputPromptStdin,
			Output: outparse.ModeText,
		},
		Login:  &cliexec.CommandSpec{Executable: "claude", Args: []string{"login"}, TimeoutMS: 600_000},
		Status: &cliexec.CommandSpec{Executable: "claude", Args: []string{"auth", "status"}, TimeoutMS: 30_000},
	},
	"codex": {
		Response: provider.ResponseCommand{
			CommandSpec: cliexec.CommandSpec{
				Executable: "codex",
				Args:       []string{"exec", "--json", "-m", "{{provider_model}}"},
				TimeoutMS:  cliexec.DefaultTimeoutMS,
			},
			Input:  provider.InputPromptStdin,
			Output: outparse.ModeTextFinalLine,
		},
		Login:  &cliexec.CommandSpec{Executable: "codex", Args: []string{"login"}, TimeoutMS: 600_000},
		Status: &cliexec.CommandSpec{Executable: "codex", Args: []string{"login", "status"}, TimeoutMS: 30_000},
	},
	"gemini": {
		Response: provider.ResponseCommand{
			CommandSpec: cliexec.CommandSpec{
				Executable: "gemini",
				Args:       []string{"-p", "--model", "{{provider_model}}"},
				TimeoutMS:  cliexec.DefaultTimeoutMS,
			},
			Input:  provider.InputPromptStdin,
			Output: outparse.ModeText,
		},
	},
}

// BuiltinPreset looks up a preset by case-insensitive name.
func BuiltinPreset(name string) (Preset, bool) {
	p, ok := builtinPresets[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// BuiltinPresetNames lists available preset names.
func BuiltinPresetNames() []string {
	out := make([]string, 0, len(builtinPresets))
	for name := range builtinPresets {
		out = append(out, name)
	}
	return out
}
