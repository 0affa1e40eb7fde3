// Package config loads the gateway's YAML configuration: the provider
// bindings plus server-level settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/modelgate/internal/cliexec"
	"github.com/danshapiro/modelgate/internal/jobs"
	"github.com/danshapiro/modelgate/internal/provider"
	"github.com/danshapiro/modelgate/internal/template"
)

// ServerConfig holds the HTTP adapter settings.
type ServerConfig struct {
	Addr      string `json:"addr,omitempty" yaml:"addr,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
}

// JobsConfig holds job-manager settings.
type JobsConfig struct {
	MaxLogLines    int      `json:"max_log_lines,omitempty" yaml:"max_log_lines,omitempty"`
	MaxJobsPerKind int      `json:"max_jobs_per_kind,omitempty" yaml:"max_jobs_per_kind,omitempty"`
	AllowedCLIs    []string `json:"allowed_clis,omitempty" yaml:"allowed_clis,omitempty"`
}

// ProviderEntry is one provider in the file. Preset, when set, seeds
// the response command from a builtin CLI spec before overrides apply.
type ProviderEntry struct {
	ID          string `json:"id" yaml:"id"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Preset      string `json:"preset,omitempty" yaml:"preset,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Models          []provider.ModelConfig    `json:"models" yaml:"models"`
	ResponseCommand *provider.ResponseCommand `json:"responseCommand,omitempty" yaml:"responseCommand,omitempty"`
	Auth            provider.AuthCommands     `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// File is the root of the YAML config.
type File struct {
	Server    ServerConfig    `json:"server,omitempty" yaml:"server,omitempty"`
	Jobs      JobsConfig      `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Providers []ProviderEntry `json:"providers" yaml:"providers"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes into a File.
func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("config declares no providers")
	}
	return &f, nil
}

// Bindings materializes provider bindings, applying presets and
// defaults.
func (f *File) Bindings() ([]provider.Binding, error) {
	out := make([]provider.Binding, 0, len(f.Providers))
	for _, entry := range f.Providers {
		if entry.Type != "" && entry.Type != "cli" {
			return nil, fmt.Errorf("provider %s: unsupported type %q", entry.ID, entry.Type)
		}
		b := provider.Binding{
			ID:          entry.ID,
			Description: entry.Description,
			Models:      entry.Models,
			Auth:        entry.Auth,
		}
		if entry.Preset != "" {
			preset, ok := BuiltinPreset(entry.Preset)
			if !ok {
				return nil, fmt.Errorf("provider %s: unknown preset %q", entry.ID, entry.Preset)
			}
			b.Response = preset.Response
			if b.Auth.Login == nil {
				b.Auth.Login = preset.Login
			}
			if b.Auth.Status == nil {
				b.Auth.Status = preset.Status
			}
		}
		if entry.ResponseCommand != nil {
			b.Response = mergeResponse(b.Response, *entry.ResponseCommand)
		}
		if b.Response.TimeoutMS <= 0 {
			b.Response.TimeoutMS = cliexec.DefaultTimeoutMS
		}
		out = append(out, b)
	}
	return out, nil
}

func mergeResponse(base provider.ResponseCommand, override provider.ResponseCommand) provider.ResponseCommand {
	out := base
	if strings.TrimSpace(override.Executable) != "" {
		out.Executable = override.Executable
	}
	if override.Args != nil {
		out.Args = override.Args
	}
	if override.Env != nil {
		out.Env = override.Env
	}
	if strings.TrimSpace(override.Cwd) != "" {
		out.Cwd = override.Cwd
	}
	if override.TimeoutMS > 0 {
		out.TimeoutMS = override.TimeoutMS
	}
	if override.Input != "" {
		out.Input = override.Input
	}
	if override.Output != "" {
		out.Output = override.Output
	}
	return out
}

// JobOptions maps the jobs section onto manager options.
func (f *File) JobOptions() jobs.Options {
	return jobs.Options{
		MaxLogLines:    f.Jobs.MaxLogLines,
		MaxJobsPerKind: f.Jobs.MaxJobsPerKind,
		AllowPatterns:  append([]string{}, f.Jobs.AllowedCLIs...),
	}
}

// Validate returns operator warnings: static args that carry shell
// metacharacters worth a second look. Warnings never block startup.
func (f *File) Validate() []string {
	warnings := []string{}
	for _, entry := range f.Providers {
		if entry.ResponseCommand == nil {
			continue
		}
		for i, arg := range entry.ResponseCommand.Args {
			vars := map[string]string{"arg": arg}
			for _, w := range template.CheckVariables(vars, []string{"arg"}) {
				warnings = append(warnings, fmt.Sprintf("provider %s arg %d: %s", entry.ID, i, w))
			}
		}
	}
	return warnings
}
