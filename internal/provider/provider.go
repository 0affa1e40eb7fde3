// Package provider binds one upstream CLI tool: it owns a set of model
// ids, the templated response command, and optional auth/status/rate
// commands.
package provider

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/modelgate/internal/cliexec"
	"github.com/danshapiro/modelgate/internal/jobs"
	"github.com/danshapiro/modelgate/internal/llm"
	"github.com/danshapiro/modelgate/internal/outparse"
)

// InputMode selects what the child receives on stdin.
type InputMode string

const (
	InputPromptStdin      InputMode = "prompt_stdin"
	InputRequestJSONStdin InputMode = "request_json_stdin"
)

// ModelConfig is one model exposed by a binding.
type ModelConfig struct {
	ID             string   `json:"id" yaml:"id"`
	ProviderModel  string   `json:"providerModel,omitempty" yaml:"providerModel,omitempty"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	FallbackModels []string `json:"fallbackModels,omitempty" yaml:"fallbackModels,omitempty"`
}

// ResponseCommand is the templated command that answers model requests.
type ResponseCommand struct {
	cliexec.CommandSpec `yaml:",inline"`

	Input  InputMode     `json:"input,omitempty" yaml:"input,omitempty"`
	Output outparse.Mode `json:"output,omitempty" yaml:"output,omitempty"`
}

// AuthCommands are the optional auth-related commands of a binding.
type AuthCommands struct {
	Login     *cliexec.CommandSpec `json:"loginCommand,omitempty" yaml:"loginCommand,omitempty"`
	Status    *cliexec.CommandSpec `json:"statusCommand,omitempty" yaml:"statusCommand,omitempty"`
	RateLimit *cliexec.CommandSpec `json:"rateLimitCommand,omitempty" yaml:"rateLimitCommand,omitempty"`
}

// Binding is the parsed configuration of one provider.
type Binding struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Models      []ModelConfig   `json:"models" yaml:"models"`
	Response    ResponseCommand `json:"responseCommand" yaml:"responseCommand"`
	Auth        AuthCommands    `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// Provider executes requests for one binding. Immutable after New.
type Provider struct {
	binding Binding
	models  map[string]ModelConfig
	logger  *log.Logger
}

// New validates a binding and builds a Provider.
func New(b Binding, logger *log.Logger) (*Provider, error) {
	if strings.TrimSpace(b.ID) == "" {
		return nil, &llm.ConfigurationError{Message: "provider missing id"}
	}
	if len(b.Models) == 0 {
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s declares no models", b.ID)}
	}
	if strings.TrimSpace(b.Response.Executable) == "" {
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s responseCommand missing executable", b.ID)}
	}
	if b.Response.TimeoutMS <= 0 {
		b.Response.TimeoutMS = cliexec.DefaultTimeoutMS
	}
	if b.Response.Input == "" {
		b.Response.Input = InputPromptStdin
	}
	if b.Response.Input != InputPromptStdin && b.Response.Input != InputRequestJSONStdin {
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s: invalid input mode %q", b.ID, b.Response.Input)}
	}
	if b.Response.Output == "" {
		b.Response.Output = outparse.ModeText
	}
	if !outparse.ValidMode(b.Response.Output) {
		return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s: invalid output mode %q", b.ID, b.Response.Output)}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[modelgate-provider] ", log.LstdFlags)
	}

	models := map[string]ModelConfig{}
	for _, mc := range b.Models {
		id := strings.TrimSpace(mc.ID)
		if id == "" {
			return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s has a model without an id", b.ID)}
		}
		if _, dup := models[id]; dup {
			return nil, &llm.ConfigurationError{Message: fmt.Sprintf("duplicate model id: %s (provider %s)", id, b.ID)}
		}
		if strings.TrimSpace(mc.ProviderModel) == "" {
			mc.ProviderModel = id
		}
		models[id] = mc
	}
	return &Provider{binding: b, models: models, logger: logger}, nil
}

func (p *Provider) ID() string          { return p.binding.ID }
func (p *Provider) Description() string { return p.binding.Description }

// Models returns the binding's models in config order.
func (p *Provider) Models() []ModelConfig {
	out := make([]ModelConfig, 0, len(p.binding.Models))
	for _, mc := range p.binding.Models {
		if strings.TrimSpace(mc.ProviderModel) == "" {
			mc.ProviderModel = mc.ID
		}
		out = append(out, mc)
	}
	return out
}

func (p *Provider) HasModel(id string) bool {
	_, ok := p.models[id]
	return ok
}

// Run executes one request against this provider's response command.
func (p *Provider) Run(ctx context.Context, req llm.Request) (llm.ProviderResult, error) {
	mc, ok := p.models[req.Model]
	if !ok {
		return llm.ProviderResult{}, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s does not expose model %s", p.binding.ID, req.Model)}
	}
	providerModel := req.ProviderModel
	if strings.TrimSpace(providerModel) == "" {
		providerModel = mc.ProviderModel
	}

	prompt := FlattenPrompt(req.Messages)
	if p.binding.Response.Input == InputPromptStdin && len(req.Tools) > 0 {
		prompt = prompt + "\n\n" + toolAdvertisement(req.Tools)
	}

	tmpDir, err := os.MkdirTemp("", "modelgate-"+p.binding.ID+"-*")
	if err != nil {
		return llm.ProviderResult{}, fmt.Errorf("create request workdir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	promptFile := filepath.Join(tmpDir, "prompt.txt")
	requestFile := filepath.Join(tmpDir, "request.json")
	requestJSON, err := json.Marshal(req)
	if err != nil {
		return llm.ProviderResult{}, fmt.Errorf("encode request: %w", err)
	}
	if err := os.WriteFile(promptFile, []byte(prompt), 0o644); err != nil {
		return llm.ProviderResult{}, fmt.Errorf("write prompt file: %w", err)
	}
	if err := os.WriteFile(requestFile, requestJSON, 0o644); err != nil {
		return llm.ProviderResult{}, fmt.Errorf("write request file: %w", err)
	}

	vars := map[string]string{
		"request_id":     req.RequestID,
		"provider_id":    p.binding.ID,
		"model":          req.Model,
		"provider_model": providerModel,
		"prompt":         prompt,
		"prompt_file":    promptFile,
		"request_file":   requestFile,
	}
	resolved := p.binding.Response.CommandSpec.Resolve(vars)

	stdin := prompt
	if p.binding.Response.Input == InputRequestJSONStdin {
		stdin = string(requestJSON)
	}

	outcome, err := cliexec.Run(ctx, resolved, stdin)
	if err != nil {
		return llm.ProviderResult{}, err
	}
	if outcome.TimedOut {
		return llm.ProviderResult{}, &llm.TimeoutError{Provider: p.binding.ID, Model: req.Model, TimeoutMS: resolved.TimeoutMS}
	}
	if outcome.ExitCode != 0 {
		return llm.ProviderResult{}, &llm.ProviderExitError{
			Provider: p.binding.ID,
			ExitCode: outcome.ExitCode,
			Stderr:   outcome.Stderr,
			Stdout:   outcome.Stdout,
		}
	}

	result, err := outparse.Parse(p.binding.Response.Output, p.binding.ID, outcome.Stdout)
	if err != nil {
		return llm.ProviderResult{}, err
	}
	for _, warning := range outparse.ApplyToolFilter(&result, req.Tools) {
		p.logger.Printf("request %s model %s: %s", req.RequestID, req.Model, warning)
	}
	result.Raw = &llm.RawDiagnostics{
		Stdout: outcome.Stdout,
		Digest: contentDigest(outcome.Stdout),
	}
	return result, nil
}

// FlattenPrompt renders messages as "ROLE:\ncontent" blocks joined by
// blank lines.
func FlattenPrompt(messages []llm.ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, strings.ToUpper(string(m.Role))+":\n"+m.Content)
	}
	return strings.Join(parts, "\n\n")
}

// toolAdvertisement instructs a plain-prompt CLI how to surface tool
// calls: the JSON tool list plus the exact output contract the parser
// recognizes.
func toolAdvertisement(tools []llm.ToolDefinition) string {
	toolsJSON, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		toolsJSON = []byte("[]")
	}
	return strings.Join([]string{
		"AVAILABLE TOOLS:",
		string(toolsJSON),
		"",
		"To call a tool, reply with only a JSON object of this shape:",
		`{"output_text": "", "tool_calls": [{"id": "call_1", "name": "<tool name>", "arguments": "{\"param\": \"value\"}"}], "finish_reason": "tool_calls"}`,
		"To answer normally, reply with your answer text.",
	}, "\n")
}

// CommandStatus is the outcome of a synchronous auth/status/rate-limit
// command.
type CommandStatus struct {
	OK       bool   `json:"ok"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// StartLoginJob hands the login command to the job manager. Login runs
// in the background because OAuth device flows block on the operator;
// the device code and URL surface through the job's logs.
func (p *Provider) StartLoginJob(manager *jobs.Manager) (jobs.Snapshot, error) {
	if p.binding.Auth.Login == nil {
		return jobs.Snapshot{}, &llm.ConfigurationError{Message: fmt.Sprintf("provider %s has no loginCommand configured", p.binding.ID)}
	}
	return manager.StartCommand("login:"+p.binding.ID, *p.binding.Auth.Login, map[string]string{
		"provider_id": p.binding.ID,
	})
}

// CheckAuthStatus runs the status command synchronously.
func (p *Provider) CheckAuthStatus(ctx context.Context) CommandStatus {
	return p.runStatusCommand(ctx, p.binding.Auth.Status)
}

// CheckRateLimits runs the rate-limit command synchronously.
func (p *Provider) CheckRateLimits(ctx context.Context) CommandStatus {
	return p.runStatusCommand(ctx, p.binding.Auth.RateLimit)
}

func (p *Provider) runStatusCommand(ctx context.Context, spec *cliexec.CommandSpec) CommandStatus {
	if spec == nil {
		return CommandStatus{OK: false, Stderr: "not configured"}
	}
	resolved := spec.Resolve(map[string]string{"provider_id": p.binding.ID})
	outcome, err := cliexec.Run(ctx, resolved, "")
	if err != nil {
		return CommandStatus{OK: false, Stderr: err.Error()}
	}
	code := outcome.ExitCode
	return CommandStatus{
		OK:       outcome.ExitCode == 0 && !outcome.TimedOut,
		ExitCode: &code,
		Stdout:   outcome.Stdout,
		Stderr:   outcome.Stderr,
	}
}

func contentDigest(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
