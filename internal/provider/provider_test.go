package provider

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/modelgate/internal/cliexec"
	"github.com/danshapiro/modelgate/internal/jobs"
	"github.com/danshapiro/modelgate/internal/llm"
	"github.com/danshapiro/modelgate/internal/outparse"
)

func writeShim(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write shim: %v", err)
	}
	return path
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func textBinding(t *testing.T, shimBody string, output outparse.Mode) Binding {
	t.Helper()
	return Binding{
		ID:     "p1",
		Models: []ModelConfig{{ID: "m1", ProviderModel: "upstream-m1"}},
		Response: ResponseCommand{
			CommandSpec: cliexec.CommandSpec{Executable: writeShim(t, shimBody), TimeoutMS: 10_000},
			Output:      output,
		},
	}
}

func simpleRequest(model string) llm.Request {
	return llm.Request{
		RequestID: "req-1",
		Model:     model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: "be brief"},
			{Role: llm.RoleUser, Content: "say hello"},
		},
	}
}

func TestRun_TextPlain(t *testing.T) {
	p, err := New(textBinding(t, `printf 'hello from the cli'`, outparse.ModeTextPlain), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(context.Background(), simpleRequest("m1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OutputText != "hello from the cli" {
		t.Fatalf("OutputText: got %q", res.OutputText)
	}
	if res.FinishReason != llm.FinishStop {
		t.Fatalf("FinishReason: got %q", res.FinishReason)
	}
	if res.Raw == nil || res.Raw.Digest == "" {
		t.Fatalf("Raw diagnostics missing: %+v", res.Raw)
	}
}

func TestRun_PromptOnStdin(t *testing.T) {
	p, err := New(textBinding(t, `cat`, outparse.ModeTextPlain), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(context.Background(), simpleRequest("m1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "SYSTEM:\nbe brief\n\nUSER:\nsay hello"
	if res.OutputText != want {
		t.Fatalf("flattened prompt: got %q want %q", res.OutputText, want)
	}
}

func TestRun_ToolAdvertisementAppended(t *testing.T) {
	p, err := New(textBinding(t, `cat`, outparse.ModeTextPlain), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := simpleRequest("m1")
	req.Tools = []llm.ToolDefinition{{Name: "search", Description: "web search"}}
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.OutputText, "AVAILABLE TOOLS:") {
		t.Fatalf("tool advertisement missing from prompt: %q", res.OutputText)
	}
	if !strings.Contains(res.OutputText, `"search"`) {
		t.Fatalf("tool name missing from advertisement: %q", res.OutputText)
	}
}

func TestRun_RequestJSONStdin(t *testing.T) {
	b := textBinding(t, `cat`, outparse.ModeTextPlain)
	b.Response.Input = InputRequestJSONStdin
	p, err := New(b, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(context.Background(), simpleRequest("m1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.OutputText, `"model":"m1"`) {
		t.Fatalf("request JSON not fed on stdin: %q", res.OutputText)
	}
}

func TestRun_TemplateVars(t *testing.T) {
	b := textBinding(t, `printf '%s|%s|%s' "$1" "$2" "$(cat "$3")"`, outparse.ModeTextPlain)
	b.Response.Args = []string{"{{model}}", "{{provider_model}}", "{{prompt_file}}"}
	p, err := New(b, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := llm.Request{RequestID: "r", Model: "m1", Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}}
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "m1|upstream-m1|USER:\nhi"
	if res.OutputText != want {
		t.Fatalf("template vars: got %q want %q", res.OutputText, want)
	}
}

func TestRun_JSONContractToolCall(t *testing.T) {
	body := `printf '%s' '{"output_text":"","tool_calls":[{"id":"c1","name":"Search Web","arguments":"{\"q\":\"go\"}"}],"finish_reason":"tool_calls"}'`
	p, err := New(textBinding(t, body, outparse.ModeJSONContract), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := simpleRequest("m1")
	req.Tools = []llm.ToolDefinition{{Name: "search_web"}}
	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("ToolCalls: got %d want 1", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Name != "search_web" {
		t.Fatalf("tool call not renamed to declared spelling: got %q", res.ToolCalls[0].Name)
	}
	if res.FinishReason != llm.FinishToolCalls {
		t.Fatalf("FinishReason: got %q", res.FinishReason)
	}
}

func TestRun_Timeout(t *testing.T) {
	b := textBinding(t, `sleep 30`, outparse.ModeTextPlain)
	b.Response.TimeoutMS = 200
	p, err := New(b, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Run(context.Background(), simpleRequest("m1"))
	var timeoutErr *llm.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error: got %v want TimeoutError", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("timeout message: got %q", err.Error())
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	p, err := New(textBinding(t, `echo "429 Too Many Requests" 1>&2; exit 1`, outparse.ModeTextPlain), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Run(context.Background(), simpleRequest("m1"))
	var exitErr *llm.ProviderExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error: got %v want ProviderExitError", err)
	}
	if exitErr.ExitCode != 1 {
		t.Fatalf("ExitCode: got %d", exitErr.ExitCode)
	}
	if !strings.Contains(err.Error(), "provider command") {
		t.Fatalf("message: got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "Too Many Requests") {
		t.Fatalf("stderr excerpt missing: %q", err.Error())
	}
}

func TestRun_UnknownModelIsConfigurationError(t *testing.T) {
	p, err := New(textBinding(t, `true`, outparse.ModeTextPlain), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Run(context.Background(), simpleRequest("other"))
	var cfgErr *llm.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error: got %v want ConfigurationError", err)
	}
	if !strings.Contains(err.Error(), "does not expose model") {
		t.Fatalf("message: got %q", err.Error())
	}
}

func TestRun_CleansUpTempDir(t *testing.T) {
	b := textBinding(t, `printf '%s' "$1"`, outparse.ModeTextPlain)
	b.Response.Args = []string{"{{prompt_file}}"}
	p, err := New(b, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Run(context.Background(), simpleRequest("m1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	promptPath := res.OutputText
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, statErr := os.Stat(promptPath); os.IsNotExist(statErr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("prompt file %s still exists after Run returned", promptPath)
}

func TestNew_Validation(t *testing.T) {
	valid := func() Binding {
		return Binding{
			ID:       "p1",
			Models:   []ModelConfig{{ID: "m1"}},
			Response: ResponseCommand{CommandSpec: cliexec.CommandSpec{Executable: "/bin/true"}},
		}
	}
	cases := []struct {
		name    string
		mutate  func(*Binding)
		wantSub string
	}{
		{"missing_id", func(b *Binding) { b.ID = " " }, "missing id"},
		{"no_models", func(b *Binding) { b.Models = nil }, "declares no models"},
		{"missing_executable", func(b *Binding) { b.Response.Executable = "" }, "missing executable"},
		{"duplicate_model", func(b *Binding) { b.Models = append(b.Models, ModelConfig{ID: "m1"}) }, "duplicate model id: m1 (provider p1)"},
		{"blank_model_id", func(b *Binding) { b.Models = []ModelConfig{{ID: "  "}} }, "model without an id"},
		{"bad_input_mode", func(b *Binding) { b.Response.Input = "telepathy" }, "invalid input mode"},
		{"bad_output_mode", func(b *Binding) { b.Response.Output = "csv" }, "invalid output mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := valid()
			tc.mutate(&b)
			_, err := New(b, quietLogger())
			var cfgErr *llm.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error: got %v want ConfigurationError", err)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("message: got %q want substring %q", err.Error(), tc.wantSub)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New(Binding{
		ID:       "p1",
		Models:   []ModelConfig{{ID: "m1"}},
		Response: ResponseCommand{CommandSpec: cliexec.CommandSpec{Executable: "/bin/true"}},
	}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	models := p.Models()
	if models[0].ProviderModel != "m1" {
		t.Fatalf("ProviderModel default: got %q want model id", models[0].ProviderModel)
	}
	if !p.HasModel("m1") || p.HasModel("m2") {
		t.Fatalf("HasModel membership wrong")
	}
}

func TestFlattenPrompt(t *testing.T) {
	got := FlattenPrompt([]llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "usr"},
		{Role: llm.RoleAssistant, Content: "asst"},
	})
	want := "SYSTEM:\nsys\n\nUSER:\nusr\n\nASSISTANT:\nasst"
	if got != want {
		t.Fatalf("FlattenPrompt: got %q want %q", got, want)
	}
}

func TestCheckAuthStatus_NotConfigured(t *testing.T) {
	p, err := New(textBinding(t, `true`, outparse.ModeTextPlain), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	status := p.CheckAuthStatus(context.Background())
	if status.OK || status.Stderr != "not configured" {
		t.Fatalf("status: got %+v", status)
	}
}

func TestCheckAuthStatus_RunsCommand(t *testing.T) {
	b := textBinding(t, `true`, outparse.ModeTextPlain)
	b.Auth.Status = &cliexec.CommandSpec{
		Executable: writeShim(t, `printf 'logged in as %s' "$1"`),
		Args:       []string{"{{provider_id}}"},
		TimeoutMS:  10_000,
	}
	p, err := New(b, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	status := p.CheckAuthStatus(context.Background())
	if !status.OK || status.Stdout != "logged in as p1" {
		t.Fatalf("status: got %+v", status)
	}
}

func TestStartLoginJob(t *testing.T) {
	manager := jobs.NewManager(jobs.Options{Logger: quietLogger()})

	noLogin, err := New(textBinding(t, `true`, outparse.ModeTextPlain), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := noLogin.StartLoginJob(manager); err == nil {
		t.Fatalf("StartLoginJob without loginCommand: expected error")
	}

	b := textBinding(t, `true`, outparse.ModeTextPlain)
	b.Auth.Login = &cliexec.CommandSpec{
		Executable: writeShim(t, `echo "open https://example.com/activate"`),
		TimeoutMS:  10_000,
	}
	withLogin, err := New(b, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, err := withLogin.StartLoginJob(manager)
	if err != nil {
		t.Fatalf("StartLoginJob: %v", err)
	}
	if snap.Kind != "login:p1" {
		t.Fatalf("job kind: got %q want %q", snap.Kind, "login:p1")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := manager.GetJob(snap.ID)
		if got.Status != jobs.StatusRunning {
			if len(got.URLs) != 1 || got.URLs[0] != "https://example.com/activate" {
				t.Fatalf("urls: got %v", got.URLs)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("login job never finished")
}
