package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/modelgate/internal/cliexec"
	"github.com/danshapiro/modelgate/internal/gateway"
	"github.com/danshapiro/modelgate/internal/jobs"
	"github.com/danshapiro/modelgate/internal/outparse"
	"github.com/danshapiro/modelgate/internal/provider"
)

func writeShim(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write shim: %v", err)
	}
	return path
}

// testServer builds a server with one text provider and one
// json_contract provider, plus a permissive job manager.
func testServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	bindings := []provider.Binding{
		{
			ID:     "p-text",
			Models: []provider.ModelConfig{{ID: "echo-model"}},
			Response: provider.ResponseCommand{
				CommandSpec: cliexec.CommandSpec{Executable: writeShim(t, `printf 'plain answer'`), TimeoutMS: 10_000},
				Output:      outparse.ModeTextPlain,
			},
		},
		{
			ID:     "p-tools",
			Models: []provider.ModelConfig{{ID: "tool-model"}},
			Response: provider.ResponseCommand{
				CommandSpec: cliexec.CommandSpec{
					Executable: writeShim(t, `printf '%s' '{"output_text":"","tool_calls":[{"id":"c1","name":"search","arguments":"{\"q\":\"go\"}"}],"finish_reason":"tool_calls"}'`),
					TimeoutMS:  10_000,
				},
				Output: outparse.ModeJSONContract,
			},
		},
	}
	registry, err := gateway.NewRegistry(bindings, nil, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	manager := jobs.NewManager(jobs.Options{AllowPatterns: []string{"job.sh"}, Logger: logger})
	return New(Config{Addr: ":0", APIKey: apiKey}, registry, manager)
}

func doJSON(t *testing.T, h http.Handler, method string, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func chatBody(model string, content string) map[string]any {
	return map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
	}
}

func TestAPIKey(t *testing.T) {
	srv := testServer(t, "secret")
	h := srv.Handler()

	t.Run("health_exempt", func(t *testing.T) {
		rec := doJSON(t, h, "GET", "/health", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status: got %d", rec.Code)
		}
	})
	t.Run("missing_key", func(t *testing.T) {
		rec := doJSON(t, h, "GET", "/v1/models", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status: got %d", rec.Code)
		}
	})
	t.Run("wrong_key", func(t *testing.T) {
		rec := doJSON(t, h, "GET", "/v1/models", nil, map[string]string{"Authorization": "Bearer wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status: got %d", rec.Code)
		}
	})
	t.Run("valid_key", func(t *testing.T) {
		rec := doJSON(t, h, "GET", "/v1/models", nil, map[string]string{"Authorization": "Bearer secret"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
		}
	})
}

func TestChatCompletions_Text(t *testing.T) {
	h := testServer(t, "").Handler()
	rec := doJSON(t, h, "POST", "/v1/chat/completions", chatBody("echo-model", "hello"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Fatalf("object: got %q", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("id: got %q", resp.ID)
	}
	if resp.Model != "echo-model" {
		t.Fatalf("model: got %q", resp.Model)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices: %+v", resp.Choices)
	}
	choice := resp.Choices[0]
	if choice.Message.Content == nil || *choice.Message.Content != "plain answer" {
		t.Fatalf("content: got %v", choice.Message.Content)
	}
	if choice.FinishReason != "stop" {
		t.Fatalf("finish_reason: got %q", choice.FinishReason)
	}
	if resp.Usage.TotalTokens != 0 {
		t.Fatalf("usage must be zeros: %+v", resp.Usage)
	}
}

func TestChatCompletions_ToolCalls(t *testing.T) {
	h := testServer(t, "").Handler()
	body := chatBody("tool-model", "find something")
	body["tools"] = []map[string]any{
		{"type": "function", "function": map[string]any{"name": "search"}},
	}
	rec := doJSON(t, h, "POST", "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
	var resp ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("finish_reason: got %q", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool_calls: %+v", choice.Message.ToolCalls)
	}
	call := choice.Message.ToolCalls[0]
	if call.Type != "function" || call.Function.Name != "search" {
		t.Fatalf("call: %+v", call)
	}
	if call.Function.Arguments != `{"q":"go"}` {
		t.Fatalf("arguments: got %q", call.Function.Arguments)
	}
}

func TestChatCompletions_ContentParts(t *testing.T) {
	h := testServer(t, "").Handler()
	body := map[string]any{
		"model": "echo-model",
		"messages": []map[string]any{
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": "part one"},
				{"type": "image_url", "image_url": "ignored"},
				{"type": "text", "text": "part two"},
			}},
		},
	}
	rec := doJSON(t, h, "POST", "/v1/chat/completions", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_Rejections(t *testing.T) {
	h := testServer(t, "").Handler()
	cases := []struct {
		name       string
		body       any
		raw        string
		wantStatus int
		wantCode   string
	}{
		{"malformed_json", nil, "{not json", http.StatusBadRequest, "invalid_request_error"},
		{"streaming", map[string]any{"model": "echo-model", "stream": true, "messages": []map[string]any{{"role": "user", "content": "x"}}}, "", http.StatusBadRequest, "invalid_request_error"},
		{"no_messages", map[string]any{"model": "echo-model"}, "", http.StatusBadRequest, "invalid_request_error"},
		{"bad_role", map[string]any{"model": "echo-model", "messages": []map[string]any{{"role": "narrator", "content": "x"}}}, "", http.StatusBadRequest, "invalid_request_error"},
		{"unknown_model", chatBody("ghost", "x"), "", http.StatusNotFound, "model_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tc.raw != "" {
				req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(tc.raw))
				rec = httptest.NewRecorder()
				h.ServeHTTP(rec, req)
			} else {
				rec = doJSON(t, h, "POST", "/v1/chat/completions", tc.body, nil)
			}
			if rec.Code != tc.wantStatus {
				t.Fatalf("status: got %d want %d (%s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			var errResp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
				t.Fatalf("decode error envelope: %v", err)
			}
			if errResp.Error.Code != tc.wantCode {
				t.Fatalf("code: got %q want %q", errResp.Error.Code, tc.wantCode)
			}
		})
	}
}

func TestListModels(t *testing.T) {
	h := testServer(t, "").Handler()
	rec := doJSON(t, h, "GET", "/v1/models", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp ModelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("response: %+v", resp)
	}
	if resp.Data[0].ID != "echo-model" || resp.Data[0].OwnedBy != "p-text" {
		t.Fatalf("first model: %+v", resp.Data[0])
	}
}

func TestAdminProviders(t *testing.T) {
	h := testServer(t, "").Handler()
	rec := doJSON(t, h, "GET", "/admin/providers", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var out []struct {
		ID     string   `json:"id"`
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].ID != "p-text" || out[0].Models[0] != "echo-model" {
		t.Fatalf("providers: %+v", out)
	}
}

func TestAdminModelStats(t *testing.T) {
	h := testServer(t, "").Handler()
	// Drive one request so the tracker has something to report.
	doJSON(t, h, "POST", "/v1/chat/completions", chatBody("echo-model", "hi"), nil)

	rec := doJSON(t, h, "GET", "/admin/models/stats/echo-model", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
	var snap struct {
		ModelID   string `json:"model_id"`
		Attempts  int64  `json:"attempts"`
		Successes int64  `json:"successes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ModelID != "echo-model" || snap.Attempts != 1 || snap.Successes != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}

	if rec := doJSON(t, h, "GET", "/admin/models/stats/ghost", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("ghost stats status: got %d", rec.Code)
	}
}

func TestAdminAuthAndLimits(t *testing.T) {
	h := testServer(t, "").Handler()
	rec := doJSON(t, h, "GET", "/admin/providers/p-text/auth", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("auth status: got %d", rec.Code)
	}
	var status struct {
		OK     bool   `json:"ok"`
		Stderr string `json:"stderr"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.OK || status.Stderr != "not configured" {
		t.Fatalf("status: %+v", status)
	}

	if rec := doJSON(t, h, "GET", "/admin/providers/ghost/auth", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider status: got %d", rec.Code)
	}
	if rec := doJSON(t, h, "POST", "/admin/providers/p-text/login", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("login without loginCommand status: got %d", rec.Code)
	}
}

func TestAdminCLIAndJobs(t *testing.T) {
	srv := testServer(t, "")
	h := srv.Handler()

	shim := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(shim, []byte("#!/bin/sh\necho started https://example.com/task\n"), 0o755); err != nil {
		t.Fatalf("write shim: %v", err)
	}

	t.Run("disallowed_executable", func(t *testing.T) {
		rec := doJSON(t, h, "POST", "/admin/cli", GenericCLIRequest{Executable: "/bin/rm"}, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status: got %d", rec.Code)
		}
	})

	t.Run("allowed_job_lifecycle", func(t *testing.T) {
		rec := doJSON(t, h, "POST", "/admin/cli", GenericCLIRequest{Executable: shim, TimeoutMS: 10_000}, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
		}
		var snap jobs.Snapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if snap.ID == "" || snap.Kind != "cli" {
			t.Fatalf("snapshot: %+v", snap)
		}

		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			rec := doJSON(t, h, "GET", "/admin/jobs/"+snap.ID, nil, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("get job status: got %d", rec.Code)
			}
			var got jobs.Snapshot
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Status != jobs.StatusRunning {
				if got.Status != jobs.StatusCompleted {
					t.Fatalf("job status: %+v", got)
				}
				if len(got.URLs) != 1 || got.URLs[0] != "https://example.com/task" {
					t.Fatalf("urls: %v", got.URLs)
				}
				break
			}
			time.Sleep(20 * time.Millisecond)
		}

		list := doJSON(t, h, "GET", "/admin/jobs?limit=5", nil, nil)
		if list.Code != http.StatusOK {
			t.Fatalf("list status: got %d", list.Code)
		}
		var all []jobs.Snapshot
		if err := json.Unmarshal(list.Body.Bytes(), &all); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		if len(all) == 0 {
			t.Fatalf("job list empty")
		}
	})

	t.Run("unknown_job", func(t *testing.T) {
		rec := doJSON(t, h, "GET", "/admin/jobs/nope", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status: got %d", rec.Code)
		}
	})
}

func TestProviderError_Status(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	bindings := []provider.Binding{{
		ID:     "p1",
		Models: []provider.ModelConfig{{ID: "m1"}},
		Response: provider.ResponseCommand{
			CommandSpec: cliexec.CommandSpec{Executable: writeShim(t, `echo boom 1>&2; exit 1`), TimeoutMS: 10_000},
			Output:      outparse.ModeTextPlain,
		},
	}}
	registry, err := gateway.NewRegistry(bindings, nil, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	srv := New(Config{Addr: ":0"}, registry, jobs.NewManager(jobs.Options{Logger: logger}))

	rec := doJSON(t, srv.Handler(), "POST", "/v1/chat/completions", chatBody("m1", "hi"), nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Error.Code != "provider_error" {
		t.Fatalf("code: got %q", errResp.Error.Code)
	}
}
