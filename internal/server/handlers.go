package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/modelgate/internal/cliexec"
	"github.com/danshapiro/modelgate/internal/llm"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wireReq ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}
	if wireReq.Stream {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "streaming is not supported")
		return
	}

	requestID := ulid.Make().String()
	req, err := wireReq.toCoreRequest(requestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	result, err := s.registry.RunModel(r.Context(), req.Model, req)
	if err != nil {
		status, code := classifyHTTPStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	resp := fromCoreResult("chatcmpl-"+requestID, time.Now().Unix(), req.Model, result)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	out := ModelListResponse{Object: "list"}
	for _, m := range s.registry.ListModels() {
		out.Data = append(out.Data, ModelItem{ID: m.ID, Object: "model", OwnedBy: m.ProviderID})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	type providerView struct {
		ID          string   `json:"id"`
		Description string   `json:"description,omitempty"`
		Models      []string `json:"models"`
	}
	out := []providerView{}
	for _, id := range s.registry.ListProviders() {
		p, _ := s.registry.GetProvider(id)
		view := providerView{ID: id, Description: p.Description()}
		for _, m := range p.Models() {
			view.Models = append(view.Models, m.ID)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModelStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Tracker().Snapshot())
}

func (s *Server) handleModelStatsOne(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.registry.Tracker().SnapshotModel(id)
	if !ok {
		writeError(w, http.StatusNotFound, "model_not_found", "no stats recorded for model "+id)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleProviderLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.GetProvider(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "provider_not_found", "unknown provider")
		return
	}
	snap, err := p.StartLoginJob(s.jobs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "login_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleProviderAuth(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.GetProvider(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "provider_not_found", "unknown provider")
		return
	}
	writeJSON(w, http.StatusOK, p.CheckAuthStatus(r.Context()))
}

func (s *Server) handleProviderLimits(w http.ResponseWriter, r *http.Request) {
	p, ok := s.registry.GetProvider(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "provider_not_found", "unknown provider")
		return
	}
	writeJSON(w, http.StatusOK, p.CheckRateLimits(r.Context()))
}

// GenericCLIRequest is the POST /admin/cli body: run an allow-listed
// executable as a background job.
type GenericCLIRequest struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	TimeoutMS  int               `json:"timeoutMs,omitempty"`
}

func (s *Server) handleGenericCLI(w http.ResponseWriter, r *http.Request) {
	var body GenericCLIRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body: "+err.Error())
		return
	}
	spec := cliexec.CommandSpec{
		Executable: body.Executable,
		Args:       body.Args,
		Env:        body.Env,
		Cwd:        body.Cwd,
		TimeoutMS:  body.TimeoutMS,
	}
	snap, err := s.jobs.StartAllowedCommand("cli", spec, nil)
	if err != nil {
		writeError(w, http.StatusForbidden, "cli_not_allowed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.jobs.ListJobs(limit))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.jobs.GetJob(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job_not_found", "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// classifyHTTPStatus maps core error kinds onto wire status codes.
func classifyHTTPStatus(err error) (int, string) {
	var invalidModel *llm.InvalidModelError
	if errors.As(err, &invalidModel) {
		return http.StatusNotFound, "model_not_found"
	}
	var timeout *llm.TimeoutError
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout, "provider_timeout"
	}
	var config *llm.ConfigurationError
	if errors.As(err, &config) {
		return http.StatusInternalServerError, "configuration_error"
	}
	return http.StatusBadGateway, "provider_error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    "error",
		Code:    code,
	}})
}
