// Package server is the HTTP adapter: it speaks the OpenAI wire
// protocol to clients and the admin surface to operators, and hands
// unified requests to the gateway core.
package server

import (
	"context"
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/modelgate/internal/gateway"
	"github.com/danshapiro/modelgate/internal/jobs"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"

	// APIKey guards every endpoint except /health. Empty disables the
	// check (local development only).
	APIKey string
}

// Server is the HTTP front of the gateway.
type Server struct {
	config   Config
	registry *gateway.Registry
	jobs     *jobs.Manager
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger
}

// New creates a Server around an already-constructed registry and job
// manager.
func New(cfg Config, registry *gateway.Registry, manager *jobs.Manager) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		registry: registry,
		jobs:     manager,
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   log.New(os.Stderr, "[modelgate-server] ", log.LstdFlags),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleListModels)

	mux.HandleFunc("GET /admin/providers", s.handleListProviders)
	mux.HandleFunc("GET /admin/models/stats", s.handleModelStats)
	mux.HandleFunc("GET /admin/models/stats/{id}", s.handleModelStatsOne)
	mux.HandleFunc("POST /admin/providers/{id}/login", s.handleProviderLogin)
	mux.HandleFunc("GET /admin/providers/{id}/auth", s.handleProviderAuth)
	mux.HandleFunc("GET /admin/providers/{id}/limits", s.handleProviderLimits)
	mux.HandleFunc("POST /admin/cli", s.handleGenericCLI)
	mux.HandleFunc("GET /admin/jobs", s.handleListJobs)
	mux.HandleFunc("GET /admin/jobs/{id}", s.handleGetJob)

	s.httpSrv = &http.Server{
		Handler:      s.requireAPIKey(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // model runs can outlive any fixed write deadline
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	s.cancel()
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// requireAPIKey checks the bearer token on everything except /health.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
