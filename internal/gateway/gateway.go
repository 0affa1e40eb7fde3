// Package gateway maps model ids to providers and drives the fallback
// chain for each request.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/danshapiro/modelgate/internal/health"
	"github.com/danshapiro/modelgate/internal/llm"
	"github.com/danshapiro/modelgate/internal/provider"
)

// ModelBinding resolves one model id to its provider. Bindings reference
// providers by handle; the registry owns them.
type ModelBinding struct {
	ModelID       string
	ProviderModel string
	Description   string
	Fallbacks     []string
	Provider      *provider.Provider
}

// ModelInfo is the listing view of a binding.
type ModelInfo struct {
	ID            string   `json:"id"`
	ProviderID    string   `json:"provider_id"`
	ProviderModel string   `json:"provider_model"`
	Description   string   `json:"description,omitempty"`
	Fallbacks     []string `json:"fallbacks,omitempty"`
}

// Registry is immutable after construction; reads are lock-free.
type Registry struct {
	providers     map[string]*provider.Provider
	providerOrder []string
	models        map[string]ModelBinding
	modelOrder    []string

	tracker *health.Tracker
	logger  *log.Logger
}

// NewRegistry instantiates every binding and indexes all models.
// Duplicate provider or model ids and an empty provider list are
// construction errors.
func NewRegistry(bindings []provider.Binding, tracker *health.Tracker, logger *log.Logger) (*Registry, error) {
	if len(bindings) == 0 {
		return nil, &llm.ConfigurationError{Message: "no providers configured"}
	}
	if tracker == nil {
		tracker = health.NewTracker()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[modelgate-gateway] ", log.LstdFlags)
	}

	r := &Registry{
		providers: map[string]*provider.Provider{},
		models:    map[string]ModelBinding{},
		tracker:   tracker,
		logger:    logger,
	}
	for _, b := range bindings {
		p, err := provider.New(b, logger)
		if err != nil {
			return nil, err
		}
		if _, dup := r.providers[p.ID()]; dup {
			return nil, &llm.ConfigurationError{Message: "duplicate provider id: " + p.ID()}
		}
		r.providers[p.ID()] = p
		r.providerOrder = append(r.providerOrder, p.ID())

		for _, mc := range p.Models() {
			if _, dup := r.models[mc.ID]; dup {
				return nil, &llm.ConfigurationError{Message: "duplicate model id: " + mc.ID}
			}
			r.models[mc.ID] = ModelBinding{
				ModelID:       mc.ID,
				ProviderModel: mc.ProviderModel,
				Description:   mc.Description,
				Fallbacks:     append([]string{}, mc.FallbackModels...),
				Provider:      p,
			}
			r.modelOrder = append(r.modelOrder, mc.ID)
		}
	}
	return r, nil
}

// ListModels returns all registered models in config order.
func (r *Registry) ListModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.modelOrder))
	for _, id := range r.modelOrder {
		b := r.models[id]
		out = append(out, ModelInfo{
			ID:            b.ModelID,
			ProviderID:    b.Provider.ID(),
			ProviderModel: b.ProviderModel,
			Description:   b.Description,
			Fallbacks:     append([]string{}, b.Fallbacks...),
		})
	}
	return out
}

// ListProviders returns provider ids in config order.
func (r *Registry) ListProviders() []string {
	return append([]string{}, r.providerOrder...)
}

// GetProvider returns a provider by id.
func (r *Registry) GetProvider(id string) (*provider.Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// Tracker exposes the health tracker for admin snapshots.
func (r *Registry) Tracker() *health.Tracker { return r.tracker }

// RunModel routes a request through the fallback chain starting at
// modelID. Each attempt is recorded against the tracker; a failed
// attempt advances to the first not-yet-visited fallback of the failed
// model. An unknown initial model fails immediately without consuming a
// chain slot.
func (r *Registry) RunModel(ctx context.Context, modelID string, req llm.Request) (llm.ProviderResult, error) {
	if _, ok := r.models[modelID]; !ok {
		return llm.ProviderResult{}, &llm.InvalidModelError{Model: modelID}
	}

	attempted := []string{}
	visited := map[string]bool{}
	current := modelID
	var lastErr error

	for current != "" {
		if visited[current] {
			break
		}
		visited[current] = true
		attempted = append(attempted, current)
		attemptIndex := len(attempted) - 1

		binding, ok := r.models[current]
		if !ok {
			// Dangling fallback: depends on runtime routing, so it is a
			// runtime config failure recorded against the missing id.
			lastErr = &llm.ConfigurationError{Message: "fallback model not found: " + current}
			r.tracker.RecordAttempt(current, modelID, "unknown", "", attemptIndex)
			r.tracker.RecordFailure(current, "unknown", 0, lastErr)
			break
		}

		attemptReq := req
		attemptReq.Model = current
		attemptReq.ProviderModel = binding.ProviderModel

		start := time.Now()
		r.tracker.RecordAttempt(current, modelID, binding.Provider.ID(), binding.ProviderModel, attemptIndex)
		result, err := binding.Provider.Run(ctx, attemptReq)
		if err == nil {
			r.tracker.RecordSuccess(current, time.Since(start))
			return result, nil
		}

		lastErr = err
		kind := r.tracker.RecordFailure(current, binding.Provider.ID(), time.Since(start), err)
		r.logger.Printf("request %s model %s attempt %d failed (%s): %v", req.RequestID, current, attemptIndex, kind, err)

		next := ""
		for _, fb := range binding.Fallbacks {
			if !visited[fb] {
				next = fb
				break
			}
		}
		if next == "" {
			break
		}
		r.tracker.RecordFallback(current, next)
		r.logger.Printf("request %s falling back %s -> %s (%s)", req.RequestID, current, next, kind)
		current = next
	}

	if len(attempted) <= 1 {
		return llm.ProviderResult{}, lastErr
	}
	return llm.ProviderResult{}, fmt.Errorf("model execution failed after fallback chain: %s. last error: %w", strings.Join(attempted, " -> "), lastErr)
}
