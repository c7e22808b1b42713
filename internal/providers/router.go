package providers

import (
	"context"
	"fmt"

	"github.com/pixyhq/pixy-agent/pkg/models"
)

// Router dispatches each Stream call to the Registry entry matching the
// request's Model.API, so one AgentLoop can fall back across models backed
// by different wire protocols without the loop itself knowing which backend
// is live. Grounded directly on original_source's api_registry.rs
// get_api_provider(api) call, which every streaming call site performs
// itself rather than holding a fixed provider reference.
type Router struct {
	registry *Registry
}

// NewRouter builds a Router over registry. A nil registry falls back to
// DefaultRegistry.
func NewRouter(registry *Registry) *Router {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Router{registry: registry}
}

func (r *Router) API() string { return "router" }

func (r *Router) Stream(ctx context.Context, model models.Model, reqCtx models.Context, opts StreamOptions, stream *Stream) error {
	provider, ok := r.registry.Get(model.API)
	if !ok {
		return New(ErrProviderProtocol, fmt.Sprintf("no provider registered for api %q", model.API))
	}
	return provider.Stream(ctx, model, reqCtx, opts, stream)
}
