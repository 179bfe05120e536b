package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownRoute is returned when a model name refers to a provider that
// has not been registered with the Router.
var ErrUnknownRoute = errors.New("unknown provider route")

// Router dispatches requests to providers by model name. Model names take
// the form "<provider>/<model>"; the prefix selects the provider and the
// remainder is forwarded as the model. Names without a prefix go to the
// default provider.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRouter creates an empty Router whose default provider is defaultName.
func NewRouter(defaultName string) *Router {
	return &Router{
		providers: make(map[string]Provider),
		fallback:  defaultName,
	}
}

// Register adds or replaces the provider for name.
func (r *Router) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Providers returns the registered provider names in sorted order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route resolves a model name to its provider and bare model.
func (r *Router) Route(model string) (Provider, string, error) {
	name, bare := r.fallback, model
	if prefix, rest, ok := strings.Cut(model, "/"); ok {
		name, bare = prefix, rest
	}

	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownRoute, name)
	}
	return p, bare, nil
}

// Chat implements Provider.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p, model, err := r.Route(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = model
	return p.Chat(ctx, req)
}
