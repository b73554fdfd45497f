package capability

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// ErrNoProvider is returned when no invoker is routed for a tool.
var ErrNoProvider = errors.New("no provider for tool")

// Invoker calls an external tool by name.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, tool string, args map[string]any) (map[string]any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	return f(ctx, tool, args)
}

// Router sends each tool call to the invoker registered for that tool.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Invoker
	health map[string]string
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]Invoker),
		health: make(map[string]string),
	}
}

// Handle routes tool to inv, replacing any earlier route.
func (r *Router) Handle(tool string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[tool] = inv
}

// Invoke forwards the call to the routed invoker.
func (r *Router) Invoke(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	inv, ok := r.routes[tool]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, tool)
	}
	return inv.Invoke(ctx, tool, args)
}

// SetHealth records the last known state of the provider behind tool.
func (r *Router) SetHealth(tool, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[tool] = state
}

// Health returns a copy of the recorded provider states keyed by tool.
// Tools without a health check are absent.
func (r *Router) Health() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.health)
}

// Tools returns the routed tool names in sorted order.
func (r *Router) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.routes))
}
