package capability

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ContextHub/internal/mcp"
)

// Sources describes where tool calls may be sent.
type Sources struct {
	// ServiceURLs maps a tool name to the base URL of its HTTP service.
	ServiceURLs map[string]string
	Timeout     time.Duration
	// Remotes holds initialized MCP clients; may be nil.
	Remotes *mcp.Registry
}

// NewRouterFromSources routes every tool in tools. Each tool goes to its
// HTTP service if one is configured, else to the first remote MCP server
// that lists it, else to Mock. HTTP services are health-checked once here
// and their state recorded on the router; an unhealthy service stays routed.
func NewRouterFromSources(ctx context.Context, src Sources, tools []string, logger *slog.Logger) (*Router, error) {
	router := NewRouter()
	services := make(map[string]*Service)

	var remote map[string]mcp.Client
	if src.Remotes != nil && src.Remotes.Count() > 0 {
		remote = Discover(ctx, src.Remotes, tools, logger)
	}

	for _, tool := range tools {
		if url := src.ServiceURLs[tool]; url != "" {
			svc, err := NewService(tool, url, ServiceEndpoints[tool], src.Timeout, logger)
			if err != nil {
				return nil, err
			}
			router.Handle(tool, svc)
			services[tool] = svc
			logger.Info("tool routed", "tool", tool, "provider", "service", "url", url)
			continue
		}
		if client, ok := remote[tool]; ok {
			router.Handle(tool, NewRemote(client))
			logger.Info("tool routed", "tool", tool, "provider", "mcp", "server", client.Name())
			continue
		}
		router.Handle(tool, Mock{})
		logger.Info("tool routed", "tool", tool, "provider", "mock")
	}

	checkServices(ctx, router, services)
	return router, nil
}

func checkServices(ctx context.Context, router *Router, services map[string]*Service) {
	var g errgroup.Group
	for tool, svc := range services {
		g.Go(func() error {
			router.SetHealth(tool, svc.Check(ctx))
			return nil
		})
	}
	_ = g.Wait()
}
