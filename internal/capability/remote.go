package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ContextHub/internal/mcp"
)

// Remote forwards tool calls to a remote MCP server.
type Remote struct {
	client mcp.Client
}

// NewRemote wraps client as an Invoker.
func NewRemote(client mcp.Client) *Remote {
	return &Remote{client: client}
}

// Invoke implements Invoker. A result flagged isError by the server is
// returned as an error carrying the server's text.
func (r *Remote) Invoke(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	result, err := r.client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", tool, err)
	}

	texts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	text := strings.Join(texts, "\n")

	if result.IsError {
		return nil, fmt.Errorf("tool %s failed on %s: %s", tool, r.client.Name(), text)
	}

	return map[string]any{
		"server":  r.client.Name(),
		"text":    text,
		"content": result.Content,
	}, nil
}

// Discover asks every client in registry for its tools and returns, for each
// wanted tool name, the first client that offers it. Clients that fail to
// list are skipped.
func Discover(ctx context.Context, registry *mcp.Registry, wanted []string, logger *slog.Logger) map[string]mcp.Client {
	found := make(map[string]mcp.Client)
	want := make(map[string]bool, len(wanted))
	for _, name := range wanted {
		want[name] = true
	}

	for _, client := range registry.All() {
		tools, err := client.ListTools(ctx)
		if err != nil {
			logger.Warn("failed to list tools from MCP server", "server", client.Name(), "error", err)
			continue
		}
		for _, tool := range tools {
			if !want[tool.Name] {
				continue
			}
			if _, taken := found[tool.Name]; taken {
				continue
			}
			found[tool.Name] = client
			logger.Info("routing tool to MCP server", "tool", tool.Name, "server", client.Name())
		}
	}
	return found
}
