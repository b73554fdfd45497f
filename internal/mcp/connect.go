package mcp

import (
	"context"
	"log/slog"
	"strings"
)

// Connect starts every local MCP server command and dials every remote URL,
// registering the clients that complete the handshake. Servers that fail are
// logged and skipped.
func Connect(ctx context.Context, local, remote []string, info ClientInfo, logger *slog.Logger) *Registry {
	registry := NewRegistry()

	// Local servers are whitespace separated commands, e.g. "python3 tools.py".
	for _, command := range local {
		client, err := NewStdioClient(strings.Fields(command), info, logger)
		if err != nil {
			logger.Warn("failed to create stdio MCP client", "command", command, "error", err)
			continue
		}
		register(ctx, registry, client, logger)
	}

	for _, serverURL := range remote {
		var client *RemoteClient
		var err error

		// Determine protocol based on URL prefix
		if strings.HasPrefix(serverURL, "ws://") || strings.HasPrefix(serverURL, "wss://") {
			client, err = NewWebSocketClient(ctx, serverURL, info, logger)
		} else {
			client, err = NewHTTPClient(serverURL, nil, info, logger)
		}
		if err != nil {
			logger.Warn("failed to create remote MCP client", "url", serverURL, "error", err)
			continue
		}
		register(ctx, registry, client, logger)
	}

	logger.Info("MCP initialized", "servers", registry.Count())
	return registry
}

func register(ctx context.Context, registry *Registry, client *RemoteClient, logger *slog.Logger) {
	if err := client.Initialize(ctx); err != nil {
		logger.Warn("failed to initialize MCP client", "server", client.Name(), "error", err)
		_ = client.Close()
		return
	}
	registry.Register(client)
	logger.Info("registered MCP server", "server", client.Name())
}
