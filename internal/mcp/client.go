package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by calls on a client that has been closed.
var ErrClosed = errors.New("client is closed")

// Client represents a connection to a remote MCP server that provides tools
type Client interface {
	// Initialize performs the MCP handshake
	Initialize(ctx context.Context) error

	// ListTools returns available tools from this MCP server
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool with given arguments
	CallTool(ctx context.Context, toolName string, args map[string]any) (CallToolResult, error)

	// Close disconnects from the MCP server
	Close() error

	// Name returns the client identifier
	Name() string
}

// Tool represents an MCP tool/function available for invocation
type Tool struct {
	Name        string         // Tool name
	Description string         // Tool description
	InputSchema map[string]any // JSON Schema for input parameters
	ServerName  string         // Which server provides this tool
}

// transport moves one JSON-RPC exchange over the wire.
type transport interface {
	roundTrip(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error)
	close() error
}

// RemoteClient implements Client on top of a transport (WebSocket or HTTP).
type RemoteClient struct {
	name      string
	transport transport
	info      ClientInfo
	reqID     atomic.Int32
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newRemoteClient(name string, t transport, info ClientInfo, logger *slog.Logger) *RemoteClient {
	return &RemoteClient{
		name:      name,
		transport: t,
		info:      info,
		logger:    logger,
	}
}

// Name returns the client identifier
func (c *RemoteClient) Name() string {
	return c.name
}

// Initialize performs the MCP handshake
func (c *RemoteClient) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.info,
	}

	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	c.logger.Info("MCP server initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// ListTools returns available tools from this MCP server
func (c *RemoteClient) ListTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := c.call(ctx, MethodListTools, nil, &result); err != nil {
		return nil, fmt.Errorf("list tools failed: %w", err)
	}

	tools := make([]Tool, len(result.Tools))
	for i, info := range result.Tools {
		tools[i] = Tool{
			Name:        info.Name,
			Description: info.Description,
			InputSchema: info.InputSchema,
			ServerName:  c.name,
		}
	}

	c.logger.Info("listed tools from MCP server", "server", c.name, "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool with given arguments
func (c *RemoteClient) CallTool(ctx context.Context, toolName string, args map[string]any) (CallToolResult, error) {
	params := CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	var result CallToolResult
	if err := c.call(ctx, MethodCallTool, params, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("call tool failed: %w", err)
	}

	c.logger.Info("called tool", "server", c.name, "tool", toolName)
	return result, nil
}

// Close disconnects from the MCP server
func (c *RemoteClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.transport.close()
	c.logger.Info("closed MCP client", "name", c.name)
	return err
}

func (c *RemoteClient) call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	request := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      int(c.reqID.Add(1)),
		Method:  method,
		Params:  params,
	}

	response, err := c.transport.roundTrip(ctx, request)
	if err != nil {
		return err
	}

	if response.Error != nil {
		return fmt.Errorf("RPC error %d: %s", response.Error.Code, response.Error.Message)
	}

	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

// Registry manages multiple MCP clients
type Registry struct {
	clients map[string]Client
	mu      sync.RWMutex
}

// NewRegistry creates a new client registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
	}
}

// Register adds a client to the registry
func (r *Registry) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Name()] = client
}

// Get retrieves a client by name
func (r *Registry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	return client, ok
}

// All returns all registered clients ordered by name
func (r *Registry) All() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]Client, 0, len(r.clients))
	for _, name := range slices.Sorted(maps.Keys(r.clients)) {
		clients = append(clients, r.clients[name])
	}
	return clients
}

// Count returns the number of registered clients
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close closes all registered clients
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, client := range r.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close client %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
