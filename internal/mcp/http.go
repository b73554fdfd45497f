package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// httpTransport posts each JSON-RPC request to <baseURL>/rpc.
type httpTransport struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPClient creates an MCP client for a remote server speaking JSON-RPC over HTTP
func NewHTTPClient(baseURL string, httpClient *http.Client, info ClientInfo, logger *slog.Logger) (*RemoteClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	t := &httpTransport{
		endpoint:   strings.TrimRight(baseURL, "/") + "/rpc",
		httpClient: httpClient,
	}

	logger.Info("created MCP HTTP client", "url", baseURL)
	return newRemoteClient(baseURL, t, info, logger), nil
}

func (t *httpTransport) roundTrip(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	requestJSON, err := json.Marshal(req)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(requestJSON))
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return JSONRPCResponse{}, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(body))
	}

	var response JSONRPCResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return response, nil
}

func (t *httpTransport) close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}
