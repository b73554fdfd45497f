package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseWait = time.Second

// wsTransport carries JSON-RPC over a single WebSocket connection. Requests
// share the connection; one reader goroutine matches responses to callers by
// id, so a slow call never holds up the others.
type wsTransport struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
	pending pendingCalls
	done    chan struct{}
}

// NewWebSocketClient dials a remote MCP server over WebSocket
func NewWebSocketClient(ctx context.Context, url string, info ClientInfo, logger *slog.Logger) (*RemoteClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	t := &wsTransport{
		conn:   conn,
		logger: logger.With("url", url),
		done:   make(chan struct{}),
	}
	go t.readLoop()

	logger.Info("created MCP WebSocket client", "url", url)
	return newRemoteClient(url, t, info, logger), nil
}

func (t *wsTransport) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.pending.fail(fmt.Errorf("failed to read response: %w", err))
			return
		}
		var resp JSONRPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("dropping malformed MCP frame", "error", err)
			continue
		}
		t.pending.deliver(resp)
	}
}

func (t *wsTransport) roundTrip(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	if err := ctx.Err(); err != nil {
		return JSONRPCResponse{}, err
	}

	ch, err := t.pending.add(req.ID)
	if err != nil {
		return JSONRPCResponse{}, err
	}

	if err := t.write(ctx, req); err != nil {
		t.pending.remove(req.ID)
		return JSONRPCResponse{}, fmt.Errorf("failed to write request: %w", err)
	}
	return t.pending.wait(ctx, req.ID, ch)
}

func (t *wsTransport) write(ctx context.Context, req JSONRPCRequest) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(req)
}

func (t *wsTransport) close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseWait))
	t.writeMu.Unlock()

	t.pending.fail(ErrClosed)
	err := t.conn.Close()
	<-t.done
	return err
}
