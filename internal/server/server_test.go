package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ContextHub/internal/backend"
	"ContextHub/internal/capability"
	"ContextHub/internal/gateway"
	"ContextHub/internal/hub"
	"ContextHub/internal/mcp"
	"ContextHub/internal/server"
	"ContextHub/internal/session"
)

type fakeMetrics struct {
	opened  atomic.Int32
	closed  atomic.Int32
	inbound atomic.Int32
}

func (m *fakeMetrics) ChannelOpened(string) { m.opened.Add(1) }
func (m *fakeMetrics) ChannelClosed(string) { m.closed.Add(1) }
func (m *fakeMetrics) InboundEvent(string)  { m.inbound.Add(1) }

func (m *fakeMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
}

type fixture struct {
	store    *session.Store
	registry *hub.Registry
	metrics  *fakeMetrics
	srv      *httptest.Server
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newFixture(t *testing.T, invoker gateway.Invoker) *fixture {
	t.Helper()
	logger := testLogger()

	f := &fixture{
		store:    session.NewStore(),
		registry: hub.NewRegistry(),
		metrics:  &fakeMetrics{},
	}
	broadcaster := hub.NewBroadcaster(f.registry, logger, nil)

	dispatcher, err := gateway.NewDispatcher(f.store, backend.Mock{}, invoker, broadcaster, gateway.WithLogger(logger))
	require.NoError(t, err)
	events := hub.NewEventHandler(f.store, dispatcher, logger)

	s, err := server.New(server.Config{
		Listen:         "127.0.0.1:0",
		MaxMessageSize: 1 << 16,
		ChannelBuffer:  8,
	}, f.store, f.registry, dispatcher, events,
		server.WithLogger(logger),
		server.WithMetrics(f.metrics),
	)
	require.NoError(t, err)

	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) rpc(t *testing.T, method, sessionID string, params any) (int, gateway.Response) {
	t.Helper()
	req := map[string]any{"method": method, "sessionId": sessionID}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(f.srv.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out gateway.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?sessionId=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ev := readEvent(t, conn)
	require.Equal(t, hub.EventConnected, ev.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) hub.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev hub.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestNew_Validation(t *testing.T) {
	_, err := server.New(server.Config{ChannelBuffer: 1}, nil, hub.NewRegistry(), nil, nil)
	assert.Error(t, err)
}

func TestRPC(t *testing.T) {
	failing := capability.InvokerFunc(func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, errors.New("service down")
	})
	f := newFixture(t, failing)

	code, resp := f.rpc(t, mcp.MethodInitialize, "s1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = f.rpc(t, mcp.MethodComplete, "s1", map[string]string{"prompt": "hi"})
	require.Equal(t, http.StatusOK, code)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Mock completion for: hi", result["completion"])

	code, resp = f.rpc(t, mcp.MethodComplete, "nobody", map[string]string{"prompt": "hi"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "context not found")
	_, exists := f.store.Get("nobody")
	assert.False(t, exists)

	code, _ = f.rpc(t, mcp.MethodCallTool, "s1", map[string]any{"tool": "search_web", "arguments": map[string]any{"query": "go"}})
	assert.Equal(t, http.StatusFailedDependency, code)

	code, resp = f.rpc(t, mcp.MethodCallTool, "s1", map[string]any{"tool": "fly"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "unknown tool")

	code, resp = f.rpc(t, "nope", "s1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "unknown method")
}

func TestRPC_MalformedBody(t *testing.T) {
	f := newFixture(t, capability.Mock{})

	resp, err := http.Post(f.srv.URL+"/rpc", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(f.srv.URL+"/rpc", "application/json", strings.NewReader(`{"sessionId":"s1"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestWebSocket_PushAndInbound(t *testing.T) {
	f := newFixture(t, capability.Mock{})
	conn := f.dial(t, "s1")

	code, _ := f.rpc(t, mcp.MethodInitialize, "s1", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = f.rpc(t, mcp.MethodComplete, "s1", map[string]string{"prompt": "hi"})
	require.Equal(t, http.StatusOK, code)

	ev := readEvent(t, conn)
	require.Equal(t, hub.EventContextUpdate, ev.Type)
	var pushed hub.ContextPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &pushed))
	require.Len(t, pushed.Context.Messages, 1)
	assert.Equal(t, session.RoleAssistant, pushed.Context.Messages[0].Role)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    hub.EventContextUpdate,
		"payload": map[string]any{"role": "user", "content": "P"},
	}))
	ev = readEvent(t, conn)
	require.Equal(t, hub.EventContextUpdated, ev.Type)
	var echoed hub.ContextPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &echoed))
	stored, ok := f.store.Get("s1")
	require.True(t, ok)
	assert.Len(t, echoed.Context.Messages, 2)
	assert.Equal(t, stored.Messages, echoed.Context.Messages)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": hub.EventPing}))
	assert.Equal(t, hub.EventPong, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    hub.EventRPC,
		"payload": map[string]any{"id": 7, "method": mcp.MethodListTools},
	}))
	ev = readEvent(t, conn)
	require.Equal(t, hub.EventRPCResult, ev.Type)
	var rpcResult hub.RPCResultPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rpcResult))
	assert.True(t, rpcResult.Success)
	assert.JSONEq(t, "7", string(rpcResult.ID))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	assert.Equal(t, hub.EventError, readEvent(t, conn).Type)

	// the channel survives bad frames
	require.NoError(t, conn.WriteJSON(map[string]any{"type": hub.EventPing}))
	assert.Equal(t, hub.EventPong, readEvent(t, conn).Type)
	assert.GreaterOrEqual(t, f.metrics.inbound.Load(), int32(5))
}

func TestWebSocket_SlowRPCKeepsChannelServing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := capability.InvokerFunc(func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		close(started)
		select {
		case <-release:
			return map[string]any{"output": "late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	f := newFixture(t, slow)
	conn := f.dial(t, "s1")
	code, _ := f.rpc(t, mcp.MethodInitialize, "s1", nil)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    hub.EventRPC,
		"payload": map[string]any{
			"id":     1,
			"method": mcp.MethodCallTool,
			"params": map[string]any{"name": gateway.ToolSearchWeb, "arguments": map[string]any{"query": "go"}},
		},
	}))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool call never started")
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": hub.EventPing}))
	assert.Equal(t, hub.EventPong, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    hub.EventContextUpdate,
		"payload": map[string]any{"content": "while waiting"},
	}))
	assert.Equal(t, hub.EventContextUpdated, readEvent(t, conn).Type)

	close(release)
	ev := readEvent(t, conn)
	require.Equal(t, hub.EventRPCResult, ev.Type)
	var rpcResult hub.RPCResultPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rpcResult))
	assert.True(t, rpcResult.Success)

	_, ok := f.registry.Lookup("s1")
	assert.True(t, ok)
	code, _ = f.rpc(t, mcp.MethodComplete, "s1", map[string]string{"prompt": "hi"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, hub.EventContextUpdate, readEvent(t, conn).Type)
}

func TestWebSocket_GeneratesSessionID(t *testing.T) {
	f := newFixture(t, capability.Mock{})
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	require.Equal(t, hub.EventConnected, ev.Type)
	var payload hub.ConnectedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.NotEmpty(t, payload.SessionID)

	_, ok := f.registry.Lookup(payload.SessionID)
	assert.True(t, ok)
}

func TestWebSocket_StaleCloseKeepsNewerChannel(t *testing.T) {
	f := newFixture(t, capability.Mock{})
	first := f.dial(t, "s1")
	second := f.dial(t, "s1")
	require.Equal(t, int32(2), f.metrics.opened.Load())

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return f.metrics.closed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, ok := f.registry.Lookup("s1")
	require.True(t, ok, "late close of the replaced channel must not evict the newer one")

	f.rpc(t, mcp.MethodInitialize, "s1", nil)
	f.rpc(t, mcp.MethodComplete, "s1", map[string]string{"prompt": "hi"})
	assert.Equal(t, hub.EventContextUpdate, readEvent(t, second).Type)

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

type sseEvent struct {
	typ  string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.typ != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, "event:"):
			ev.typ = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestEvents_SSE(t *testing.T) {
	f := newFixture(t, capability.Mock{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/events?sessionId=s2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	ev := readSSE(t, r)
	assert.Equal(t, hub.EventConnected, ev.typ)
	assert.JSONEq(t, `{"sessionId":"s2"}`, ev.data)

	f.rpc(t, mcp.MethodInitialize, "s2", nil)
	f.rpc(t, mcp.MethodComplete, "s2", map[string]string{"prompt": "hi"})

	ev = readSSE(t, r)
	assert.Equal(t, hub.EventContextUpdate, ev.typ)
	var payload hub.ContextPayload
	require.NoError(t, json.Unmarshal([]byte(ev.data), &payload))
	assert.Equal(t, "s2", payload.SessionID)
	assert.Len(t, payload.Context.Messages, 1)
}

func TestSessionsAndHealth(t *testing.T) {
	f := newFixture(t, capability.Mock{})
	f.store.Create("s1")

	resp, err := http.Get(f.srv.URL + "/sessions/s1")
	require.NoError(t, err)
	var got gateway.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, got.Success)

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/sessions/s1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/sessions/s1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.store.Create("s2")
	resp, err = http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["sessions"])
	assert.Equal(t, float64(0), health["channels"])
	assert.NotContains(t, health, "tools")

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "# metrics\n", string(body))
}

func TestHealth_ToolStates(t *testing.T) {
	store := session.NewStore()
	router := capability.NewRouter()
	router.Handle(gateway.ToolSearchWeb, capability.Mock{})
	router.SetHealth(gateway.ToolSearchWeb, capability.HealthHealthy)
	router.SetHealth(gateway.ToolExecuteCode, capability.HealthUnavailable)

	dispatcher, err := gateway.NewDispatcher(store, backend.Mock{}, router, nil)
	require.NoError(t, err)
	s, err := server.New(server.Config{ChannelBuffer: 1}, store, hub.NewRegistry(), dispatcher,
		hub.NewEventHandler(store, dispatcher, nil), server.WithToolHealth(router))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status": "degraded",
		"sessions": 0,
		"channels": 0,
		"tools": {"search_web": "healthy", "execute_code": "unavailable"}
	}`, rec.Body.String())
}

func TestServe_StopsOnCancel(t *testing.T) {
	store := session.NewStore()
	registry := hub.NewRegistry()
	dispatcher, err := gateway.NewDispatcher(store, backend.Mock{}, capability.Mock{}, nil)
	require.NoError(t, err)
	s, err := server.New(server.Config{ChannelBuffer: 1, MaxMessageSize: 1024}, store, registry, dispatcher,
		hub.NewEventHandler(store, dispatcher, nil))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
