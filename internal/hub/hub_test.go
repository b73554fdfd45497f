package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ContextHub/internal/hub"
	"ContextHub/internal/session"
)

type fakeChannel struct {
	mu     sync.Mutex
	closed bool
	err    error
	events []hub.Event
}

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeChannel) Send(ev hub.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeChannel) received() []hub.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hub.Event(nil), c.events...)
}

func (c *fakeChannel) last(t *testing.T) hub.Event {
	t.Helper()
	evs := c.received()
	require.NotEmpty(t, evs)
	return evs[len(evs)-1]
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *countingMetrics) ObserveBroadcast(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := hub.NewRegistry()
	c1 := &fakeChannel{}

	prev, replaced := r.Register("s1", c1)
	assert.Nil(t, prev)
	assert.False(t, replaced)

	got, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, c1, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup("s2")
	assert.False(t, ok)
}

func TestRegistry_StaleUnregisterKeepsNewerChannel(t *testing.T) {
	r := hub.NewRegistry()
	c1 := &fakeChannel{}
	c2 := &fakeChannel{}

	r.Register("s1", c1)
	prev, replaced := r.Register("s1", c2)
	require.True(t, replaced)
	assert.Same(t, c1, prev)
	assert.True(t, c1.Open(), "replaced channel must not be closed by the registry")

	got, _ := r.Lookup("s1")
	assert.Same(t, c2, got)

	assert.False(t, r.Unregister("s1", c1))
	got, ok := r.Lookup("s1")
	require.True(t, ok)
	assert.Same(t, c2, got)

	assert.True(t, r.Unregister("s1", c2))
	_, ok = r.Lookup("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	assert.False(t, r.Unregister("s1", c2))
}

// sliceChannel is a Channel whose dynamic type cannot be compared.
type sliceChannel []hub.Event

func (sliceChannel) Open() bool           { return true }
func (sliceChannel) Send(hub.Event) error { return nil }

func TestRegistry_RejectsIncomparableChannels(t *testing.T) {
	r := hub.NewRegistry()
	assert.Panics(t, func() { r.Register("s1", sliceChannel{}) })
	assert.Panics(t, func() { r.Register("s1", nil) })
	assert.Equal(t, 0, r.Len())

	ch := &fakeChannel{}
	r.Register("s1", ch)
	assert.False(t, r.Unregister("s1", &fakeChannel{}))
	assert.True(t, r.Unregister("s1", ch))
}

func TestBroadcaster_Outcomes(t *testing.T) {
	r := hub.NewRegistry()
	m := &countingMetrics{outcomes: map[string]int{}}
	b := hub.NewBroadcaster(r, nil, m)
	ev := hub.Event{Type: hub.EventPong}

	b.Broadcast("nobody", ev)

	open := &fakeChannel{}
	r.Register("open", open)
	b.Broadcast("open", ev)
	assert.Equal(t, []hub.Event{ev}, open.received())

	closed := &fakeChannel{closed: true}
	r.Register("closed", closed)
	b.Broadcast("closed", ev)
	assert.Empty(t, closed.received())

	failing := &fakeChannel{err: hub.ErrChannelFull}
	r.Register("failing", failing)
	assert.NotPanics(t, func() { b.Broadcast("failing", ev) })

	assert.Equal(t, map[string]int{
		hub.OutcomeNoChannel: 1,
		hub.OutcomeDelivered: 1,
		hub.OutcomeClosed:    1,
		hub.OutcomeFailed:    1,
	}, m.outcomes)
}

func TestBroadcaster_NotifyContext(t *testing.T) {
	r := hub.NewRegistry()
	b := hub.NewBroadcaster(r, nil, nil)
	ch := &fakeChannel{}
	r.Register("s1", ch)

	store := session.NewStore()
	store.Create("s1")
	c, _ := store.Append("s1", session.Message{Role: session.RoleAssistant, Content: "hi"})

	b.NotifyContext("s1", c)

	ev := ch.last(t)
	assert.Equal(t, hub.EventContextUpdate, ev.Type)

	want, err := json.Marshal(hub.ContextPayload{SessionID: "s1", Context: c})
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(ev.Payload))
}

func newHandler(store *session.Store, d hub.Dispatcher) *hub.EventHandler {
	return hub.NewEventHandler(store, d, nil)
}

func errorPayload(t *testing.T, ev hub.Event) hub.ErrorPayload {
	t.Helper()
	require.Equal(t, hub.EventError, ev.Type)
	var p hub.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func TestEventHandler_ContextUpdateEchoesStoreState(t *testing.T) {
	store := session.NewStore()
	store.Create("s1")
	h := newHandler(store, nil)
	ch := &fakeChannel{}

	frame := `{"type":"context_update","payload":{"role":"user","content":"P","metadata":{"k":"v"}}}`
	h.Handle(context.Background(), ch, "s1", []byte(frame))

	current, ok := store.Get("s1")
	require.True(t, ok)
	require.Len(t, current.Messages, 1)
	assert.Equal(t, "P", current.Messages[0].Content)
	assert.Equal(t, "v", current.Messages[0].Metadata["k"])

	ev := ch.last(t)
	assert.Equal(t, hub.EventContextUpdated, ev.Type)

	want, err := json.Marshal(hub.ContextPayload{SessionID: "s1", Context: current})
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(ev.Payload))
}

func TestEventHandler_ContextUpdateDefaultsRole(t *testing.T) {
	store := session.NewStore()
	store.Create("s1")
	h := newHandler(store, nil)

	h.Handle(context.Background(), &fakeChannel{}, "s1", []byte(`{"type":"context_update","payload":{"content":"x"}}`))

	c, _ := store.Get("s1")
	require.Len(t, c.Messages, 1)
	assert.Equal(t, session.RoleUser, c.Messages[0].Role)
}

func TestEventHandler_ContextUpdateErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"missing context", `{"type":"context_update","payload":{"content":"x"}}`},
		{"missing payload", `{"type":"context_update"}`},
		{"null payload", `{"type":"context_update","payload":null}`},
		{"payload not an object", `{"type":"context_update","payload":"text"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := session.NewStore()
			h := newHandler(store, nil)
			ch := &fakeChannel{}

			h.Handle(context.Background(), ch, "s1", []byte(tt.frame))

			p := errorPayload(t, ch.last(t))
			assert.Equal(t, hub.EventContextUpdate, p.Type)
			assert.NotEmpty(t, p.Error)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestEventHandler_Ping(t *testing.T) {
	store := session.NewStore()
	store.Create("s1")
	before, _ := store.Get("s1")
	h := newHandler(store, nil)
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"ping"}`))

	assert.Equal(t, []hub.Event{{Type: hub.EventPong}}, ch.received())
	after, _ := store.Get("s1")
	assert.Equal(t, before, after)
}

func TestEventHandler_UnknownType(t *testing.T) {
	h := newHandler(session.NewStore(), nil)
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"subscribe"}`))

	p := errorPayload(t, ch.last(t))
	assert.Equal(t, "subscribe", p.Type)
	assert.Contains(t, p.Error, "subscribe")
	assert.True(t, ch.Open())
}

func TestEventHandler_MalformedFrame(t *testing.T) {
	h := newHandler(session.NewStore(), nil)
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{not json`))

	p := errorPayload(t, ch.last(t))
	assert.Contains(t, p.Error, "invalid frame")
}

type fakeDispatcher struct {
	result any
	err    error

	method    string
	params    json.RawMessage
	sessionID string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, method string, params json.RawMessage, sessionID string) (any, error) {
	d.method = method
	d.params = params
	d.sessionID = sessionID
	return d.result, d.err
}

func TestEventHandler_RPC(t *testing.T) {
	d := &fakeDispatcher{result: map[string]any{"ok": true}}
	h := newHandler(session.NewStore(), d)
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"rpc","payload":{"id":7,"method":"tools/list","params":{"a":1}}}`))
	h.Wait()

	assert.Equal(t, "tools/list", d.method)
	assert.Equal(t, "s1", d.sessionID)
	assert.JSONEq(t, `{"a":1}`, string(d.params))

	ev := ch.last(t)
	require.Equal(t, hub.EventRPCResult, ev.Type)
	assert.JSONEq(t, `{"id":7,"success":true,"result":{"ok":true}}`, string(ev.Payload))
}

func TestEventHandler_RPCFailure(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("unknown method: nope")}
	h := newHandler(session.NewStore(), d)
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"rpc","payload":{"id":"a","method":"nope"}}`))
	h.Wait()

	ev := ch.last(t)
	require.Equal(t, hub.EventRPCResult, ev.Type)
	assert.JSONEq(t, `{"id":"a","success":false,"error":"unknown method: nope"}`, string(ev.Payload))
}

func TestEventHandler_RPCWithoutMethod(t *testing.T) {
	h := newHandler(session.NewStore(), &fakeDispatcher{})
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"rpc","payload":{}}`))
	h.Wait()

	p := errorPayload(t, ch.last(t))
	assert.Equal(t, hub.EventRPC, p.Type)
}

func TestEventHandler_RPCWithoutDispatcher(t *testing.T) {
	h := newHandler(session.NewStore(), nil)
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"rpc","payload":{"method":"tools/list"}}`))
	h.Wait()

	p := errorPayload(t, ch.last(t))
	assert.Equal(t, hub.EventRPC, p.Type)
}

type blockingDispatcher struct {
	release chan struct{}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, _ string, _ json.RawMessage, _ string) (any, error) {
	select {
	case <-d.release:
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEventHandler_SlowRPCDoesNotBlockPing(t *testing.T) {
	d := &blockingDispatcher{release: make(chan struct{})}
	h := newHandler(session.NewStore(), d)
	ch := &fakeChannel{}

	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"rpc","payload":{"id":1,"method":"tools/call"}}`))
	h.Handle(context.Background(), ch, "s1", []byte(`{"type":"ping"}`))
	assert.Equal(t, hub.EventPong, ch.last(t).Type)

	close(d.release)
	h.Wait()

	ev := ch.last(t)
	require.Equal(t, hub.EventRPCResult, ev.Type)
	assert.JSONEq(t, `{"id":1,"success":true,"result":"done"}`, string(ev.Payload))
}

func TestEventHandler_RPCCancelledWithContext(t *testing.T) {
	d := &blockingDispatcher{release: make(chan struct{})}
	h := newHandler(session.NewStore(), d)
	ch := &fakeChannel{}

	ctx, cancel := context.WithCancel(context.Background())
	h.Handle(ctx, ch, "s1", []byte(`{"type":"rpc","payload":{"id":2,"method":"tools/call"}}`))
	cancel()
	h.Wait()

	ev := ch.last(t)
	require.Equal(t, hub.EventRPCResult, ev.Type)
	assert.JSONEq(t, `{"id":2,"success":false,"error":"context canceled"}`, string(ev.Payload))
}
