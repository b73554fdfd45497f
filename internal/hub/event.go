package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"ContextHub/internal/session"
)

// Event types carried over a session channel.
const (
	EventConnected      = "connected"
	EventContextUpdate  = "context_update"
	EventContextUpdated = "context_updated"
	EventPing           = "ping"
	EventPong           = "pong"
	EventError          = "error"
	EventRPC            = "rpc"
	EventRPCResult      = "rpc_result"
)

// Channel send failures.
var (
	ErrChannelClosed = errors.New("channel closed")
	ErrChannelFull   = errors.New("channel buffer full")
)

// Event is one frame on a session channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event of the given type. A nil payload
// produces an event without one.
func NewEvent(typ string, payload any) (Event, error) {
	ev := Event{Type: typ}
	if payload == nil {
		return ev, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	ev.Payload = b
	return ev, nil
}

// ConnectedPayload is sent once when a channel opens.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// ContextPayload carries a full context snapshot for context_update and
// context_updated events.
type ContextPayload struct {
	SessionID string          `json:"sessionId"`
	Context   session.Context `json:"context"`
}

// ErrorPayload describes a problem with an inbound frame.
type ErrorPayload struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// RPCPayload is an RPC call made over the channel.
type RPCPayload struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResultPayload answers an RPCPayload with the same id.
type RPCResultPayload struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Success bool            `json:"success"`
	Result  any             `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Channel is a live outbound connection for one session. Implementations
// must be comparable, normally pointer types, so handles can be compared for
// identity; Registry.Register panics otherwise. Send must not block.
type Channel interface {
	Open() bool
	Send(ev Event) error
}
