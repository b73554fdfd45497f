package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"ContextHub/internal/session"
)

// Store is the part of the context store inbound events touch.
type Store interface {
	Append(id string, msg session.Message) (session.Context, bool)
}

// Dispatcher runs RPC calls that arrive over a channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage, sessionID string) (any, error)
}

// EventHandler answers frames received on a session channel. Replies always
// go back on the channel the frame arrived on.
type EventHandler struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
	inflight   sync.WaitGroup
}

// NewEventHandler creates an EventHandler. dispatcher may be nil, in which
// case rpc events are rejected.
func NewEventHandler(store Store, dispatcher Dispatcher, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &EventHandler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Handle decodes one inbound frame and replies on ch. Malformed frames get an
// error event; the channel is never closed from here.
//
// rpc frames are dispatched on their own goroutine and Handle returns as soon
// as the call is started, so the caller's read loop keeps serving pings and
// context updates while a slow call runs. The call is bound to ctx.
func (h *EventHandler) Handle(ctx context.Context, ch Channel, sessionID string, frame []byte) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		h.replyError(ch, sessionID, "", fmt.Sprintf("invalid frame: %v", err))
		return
	}

	switch ev.Type {
	case EventContextUpdate:
		h.handleContextUpdate(ch, sessionID, ev.Payload)
	case EventPing:
		h.reply(ch, sessionID, Event{Type: EventPong})
	case EventRPC:
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.handleRPC(ctx, ch, sessionID, ev.Payload)
		}()
	default:
		h.replyError(ch, sessionID, ev.Type, fmt.Sprintf("unknown event type: %s", ev.Type))
	}
}

// Wait blocks until every rpc started by Handle has replied.
func (h *EventHandler) Wait() {
	h.inflight.Wait()
}

func (h *EventHandler) handleContextUpdate(ch Channel, sessionID string, payload json.RawMessage) {
	var msg session.Message
	if len(payload) == 0 || string(payload) == "null" {
		h.replyError(ch, sessionID, EventContextUpdate, "missing payload")
		return
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.replyError(ch, sessionID, EventContextUpdate, fmt.Sprintf("invalid payload: %v", err))
		return
	}
	if msg.Role == "" {
		msg.Role = session.RoleUser
	}

	updated, ok := h.store.Append(sessionID, msg)
	if !ok {
		h.replyError(ch, sessionID, EventContextUpdate, fmt.Sprintf("context not found: %s", sessionID))
		return
	}

	ev, err := NewEvent(EventContextUpdated, ContextPayload{SessionID: sessionID, Context: updated})
	if err != nil {
		h.logger.Error("failed to build context echo", "session_id", sessionID, "error", err)
		return
	}
	h.reply(ch, sessionID, ev)
}

func (h *EventHandler) handleRPC(ctx context.Context, ch Channel, sessionID string, payload json.RawMessage) {
	var call RPCPayload
	if err := json.Unmarshal(payload, &call); err != nil || call.Method == "" {
		h.replyError(ch, sessionID, EventRPC, "rpc payload requires a method")
		return
	}
	if h.dispatcher == nil {
		h.replyError(ch, sessionID, EventRPC, "rpc is not available on this channel")
		return
	}

	out := RPCResultPayload{ID: call.ID}
	result, err := h.dispatcher.Dispatch(ctx, call.Method, call.Params, sessionID)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Success = true
		out.Result = result
	}

	ev, err := NewEvent(EventRPCResult, out)
	if err != nil {
		h.replyError(ch, sessionID, EventRPC, err.Error())
		return
	}
	h.reply(ch, sessionID, ev)
}

func (h *EventHandler) replyError(ch Channel, sessionID, typ, msg string) {
	ev, err := NewEvent(EventError, ErrorPayload{Error: msg, Type: typ})
	if err != nil {
		return
	}
	h.logger.Debug("rejected inbound event", "session_id", sessionID, "type", typ, "error", msg)
	h.reply(ch, sessionID, ev)
}

func (h *EventHandler) reply(ch Channel, sessionID string, ev Event) {
	if err := ch.Send(ev); err != nil {
		h.logger.Debug("reply dropped", "session_id", sessionID, "type", ev.Type, "error", err)
	}
}
