package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ContextHub/internal/hub"
)

const (
	transportWebSocket = "websocket"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsChannel is a session channel over one WebSocket connection. Only
// writeLoop writes to conn.
type wsChannel struct {
	outbox
	conn       *websocket.Conn
	writerDone chan struct{}
}

func newWSChannel(conn *websocket.Conn, buffer int) *wsChannel {
	return &wsChannel{
		outbox:     newOutbox(buffer),
		conn:       conn,
		writerDone: make(chan struct{}),
	}
}

func (c *wsChannel) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued without waiting for more.
func (c *wsChannel) flush() {
	for {
		select {
		case ev := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ch := newWSChannel(conn, s.cfg.ChannelBuffer)
	go ch.writeLoop()

	s.open(sessionID, ch, transportWebSocket)
	defer func() {
		ch.close()
		<-ch.writerDone
		_ = conn.Close()
		s.release(sessionID, ch, transportWebSocket)
	}()

	// Hijacked connections outlive http.Server.Shutdown, so close on the
	// server's base context instead.
	stop := context.AfterFunc(r.Context(), func() { _ = conn.Close() })
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "session_id", sessionID, "error", err)
			}
			return
		}
		s.metrics.InboundEvent(transportWebSocket)
		s.events.Handle(r.Context(), ch, sessionID, frame)
	}
}

// open registers ch for sessionID and greets the client with its id.
func (s *Server) open(sessionID string, ch hub.Channel, transport string) {
	if _, replaced := s.registry.Register(sessionID, ch); replaced {
		s.logger.Warn("channel replaced; previous channel left open", "session_id", sessionID, "transport", transport)
	}
	s.metrics.ChannelOpened(transport)
	s.logger.Info("channel opened", "session_id", sessionID, "transport", transport)

	ev, err := hub.NewEvent(hub.EventConnected, hub.ConnectedPayload{SessionID: sessionID})
	if err != nil {
		s.logger.Error("failed to build connected event", "session_id", sessionID, "error", err)
		return
	}
	if err := ch.Send(ev); err != nil {
		s.logger.Warn("failed to send connected event", "session_id", sessionID, "error", err)
	}
}

// release drops the registry entry only if ch is still the current one.
func (s *Server) release(sessionID string, ch hub.Channel, transport string) {
	removed := s.registry.Unregister(sessionID, ch)
	s.metrics.ChannelClosed(transport)
	s.logger.Info("channel closed", "session_id", sessionID, "transport", transport, "unregistered", removed)
}
