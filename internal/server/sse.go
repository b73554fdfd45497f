package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	sse "github.com/tmaxmax/go-sse"

	"ContextHub/internal/hub"
)

const transportSSE = "sse"

// sseChannel is a push-only session channel over Server-Sent Events. Each
// event is sent with the event type as the SSE type and the payload as data.
type sseChannel struct {
	outbox
	sess *sse.Session
}

func newSSEChannel(sess *sse.Session, buffer int) *sseChannel {
	return &sseChannel{
		outbox: newOutbox(buffer),
		sess:   sess,
	}
}

func (c *sseChannel) write(ev hub.Event) error {
	msg := &sse.Message{Type: sse.Type(ev.Type)}
	if len(ev.Payload) > 0 {
		msg.AppendData(string(ev.Payload))
	} else {
		msg.AppendData("{}")
	}
	if err := c.sess.Send(msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

func (c *sseChannel) keepalive() error {
	msg := &sse.Message{}
	msg.AppendComment("keepalive")
	if err := c.sess.Send(msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade session", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	ch := newSSEChannel(sess, s.cfg.ChannelBuffer)
	s.open(sessionID, ch, transportSSE)
	defer func() {
		ch.close()
		s.release(sessionID, ch, transportSSE)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch.done:
			return
		case ev := <-ch.queue:
			if err := ch.write(ev); err != nil {
				s.logger.Warn("failed to send event", "session_id", sessionID, "type", ev.Type, "error", err)
				return
			}
		case <-ticker.C:
			if err := ch.keepalive(); err != nil {
				return
			}
		}
	}
}
