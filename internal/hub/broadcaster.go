package hub

import (
	"io"
	"log/slog"

	"ContextHub/internal/session"
)

// Broadcast outcomes reported to Metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeNoChannel = "no_channel"
	OutcomeClosed    = "closed"
	OutcomeFailed    = "failed"
)

// Metrics records broadcast outcomes.
type Metrics interface {
	ObserveBroadcast(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveBroadcast(string) {}

// Broadcaster pushes events to whichever channel is registered for a
// session. Delivery is best-effort: nothing is queued, retried or reported
// back to the caller.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	metrics  Metrics
}

// NewBroadcaster creates a Broadcaster over registry. logger and metrics may
// be nil.
func NewBroadcaster(registry *Registry, logger *slog.Logger, metrics Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Broadcast sends ev to the session's channel if one is registered and open.
func (b *Broadcaster) Broadcast(sessionID string, ev Event) {
	ch, ok := b.registry.Lookup(sessionID)
	if !ok {
		b.metrics.ObserveBroadcast(OutcomeNoChannel)
		return
	}
	if !ch.Open() {
		b.metrics.ObserveBroadcast(OutcomeClosed)
		return
	}
	if err := ch.Send(ev); err != nil {
		b.metrics.ObserveBroadcast(OutcomeFailed)
		b.logger.Debug("broadcast dropped", "session_id", sessionID, "type", ev.Type, "error", err)
		return
	}
	b.metrics.ObserveBroadcast(OutcomeDelivered)
}

// NotifyContext broadcasts a context_update event carrying c.
func (b *Broadcaster) NotifyContext(sessionID string, c session.Context) {
	ev, err := NewEvent(EventContextUpdate, ContextPayload{SessionID: sessionID, Context: c})
	if err != nil {
		b.logger.Error("failed to build context update", "session_id", sessionID, "error", err)
		return
	}
	b.Broadcast(sessionID, ev)
}
