package server

import (
	"sync"

	"ContextHub/internal/hub"
)

// outbox is the bounded, non-blocking send side shared by every channel
// transport. A single writer goroutine drains queue until done is closed.
type outbox struct {
	queue     chan hub.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newOutbox(size int) outbox {
	return outbox{
		queue: make(chan hub.Event, size),
		done:  make(chan struct{}),
	}
}

// Open reports whether the channel still accepts events.
func (o *outbox) Open() bool {
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// Send queues ev for the writer. It never blocks: a full queue drops the
// event with hub.ErrChannelFull.
func (o *outbox) Send(ev hub.Event) error {
	if !o.Open() {
		return hub.ErrChannelClosed
	}
	select {
	case o.queue <- ev:
		return nil
	default:
		return hub.ErrChannelFull
	}
}

func (o *outbox) close() {
	o.closeOnce.Do(func() { close(o.done) })
}
