package hub

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps a session id to at most one live channel. It never opens or
// closes channels itself.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]Channel),
	}
}

// Register makes ch the channel for sessionID. Any previous channel is
// returned, still open, and is no longer reachable through the registry.
// Unregister compares handles with ==, so Register panics on a nil channel
// or one whose dynamic type is not comparable.
func (r *Registry) Register(sessionID string, ch Channel) (Channel, bool) {
	if ch == nil || !reflect.TypeOf(ch).Comparable() {
		panic(fmt.Sprintf("hub: channel of type %T cannot be registered: handles must be comparable", ch))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.channels[sessionID]
	r.channels[sessionID] = ch
	return prev, ok
}

// Lookup returns the channel registered for sessionID.
func (r *Registry) Lookup(sessionID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[sessionID]
	return ch, ok
}

// Unregister removes the entry for sessionID only while it still refers to
// ch, so a late close from a replaced channel leaves the newer one in place.
func (r *Registry) Unregister(sessionID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[sessionID]; !ok || cur != ch {
		return false
	}
	delete(r.channels, sessionID)
	return true
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
