package session

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Bounding policy for a context's message history. An append that would push
// the history past MaxMessages first drops all but the newest RetainMessages
// entries, so a single overflow leaves RetainMessages+1 messages.
const (
	MaxMessages    = 100
	RetainMessages = 50
)

// Recorder observes store mutations. Calls happen while the store lock is
// held, so implementations must return without blocking.
type Recorder interface {
	ContextCreated(c Context)
	MessageAppended(sessionID string, msg Message, at time.Time)
	ContextDeleted(sessionID string)
}

// Option configures a Store.
type Option func(*Store)

// WithRecorder attaches a Recorder that sees every mutation.
func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// WithClock overrides the time source used for createdAt/lastActivity.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store maps session ids to conversation contexts. It is safe for concurrent
// use; every mutation of a context happens entirely under the write lock, and
// every returned Context is a private copy.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	now      func() time.Time
	recorder Recorder
}

// NewStore creates an empty in-memory Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		contexts: make(map[string]*Context),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create initializes a fresh context for id, silently replacing any existing one.
func (s *Store) Create(id string) Context {
	return s.CreateWithMetadata(id, nil)
}

// CreateWithMetadata is Create with initial session metadata. The metadata
// map is copied.
func (s *Store) CreateWithMetadata(id string, metadata map[string]any) Context {
	now := s.now()
	c := &Context{
		ID:           id,
		Messages:     []Message{},
		Metadata:     maps.Clone(metadata),
		CreatedAt:    now,
		LastActivity: now,
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[id] = c
	snapshot := c.clone()
	if s.recorder != nil {
		s.recorder.ContextCreated(snapshot)
	}
	return snapshot
}

// Get returns a copy of the context for id.
func (s *Store) Get(id string) (Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return Context{}, false
	}
	return c.clone(), true
}

// Append adds msg to the context for id and returns the updated context.
// It reports false, without side effects, when id has no context.
func (s *Store) Append(id string, msg Message) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[id]
	if !ok {
		return Context{}, false
	}

	if len(c.Messages)+1 > MaxMessages {
		c.Messages = slices.Clone(c.Messages[len(c.Messages)-RetainMessages:])
	}
	msg = msg.clone()
	c.Messages = append(c.Messages, msg)
	c.LastActivity = s.now()

	if s.recorder != nil {
		s.recorder.MessageAppended(id, msg.clone(), c.LastActivity)
	}
	return c.clone(), true
}

// Delete removes the context for id. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[id]; !ok {
		return
	}
	delete(s.contexts, id)
	if s.recorder != nil {
		s.recorder.ContextDeleted(id)
	}
}

// List returns copies of every stored context ordered by session id.
func (s *Store) List() []Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, c.clone())
	}
	slices.SortFunc(out, func(a, b Context) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// IDs returns every stored session id in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.contexts))
}

// Len returns the number of stored contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}
