package session

import (
	"maps"
	"time"
)

// Roles written by the gateway itself. Clients may push any role string.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversation entry
type Message struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Context represents one session's accumulated conversation state
type Context struct {
	ID           string         `json:"id"`
	Messages     []Message      `json:"messages"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
}

// clone returns a copy that shares no slices or maps with c.
// Metadata values are copied shallowly; the core never interprets them.
func (c *Context) clone() Context {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		out.Messages[i] = msg.clone()
	}
	out.Metadata = maps.Clone(c.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return out
}

func (m Message) clone() Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}
