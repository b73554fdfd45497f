package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Completer is the backend being cached.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// CachedResponse represents a cached API response
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from the backend name and prompt
func GenerateCacheKey(backend, prompt string) string {
	h := sha256.New()
	h.Write([]byte(backend))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Completion memoizes successful completions of the wrapped backend in a
// size-bounded LRU whose entries also expire after a TTL. Failed calls are
// never cached.
type Completion struct {
	next    Completer
	entries *expirable.LRU[string, CachedResponse]
	logger  *slog.Logger
}

// NewCompletion wraps next. size bounds the number of entries; the least
// recently used one is evicted first. A ttl of zero expires nothing.
func NewCompletion(next Completer, size int, ttl time.Duration, logger *slog.Logger) (*Completion, error) {
	if next == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	return &Completion{
		next:    next,
		entries: expirable.NewLRU[string, CachedResponse](size, nil, ttl),
		logger:  logger,
	}, nil
}

// Name implements Completer.
func (c *Completion) Name() string {
	return c.next.Name()
}

// Complete returns a cached answer for prompt when a fresh one exists and
// otherwise asks the wrapped backend.
func (c *Completion) Complete(ctx context.Context, prompt string) (string, error) {
	key := GenerateCacheKey(c.next.Name(), prompt)

	if cached, ok := c.entries.Get(key); ok {
		c.logger.Info("cache hit", "key", key[:16], "age", time.Since(cached.Timestamp))
		return cached.Response, nil
	}

	response, err := c.next.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	if evicted := c.entries.Add(key, CachedResponse{Response: response, Timestamp: time.Now()}); evicted {
		c.logger.Debug("cache full, evicted least recently used entry")
	}
	c.logger.Info("cached response", "key", key[:16])
	return response, nil
}

// Len returns the number of live entries.
func (c *Completion) Len() int {
	return c.entries.Len()
}
