package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	BackendMock      = "mock"
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
)

// Defaults
const (
	DefaultListen         = ":8080"
	DefaultLogDir         = "logs"
	DefaultLogLevel       = "info"
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultOllamaModel    = "llama3:latest"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	DefaultOpenAIModel    = "gpt-3.5-turbo"
	DefaultCacheTTL       = 10 * time.Minute
	DefaultCacheSize      = 1024
	DefaultMaxMessageSize = "1MiB"
	DefaultChannelBuffer  = 32
)

// Config holds application configuration
type Config struct {
	Listen    string
	LogDir    string
	LogLevel  string
	LogStdout bool
	Telemetry bool // Export OpenTelemetry traces and metrics to files under LogDir

	Backend        string
	OllamaURL      string
	OllamaModel    string // Model specification in format "model:version" (e.g., "llama3:latest")
	AnthropicModel string
	OpenAIModel    string

	CompletionCache     bool
	CompletionCacheTTL  time.Duration
	CompletionCacheSize int // Most entries kept before LRU eviction

	// Tool services; an empty URL leaves the tool to MCP or the mock.
	CodeServiceURL   string
	SearchServiceURL string
	ImageServiceURL  string
	ServiceTimeout   time.Duration

	MCPLocalServers  []string // Commands that start local MCP servers over stdio
	MCPRemoteServers []string // URLs to remote MCP servers (http:// or ws://)

	Journal        string // SQLite transcript path; empty disables
	MaxMessageSize int64  // WebSocket read limit in bytes
	ChannelBuffer  int    // Outbound events queued per channel
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	size, _ := ParseSize(DefaultMaxMessageSize)
	return Config{
		Listen:              DefaultListen,
		LogDir:              DefaultLogDir,
		LogLevel:            DefaultLogLevel,
		Backend:             BackendMock,
		OllamaURL:           DefaultOllamaURL,
		OllamaModel:         DefaultOllamaModel,
		AnthropicModel:      DefaultAnthropicModel,
		OpenAIModel:         DefaultOpenAIModel,
		CompletionCacheTTL:  DefaultCacheTTL,
		CompletionCacheSize: DefaultCacheSize,
		MaxMessageSize:      size,
		ChannelBuffer:       DefaultChannelBuffer,
	}
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Backend {
	case BackendMock, BackendOllama, BackendAnthropic, BackendGrok, BackendOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (mock|ollama|anthropic|grok|openai)", c.Backend))
	}
	if c.CompletionCacheTTL < 0 {
		errs = append(errs, errors.New("completion-cache-ttl must not be negative"))
	}
	if c.CompletionCacheSize <= 0 {
		errs = append(errs, errors.New("completion-cache-size must be positive"))
	}
	if c.ServiceTimeout < 0 {
		errs = append(errs, errors.New("service-timeout must not be negative"))
	}
	for name, raw := range map[string]string{
		"ollama-url":         c.OllamaURL,
		"code-service-url":   c.CodeServiceURL,
		"search-service-url": c.SearchServiceURL,
		"image-service-url":  c.ImageServiceURL,
	} {
		if raw == "" {
			continue
		}
		if err := checkURL(raw, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, command := range c.MCPLocalServers {
		if strings.TrimSpace(command) == "" {
			errs = append(errs, errors.New("mcp-local: empty command"))
		}
	}
	for _, raw := range c.MCPRemoteServers {
		if err := checkURL(raw, "http", "https", "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("mcp-remote: %w", err))
		}
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max-message-size must be positive"))
	}
	if c.ChannelBuffer <= 0 {
		errs = append(errs, errors.New("channel-buffer must be positive"))
	}

	return errors.Join(errs...)
}

// ToolServices maps tool names to their configured service URLs.
func (c Config) ToolServices() map[string]string {
	services := map[string]string{}
	if c.CodeServiceURL != "" {
		services["execute_code"] = c.CodeServiceURL
	}
	if c.SearchServiceURL != "" {
		services["search_web"] = c.SearchServiceURL
	}
	if c.ImageServiceURL != "" {
		services["generate_image"] = c.ImageServiceURL
	}
	return services
}

// ParseSize parses a human readable byte size such as "1MiB" or "512KB".
func ParseSize(s string) (int64, error) {
	size, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return int64(size), nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("URL %q must use %s", raw, strings.Join(schemes, "/"))
}
