package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Supported backends
const (
	NameMock      = "mock"
	NameOllama    = "ollama"
	NameAnthropic = "anthropic"
	NameGrok      = "grok"
	NameOpenAI    = "openai"
)

// Default API base URLs
const (
	DefaultOllamaURL    = "http://localhost:11434"
	DefaultAnthropicURL = "https://api.anthropic.com"
	DefaultGrokURL      = "https://api.grok.x.ai"
	DefaultOpenAIURL    = "https://api.openai.com"
)

// Completer turns a prompt into completion text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Options carries the shared HTTP and telemetry plumbing for API backends.
// Zero values fall back to package defaults.
type Options struct {
	HTTPClient *http.Client
	Tracer     trace.Tracer
	Meter      metric.Meter
	Logger     *slog.Logger
}

// Settings selects models and endpoints for New.
type Settings struct {
	OllamaURL      string
	OllamaModel    string
	AnthropicModel string
	OpenAIModel    string
}

// New builds the named backend. API keys are read from ANTHROPIC_API_KEY,
// GROK_API_KEY and OPENAI_API_KEY.
func New(name string, s Settings, opts Options) (Completer, error) {
	switch name {
	case "", NameMock:
		return Mock{}, nil
	case NameOllama:
		return NewOllama(s.OllamaURL, s.OllamaModel, opts), nil
	case NameAnthropic:
		a, err := NewAnthropic(DefaultAnthropicURL, os.Getenv("ANTHROPIC_API_KEY"), s.AnthropicModel, opts)
		if err != nil {
			return nil, err
		}
		return a, nil
	case NameGrok:
		g, err := NewOpenAI(NameGrok, DefaultGrokURL, os.Getenv("GROK_API_KEY"), "grok-1", opts)
		if err != nil {
			return nil, err
		}
		return g, nil
	case NameOpenAI:
		o, err := NewOpenAI(NameOpenAI, DefaultOpenAIURL, os.Getenv("OPENAI_API_KEY"), s.OpenAIModel, opts)
		if err != nil {
			return nil, err
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// Mock echoes the prompt back without calling any service.
type Mock struct{}

// Complete implements Completer.
func (Mock) Complete(_ context.Context, prompt string) (string, error) {
	return "Mock completion for: " + prompt, nil
}

// Name implements Completer.
func (Mock) Name() string { return NameMock }

// client is the HTTP round trip shared by the API backends.
type client struct {
	httpClient *http.Client
	tracer     trace.Tracer
	duration   metric.Float64Histogram
	logger     *slog.Logger
}

func newClient(opts Options) *client {
	c := &client{
		httpClient: opts.HTTPClient,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("contexthub/backend")
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("contexthub/backend")
	}
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		c.duration = histogram
	}
	return c
}

// postJSON sends reqBody to url inside a span named spanName and decodes a
// 200 response into respBody.
func (c *client) postJSON(ctx context.Context, spanName, url string, headers map[string]string, reqBody, respBody any) error {
	ctx, span := c.tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	duration := time.Since(start)
	if c.duration != nil {
		c.duration.Record(ctx, float64(duration.Milliseconds()))
	}
	c.logger.Debug("api call completed", "call", spanName, "duration", duration)
	return nil
}
