package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Health states reported for an HTTP tool service.
const (
	HealthHealthy     = "healthy"
	HealthUnhealthy   = "unhealthy"
	HealthUnavailable = "unavailable"
)

const healthTimeout = 5 * time.Second

// ServiceEndpoints maps each tool to the path its HTTP service answers on.
var ServiceEndpoints = map[string]string{
	"execute_code":   "/execute",
	"search_web":     "/search",
	"generate_image": "/generate",
}

// Service invokes a tool by POSTing its arguments as JSON to an HTTP
// service and returning the decoded JSON object.
type Service struct {
	name       string
	base       string
	url        string
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewService creates a Service for baseURL+endpoint. A zero timeout leaves
// requests bounded only by the caller's context.
func NewService(name, baseURL, endpoint string, timeout time.Duration, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("service %s: base URL is required", name)
	}

	return &Service{
		name:       name,
		base:       strings.TrimRight(baseURL, "/"),
		url:        strings.TrimRight(baseURL, "/") + endpoint,
		httpClient: &http.Client{Timeout: timeout},
		tracer:     otel.Tracer("contexthub/capability"),
		logger:     logger,
	}, nil
}

// Invoke implements Invoker.
func (s *Service) Invoke(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "service_call", trace.WithAttributes(
		attribute.String("tool.name", tool),
		attribute.String("service.name", s.name),
	))
	defer span.End()

	start := time.Now()

	jsonData, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s error: %w", s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("%s returned %s: %s", s.name, resp.Status, strings.TrimSpace(string(body)))
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	s.logger.Info("service call completed", "service", s.name, "tool", tool, "duration", time.Since(start))
	return result, nil
}

// Check calls GET <base>/health. A 200 is healthy, any other status is
// unhealthy, and a request that fails outright is unavailable.
func (s *Service) Check(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/health", nil)
	if err != nil {
		return HealthUnavailable
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("service is unavailable", "service", s.name, "error", err)
		return HealthUnavailable
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("service is unhealthy", "service", s.name, "status", resp.StatusCode)
		return HealthUnhealthy
	}
	s.logger.Info("service is healthy", "service", s.name)
	return HealthHealthy
}
