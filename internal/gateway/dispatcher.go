package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ContextHub/internal/mcp"
	"ContextHub/internal/session"
)

// Store is the slice of the context store the dispatcher depends on.
type Store interface {
	CreateWithMetadata(id string, metadata map[string]any) session.Context
	Get(id string) (session.Context, bool)
	Append(id string, msg session.Message) (session.Context, bool)
	List() []session.Context
	IDs() []string
}

// Completer produces completion text for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Invoker calls an external tool by name.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

// Notifier is told about every context mutation made by the dispatcher.
// It must not block.
type Notifier interface {
	NotifyContext(sessionID string, c session.Context)
}

// Metrics records dispatcher outcomes.
type Metrics interface {
	ObserveRequest(method, status string, d time.Duration)
	ObserveToolCall(tool, status string, d time.Duration)
}

type nopNotifier struct{}

func (nopNotifier) NotifyContext(string, session.Context) {}

type nopMetrics struct{}

func (nopMetrics) ObserveRequest(string, string, time.Duration)  {}
func (nopMetrics) ObserveToolCall(string, string, time.Duration) {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithServerInfo overrides the server identity reported by initialize.
func WithServerInfo(info mcp.ServerInfo) Option {
	return func(d *Dispatcher) {
		d.info = info
	}
}

// WithIDGenerator overrides how session ids are minted for initialize calls
// that arrive without one.
func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// Dispatcher routes protocol methods against the context store.
type Dispatcher struct {
	store     Store
	completer Completer
	invoker   Invoker
	notifier  Notifier
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   Metrics
	info      mcp.ServerInfo
	newID     func() string
}

// NewDispatcher wires a Dispatcher. A nil notifier disables push.
func NewDispatcher(store Store, completer Completer, invoker Invoker, notifier Notifier, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if completer == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker cannot be nil")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}

	d := &Dispatcher{
		store:     store,
		completer: completer,
		invoker:   invoker,
		notifier:  notifier,
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		tracer:    otel.Tracer("contexthub/gateway"),
		metrics:   nopMetrics{},
		info:      mcp.ServerInfo{Name: "contexthub", Version: "1.0.0"},
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// InitializeResult is returned by initialize.
type InitializeResult struct {
	mcp.InitializeResult
	SessionID string `json:"sessionId"`
}

// CompleteResult is returned by complete.
type CompleteResult struct {
	Completion string          `json:"completion"`
	Context    session.Context `json:"context"`
}

// ToolCallResult is returned by tools/call.
type ToolCallResult struct {
	Tool   string         `json:"tool"`
	Result map[string]any `json:"result"`
}

// Dispatch runs method against the session identified by sessionID. params
// may be empty. Every failure wraps one of the package's sentinel errors.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage, sessionID string) (any, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "gateway.Dispatch", trace.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	var (
		result any
		err    error
	)

	switch method {
	case mcp.MethodInitialize:
		result, err = d.handleInitialize(params, sessionID)
	case mcp.MethodComplete:
		result, err = d.handleComplete(ctx, params, sessionID)
	case mcp.MethodListTools:
		result = mcp.ListToolsResult{Tools: Tools()}
	case mcp.MethodCallTool:
		result, err = d.handleCallTool(ctx, params)
	case mcp.MethodListResources:
		result = mcp.ListResourcesResult{Resources: Resources()}
	case mcp.MethodReadResource:
		result, err = d.handleReadResource(params)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	label := method
	if errors.Is(err, ErrUnknownMethod) {
		label = "unknown"
	}
	status := Classify(err)
	d.metrics.ObserveRequest(label, status, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("rpc failed", "method", method, "session_id", sessionID, "status", status, "error", err)
		return nil, err
	}

	d.logger.Debug("rpc handled", "method", method, "session_id", sessionID, "duration", time.Since(start))
	return result, nil
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      *mcp.ClientInfo `json:"clientInfo"`
}

// handleInitialize never fails; unreadable params are ignored.
func (d *Dispatcher) handleInitialize(params json.RawMessage, sessionID string) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			d.logger.Debug("ignoring malformed initialize params", "error", err)
		}
	}

	if sessionID == "" {
		sessionID = d.newID()
	}

	metadata := map[string]any{}
	if p.ClientInfo != nil {
		metadata["clientName"] = p.ClientInfo.Name
		metadata["clientVersion"] = p.ClientInfo.Version
	}
	if p.ProtocolVersion != "" {
		metadata["protocolVersion"] = p.ProtocolVersion
	}

	d.store.CreateWithMetadata(sessionID, metadata)
	d.logger.Info("session initialized", "session_id", sessionID)

	return InitializeResult{
		InitializeResult: mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities: mcp.ServerCapabilities{
				Tools:       &mcp.ToolsCapability{},
				Resources:   &mcp.ResourcesCapability{},
				Completions: &mcp.CompletionsCapability{},
			},
			ServerInfo: d.info,
		},
		SessionID: sessionID,
	}, nil
}

type completeParams struct {
	Prompt string `json:"prompt"`
}

func (d *Dispatcher) handleComplete(ctx context.Context, params json.RawMessage, sessionID string) (any, error) {
	if _, ok := d.store.Get(sessionID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, sessionID)
	}

	var p completeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidParams)
	}

	text, err := d.completer.Complete(ctx, p.Prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: completion: %w", ErrExternal, err)
	}

	updated, ok := d.store.Append(sessionID, session.Message{
		Role:    session.RoleAssistant,
		Content: text,
	})
	if !ok {
		// Deleted while the completion was in flight.
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, sessionID)
	}

	d.notifier.NotifyContext(sessionID, updated)
	return CompleteResult{Completion: text, Context: updated}, nil
}

type callToolParams struct {
	Tool      string         `json:"tool"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) handleCallTool(ctx context.Context, params json.RawMessage) (any, error) {
	var p callToolParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	tool := p.Tool
	if tool == "" {
		tool = p.Name
	}
	if !knownTool(tool) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}

	start := time.Now()
	result, err := d.invoker.Invoke(ctx, tool, p.Arguments)
	if err != nil {
		d.metrics.ObserveToolCall(tool, StatusExternal, time.Since(start))
		return nil, fmt.Errorf("%w: %s: %w", ErrExternal, tool, err)
	}
	d.metrics.ObserveToolCall(tool, StatusOK, time.Since(start))

	return ToolCallResult{Tool: tool, Result: result}, nil
}

func (d *Dispatcher) handleReadResource(params json.RawMessage) (any, error) {
	var p mcp.ReadResourceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	switch p.URI {
	case ResourceContext:
		return mcp.ReadResourceResult{URI: p.URI, MimeType: "application/json", Contents: d.store.List()}, nil
	case ResourceSessions:
		return mcp.ReadResourceResult{URI: p.URI, MimeType: "application/json", Contents: d.store.IDs()}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, p.URI)
	}
}

// decodeParams treats empty or null params as an empty object.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}
