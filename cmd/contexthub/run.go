package main

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ContextHub/internal/backend"
	"ContextHub/internal/cache"
	"ContextHub/internal/capability"
	"ContextHub/internal/config"
	"ContextHub/internal/gateway"
	"ContextHub/internal/hub"
	"ContextHub/internal/mcp"
	"ContextHub/internal/server"
	"ContextHub/internal/session"
	"ContextHub/internal/telemetry"
)

// run builds every component from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, level, cfg.LogStdout)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	logger.Info("welcome to contexthub",
		"version", version,
		"pid", os.Getpid(),
		"listen", cfg.Listen,
		"backend", cfg.Backend,
	)

	var (
		tracer trace.Tracer
		meter  metric.Meter
	)
	if cfg.Telemetry {
		var closeTelemetry func()
		tracer, meter, closeTelemetry, err = telemetry.InitTelemetry(ctx, cfg.LogDir, version)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer closeTelemetry()
	}

	metrics, err := telemetry.NewMetrics(version)
	if err != nil {
		return err
	}

	var storeOpts []session.Option
	if cfg.Journal != "" {
		journal, err := session.OpenJournal(cfg.Journal, logger)
		if err != nil {
			return err
		}
		defer journal.Close()
		storeOpts = append(storeOpts, session.WithRecorder(journal))
		logger.Info("journal enabled", "path", cfg.Journal)
	}
	store := session.NewStore(storeOpts...)
	if err := metrics.RegisterSessionGauge(store.Len); err != nil {
		return err
	}

	completer, err := newCompleter(cfg, backend.Options{Tracer: tracer, Meter: meter, Logger: logger})
	if err != nil {
		return err
	}

	remotes := mcp.Connect(ctx, cfg.MCPLocalServers, cfg.MCPRemoteServers,
		mcp.ClientInfo{Name: telemetry.ServiceName, Version: version}, logger)
	defer remotes.Close()

	var tools []string
	for _, t := range gateway.Tools() {
		tools = append(tools, t.Name)
	}
	router, err := capability.NewRouterFromSources(ctx, capability.Sources{
		ServiceURLs: cfg.ToolServices(),
		Timeout:     cfg.ServiceTimeout,
		Remotes:     remotes,
	}, tools, logger)
	if err != nil {
		return err
	}

	registry := hub.NewRegistry()
	broadcaster := hub.NewBroadcaster(registry, logger, metrics)

	dispatcher, err := gateway.NewDispatcher(store, completer, router, broadcaster,
		gateway.WithLogger(logger),
		gateway.WithTracer(tracer),
		gateway.WithMetrics(metrics),
		gateway.WithServerInfo(mcp.ServerInfo{Name: telemetry.ServiceName, Version: version}),
	)
	if err != nil {
		return err
	}
	events := hub.NewEventHandler(store, dispatcher, logger)

	srv, err := server.New(server.Config{
		Listen:         cfg.Listen,
		MaxMessageSize: cfg.MaxMessageSize,
		ChannelBuffer:  cfg.ChannelBuffer,
	}, store, registry, dispatcher, events,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithToolHealth(router),
	)
	if err != nil {
		return err
	}

	err = srv.Run(ctx)
	events.Wait()
	logger.Info("contexthub stopped", "sessions", store.Len(), "error", err)
	return err
}

// newCompleter selects the completion backend and wraps it in the cache
// when enabled.
func newCompleter(cfg config.Config, opts backend.Options) (backend.Completer, error) {
	completer, err := backend.New(cfg.Backend, backend.Settings{
		OllamaURL:      cfg.OllamaURL,
		OllamaModel:    cfg.OllamaModel,
		AnthropicModel: cfg.AnthropicModel,
		OpenAIModel:    cfg.OpenAIModel,
	}, opts)
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("completion backend ready", "backend", completer.Name())

	if !cfg.CompletionCache {
		return completer, nil
	}
	cached, err := cache.NewCompletion(completer, cfg.CompletionCacheSize, cfg.CompletionCacheTTL, opts.Logger)
	if err != nil {
		return nil, err
	}
	return cached, nil
}
