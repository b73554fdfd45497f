package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ContextHub/internal/config"
	"ContextHub/internal/session"
)

var version = "dev"

func submain(ctx context.Context) int {
	baseLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("app", "contexthub")
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "contexthub",
		Short:         "contexthub is a session-scoped gateway for completions, tools and live context push",
		SilenceErrors: true,
		Example: `
  # Mock backend and mock tools on :8080
  contexthub

  # Ollama completions, a real search service and a remote MCP server for the rest
  contexthub --backend ollama --search-service-url http://search:8004 --mcp-remote ws://tools:9000/mcp

  # Anthropic completions (expects ANTHROPIC_API_KEY), cached for five minutes
  CONTEXTHUB_BACKEND=anthropic contexthub --completion-cache --completion-cache-ttl 5m

  # Keep a SQLite transcript of every session
  contexthub --journal /var/lib/contexthub/journal.db
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			cfg := config.Default()
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("journal", "", "SQLite transcript path (empty disables)")

	flags := cmd.Flags()
	flags.String("listen", config.DefaultListen, "listen address")
	flags.String("log-dir", config.DefaultLogDir, "directory for rotated log, trace and metric files")
	flags.String("log-level", config.DefaultLogLevel, "log level (debug|info|warn|error)")
	flags.Bool("log-stdout", false, "also write logs to stdout")
	flags.Bool("telemetry", false, "export OpenTelemetry traces and metrics to files under --log-dir")
	flags.String("backend", config.BackendMock, "completion backend (mock|ollama|anthropic|grok|openai)")
	flags.String("ollama-url", config.DefaultOllamaURL, "Ollama base URL")
	flags.String("ollama-model", config.DefaultOllamaModel, "Ollama model specification (format: model:version)")
	flags.String("anthropic-model", config.DefaultAnthropicModel, "Anthropic model")
	flags.String("openai-model", config.DefaultOpenAIModel, "OpenAI model")
	flags.Bool("completion-cache", false, "cache completions by backend and prompt")
	flags.Duration("completion-cache-ttl", config.DefaultCacheTTL, "completion cache entry lifetime (0 keeps entries until evicted)")
	flags.Int("completion-cache-size", config.DefaultCacheSize, "most cached completions kept before evicting the least recently used")
	flags.String("code-service-url", "", "execute_code service base URL")
	flags.String("search-service-url", "", "search_web service base URL")
	flags.String("image-service-url", "", "generate_image service base URL")
	flags.Duration("service-timeout", 0, "timeout for tool service calls (0 disables)")
	flags.StringSlice("mcp-local", nil, "commands that start local MCP servers over stdio (repeatable)")
	flags.StringSlice("mcp-remote", nil, "remote MCP server URLs, http(s):// or ws(s):// (repeatable)")
	flags.String("max-message-size", config.DefaultMaxMessageSize, "largest inbound WebSocket frame (e.g. 1MiB)")
	flags.Int("channel-buffer", config.DefaultChannelBuffer, "outbound events queued per channel before dropping")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("CONTEXTHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	flags.VisitAll(func(f *pflag.Flag) { bindFlag(f.Name) })
	persistentFlags.VisitAll(func(f *pflag.Flag) { bindFlag(f.Name) })

	cmd.AddCommand(newTranscriptCommand())
	return cmd
}

func newTranscriptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "print the journaled messages of a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			path := strings.TrimSpace(viper.GetString("journal"))
			if path == "" {
				return errors.New("--journal is required")
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("journal %q: %w", path, err)
			}

			journal, err := session.OpenJournal(path, slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil)))
			if err != nil {
				return err
			}
			defer journal.Close()

			messages, err := journal.Transcript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(messages)
		},
	}
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func bindConfig(cfg *config.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.LogDir = viper.GetString("log-dir")
	cfg.LogLevel = viper.GetString("log-level")
	cfg.LogStdout = viper.GetBool("log-stdout")
	cfg.Telemetry = viper.GetBool("telemetry")
	cfg.Backend = strings.ToLower(strings.TrimSpace(viper.GetString("backend")))
	cfg.OllamaURL = viper.GetString("ollama-url")
	cfg.OllamaModel = viper.GetString("ollama-model")
	cfg.AnthropicModel = viper.GetString("anthropic-model")
	cfg.OpenAIModel = viper.GetString("openai-model")
	cfg.CompletionCache = viper.GetBool("completion-cache")
	cfg.CompletionCacheTTL = viper.GetDuration("completion-cache-ttl")
	cfg.CompletionCacheSize = viper.GetInt("completion-cache-size")
	cfg.CodeServiceURL = viper.GetString("code-service-url")
	cfg.SearchServiceURL = viper.GetString("search-service-url")
	cfg.ImageServiceURL = viper.GetString("image-service-url")
	cfg.ServiceTimeout = viper.GetDuration("service-timeout")
	cfg.MCPLocalServers = stringSlice("mcp-local")
	cfg.MCPRemoteServers = stringSlice("mcp-remote")
	cfg.Journal = viper.GetString("journal")
	if raw := viper.GetString("max-message-size"); raw != "" {
		size, err := config.ParseSize(raw)
		if err != nil {
			return fmt.Errorf("parse max-message-size: %w", err)
		}
		cfg.MaxMessageSize = size
	}
	cfg.ChannelBuffer = viper.GetInt("channel-buffer")
	return nil
}

// stringSlice drops blank entries and returns nil when nothing is left.
func stringSlice(key string) []string {
	var out []string
	for _, v := range viper.GetStringSlice(key) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
