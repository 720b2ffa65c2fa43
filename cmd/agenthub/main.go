// ABOUTME: Entry point for the agenthub orchestration server
// ABOUTME: Wires registry, dispatcher, conversation engine, and the websocket hub

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"

	"github.com/2389/agenthub/internal/agent"
	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/config"
	"github.com/2389/agenthub/internal/conversation"
	"github.com/2389/agenthub/internal/correlate"
	"github.com/2389/agenthub/internal/dispatch"
	"github.com/2389/agenthub/internal/hub"
	"github.com/2389/agenthub/internal/llm"
	"github.com/2389/agenthub/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _   _           _
  __ _  __ _  ___ _ __ | |_| |__  _   _| |__
 / _' |/ _' |/ _ \ '_ \| __| '_ \| | | | '_ \
| (_| | (_| |  __/ | | | |_| | | | |_| | |_) |
 \__,_|\__, |\___|_| |_|\__|_| |_|\__,_|_.__/
       |___/
`

// getConfigPath returns the path to the hub config file.
// Priority: AGENTHUB_CONFIG env var > XDG_CONFIG_HOME/agenthub/hub.yaml > ~/.config/agenthub/hub.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTHUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agenthub", "hub.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agenthub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the hub server")
		fmt.Println("  token --sub IDENTITY  Generate a UI access token")
		fmt.Println("  health                Check hub health")
		fmt.Println("  agents                List connected agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:  %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Model:   %s\n", modelLabel(cfg.Model))
	if len(cfg.Agents.Endpoints) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Agents:  %s\n", strings.Join(cfg.Agents.Endpoints, ", "))
	}
	fmt.Println()

	history, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer history.Close()

	model, err := buildModel(cfg.Model)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	table := correlate.NewTable(cfg.Dispatch.CorrelationTimeout, logger.With("component", "correlate"))
	sessions := hub.NewSessions(logger)
	registry.SetNotifier(sessions)

	dispatcher := dispatch.New(registry, table, dispatch.Config{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: cfg.Dispatch.BackoffBase,
	}, logger.With("component", "dispatch"))
	dispatcher.SetNotifier(sessions)

	engine := conversation.New(model, dispatcher, registry, history, sessions, conversation.Config{
		TurnBudget: cfg.Model.TurnBudget,
	}, logger)

	validator := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))

	h := hub.New(cfg, registry, table, sessions, engine, history, validator, logger)

	logger.Info("starting agenthub",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"model", model.Info().Name,
	)

	return h.Run(ctx)
}

func modelLabel(cfg config.ModelConfig) string {
	provider := cfg.Provider
	if provider == "" {
		provider = "anthropic"
	}
	if cfg.Name != "" {
		return provider + "/" + cfg.Name
	}
	return provider + " (default model)"
}

// buildModel constructs the configured language model client.
func buildModel(cfg config.ModelConfig) (llm.Model, error) {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAIModel(func(o *llm.OpenAIOptions) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			if cfg.APIKey != "" {
				o.APIKey = cfg.APIKey
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(cfg.MaxTokens)
			}
		}), nil
	case "", "anthropic":
		return llm.NewAnthropicModel(func(o *llm.AnthropicOptions) {
			if cfg.Name != "" {
				o.Model = anthropic.Model(cfg.Name)
			}
			if cfg.APIKey != "" {
				o.APIKey = cfg.APIKey
			}
			if cfg.Temperature > 0 {
				o.Temperature = cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// runToken generates a signed UI token from the configured JWT secret.
func runToken() error {
	var identity string
	ttl := 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--sub" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--sub requires a value")
			}
			identity = args[i+1]
			i++
		case strings.HasPrefix(arg, "--sub="):
			identity = strings.TrimPrefix(arg, "--sub=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			parsed, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = parsed
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("--sub flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	validator := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
	token, err := validator.Generate(identity, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
