// Package main provides the CLI entry point for the llmcordd Discord bot.
//
// llmcordd connects Discord conversations to LLM providers (OpenAI-compatible
// APIs, Anthropic, Ollama) with reply-chain history, tool execution, optional
// escalation to a reasoning model, and persistent per-user memory.
//
// # Basic Usage
//
// Start the bot:
//
//	llmcordd serve --config llmcord.yaml
//
// # Environment Variables
//
// Secrets referenced in the config file with ${VAR} syntax are expanded from
// the environment, e.g. DISCORD_BOT_TOKEN, OPENAI_API_KEY, ANTHROPIC_API_KEY.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/config"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/discord"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/history"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/memory"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/providers"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/ratelimit"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/reasoning"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/tools"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/tools/memorytool"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/turn"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "llmcordd",
		Short:        "llmcordd - Discord LLM chat bot",
		Long:         "llmcordd connects Discord conversations to LLM providers with reply-chain\nhistory, tool execution, reasoning escalation and persistent user memory.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot",
		Long: `Start the bot with the configured providers.

The bot will:
1. Load configuration from the specified file
2. Open the memory database
3. Initialize LLM providers
4. Connect to the Discord gateway

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "llmcord.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	logger.Info("starting llmcordd",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfgStore := config.NewStore(cfg)

	registry, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	logger.Info("providers initialized", "providers", registry.Names(), "model", cfg.LLM.Model)

	var memStore memory.Store
	if cfg.Memory.Enabled {
		sqlStore, err := memory.OpenSQLite(cfg.Memory.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open memory database: %w", err)
		}
		defer sqlStore.Close()
		memStore = sqlStore
		logger.Info("memory store opened", "path", cfg.Memory.DBPath)
	}
	mem := memory.NewManager(memStore, cfg.Memory, logger)

	toolRegistry, err := buildTools(cfg, memStore)
	if err != nil {
		return err
	}
	toolExec := tools.NewExecutor(toolRegistry, 30*time.Second, logger)
	if toolRegistry.Len() > 0 {
		logger.Info("tools registered", "count", toolRegistry.Len())
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:      cfg.RateLimit.Enabled,
		UserLimit:    cfg.RateLimit.UserLimit,
		UserPeriod:   cfg.RateLimit.UserPeriod,
		GlobalLimit:  cfg.RateLimit.GlobalLimit,
		GlobalPeriod: cfg.RateLimit.GlobalPeriod,
	})
	escalator := reasoning.NewEscalator(cfg.Reasoning, registry, logger)

	adapter, err := discord.NewAdapter(cfgStore, mem, logger)
	if err != nil {
		return err
	}
	builder := history.NewBuilder(history.Config{
		MaxMessages:   cfg.History.MaxMessages,
		MaxTextLength: cfg.History.MaxTextLength,
		MaxImages:     cfg.History.MaxImages,
		MaxImageBytes: cfg.History.MaxImageBytes,
	}, history.NewNodeCache(cfg.History.CacheSize), adapter.Fetcher(), "", logger)
	orch := turn.NewOrchestrator(cfgStore, registry, builder, toolExec, mem, limiter, escalator, logger)
	adapter.Bind(orch, builder)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := adapter.Start(runCtx); err != nil {
		return err
	}
	if cfg.Discord.ClientID != "" {
		logger.Info("invite URL",
			"url", fmt.Sprintf("https://discord.com/oauth2/authorize?client_id=%s&permissions=412317191168&scope=bot", cfg.Discord.ClientID))
	}

	<-runCtx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := adapter.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("llmcordd stopped")
	return nil
}

// buildProviders constructs the provider registry from the config's named
// endpoints. The registry key is the map key, so one process can serve
// several endpoints of the same kind.
func buildProviders(cfg *config.Config) (*providers.Registry, error) {
	var ps []providers.Provider
	for name, pc := range cfg.LLM.Providers {
		switch pc.Kind {
		case "openai", "":
			ps = append(ps, providers.NewOpenAIProvider(providers.OpenAIConfig{
				Name:      name,
				APIKey:    pc.APIKey,
				BaseURL:   pc.BaseURL,
				Vision:    pc.Vision,
				Usernames: pc.Usernames,
				Timeout:   pc.Timeout,
			}))
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				Name:    name,
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Timeout: pc.Timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", name, err)
			}
			ps = append(ps, p)
		case "ollama":
			ps = append(ps, providers.NewOllamaProvider(providers.OllamaConfig{
				Name:    name,
				BaseURL: pc.BaseURL,
				Vision:  pc.Vision,
				Timeout: pc.Timeout,
			}))
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", name, pc.Kind)
		}
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("no providers configured under llm.providers")
	}
	registry := providers.NewRegistry(ps...)
	if _, _, err := registry.Resolve(cfg.LLM.Model); err != nil {
		return nil, fmt.Errorf("llm.model: %w", err)
	}
	return registry, nil
}

// buildTools registers the built-in tool set. Memory tools are only offered
// when the memory store is available.
func buildTools(cfg *config.Config, memStore memory.Store) (*tools.Registry, error) {
	var ts []tools.Tool
	if cfg.Memory.Enabled && memStore != nil {
		ts = append(ts,
			memorytool.NewSaveTool(memStore, cfg.Memory.MaxLength),
			memorytool.NewRecallTool(memStore),
		)
	}
	return tools.NewRegistry(ts...)
}
