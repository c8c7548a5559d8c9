package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/channels"
	clichannel "github.com/haasonsaas/hermes/internal/channels/cli"
	"github.com/haasonsaas/hermes/internal/channels/discord"
	slackchannel "github.com/haasonsaas/hermes/internal/channels/slack"
	"github.com/haasonsaas/hermes/internal/channels/telegram"
	"github.com/haasonsaas/hermes/internal/channels/whatsapp"
	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/cron"
	"github.com/haasonsaas/hermes/internal/gateway"
	"github.com/haasonsaas/hermes/internal/hooks"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/internal/process"
	"github.com/haasonsaas/hermes/internal/providers"
	"github.com/haasonsaas/hermes/internal/sandbox"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/skills"
	execTools "github.com/haasonsaas/hermes/internal/tools/exec"
	"github.com/haasonsaas/hermes/internal/tools/files"
	"github.com/haasonsaas/hermes/internal/tools/memory"
	"github.com/haasonsaas/hermes/internal/tools/message"
	"github.com/haasonsaas/hermes/internal/tools/policy"
	"github.com/haasonsaas/hermes/internal/tools/sessionsearch"
	"github.com/haasonsaas/hermes/internal/tools/todo"
	"github.com/haasonsaas/hermes/pkg/models"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway, all configured platform adapters, and the cron scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing.Endpoint, "hermes")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	store, err := sessions.Open(cfg.StateDBPath(), sessions.Options{
		JSONLDir: cfg.SessionsDir(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	client, auxClient, err := buildClients(cfg)
	if err != nil {
		return err
	}

	sandboxes := sandbox.NewManager(cfg.Sandbox, cfg.SandboxesDir(), logger)
	defer sandboxes.ReleaseAll()
	processes := process.NewRegistry(logger)
	gate := policy.NewCommandGate()
	todos := todo.NewStore()

	skillLib, err := skills.Load(cfg.SkillsDir())
	if err != nil {
		logger.Warn("skill tree unavailable", "error", err)
		skillLib, _ = skills.Load(os.DevNull)
	}

	registry, intercept := buildTools(cfg, store, todos, auxClient, skillLib)

	hookRegistry := hooks.Discover(cfg.HooksDir(), logger)
	directory := gateway.NewDirectory()

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Options{
		Config:    cfg,
		Store:     store,
		Adapters:  adapters,
		Registry:  registry,
		Intercept: intercept,
		Client:    client,
		AuxClient: auxClient,
		Sandboxes: sandboxes,
		Processes: processes,
		Gate:      gate,
		Todos:     todos,
		Hooks:     hookRegistry,
		Directory: directory,
		Metrics:   metrics,
		Logger:    logger,
	})

	// Late-bound tools that need the gateway itself.
	registry.Register(message.New(gw), agent.RegisterOptions{Toolset: "messaging"})
	clarify := agent.NewClarifyTool(gw.ClarifyFromContext)
	registry.Register(clarify, agent.RegisterOptions{Toolset: "messaging"})
	intercept[clarify.Name()] = clarify

	if err := adapters.ConnectAll(ctx); err != nil {
		return fmt.Errorf("connect adapters: %w", err)
	}
	defer adapters.DisconnectAll()

	cronStore, err := cron.OpenStore(cfg.CronJobsPath())
	if err != nil {
		return fmt.Errorf("open cron store: %w", err)
	}
	scheduler := cron.New(
		cronStore,
		cronRunner(cfg, store, client, registry, intercept, sandboxes, processes, gate, logger),
		gw.SendTo,
		cfg.Cron.TickInterval,
		cfg.LogsDir()+"/cron-output.log",
		logger,
		metrics,
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	watchAndReload(ctx, cfg, hookRegistry, logger)

	logger.Info("hermes running", "home", cfg.Home(), "backend", cfg.Sandbox.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP: reloading hooks")
				hookRegistry.Reload()
				continue
			}
			logger.Info("shutting down", "signal", sig)
			endAllSessions(store, logger)
			return nil
		}
	}
}

// buildClients selects the main and auxiliary provider clients from
// provider config and available credentials.
func buildClients(cfg *config.Config) (providers.Client, providers.Client, error) {
	var client providers.Client
	switch cfg.Agent.Provider {
	case "anthropic":
		key := cfg.Env("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, nil, fmt.Errorf("provider anthropic selected but ANTHROPIC_API_KEY is unset")
		}
		client = providers.NewAnthropicClient(key)
	case "codex":
		key := cfg.Env("OPENAI_API_KEY")
		if key == "" {
			return nil, nil, fmt.Errorf("provider codex selected but OPENAI_API_KEY is unset")
		}
		client = providers.NewCodexClient(key, cfg.Env("OPENAI_BASE_URL"))
	case "openai":
		key := cfg.Env("OPENAI_API_KEY")
		if key == "" {
			return nil, nil, fmt.Errorf("provider openai selected but OPENAI_API_KEY is unset")
		}
		client = providers.NewOpenAIClient(key, cfg.Env("OPENAI_BASE_URL"))
	default:
		if key := cfg.Env("OPENROUTER_API_KEY"); key != "" {
			client = providers.NewOpenRouterClient(key)
		} else if key := cfg.Env("OPENAI_API_KEY"); key != "" {
			client = providers.NewOpenAIClient(key, cfg.Env("OPENAI_BASE_URL"))
		} else {
			return nil, nil, fmt.Errorf("no inference credentials: set OPENROUTER_API_KEY or OPENAI_API_KEY")
		}
	}

	var aux providers.Client
	if cfg.Agent.AuxModel != "" {
		aux = client
	}
	return client, aux, nil
}

// buildTools registers every builtin tool and returns the registry
// plus the interception map for in-process tools.
func buildTools(cfg *config.Config, store *sessions.Store, todos *todo.Store,
	aux providers.Client, skillLib *skills.Library) (*agent.Registry, map[string]agent.Tool) {

	registry := agent.NewRegistry()
	intercept := map[string]agent.Tool{}

	registry.Register(execTools.NewTerminalTool(cfg.Sandbox.SudoPassword), agent.RegisterOptions{Toolset: "terminal"})
	registry.Register(execTools.NewProcessTool(), agent.RegisterOptions{Toolset: "terminal"})

	fileCfg := files.Config{Workspace: cfg.Sandbox.WorkDir}
	registry.Register(files.NewReadTool(fileCfg), agent.RegisterOptions{Toolset: "files"})
	registry.Register(files.NewWriteTool(fileCfg), agent.RegisterOptions{Toolset: "files"})
	registry.Register(files.NewPatchTool(fileCfg), agent.RegisterOptions{Toolset: "files"})
	registry.Register(files.NewSearchTool(fileCfg), agent.RegisterOptions{Toolset: "files"})

	todoTool := todo.New(todos, func(ctx context.Context) string {
		return agent.ToolContextFrom(ctx).ConversationKey
	})
	registry.Register(todoTool, agent.RegisterOptions{Toolset: "plan"})
	intercept[todoTool.Name()] = todoTool

	memoryTool := memory.New(cfg.NotesPath())
	registry.Register(memoryTool, agent.RegisterOptions{Toolset: "memory"})
	intercept[memoryTool.Name()] = memoryTool

	var summarizer sessionsearch.Summarizer
	if aux != nil {
		summarizer = func(ctx context.Context, query string, matches []sessions.SearchMatch) (string, error) {
			var sb string
			for _, m := range matches {
				sb += string(m.Role) + ": " + m.Snippet + "\n"
			}
			resp, err := aux.Complete(ctx, &providers.Request{
				Model:        cfg.Agent.AuxModel,
				SystemPrompt: "Digest these transcript search hits for the query " + query + " into two or three sentences.",
				Messages:     []models.Message{{Role: models.RoleUser, Content: sb}},
			})
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		}
	}
	registry.Register(sessionsearch.New(store, summarizer), agent.RegisterOptions{Toolset: "sessions"})

	registry.Register(skills.NewCategoriesTool(skillLib), agent.RegisterOptions{Toolset: "skills"})
	registry.Register(skills.NewListTool(skillLib), agent.RegisterOptions{Toolset: "skills"})
	registry.Register(skills.NewViewTool(skillLib), agent.RegisterOptions{Toolset: "skills"})

	return registry, intercept
}

// buildAdapters constructs every enabled platform surface.
func buildAdapters(cfg *config.Config, logger *slog.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry()
	registry.Register(clichannel.New())
	cacheDir := cfg.Home() + "/cache"

	if cfg.Platforms.Telegram.Enabled {
		adapter, err := telegram.New(telegram.Config{
			Token:        cfg.Env("TELEGRAM_BOT_TOKEN"),
			AllowedUsers: cfg.Platforms.Telegram.AllowedUsers,
			CacheDir:     cacheDir,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
	}
	if cfg.Platforms.Discord.Enabled {
		adapter, err := discord.New(discord.Config{
			Token:                cfg.Env("DISCORD_BOT_TOKEN"),
			AllowedUsers:         cfg.Platforms.Discord.AllowedUsers,
			FreeResponseChannels: cfg.Platforms.Discord.FreeResponseChannels,
			RequireMention:       cfg.Platforms.Discord.RequireMention,
			CacheDir:             cacheDir,
			Logger:               logger,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
	}
	if cfg.Platforms.Slack.Enabled {
		adapter, err := slackchannel.New(slackchannel.Config{
			BotToken:     cfg.Env("SLACK_BOT_TOKEN"),
			AppToken:     cfg.Env("SLACK_APP_TOKEN"),
			AllowedUsers: cfg.Platforms.Slack.AllowedUsers,
			CacheDir:     cacheDir,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(adapter)
	}
	if cfg.Platforms.WhatsApp.Enabled {
		registry.Register(whatsapp.New(whatsapp.Config{CacheDir: cacheDir, Logger: logger}))
	}
	return registry, nil
}

// cronRunner spawns a fresh isolated agent run for one job: its prompt
// is the only user message, no prior transcript, full operator tool
// permissions.
func cronRunner(cfg *config.Config, store *sessions.Store, client providers.Client,
	registry *agent.Registry, intercept map[string]agent.Tool,
	sandboxes *sandbox.Manager, processes *process.Registry,
	gate *policy.CommandGate, logger *slog.Logger) cron.Runner {

	return func(ctx context.Context, job models.CronJob) (string, error) {
		sessID := uuid.NewString()
		sess := &models.Session{
			ID:           sessID,
			Source:       models.PlatformCron,
			Model:        cfg.Agent.Model,
			SystemPrompt: cfg.Agent.SystemPrompt,
			Origin:       models.Origin{Platform: models.PlatformCron, ChatID: "job:" + job.ID},
			StartedAt:    time.Now().UTC(),
		}
		if err := store.CreateSession(ctx, sess); err != nil {
			return "", err
		}
		defer store.EndSession(context.Background(), sessID, models.EndReasonProcessExit)

		taskID := "cron-" + job.ID
		defer sandboxes.Release(taskID)

		tc := &agent.ToolContext{
			TaskID:          taskID,
			ConversationKey: "cron:" + job.ID,
			SessionID:       sessID,
			Store:           store,
			Gate:            gate,
			Sandbox:         sandboxes,
			Processes:       processes,
			Cancel:          sandbox.NewCancelFlag(),
		}

		userMsg := models.Message{SessionID: sessID, Role: models.RoleUser, Content: job.Prompt, Timestamp: time.Now().UTC()}
		store.AppendMessage(ctx, &userMsg)

		loop := &agent.Loop{
			Client:   client,
			Registry: registry,
			Config: agent.LoopConfig{
				Model:         cfg.Agent.Model,
				APIMode:       providers.APIMode(cfg.Agent.APIMode),
				MaxIterations: cfg.Agent.MaxIterations,
				Toolsets:      cfg.Toolsets,
				ToolResultCap: cfg.Agent.ToolResultCap,
			},
			Logger:    logger,
			Intercept: intercept,
			Persist: func(ctx context.Context, msg *models.Message) error {
				_, err := store.AppendMessage(ctx, msg)
				return err
			},
			Compressor: agent.NewCompressor(
				providers.ContextWindow(cfg.Agent.Model),
				cfg.Compression.Threshold,
				cfg.Compression.ProtectFirst,
				cfg.Compression.ProtectLast,
			),
		}
		result, err := loop.RunTurn(ctx, sess.SystemPrompt, []models.Message{userMsg}, tc)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}
}

// watchAndReload hot-reloads the hooks root on filesystem changes,
// complementing the SIGHUP path.
func watchAndReload(ctx context.Context, cfg *config.Config, hookRegistry *hooks.Registry, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fs watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(cfg.HooksDir()); err != nil {
		logger.Debug("hooks dir not watchable", "error", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				hookRegistry.Reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("fs watcher error", "error", err)
			}
		}
	}()
}

// endAllSessions marks every active session ended at process exit.
func endAllSessions(store *sessions.Store, logger *slog.Logger) {
	ctx := context.Background()
	list, err := store.ListSessions(ctx, "", 500, 0)
	if err != nil {
		return
	}
	for _, sess := range list {
		if sess.Active() {
			if err := store.EndSession(ctx, sess.ID, models.EndReasonProcessExit); err != nil {
				logger.Debug("end session at exit", "session_id", sess.ID, "error", err)
			}
		}
	}
}
