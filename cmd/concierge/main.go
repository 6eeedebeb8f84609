package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"concierge/internal/adapter/bridge"
	"concierge/internal/adapter/telegram"
	"concierge/internal/agent"
	"concierge/internal/auth"
	"concierge/internal/bus"
	"concierge/internal/config"
	"concierge/internal/dispatch"
	"concierge/internal/memory"
	"concierge/internal/pending"
	"concierge/internal/provider"
	"concierge/internal/scheduler"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "concierge",
		Short: "Concierge: a personal and business assistant over your chats",
		Long:  "Concierge dispatches your Telegram bot and desktop-bridge messages to conversational agents, with pairing, PIN auth, and per-chat modes.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.concierge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(pairCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Generate and print a fresh pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			code, err := generatePairingCode()
			if err != nil {
				return fmt.Errorf("generate code: %w", err)
			}
			cfg.Security.PairingCode = code
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Pairing code: %s\n", code)
			fmt.Println("Send '/start " + code + "' to the bot to pair. The first paired account becomes the owner.")
			return nil
		},
	}
}

func generatePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("channels",
				"telegram", cfg.Channels.Telegram.Enabled,
				"bridge", cfg.Channels.Bridge.Enabled,
			)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			factory := provider.NewFactory(cfg, logger)
			prov, err := factory.Default()
			if err != nil {
				logger.Info("provider", "healthy", false, "err", err)
				return nil
			}
			if err := prov.Healthy(ctx); err != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", false, "err", err)
			} else {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.adminPauseMinutes 45)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths, leaves, err := config.Flatten(cfg)
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Printf("%s = %v\n", p, leaves[p])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (all enabled transports + dispatcher)",
		Long:  "Starts the enabled transports (Telegram bot, desktop bridge), the dispatcher, and the reminder scheduler. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	cleanup := func() {}
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		cleanup = func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), cleanup, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCleanup, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logCleanup()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)

	store, err := memory.NewStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	memory.AttachAudit(events, store, logger)

	factory := provider.NewFactory(cfg, logger)
	prov, err := factory.Default()
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	gate := auth.NewGate(store, events, logger, auth.Options{
		PairingCode:    cfg.Security.PairingCode,
		PINLength:      cfg.Security.PIN.Length,
		SessionTimeout: time.Duration(cfg.Security.PIN.SessionTimeoutMinutes) * time.Minute,
		MaxFailures:    cfg.Security.PIN.MaxFailures,
		Lockout:        time.Duration(cfg.Security.PIN.LockoutMinutes) * time.Minute,
	})

	specs, err := agent.LoadSpecs(cfg.Agents.File)
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	globalModel := cfg.Providers[cfg.General.DefaultProvider].DefaultModel
	registry := agent.BuildRegistry(specs, cfg.Agents.Defaults, prov, globalModel, factory, logger)
	logger.Info("agents ready", "agents", registry.Names())

	capturer := memory.NewCapturer(store, prov, events, logger,
		cfg.Memory.CaptureThreshold, cfg.Memory.HistoryLimit)

	dispatcher := dispatch.New(dispatch.Deps{
		Config:   cfg,
		Store:    store,
		Gate:     gate,
		Pendings: pending.NewStore(time.Duration(cfg.Security.PendingTTLMinutes) * time.Minute),
		Registry: registry,
		Runner:   agent.NewRunner(1, 2, logger),
		Capturer: capturer,
		Events:   events,
		Logger:   logger,
	})

	started := 0
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := telegram.New(telegram.Config{
			Token:     cfg.Channels.Telegram.Token,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger.With("adapter", "telegram"),
		})
		tg.OnMessage(dispatcher.HandleMessage)
		dispatcher.RegisterPlatform(tg)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram adapter error", "err", err)
			}
		}()
		started++
		logger.Info("telegram adapter enabled")
	}

	if cfg.Channels.Bridge.Enabled {
		br := bridge.New(bridge.Config{
			BaseURL:        cfg.Channels.Bridge.BaseURL,
			TokenFile:      cfg.Channels.Bridge.TokenFile,
			PollInterval:   time.Duration(cfg.Channels.Bridge.PollIntervalSeconds) * time.Second,
			RecentMessages: cfg.Channels.Bridge.RecentMessages,
			ChatListLimit:  cfg.Channels.Bridge.ChatListLimit,
			ResponseMarker: cfg.Channels.Bridge.ResponseMarker,
			CommandPrefix:  cfg.Channels.Bridge.CommandPrefix,
			Logger:         logger.With("adapter", "bridge"),
			ModeFor:        dispatcher.ModeFor,
		})
		br.OnMessage(dispatcher.HandleMessage)
		dispatcher.RegisterPlatform(br)
		go func() {
			if err := br.Start(ctx); err != nil {
				logger.Error("bridge adapter error", "err", err)
			}
		}()
		started++
		logger.Info("bridge adapter enabled")
	}

	if started == 0 {
		return fmt.Errorf("no transports enabled; enable channels.telegram or channels.bridge")
	}

	if cfg.Reminders.Enabled {
		sched := scheduler.New(cfg.Reminders.Tasks, dispatcher.AdapterFor, events, logger)
		go sched.Run(ctx)
	}

	logger.Info("gateway started", "version", version)

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, name := range []string{"telegram", "bridge"} {
			if a := dispatcher.AdapterFor(name); a != nil {
				if err := a.Stop(); err != nil {
					logger.Warn("adapter stop failed", "adapter", name, "err", err)
				}
			}
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
