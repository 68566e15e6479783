package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatrelay/internal/autoreply"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/telegram"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/httpapi"
	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/pg"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatrelay/internal/telemetry"
	"github.com/nextlevelbuilder/chatrelay/internal/uploads"
)

func runServer() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.Telegram.Token == "" {
		slog.Error("no telegram bot token configured, set CHATRELAY_TELEGRAM_TOKEN")
		os.Exit(1)
	}
	if cfg.Sessions.ReapSchedule != "" && !relay.ValidSchedule(cfg.Sessions.ReapSchedule) {
		slog.Error("invalid reap schedule cron expression", "schedule", cfg.Sessions.ReapSchedule)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to init trace export", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		traceShutdown(shutdownCtx)
	}()

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	matcher := buildMatcher(cfg)

	uploadStore, err := uploads.New(config.ExpandHome(cfg.Uploads.Dir), cfg.Uploads.MaxBytes())
	if err != nil {
		slog.Error("failed to prepare uploads dir", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()

	tgChannel, err := telegram.New(cfg.Telegram, msgBus, nil)
	if err != nil {
		slog.Error("failed to create telegram channel", "error", err)
		os.Exit(1)
	}

	controller := relay.NewController(stores, matcher, tgChannel, cfg.AutoReply.Delay())
	defer controller.Shutdown()
	tgChannel.SetBinder(controller)

	hub := httpapi.NewHub(controller, cfg.Server.AllowedOrigins)
	defer hub.Shutdown()
	controller.OnMessageStored(hub.Broadcast)

	handler := httpapi.NewHandler(controller, uploadStore, hub, cfg.Telegram.DefaultChatID)
	server := httpapi.NewServer(cfg.Server, handler)

	reaper := relay.NewReaper(stores.Sessions, cfg.Sessions.ReapInterval(), cfg.Sessions.ReapSchedule)

	if err := tgChannel.Start(ctx); err != nil {
		slog.Error("failed to start telegram channel", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return reaper.Run(gctx)
	})

	// Drain agent-side events from the bus into the relay core.
	g.Go(func() error {
		for {
			ev, ok := msgBus.ConsumeInbound(gctx)
			if !ok {
				return nil
			}
			if err := controller.AgentEvent(gctx, ev); err != nil {
				slog.Error("agent event handling failed", "chat_id", ev.ChatID, "error", err)
			}
		}
	})

	if cfg.AutoReply.RulesFile != "" {
		rulesPath := config.ExpandHome(cfg.AutoReply.RulesFile)
		g.Go(func() error {
			return autoreply.Watch(gctx, rulesPath, matcher)
		})
	}

	slog.Info("chatrelay running",
		"version", Version,
		"db_driver", cfg.Database.Driver,
		"session_ttl", cfg.Sessions.TTL(),
		"rules", matcher.RuleCount(),
	)

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	tgChannel.Stop(stopCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// openStores picks the storage backend from config. SQLite is the default;
// Postgres serves multi-instance deployments.
func openStores(cfg *config.Config) (*store.Stores, error) {
	storeCfg := store.StoreConfig{
		Driver:      cfg.Database.Driver,
		Path:        config.ExpandHome(cfg.Database.Path),
		PostgresDSN: cfg.Database.PostgresDSN,
		TTL:         cfg.Sessions.TTL(),
	}
	if storeCfg.Driver == "postgres" {
		return pg.NewStores(storeCfg)
	}
	return sqlite.NewStores(storeCfg)
}

// buildMatcher assembles the auto-reply rule set: built-in defaults, replaced
// by config rules or an external rules file when provided.
func buildMatcher(cfg *config.Config) *autoreply.Matcher {
	rules := autoreply.DefaultRules()

	if len(cfg.AutoReply.Rules) > 0 {
		rules = make([]autoreply.Rule, 0, len(cfg.AutoReply.Rules))
		for _, r := range cfg.AutoReply.Rules {
			rules = append(rules, autoreply.Rule{Keywords: r.Keywords, Reply: r.Reply})
		}
	}

	if cfg.AutoReply.RulesFile != "" {
		loaded, err := autoreply.LoadRulesFile(config.ExpandHome(cfg.AutoReply.RulesFile))
		if err != nil {
			slog.Warn("auto-reply rules file unreadable, using fallback rules", "error", err)
		} else {
			rules = loaded
		}
	}

	return autoreply.NewMatcher(rules)
}
