package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relayforge/copilot-relay/internal/balance"
	"github.com/relayforge/copilot-relay/internal/config"
	fdadmin "github.com/relayforge/copilot-relay/internal/frontdoor/admin"
	fdanthropic "github.com/relayforge/copilot-relay/internal/frontdoor/anthropic"
	fdopenai "github.com/relayforge/copilot-relay/internal/frontdoor/openai"
	"github.com/relayforge/copilot-relay/internal/instance"
	"github.com/relayforge/copilot-relay/internal/relay"
	"github.com/relayforge/copilot-relay/internal/server"
	"github.com/relayforge/copilot-relay/internal/store"
	"github.com/relayforge/copilot-relay/internal/telemetry"
	"github.com/relayforge/copilot-relay/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger, level); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger, level *slog.LevelVar) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level.Set(cfg.Logging.SlogLevel())

	if err := config.Watch(configPath, func(next *config.Config) {
		level.Set(next.Logging.SlogLevel())
		logger.Info("config reloaded", "log_level", next.Logging.Level)
	}); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	shutdownTracing, err := telemetry.Init(ctx, "copilot-relay")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	usage, err := store.OpenUsageCache(filepath.Join(cfg.Storage.DataDir, "usage.db"))
	if err != nil {
		return err
	}
	defer usage.Close()

	var clientOpts []upstream.ClientOption
	if cfg.Upstream.APIBaseURL != "" {
		clientOpts = append(clientOpts, upstream.WithAPIBaseURL(cfg.Upstream.APIBaseURL))
	}
	if cfg.Upstream.AuthBaseURL != "" {
		clientOpts = append(clientOpts, upstream.WithAuthBaseURL(cfg.Upstream.AuthBaseURL))
	}
	clientOpts = append(clientOpts, upstream.WithMetadata(upstream.Metadata{
		EditorVersion: cfg.Editor.Version,
		PluginVersion: cfg.Editor.PluginVersion,
		IntegrationID: cfg.Editor.IntegrationID,
		UserAgent:     "copilot-relay/1.0",
	}))
	client := upstream.NewClient(clientOpts...)

	registry := instance.NewRegistry(client, usage, logger)
	if cfg.Upstream.AutoStart {
		for _, account := range st.Accounts() {
			if !account.Enabled {
				continue
			}
			if err := registry.Start(ctx, account); err != nil {
				logger.Warn("autostart failed", "account_id", account.ID, "error", err)
			}
		}
	}

	selector := balance.NewSelector(usage)
	rl := relay.New(st, registry, selector, logger)

	srv := server.New(cfg.Server.Port, rl, server.Frontdoors{
		OpenAI:    fdopenai.New(rl, client),
		Anthropic: fdanthropic.New(rl, client),
		Admin:     fdadmin.New(st, registry, usage),
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	for _, id := range registry.Running() {
		registry.Stop(id)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(drainCtx)
}
