package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/statusphere/internal/auth"
	"github.com/blackmichael/statusphere/internal/config"
	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/blackmichael/statusphere/internal/firehose"
	"github.com/blackmichael/statusphere/internal/httpserver"
	"github.com/blackmichael/statusphere/internal/identity"
	"github.com/blackmichael/statusphere/internal/sqlstore"
	"github.com/blackmichael/statusphere/internal/webhook"
	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One repository implements every store port.
	repo, err := sqlstore.NewRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("connected to database", "dialect", repo.Dialect())

	hooks := webhook.NewDispatcher(repo, webhook.Config{
		Workers:   cfg.WebhookWorkers,
		AllowHTTP: cfg.WebhookAllowHTTP,
	}, logger)

	statusService, err := domain.NewStatusService(domain.StatusServiceConfig{
		Statuses:      repo,
		Preferences:   repo,
		Cursors:       repo,
		Events:        hooks,
		RemoteTimeout: cfg.RemoteWriteTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("create status service: %w", err)
	}

	handles := identity.NewResolver(identity.NewDirectory(identity.Config{
		PLCURL:           cfg.PLCURL,
		CacheSize:        cfg.HandleCacheSize,
		CacheTTL:         cfg.HandleCacheTTL,
		ErrTTL:           time.Minute,
		InvalidHandleTTL: 5 * time.Minute,
	}, logger))

	authManager := auth.NewManager(repo, auth.Config{
		PDSURL:        cfg.PDSURL,
		SessionSecret: []byte(cfg.SessionSecret),
		Secure:        cfg.SecureCookies(),
	}, logger)

	deps := httpserver.Deps{
		Statuses: statusService,
		Auth:     authManager,
		Handles:  handles,
		Webhooks: hooks,
		Store:    repo,
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.EnableFirehose {
		subscriber, err := firehose.NewSubscriber(firehose.Config{URL: cfg.FirehoseURL}, statusService, statusService, logger)
		if err != nil {
			return fmt.Errorf("create firehose subscriber: %w", err)
		}
		deps.Firehose = subscriber
		g.Go(func() error {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("firehose subscriber: %w", err)
			}
			return nil
		})
	} else {
		logger.Warn("firehose disabled, only local writes will appear")
	}

	g.Go(func() error {
		hooks.Run(ctx)
		return nil
	})

	// Prune sessions idle for 30 days.
	g.Go(func() error {
		authManager.StartCleanupJob(ctx, time.Hour, 30*24*time.Hour)
		return nil
	})

	server := httpserver.NewServer(cfg, deps, logger)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	logger.Info("server started",
		"port", cfg.Port,
		"hostname", cfg.Hostname,
		"version", versioninfo.Short(),
		"firehose", cfg.EnableFirehose,
	)

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down http server", "error", err)
		}
		return nil
	})

	return g.Wait()
}
