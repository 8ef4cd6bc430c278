package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/api"
	"github.com/yomibot/backend/internal/api/handlers"
	"github.com/yomibot/backend/internal/discord"
	"github.com/yomibot/backend/internal/middleware/ratelimit"
	appLogger "github.com/yomibot/backend/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the Discord bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if !cfg.Server.Enabled && !cfg.Discord.Enabled {
		return fmt.Errorf("nothing to serve: enable server and/or discord")
	}

	appLogger.Info("Starting yomibot")

	app, err := buildApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimitPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	queryTimeout := time.Duration(cfg.Server.QueryTimeoutSec) * time.Second
	errCh := make(chan error, 1)

	if cfg.Discord.Enabled {
		bot, err := discord.New(discord.Config{
			Token:        cfg.Discord.Token,
			Prefixes:     cfg.Discord.Prefixes,
			Agentic:      cfg.Agentic.Enabled,
			QueryTimeout: queryTimeout,
		}, app.engine, limiter)
		if err != nil {
			return err
		}
		if err := bot.Start(); err != nil {
			return err
		}
		defer func() {
			if err := bot.Close(); err != nil {
				appLogger.Warn("Failed to close discord session", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Enabled {
		var history handlers.HistoryStore
		if app.history != nil {
			history = app.history
		}

		server := api.NewApp(api.Options{
			Engine:              app.engine,
			History:             history,
			Models:              app.gateway,
			Checks:              app.checks(),
			Limiter:             limiter,
			ReadTimeout:         time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout:        time.Duration(cfg.Server.WriteTimeout) * time.Second,
			BodyLimit:           cfg.Server.BodyLimit,
			AllowedOrigins:      cfg.Server.AllowedOrigins,
			IsDevelopment:       cfg.Server.IsDevelopment,
			AccessLog:           cfg.Server.IsDevelopment,
			QueryTimeout:        queryTimeout,
			MaxQueryLength:      cfg.Server.MaxQueryLength,
			HistoryDefaultLimit: cfg.Server.HistoryDefaultLimit,
			AgenticDefault:      cfg.Agentic.Enabled,
		})

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		appLogger.Info("Server starting", zap.String("address", addr))

		go func() {
			if err := server.Listen(addr); err != nil {
				errCh <- fmt.Errorf("server failed: %w", err)
			}
		}()
		defer func() {
			appLogger.Info("Server shutting down gracefully...")
			if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
				appLogger.Warn("Server shutdown incomplete", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-errCh:
		appLogger.Error("Shutting down after failure", zap.Error(err))
		return err
	}

	appLogger.Info("Stopped")
	return nil
}
