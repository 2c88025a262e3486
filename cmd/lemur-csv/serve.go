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

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/server"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/storage"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var drain time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(root, drain)
		},
	}

	cmd.Flags().DurationVar(&drain, "drain-timeout", 30*time.Second, "how long running jobs may finish on shutdown")
	return cmd
}

func runServe(root *rootOptions, drain time.Duration) error {
	cfg, logger := root.cfg, root.logger

	var redis *storage.RedisClient
	if cfg.Redis.Enabled {
		var err error
		redis, err = storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redis.Close()
		logger.Info("connected to redis", slog.String("addr", cfg.Redis.GetRedisAddr()))
	}

	var postgres *storage.Postgres
	if cfg.Database.DSN != "" {
		var err error
		postgres, err = storage.NewPostgres(cfg.Database.DSN, root.verbose)
		if err != nil {
			return err
		}
		defer postgres.Close()

		if err := postgres.AutoMigrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("no database configured, jobs are kept in memory")
	}

	srv := server.New(cfg, redis, postgres, logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	srv.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		if err := srv.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
