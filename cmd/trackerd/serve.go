package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub005/syncserver"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the submission server",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), v)
		},
	}

	cmd.Flags().String("config", "", "path to config file")
	cmd.Flags().String("listen", ":8080", "listen address")
	cmd.Flags().String("database-url", "", "PostgreSQL connection string")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for client tokens")
	cmd.Flags().StringSlice("domains", []string{"default"}, "business domains served by this deployment")
	cmd.Flags().Int("max-payload-bytes", 1<<20, "per-request body limit")
	cmd.Flags().String("log-file", "", "write logs here instead of stderr, with rotation")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	databaseURL := v.GetString("database-url")
	if databaseURL == "" {
		return errors.New("database-url is required (flag or TRACKER_DATABASE_URL)")
	}
	jwtSecret := v.GetString("jwt-secret")
	if jwtSecret == "" {
		return errors.New("jwt-secret is required (flag or TRACKER_JWT_SECRET)")
	}

	logger := newLogger(v)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	service, err := syncserver.NewSubmitService(pool, &syncserver.ServiceConfig{
		AppName:         "trackerd",
		Domains:         v.GetStringSlice("domains"),
		MaxPayloadBytes: v.GetInt("max-payload-bytes"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize submit service: %w", err)
	}
	defer service.Close()

	auth := syncserver.NewJWTAuth(jwtSecret)
	handlers := syncserver.NewHTTPSubmitHandlers(service, auth, logger)
	mux := http.NewServeMux()
	handlers.Register(mux)

	server := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Submission server listening", "addr", server.Addr, "domains", v.GetStringSlice("domains"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}

func newLogger(v *viper.Viper) *slog.Logger {
	var out io.Writer = os.Stderr
	if logFile := v.GetString("log-file"); logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	switch v.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
