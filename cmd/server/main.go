package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jacksonlee411/propertyops/internal/server"
)

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := server.NewHandler(ctx, server.HandlerOptions{Logger: logger})
	if err != nil {
		logger.Error("server setup failed", "event", "server_setup_failed", "error", err.Error())
		os.Exit(1)
	}
	defer h.Close()

	interval, err := server.PruneIntervalFromEnv()
	if err != nil {
		logger.Error("server setup failed", "event", "server_setup_failed", "error", err.Error())
		os.Exit(1)
	}
	go server.RunLedgerPruner(ctx, h.Ledger(), interval, logger)

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "event", "server_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "event", "server_stopped", "error", err.Error())
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
