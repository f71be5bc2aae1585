package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/email-relay/internal/api"
	"github.com/ignite/email-relay/internal/app"
	"github.com/ignite/email-relay/internal/config"
	"github.com/ignite/email-relay/internal/pkg/logger"
)

func main() {
	logger.SetLevel(logger.LevelFromString(os.Getenv("LOG_LEVEL")))

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("engine assembly failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	handlers := api.NewHandlers(engine.Queue, engine.Suppression, engine.Health,
		engine.Quota, engine.Worker, engine.Monitor, engine.Limiter, cfg.Cron.Secret)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:           api.SetupRoutes(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
