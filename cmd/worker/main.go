// The worker daemon runs the queue and monitor loops on timers instead of
// waiting for an external scheduler to hit the tick endpoints. Deployments
// choose one trigger style, not both.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/email-relay/internal/app"
	"github.com/ignite/email-relay/internal/config"
	"github.com/ignite/email-relay/internal/monitor"
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

	queueTicker := time.NewTicker(cfg.Worker.TickInterval())
	defer queueTicker.Stop()
	monitorTicker := time.NewTicker(cfg.Monitor.TickInterval())
	defer monitorTicker.Stop()

	logger.Info("worker daemon started",
		"queue_interval", cfg.Worker.TickInterval().String(),
		"monitor_interval", cfg.Monitor.TickInterval().String())

	// Drain whatever accumulated while we were down.
	runQueueTick(ctx, engine)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker daemon stopping")
			return
		case <-queueTicker.C:
			runQueueTick(ctx, engine)
		case <-monitorTicker.C:
			if _, err := engine.Monitor.Run(ctx, monitor.ModeFull); err != nil {
				logger.Error("monitor tick failed", "error", err)
			}
		}
	}
}

func runQueueTick(ctx context.Context, engine *app.App) {
	result, err := engine.Worker.Tick(ctx)
	if err != nil {
		logger.Error("queue tick failed", "error", err)
		return
	}
	if result.Skipped {
		logger.Debug("tick skipped, lock held elsewhere")
	}
}
