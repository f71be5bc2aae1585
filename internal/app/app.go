// Package app assembles the delivery engine from configuration. Both the
// server and the standalone worker build the same graph; only which loops
// they run differs.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/config"
	"github.com/ignite/email-relay/internal/database"
	"github.com/ignite/email-relay/internal/domain"
	"github.com/ignite/email-relay/internal/health"
	"github.com/ignite/email-relay/internal/monitor"
	"github.com/ignite/email-relay/internal/pkg/distlock"
	"github.com/ignite/email-relay/internal/pkg/logger"
	"github.com/ignite/email-relay/internal/provider"
	"github.com/ignite/email-relay/internal/queue"
	"github.com/ignite/email-relay/internal/quota"
	"github.com/ignite/email-relay/internal/ratelimit"
	"github.com/ignite/email-relay/internal/router"
	"github.com/ignite/email-relay/internal/suppression"
	"github.com/ignite/email-relay/internal/vault"
	"github.com/ignite/email-relay/internal/worker"
)

// Limiter is the full rate-limiter surface the engine needs: admission for
// the worker and API, plus the non-consuming peek for routing.
type Limiter interface {
	ratelimit.Limiter
	HasRateHeadroom(ctx context.Context, p domain.Provider, maxPerMinute int) (bool, error)
}

// App is the assembled engine.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Redis       *redis.Client
	Vault       *vault.Vault
	Adapters    map[domain.Provider]provider.Adapter
	Queue       *queue.Store
	Suppression *suppression.Store
	Health      *health.Tracker
	Quota       *quota.Ledger
	Limiter     Limiter
	Router      *router.Router
	Worker      *worker.Worker
	Monitor     *monitor.Monitor
}

// New builds the engine graph. Migrations run here so every binary boots
// against a current schema.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Redis is optional; the engine degrades to PG advisory locks
			// and in-process rate windows.
			logger.Warn("redis unreachable, using fallbacks", "error", err)
			redisClient.Close()
			redisClient = nil
		}
	}

	v := vault.New(vault.StaticResolver{
		domain.ProviderResend: {APIKey: cfg.Resend.APIKey},
		domain.ProviderBrevo:  {APIKey: cfg.Brevo.APIKey},
		domain.ProviderSES: {
			AccessKey: cfg.SES.AccessKey,
			SecretKey: cfg.SES.SecretKey,
			Region:    cfg.SES.Region,
		},
	})

	adapters := map[domain.Provider]provider.Adapter{
		domain.ProviderResend: provider.NewResendAdapter(v, cfg.Resend.BaseURL,
			cfg.Email.From, cfg.Email.FromName, cfg.Resend.DailyLimit, cfg.Resend.Timeout()),
		domain.ProviderBrevo: provider.NewBrevoAdapter(v, cfg.Brevo.BaseURL,
			cfg.Email.From, cfg.Email.FromName, cfg.Brevo.DailyLimit, cfg.Brevo.Timeout()),
		domain.ProviderSES: provider.NewSESAdapter(v, "",
			cfg.Email.From, cfg.Email.FromName, cfg.SES.DailyLimit, cfg.SES.Timeout()),
	}

	var limiter Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient)
	} else {
		limiter = ratelimit.NewLocalLimiter()
	}

	queueStore := queue.NewStore(db)
	suppressionStore := suppression.NewStore(db)
	tracker := health.NewTracker(db)
	ledger := quota.NewLedger(db, map[domain.Provider]int{
		domain.ProviderResend: cfg.Resend.DailyLimit,
		domain.ProviderBrevo:  cfg.Brevo.DailyLimit,
		domain.ProviderSES:    cfg.SES.DailyLimit,
	})

	rt := router.New(v, tracker, ledger, limiter, cfg.Worker.MaxPerMinute)

	newLock := func() distlock.DistLock {
		return distlock.New(redisClient, db, worker.LockKey, cfg.Worker.LockTTL())
	}
	wk := worker.New(worker.Config{
		BatchSize:     cfg.Worker.BatchSize,
		Concurrency:   cfg.Worker.Concurrency,
		MaxPerMinute:  cfg.Worker.MaxPerMinute,
		SoftDeadline:  cfg.Worker.SoftDeadline(),
		ClaimDeadline: cfg.Worker.ClaimDeadline(),
		LockTTL:       cfg.Worker.LockTTL(),
	}, queueStore, rt, tracker, ledger, limiter, suppressionStore, adapters, newLock)

	mon := monitor.New(monitor.Config{
		HistoryRetention: time.Duration(cfg.Monitor.HistoryRetentionDays) * 24 * time.Hour,
		LogRetention:     time.Duration(cfg.Monitor.LogRetentionDays) * 24 * time.Hour,
		CleanupHourUTC:   cfg.Monitor.CleanupHour(),
		CleanupBatchSize: 1000,
	}, adapters, tracker, ledger, queueStore)

	return &App{
		Config:      cfg,
		DB:          db,
		Redis:       redisClient,
		Vault:       v,
		Adapters:    adapters,
		Queue:       queueStore,
		Suppression: suppressionStore,
		Health:      tracker,
		Quota:       ledger,
		Limiter:     limiter,
		Router:      rt,
		Worker:      wk,
		Monitor:     mon,
	}, nil
}

// Close releases the engine's connections.
func (a *App) Close() {
	a.Vault.Shutdown()
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.DB.Close()
}
