package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sppix/storefront-backend/internal/bus"
	"github.com/sppix/storefront-backend/internal/cron"
	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/identifiers"
	"github.com/sppix/storefront-backend/internal/inventory"
	"github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/internal/reconciliation"
	"github.com/sppix/storefront-backend/pkg/config"
	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
	"github.com/sppix/storefront-backend/pkg/migrate"
	"github.com/sppix/storefront-backend/pkg/outbox"
	"github.com/sppix/storefront-backend/pkg/redis"
	stripeclient "github.com/sppix/storefront-backend/pkg/stripe"
)

const retentionCadence = 24 * time.Hour

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Console:     cfg.App.ConsoleLogs(),
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripeclient.NewClient(context.Background(), cfg.Gateway, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap payment gateway", err)
		os.Exit(1)
	}
	storefrontMetrics := metrics.NewStorefront(prometheus.DefaultRegisterer)
	paymentGateway := gateway.NewStripeGateway(stripeClient, cfg.Gateway.CallTimeout, logg, storefrontMetrics)

	// Admin dashboards are fed through the bus backbone when one is configured.
	var notices bus.Bus
	if cfg.Bus.URL != "" {
		busClient, err := redis.NewFromURL(context.Background(), cfg.Bus.URL, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap bus backbone", err)
			os.Exit(1)
		}
		defer busClient.Close()
		notices = bus.NewRedisBackbone(bus.NewHub(nil), busClient, cfg.Bus.ChannelPrefix, logg)
	}

	conn := dbClient.DB()
	orderRepo := orders.NewRepository(conn)
	outboxRepo := outbox.NewRepository(conn)
	orderService, err := orders.NewService(orders.ServiceParams{
		Repo:      orderRepo,
		Tx:        dbClient,
		Outbox:    outbox.NewService(outboxRepo, logg),
		Inventory: inventory.NewLedger(),
		Bus:       notices,
		Allocator: identifiers.NewAllocator(),
		Refunder:  paymentGateway,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}
	guard, err := reconciliation.NewEventGuard(redisClient, 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create callback guard", err)
		os.Exit(1)
	}
	reconciler, err := reconciliation.NewService(reconciliation.ServiceParams{
		Gateway: paymentGateway,
		Orders:  orderService,
		Guard:   guard,
		Metrics: storefrontMetrics,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciliation service", err)
		os.Exit(1)
	}

	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	orderTTL, err := cron.NewOrderTTLJob(cron.OrderTTLJobParams{
		Logger:   logg,
		Reader:   orderRepo,
		Sessions: reconciler,
		Orders:   orderService,
		Metrics:  cronMetrics,
		TTL:      cfg.Reaper.OrderTTL,
		Batch:    cfg.Reaper.Batch,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order ttl job", err)
		os.Exit(1)
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outboxRepo,
		Metrics:    cronMetrics,
		Retention:  cfg.Outbox.RetentionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	locker, err := cron.NewRedisLocker(redisClient, lockScope(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron locker", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry().
		Register(orderTTL, cfg.Reaper.Interval).
		Register(retention, retentionCadence)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Locker:   locker,
		Metrics:  cronMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"interval": cfg.Reaper.Interval.String(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockScope(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
