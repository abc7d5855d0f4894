package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sppix/storefront-backend/api/controllers/ws"
	"github.com/sppix/storefront-backend/api/routes"
	"github.com/sppix/storefront-backend/internal/bus"
	"github.com/sppix/storefront-backend/internal/chat"
	"github.com/sppix/storefront-backend/internal/checkout"
	"github.com/sppix/storefront-backend/internal/gateway"
	"github.com/sppix/storefront-backend/internal/identifiers"
	"github.com/sppix/storefront-backend/internal/inventory"
	"github.com/sppix/storefront-backend/internal/orders"
	"github.com/sppix/storefront-backend/internal/realtime"
	"github.com/sppix/storefront-backend/internal/reconciliation"
	"github.com/sppix/storefront-backend/pkg/auth"
	"github.com/sppix/storefront-backend/pkg/config"
	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
	"github.com/sppix/storefront-backend/pkg/migrate"
	"github.com/sppix/storefront-backend/pkg/outbox"
	"github.com/sppix/storefront-backend/pkg/redis"
	"github.com/sppix/storefront-backend/pkg/security"
	stripeclient "github.com/sppix/storefront-backend/pkg/stripe"
)

const shutdownGrace = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Console:     cfg.App.ConsoleLogs(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	storefrontMetrics := metrics.NewStorefront(prometheus.DefaultRegisterer)

	hub := bus.NewHub(storefrontMetrics.BusDropped)
	var messageBus bus.Bus = hub
	if cfg.Bus.URL != "" {
		busClient, err := redis.NewFromURL(ctx, cfg.Bus.URL, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap bus backbone", err)
			os.Exit(1)
		}
		defer busClient.Close()
		backbone := bus.NewRedisBackbone(hub, busClient, cfg.Bus.ChannelPrefix, logg)
		go func() {
			if err := backbone.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error(ctx, "bus backbone stopped", err)
			}
		}()
		messageBus = backbone
	}

	stripeClient, err := stripeclient.NewClient(ctx, cfg.Gateway, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap payment gateway", err)
		os.Exit(1)
	}
	paymentGateway := gateway.NewStripeGateway(stripeClient, cfg.Gateway.CallTimeout, logg, storefrontMetrics)

	conn := dbClient.DB()
	tx := db.FromGorm(conn)
	outboxService := outbox.NewService(outbox.NewRepository(conn), logg)
	ledger := inventory.NewLedger()
	allocator := identifiers.NewAllocator()

	orderService, err := orders.NewService(orders.ServiceParams{
		Repo:      orders.NewRepository(conn),
		Tx:        tx,
		Outbox:    outboxService,
		Inventory: ledger,
		Bus:       messageBus,
		Allocator: allocator,
		Refunder:  paymentGateway,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create orders service", err)
		os.Exit(1)
	}

	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		Tx:          tx,
		Orders:      orders.NewRepository(conn),
		Ledger:      ledger,
		Gateway:     paymentGateway,
		Outbox:      outboxService,
		Allocator:   allocator,
		Bus:         messageBus,
		Metrics:     storefrontMetrics,
		Logger:      logg,
		BaseURL:     cfg.App.PublicBaseURL,
		Currency:    cfg.Gateway.NormalizedCurrency(),
		PhoneRegion: cfg.Checkout.PhoneRegion,
	})
	if err != nil {
		logg.Error(ctx, "failed to create checkout service", err)
		os.Exit(1)
	}

	guard, err := reconciliation.NewEventGuard(redisClient, 0)
	if err != nil {
		logg.Error(ctx, "failed to create callback guard", err)
		os.Exit(1)
	}
	reconciler, err := reconciliation.NewService(reconciliation.ServiceParams{
		Gateway:         paymentGateway,
		Orders:          orderService,
		Guard:           guard,
		Metrics:         storefrontMetrics,
		Logger:          logg,
		AllowUnverified: cfg.App.IsDev() && stripeClient.SigningSecret() == "",
	})
	if err != nil {
		logg.Error(ctx, "failed to create reconciliation service", err)
		os.Exit(1)
	}

	previousKeys, err := cfg.Chat.PreviousKeys()
	if err != nil {
		logg.Error(ctx, "invalid chat key configuration", err)
		os.Exit(1)
	}
	cipher, err := security.NewCipher(cfg.Chat.Passphrase, cfg.Chat.KeyVersion, previousKeys)
	if err != nil {
		logg.Error(ctx, "failed to create chat cipher", err)
		os.Exit(1)
	}
	chatRegistry, err := chat.NewRegistry(chat.RegistryParams{
		Repo:            chat.NewRepository(conn),
		Tx:              tx,
		Cipher:          cipher,
		Bus:             messageBus,
		Logger:          logg,
		MaxMessageBytes: cfg.Chat.MaxMessageBytes,
	})
	if err != nil {
		logg.Error(ctx, "failed to create chat registry", err)
		os.Exit(1)
	}
	realtimeServer, err := realtime.NewServer(realtime.ServerParams{
		Bus:     messageBus,
		Rooms:   chatRegistry,
		Metrics: storefrontMetrics,
		Logger:  logg,
		Session: realtime.SessionConfig{
			Heartbeat:       cfg.Chat.HeartbeatInterval,
			MaxMessageBytes: cfg.Chat.MaxMessageBytes,
			Backlog:         cfg.Chat.SubscriberBacklog,
		},
	})
	if err != nil {
		logg.Error(ctx, "failed to create realtime server", err)
		os.Exit(1)
	}

	gate := auth.NewGate(cfg.JWT)
	handler := routes.NewRouter(routes.Dependencies{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Gate:       gate,
		Checkout:   checkoutService,
		Orders:     orderService,
		Reconciler: reconciler,
		Chat:       chatRegistry,
		Presence:   realtimeServer.Presence(),
		Sockets: ws.NewHandler(ws.HandlerParams{
			Base:    ctx,
			Server:  realtimeServer,
			Gate:    gate,
			Origins: cfg.App.CORSOrigins,
			Logger:  logg,
		}),
		Metrics: promhttp.Handler(),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	runCtx := logg.WithFields(ctx, map[string]any{
		"env":     cfg.App.Env,
		"addr":    addr,
		"gateway": stripeClient.Environment(),
	})
	logg.Info(runCtx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(runCtx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(runCtx, "api server shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}
}
