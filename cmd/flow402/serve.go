package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/flow402/gateway/internal/config"
	"github.com/flow402/gateway/internal/gateway"
	"github.com/flow402/gateway/internal/idempotency"
	"github.com/flow402/gateway/internal/ledger"
	"github.com/flow402/gateway/internal/observability"
	"github.com/flow402/gateway/internal/operatorauth"
	"github.com/flow402/gateway/internal/tenant"
	"github.com/flow402/gateway/internal/topup"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}

	registry := tenant.NewRegistry(tenant.NewGormStore(db), rdb, logger, cfg.TenantCacheTTL)
	idemStore := idempotency.NewGormStore(db)
	ledgerEngine := ledger.NewEngine(ledger.NewGormStore(db))

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	gatewayHandler := gateway.NewHandler(registry, idemStore, ledgerEngine, cfg.TenantID, cfg.SignatureSkew, logger, metrics)
	topupHandler := topup.NewHandler(idemStore, ledgerEngine, cfg.TenantID, logger)
	operatorMiddleware := operatorauth.Middleware([]byte(cfg.OperatorJWTKey))

	app := fiber.New(fiber.Config{
		BodyLimit: cfg.BodyLimitBytes,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	gatewayHandler.Register(app)
	gatewayHandler.RegisterJournal(app, ledgerEngine, operatorMiddleware)
	topupHandler.Register(app, operatorMiddleware)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Subscribe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.Shutdown()
	})
	g.Go(func() error {
		logger.Info("flow402 gateway listening", zap.String("port", cfg.Port))
		return app.Listen(":" + cfg.Port)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
