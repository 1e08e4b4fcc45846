package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/rs-labo46/ec-checkout/internal/config"
	"github.com/rs-labo46/ec-checkout/internal/handler"
	"github.com/rs-labo46/ec-checkout/internal/infra/cache"
	"github.com/rs-labo46/ec-checkout/internal/infra/db"
	"github.com/rs-labo46/ec-checkout/internal/infra/idgen"
	"github.com/rs-labo46/ec-checkout/internal/infra/notify"
	"github.com/rs-labo46/ec-checkout/internal/infra/payment"
	infraRepo "github.com/rs-labo46/ec-checkout/internal/infra/repository"
	"github.com/rs-labo46/ec-checkout/internal/pkg/logger"
	"github.com/rs-labo46/ec-checkout/internal/pkg/telemetry"
	"github.com/rs-labo46/ec-checkout/internal/server"
	"github.com/rs-labo46/ec-checkout/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//設定
	cfg, err := config.LoadWithDotenv()
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Service: cfg.ServiceName,
		Env:     cfg.GoEnv,
		Level:   cfg.LogLevel,
	})
	slog.SetDefault(log)

	shutdownTracer, err := telemetry.SetupTracer(ctx, telemetry.Options{
		ServiceName: cfg.ServiceName,
		Environment: cfg.GoEnv,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	//DB接続
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(gormDB); err != nil {
		return err
	}

	//Repository（GORM実装）
	orderRepo := infraRepo.NewOrderGormRepository(gormDB)
	orderItemRepo := infraRepo.NewOrderItemGormRepository(gormDB)
	cartRepo := infraRepo.NewCartGormRepository(gormDB)
	productRepo := infraRepo.NewProductGormRepository(gormDB)
	auditRepo := infraRepo.NewAuditLogGormRepository(gormDB)
	txm := infraRepo.NewTxManagerGorm(gormDB)

	//決済ゲートウェイ
	env, err := payment.ParseEnvironment(cfg.PaymentEnv)
	if err != nil {
		return err
	}
	gw, err := payment.NewClient(payment.Options{
		Env:          env,
		CommerceCode: cfg.PaymentCommerceCode,
		APIKey:       cfg.PaymentAPIKey,
		BaseURL:      cfg.PaymentBaseURL,
	})
	if err != nil {
		return err
	}
	if cfg.PaymentReturnURL == "" {
		log.Warn("PAYMENT_RETURN_URL is empty; checkout will fail until it is set")
	}

	checks := map[string]handler.HealthCheck{"db": pingDB(gormDB)}

	//ロック（Redisがなければプロセス内）
	var locker usecase.Locker = cache.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		locker = cache.NewRedisLocker(rdb, cfg.ServiceName)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	//通知（RabbitMQがなければログ）
	var notifier usecase.Notifier = notify.NewLogNotifier(log)
	if cfg.AMQPURL != "" {
		conn, ch, err := notify.SetupConn(ctx, cfg.AMQPURL, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		defer ch.Close()
		notifier = notify.NewRabbitNotifier(ch, log)
	}

	ids := idgen.New()

	//Usecase
	guard := usecase.NewInventoryGuard(log)
	bridge := usecase.NewPaymentBridge(gw, cfg.PaymentReturnURL, cfg.PaymentTimeout, log)
	checkoutUC := usecase.NewCheckoutUsecase(usecase.CheckoutDeps{
		Tx:         txm,
		Orders:     orderRepo,
		OrderItems: orderItemRepo,
		Carts:      cartRepo,
		Guard:      guard,
		Bridge:     bridge,
		Notifier:   notifier,
		Locker:     locker,
		IDs:        ids,
		Log:        log,
	})
	cartUC := usecase.NewCartUsecase(cartRepo, cartRepo, productRepo, log)
	orderUC := usecase.NewOrderUsecase(orderRepo, orderItemRepo, log)
	adminUC := usecase.NewAdminOrderUsecase(txm, orderRepo, orderItemRepo, auditRepo, notifier, log)

	//Handler
	e := server.New(cfg, log, ids.RequestID, server.Handlers{
		Health:     handler.NewHealthHandler(checks),
		Cart:       handler.NewCartHandler(cartUC),
		Order:      handler.NewOrderHandler(orderUC, checkoutUC),
		AdminOrder: handler.NewAdminOrderHandler(adminUC, checkoutUC),
		Payment:    handler.NewPaymentHandler(checkoutUC),
	})

	//Server起動
	return server.Run(ctx, e, cfg.Addr(), log)
}

func pingDB(gdb *gorm.DB) handler.HealthCheck {
	return func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
