package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storefront/internal/catalog"
	"storefront/internal/checkout"
	"storefront/internal/config"
	"storefront/internal/db"
	"storefront/internal/fulfillment"
	"storefront/internal/observability"
	"storefront/internal/promo"
	"storefront/internal/queue"
	"storefront/internal/repository"
	"storefront/internal/router"
	"storefront/internal/storage"
	"storefront/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing setup failed", zap.Error(err))
	}

	// 1. 数据库
	gdb, err := db.Open(db.Config{
		Driver:       cfg.DBDriver,
		DSN:          cfg.DBDSN,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		Logger:       log.Named("gorm"),
	})
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	if err := db.EnsureSchema(gdb); err != nil {
		log.Fatal("db migrate failed", zap.Error(err))
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	// 3. 凭证存储
	proofs, objectsDir, closeStorage, err := openProofStore(ctx, cfg)
	if err != nil {
		log.Fatal("proof storage init failed", zap.String("backend", cfg.StorageBackend), zap.Error(err))
	}
	defer closeStorage()
	if err := proofs.EnsureBucket(ctx); err != nil {
		log.Fatal("proof bucket ensure failed", zap.String("bucket", cfg.StorageBucket), zap.Error(err))
	}

	// 4. 领域服务
	store := repository.NewStore(gdb)
	orders := repository.NewOrderRepository(gdb)
	addresses := repository.NewAddressRepository(gdb)
	events := repository.NewEventRepository(gdb)
	outbox := queue.NewOutbox(rdb, cfg.OrderEventStream)

	fulfill := fulfillment.NewService(fulfillment.ServiceDeps{
		Store:   store,
		Orders:  orders,
		Events:  outbox,
		Objects: proofs,
		Logger:  log.Named("fulfillment"),
	})
	promoEngine := promo.NewEngine(repository.NewPromoRepository(gdb), log.Named("promo"))
	orch := checkout.New(checkout.Deps{
		Store:              store,
		Orders:             orders,
		Addresses:          addresses,
		Requests:           repository.NewCheckoutRequestRepository(gdb),
		Resolver:           catalog.NewResolver(repository.NewProductRepository(gdb), log.Named("catalog")),
		Promo:              promoEngine,
		Proofs:             proofs,
		Submitter:          fulfill,
		Redis:              rdb,
		Events:             outbox,
		Logger:             log.Named("checkout"),
		LockTTL:            cfg.CheckoutLockTTL,
		StateTTL:           cfg.RequestStateTTL,
		OrderNumberRetries: cfg.OrderNumberRetries,
		ProofMaxBytes:      cfg.ProofMaxBytes,
	})

	// 5. 事件管道：Redis Stream outbox → Kafka → order_events
	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	relay := queue.NewRelay(rdb, producer, log.Named("relay"), cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer)
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, events, log.Named("timeline"))

	var workers sync.WaitGroup
	workers.Add(2)
	go func() { defer workers.Done(); relay.Run(ctx) }()
	go func() { defer workers.Done(); consumer.Run(ctx) }()

	// 6. HTTP
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Checkout:    orch,
		Fulfillment: fulfill,
		Promo:       promoEngine,
		Orders:      orders,
		Addresses:   addresses,
		Events:      events,
		Redis:       rdb,
		Logger:      log.Named("http"),
		ServiceName: cfg.ServiceName,
		AdminToken:  cfg.AdminToken,
		RateLimit:   cfg.CheckoutRateLimit,
		RateWindow:  cfg.CheckoutRateWindow,
		ObjectsDir:  objectsDir,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	workers.Wait()
	if err := consumer.Close(); err != nil {
		log.Warn("kafka consumer close failed", zap.Error(err))
	}
	if err := producer.Close(); err != nil {
		log.Warn("kafka producer close failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// openProofStore 按配置选择本地目录或 GCS。本地模式额外返回需要静态暴露的目录。
func openProofStore(ctx context.Context, cfg config.AppConfig) (storage.ProofStore, string, func(), error) {
	switch cfg.StorageBackend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, "", nil, err
		}
		s, err := storage.NewGCSStore(client, cfg.GCSProjectID, cfg.StorageBucket, cfg.StoragePublicBaseURL)
		if err != nil {
			_ = client.Close()
			return nil, "", nil, err
		}
		return s, "", func() { _ = client.Close() }, nil
	default:
		s := storage.NewLocalStore(cfg.StorageLocalDir, cfg.StorageBucket, cfg.StoragePublicBaseURL)
		return s, filepath.Clean(cfg.StorageLocalDir), func() {}, nil
	}
}
