package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ez-programmer4/school-ledger/internal/api"
	"github.com/ez-programmer4/school-ledger/internal/config"
	"github.com/ez-programmer4/school-ledger/internal/directory"
	"github.com/ez-programmer4/school-ledger/internal/events"
	"github.com/ez-programmer4/school-ledger/internal/gateway"
	"github.com/ez-programmer4/school-ledger/internal/handlers"
	"github.com/ez-programmer4/school-ledger/internal/repository"
	"github.com/ez-programmer4/school-ledger/internal/service"
	"github.com/ez-programmer4/school-ledger/internal/telemetry"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := telemetry.Init("school-ledger")
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	logger.Info("Starting school ledger service")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	store := repository.NewPostgresStore(db)
	if err := store.InitDB(); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Redis backs the webhook dedup lock and the reconciliation
	// schedule; without it both fall back to in-process defaults.
	var locker service.Locker = service.NopLocker{}
	var queue service.Queue = service.NewMemoryQueue()
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		locker = service.NewRedisLocker(redisClient)
		queue = service.NewRedisQueue(redisClient)
	}

	// School directory collaborator over NATS.
	var dir directory.Directory
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		dir = directory.NewNATSDirectory(nc)
	} else {
		logger.Warn("NATS_URL not set, using empty static directory")
		dir = directory.NewStaticDirectory()
	}

	// Kafka carries finalization events to the notification service.
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.KafkaBrokers != "" {
		kafkaWriter := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers),
			Topic:    events.TopicPaymentFinalized,
			Balancer: &kafka.LeastBytes{},
		}
		defer kafkaWriter.Close()
		publisher = events.NewKafkaPublisher(kafkaWriter, logger)
	}

	verifier := gateway.NewHTTPVerifier(cfg.GatewayEndpoints(), logger)
	provisioner := service.NewProvisioner(dir)
	finalizer := service.NewFinalizer(store, provisioner, publisher, logger)
	reconciler := service.NewReconciler(store, verifier, finalizer, queue, logger)
	checkouts := service.NewCheckouts(store, dir, logger)
	deposits := service.NewDeposits(store, dir, publisher, logger)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go reconciler.Run(workerCtx)

	r := api.NewRouter(
		handlers.NewCheckoutHandler(checkouts, reconciler, logger),
		handlers.NewWebhookHandler(finalizer, reconciler, locker, logger),
		handlers.NewDepositHandler(deposits, logger),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("School ledger listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
