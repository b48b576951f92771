package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/aliasdir/aliasdir/internal/api/http"
	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
	appKey "github.com/aliasdir/aliasdir/internal/application/key"
	"github.com/aliasdir/aliasdir/internal/application/outbox"
	"github.com/aliasdir/aliasdir/internal/application/reconcile"
	"github.com/aliasdir/aliasdir/internal/config"
	"github.com/aliasdir/aliasdir/internal/infrastructure/dict"
	"github.com/aliasdir/aliasdir/internal/infrastructure/kafka"
	"github.com/aliasdir/aliasdir/internal/infrastructure/postgres"
	"github.com/aliasdir/aliasdir/internal/infrastructure/redis"
	"github.com/aliasdir/aliasdir/internal/metrics"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer redisClient.Close()

	emitter, err := kafka.NewEmitter(cfg.KafkaBrokers, cfg.EventTopic, logger)
	if err != nil {
		log.Fatalf("kafka producer error: %v", err)
	}
	defer emitter.Close()

	// repositories bound to the pool serve reads outside transactions; the
	// unit of work rebinds them per transaction for writes.
	keyRepo := postgres.NewKeyRepository(pool)
	claimRepo := postgres.NewClaimRepository(pool)
	historyRepo := postgres.NewHistoryRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)
	uow := postgres.NewUnitOfWork(pool)

	m := metrics.New()
	gateway := dict.New(cfg.DirectoryURL, cfg.DirectoryTimeout)

	claimSvc := appClaim.NewService(uow, gateway, cfg.ParticipantISPB, cfg.ClaimWindow, cfg.HistoryKey, m, logger)
	keySvc := appKey.NewService(uow, keyRepo, claimRepo, historyRepo, claimSvc, logger)

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.TriggerTopic, cfg.ConsumerGroup, claimSvc, logger)
	if err != nil {
		log.Fatalf("kafka consumer error: %v", err)
	}
	defer consumer.Close()

	lock := redis.NewLeaseLock(redisClient, cfg.LockKey, cfg.LockTTLMillis)
	scheduler := reconcile.NewScheduler(
		claimRepo,
		keyRepo,
		gateway,
		claimSvc,
		lock,
		cfg.ReconcileEvery,
		time.Duration(cfg.LockTTLMillis)*time.Millisecond,
		cfg.ReconcileBatch,
		cfg.DriftLimit,
		m,
		logger,
	)
	outboxWorker := outbox.NewWorker(outboxRepo, emitter, cfg.OutboxEvery, cfg.OutboxBatch, m, logger)

	apiServer := httpapi.NewServer(keySvc, claimSvc)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	go scheduler.Run(ctx)
	go outboxWorker.Run(ctx)
	go consumer.Run(ctx)

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
