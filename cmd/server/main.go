package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"affiliateledger/internal/config"
	"affiliateledger/internal/handler"
	"affiliateledger/internal/infrastructure/cache"
	"affiliateledger/internal/infrastructure/database"
	"affiliateledger/internal/infrastructure/identity"
	"affiliateledger/internal/infrastructure/lock"
	"affiliateledger/internal/infrastructure/mq"
	"affiliateledger/internal/job"
	"affiliateledger/internal/service"
	"affiliateledger/pkg/idgen"
	"affiliateledger/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.Init(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg); err != nil {
		zap.L().Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	var (
		redisClient *redis.Client
		locker      lock.Locker
	)
	if cfg.Redis.Enabled {
		redisClient, err = cache.InitRedis(&cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient)
	} else {
		zap.L().Warn("redis disabled, using in-process locks")
		locker = lock.NewLocalLocker()
	}

	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	group, err := mq.InitConsumerGroup(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer group.Close()

	identityClient := identity.NewClient(&cfg.Identity, redisClient)

	svc, err := service.NewServices(db, cfg, identityClient, locker)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seeded, err := svc.Tiers.SeedDefaults(ctx)
	if err != nil {
		return fmt.Errorf("seed default rates: %w", err)
	}
	zap.L().Info("default rates seeded", zap.Int("inserted", seeded))

	outboxSender := job.NewOutboxSender(db, cfg, producer)
	go outboxSender.Start(ctx)

	dispatchJob := job.NewPayoutDispatchJob(svc.Payouts, cfg)
	go dispatchJob.Start(ctx)

	staleJob := job.NewStalePayoutJob(svc.Payouts)
	go staleJob.Start(ctx)

	consumer := job.NewEventConsumer(group, cfg.Kafka.Topic.QualifyingEvents, svc.Commissions)
	go consumer.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(db, svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		zap.L().Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("http shutdown", zap.Error(err))
	}

	zap.L().Info("server stopped")
	return nil
}
