package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/marketloop/offer-service/internal/bus"
	"github.com/marketloop/offer-service/internal/config"
	"github.com/marketloop/offer-service/internal/logger"
	"github.com/marketloop/offer-service/internal/repo"
	"github.com/marketloop/offer-service/internal/service"
	"github.com/marketloop/offer-service/internal/sweeper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// Standalone sweeper for deployments that keep expiration out of the API
// processes. It runs the same engine code path as user requests.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, kw, log)
	eventBus := bus.NewRedisBus(rdb, cfg.Negotiation.PendingTTL, log)
	defer eventBus.Close()
	svc := service.NewOfferService(repository, eventBus, cfg.Negotiation.OfferTTL, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper.New(svc, repository, cfg.Negotiation.SweepInterval, cfg.Negotiation.SweepBatch, log).Run(ctx)
}
