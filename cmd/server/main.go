package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/marketloop/offer-service/internal/bus"
	"github.com/marketloop/offer-service/internal/config"
	"github.com/marketloop/offer-service/internal/logger"
	"github.com/marketloop/offer-service/internal/model"
	"github.com/marketloop/offer-service/internal/registry"
	"github.com/marketloop/offer-service/internal/repo"
	"github.com/marketloop/offer-service/internal/service"
	"github.com/marketloop/offer-service/internal/sweeper"
	httptransport "github.com/marketloop/offer-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Offer{}, &model.OfferHistory{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo, bus, engine, registry
	repository := repo.NewRepository(gdb, kw, log)
	eventBus := bus.NewRedisBus(rdb, cfg.Negotiation.PendingTTL, log)
	defer eventBus.Close()
	svc := service.NewOfferService(repository, eventBus, cfg.Negotiation.OfferTTL, log)
	reg := registry.New(eventBus, eventBus, cfg.Negotiation.WriteTimeout, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	// 7. in-process expiration sweeper
	sw := sweeper.New(svc, repository, cfg.Negotiation.SweepInterval, cfg.Negotiation.SweepBatch, log)
	go sw.Run(ctx)

	// 8. gin router
	router := httptransport.NewRouter(svc, reg, cfg, log)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("offer-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
