package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"feed-engine/internal/adapters/repo"
	"feed-engine/internal/infra/config"
	"feed-engine/internal/infra/db"
	applog "feed-engine/internal/infra/log"
	"feed-engine/internal/infra/metrics"
	"feed-engine/internal/infra/queue"
	"feed-engine/internal/usecase/events"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("relay: не указан адрес Redis (REDIS_ADDR)")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("relay: Redis недоступен")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay: нет подключения к БД")
	}
	defer pool.Close()

	relay := events.NewRelay(
		queue.NewRedisEventQueue(rdb, cfg.Events.Queue),
		repo.NewPostgres(pool),
		logger.With().Str("component", "relay").Logger(),
	)
	logger.Info().Str("queue", cfg.Events.Queue).Msg("relay: запуск обработки очереди")
	relay.Run(ctx)
	logger.Info().Msg("relay: остановлен")
}
