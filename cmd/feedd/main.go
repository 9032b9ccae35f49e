package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"feed-engine/internal/adapters/geo"
	"feed-engine/internal/adapters/httpapi"
	"feed-engine/internal/adapters/localstore"
	"feed-engine/internal/adapters/repo"
	"feed-engine/internal/domain"
	"feed-engine/internal/infra/cache"
	"feed-engine/internal/infra/config"
	"feed-engine/internal/infra/db"
	httpinfra "feed-engine/internal/infra/http"
	applog "feed-engine/internal/infra/log"
	"feed-engine/internal/infra/metrics"
	"feed-engine/internal/infra/queue"
	"feed-engine/internal/usecase/feed"
	"feed-engine/internal/usecase/session"
	"feed-engine/migrations"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)
	if _, err := config.NormalizeTimezone(cfg.TZ); err != nil {
		logger.Warn().Str("tz", cfg.TZ).Msg("feedd: неизвестный часовой пояс, смена дня считается по UTC")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	}

	pattern, err := domain.ParseSlotPattern(cfg.Feed.SlotPattern)
	if err != nil {
		logger.Fatal().Err(err).Msg("feedd: некорректный шаблон слотов (FEED_SLOT_PATTERN)")
	}
	geoIndex, err := geo.LoadFile(cfg.GeoIndexFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("feedd: не удалось загрузить географический индекс")
	}

	local, err := localstore.Open(cfg.LocalStorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("feedd: не удалось открыть локальное хранилище")
	}
	defer local.Close()

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("feedd: не указан адрес БД (PG_DSN)")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("feedd: нет подключения к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		logger.Fatal().Err(err).Msg("feedd: не удалось применить миграции")
	}
	pg := repo.NewPostgres(pool)
	backfillLog := logger.With().Str("component", "geo-keys").Logger()
	backfillGeoKeys(ctx, pg, backfillLog)
	if cfg.GeoBackfillInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.GeoBackfillInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					backfillGeoKeys(ctx, pg, backfillLog)
				}
			}
		}()
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("feedd: Redis недоступен, работаем без кэша")
			rdb = nil
		}
	}

	var exclusions domain.ExclusionStore = pg
	if rdb != nil {
		exclusions = cache.NewExclusionCache(pg, cache.NewRedis(rdb), cfg.Cache.ExclusionTTL, logger.With().Str("component", "cache").Logger())
	}

	events, closeEvents, err := eventSink(cfg, pg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Str("sink", cfg.Events.Sink).Msg("feedd: не удалось подключить журнал событий")
	}
	defer closeEvents()

	store := session.NewStore(session.Options{
		Slots:         len(pattern),
		Local:         local,
		Remote:        pg,
		Events:        events,
		Logger:        logger.With().Str("component", "session").Logger(),
		Location:      cfg.Location(),
		RemoteTimeout: cfg.Feed.RemoteTimeout,
	})
	for _, ev := range store.Diagnostics() {
		logger.Warn().Str("event", ev.Event).Interface("metadata", ev.Metadata).Msg("feedd: диагностика при загрузке состояния")
	}

	svc, err := feed.NewService(feed.Options{
		Store:          store,
		Content:        pg,
		Exclusions:     exclusions,
		Events:         events,
		Geo:            geoIndex,
		Pattern:        pattern,
		CandidateLimit: cfg.Feed.CandidateLimit,
		RemoteTimeout:  cfg.Feed.RemoteTimeout,
		Logger:         logger.With().Str("component", "feed").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("feedd: не удалось создать сервис ленты")
	}

	if cfg.UserID != "" {
		state, err := svc.StartSession(ctx, cfg.UserID, "", "")
		if err != nil {
			logger.Error().Err(err).Str("user", cfg.UserID).Msg("feedd: не удалось восстановить сессию")
		} else {
			logger.Info().Str("user", state.UserID).Str("mode", string(state.ReaderMode)).Msg("feedd: сессия восстановлена")
		}
	}

	var auth func(http.Handler) http.Handler
	if cfg.AuthSecret != "" {
		auth = httpinfra.SignedRequestMiddleware(cfg.AuthSecret, nil)
	}
	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	httpapi.NewHandler(svc, logger.With().Str("component", "api").Logger(), auth).Register(srv.Router)

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("feedd: сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("feedd: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("feedd: graceful shutdown failed")
	}
	svc.Wait()
}

// backfillGeoKeys дозаполняет ключи пачками, пока они не закончатся.
func backfillGeoKeys(ctx context.Context, pg *repo.Postgres, logger zerolog.Logger) {
	total := 0
	for ctx.Err() == nil {
		n, err := pg.BackfillGeoKeys(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("feedd: не удалось проставить географические ключи")
			return
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		logger.Info().Int("rows", total).Msg("feedd: географические ключи проставлены")
	}
}

// eventSink выбирает журнал событий движка по конфигурации.
func eventSink(cfg config.AppConfig, pg *repo.Postgres, rdb *redis.Client) (domain.EventRecorder, func(), error) {
	noop := func() {}
	switch cfg.Events.Sink {
	case "", "postgres":
		return pg, noop, nil
	case "rabbitmq":
		publisher, err := queue.NewRabbitEventPublisher(cfg.RabbitURL, cfg.Events.Queue)
		if err != nil {
			return nil, noop, err
		}
		return publisher, func() { _ = publisher.Close() }, nil
	case "redis":
		if rdb == nil {
			return nil, noop, errors.New("redis is not configured")
		}
		return queue.NewRedisEventQueue(rdb, cfg.Events.Queue), noop, nil
	case "none":
		return domain.NopEventRecorder{}, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown events sink %q", cfg.Events.Sink)
}
