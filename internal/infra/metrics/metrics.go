package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CompositionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_composition_seconds",
		Help:    "Время прохода композиции ленты, включая запрос кандидатов",
		Buckets: prometheus.DefBuckets,
	})
	CompositionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_compositions_total",
		Help: "Количество проходов композиции",
	}, []string{"kind"})
	ProximityFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_proximity_fallback_total",
		Help: "Сколько раз подключались соседние города и регионы",
	})
	RecycleFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_recycle_fallback_total",
		Help: "Сколько раз лента заполнялась ранее показанными материалами",
	})
	UnavailableSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_unavailable_slots",
		Help: "Число слотов без контента после последнего прохода",
	})
	SwipesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_swipes_total",
		Help: "Количество свайпов по направлениям",
	}, []string{"direction"})
	RemoteSyncErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_remote_sync_errors_total",
		Help: "Ошибки асинхронной записи в удалённое хранилище",
	}, []string{"operation"})
	StateCorruptions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_state_corruptions_total",
		Help: "Сбросы повреждённого локального состояния",
	})
	CategoryOpens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_category_opens_total",
		Help: "Открытия материалов по категориям",
	}, []string{"category"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CompositionSeconds,
		CompositionsTotal,
		ProximityFallbackTotal,
		RecycleFallbackTotal,
		UnavailableSlots,
		SwipesTotal,
		RemoteSyncErrors,
		StateCorruptions,
		CategoryOpens,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveComposition записывает итог прохода композиции.
func ObserveComposition(kind string, start time.Time, proximity bool, unavailable int) {
	CompositionSeconds.Observe(time.Since(start).Seconds())
	CompositionsTotal.WithLabelValues(kind).Inc()
	if proximity {
		ProximityFallbackTotal.Inc()
	}
	UnavailableSlots.Set(float64(unavailable))
}

// IncSwipe увеличивает счётчик свайпов.
func IncSwipe(direction string) {
	SwipesTotal.WithLabelValues(direction).Inc()
}

// IncRemoteSyncError фиксирует неудачную фоновую запись.
func IncRemoteSyncError(operation string) {
	RemoteSyncErrors.WithLabelValues(operation).Inc()
}

// IncCategoryOpen фиксирует открытие материала категории.
func IncCategoryOpen(category string) {
	CategoryOpens.WithLabelValues(strings.ToLower(category)).Inc()
}
