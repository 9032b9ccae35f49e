package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"feed-engine/internal/domain"
)

const (
	maxRelayAttempts  = 5
	finalWriteTimeout = 2 * time.Second
)

// Source отдаёт события из очереди, блокируясь до появления следующего.
type Source interface {
	Pop(ctx context.Context) (domain.EngineEvent, error)
}

// Relay переносит события движка из очереди в постоянный журнал.
type Relay struct {
	source  Source
	sink    domain.EventRecorder
	log     zerolog.Logger
	backoff time.Duration
}

// NewRelay создаёт перекладчик событий.
func NewRelay(source Source, sink domain.EventRecorder, logger zerolog.Logger) *Relay {
	return &Relay{source: source, sink: sink, log: logger, backoff: time.Second}
}

// Run читает очередь до отмены ctx.
func (r *Relay) Run(ctx context.Context) {
	for {
		event, err := r.source.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			r.log.Error().Err(err).Msg("relay: ошибка чтения очереди")
			if !r.sleep(ctx) {
				return
			}
			continue
		}
		r.deliver(ctx, event)
	}
}

// deliver пытается записать событие несколько раз, затем отбрасывает его с ошибкой в логе.
func (r *Relay) deliver(ctx context.Context, event domain.EngineEvent) {
	evLog := r.log.With().Str("event_id", event.ID).Str("event", event.Event).Logger()
	for attempt := 1; attempt <= maxRelayAttempts; attempt++ {
		err := r.sink.RecordEvent(ctx, event)
		if err == nil {
			evLog.Debug().Int("attempt", attempt).Msg("relay: событие записано")
			return
		}
		evLog.Warn().Err(err).Int("attempt", attempt).Msg("relay: запись события не удалась")
		if !r.sleep(ctx) {
			r.flush(ctx, event, evLog)
			return
		}
	}
	evLog.Error().Msg("relay: достигнут предел попыток, событие отброшено")
}

// flush делает последнюю попытку записи после остановки: событие уже снято с очереди.
func (r *Relay) flush(ctx context.Context, event domain.EngineEvent, evLog zerolog.Logger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	if err := r.sink.RecordEvent(writeCtx, event); err != nil {
		evLog.Error().Err(err).Msg("relay: остановка до записи, событие потеряно")
		return
	}
	evLog.Debug().Msg("relay: событие записано при остановке")
}

func (r *Relay) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.backoff):
		return true
	}
}
