package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
)

// RedisEventQueue складывает события движка в Redis list для внешних потребителей.
type RedisEventQueue struct {
	client *redis.Client
	key    string
}

var _ domain.EventRecorder = (*RedisEventQueue)(nil)

// NewRedisEventQueue создаёт очередь по указанному ключу.
func NewRedisEventQueue(client *redis.Client, key string) *RedisEventQueue {
	return &RedisEventQueue{client: client, key: key}
}

// RecordEvent публикует событие в очередь.
func (q *RedisEventQueue) RecordEvent(ctx context.Context, event domain.EngineEvent) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// Pop блокирующе читает событие из очереди.
func (q *RedisEventQueue) Pop(ctx context.Context) (domain.EngineEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.EngineEvent{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.EngineEvent{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.EngineEvent{}, err
		}
		if len(res) != 2 {
			return domain.EngineEvent{}, errors.New("redis queue: unexpected response")
		}
		return decodeEvent([]byte(res[1]))
	}
}

func encodeEvent(event domain.EngineEvent) ([]byte, error) {
	if event.ID == "" || event.OccurredAt.IsZero() {
		filled := domain.NewEngineEvent(event.Event, event.UserID, 0, event.Metadata)
		if event.ID == "" {
			event.ID = filled.ID
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = filled.OccurredAt
		}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return payload, nil
}

func decodeEvent(raw []byte) (domain.EngineEvent, error) {
	var event domain.EngineEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return domain.EngineEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}
