package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feed-engine/internal/domain"
)

// ExclusionCache кэширует список исключений пользователя поверх удалённого хранилища.
// Любая запись сбрасывает ключ пользователя, поэтому чтение после записи видит новое состояние.
// Чтение, начатое до записи, не кладёт свой результат в кэш: за это отвечает счётчик поколений.
type ExclusionCache struct {
	store domain.ExclusionStore
	cache domain.Cache
	ttl   time.Duration
	log   zerolog.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

var _ domain.ExclusionStore = (*ExclusionCache)(nil)

// NewExclusionCache оборачивает store.
func NewExclusionCache(store domain.ExclusionStore, cache domain.Cache, ttl time.Duration, logger zerolog.Logger) *ExclusionCache {
	return &ExclusionCache{store: store, cache: cache, ttl: ttl, log: logger, generations: map[string]uint64{}}
}

func exclusionKey(userID string) string {
	return "feed:exclusions:" + userID
}

// UpsertExclusion пишет в хранилище и сбрасывает кэш.
func (c *ExclusionCache) UpsertExclusion(ctx context.Context, rec domain.ExclusionRecord) error {
	if err := c.store.UpsertExclusion(ctx, rec); err != nil {
		return err
	}
	c.invalidate(rec.UserID)
	return nil
}

// DeleteExclusion удаляет запись и сбрасывает кэш.
func (c *ExclusionCache) DeleteExclusion(ctx context.Context, userID string, itemID int64) error {
	if err := c.store.DeleteExclusion(ctx, userID, itemID); err != nil {
		return err
	}
	c.invalidate(userID)
	return nil
}

// ListExclusions читает из кэша, при промахе идёт в хранилище.
func (c *ExclusionCache) ListExclusions(ctx context.Context, userID string) ([]int64, error) {
	key := exclusionKey(userID)
	raw, err := c.cache.Get(key)
	if err == nil {
		var ids []int64
		if err := json.Unmarshal(raw, &ids); err == nil {
			return ids, nil
		}
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		c.log.Warn().Err(err).Str("user", userID).Msg("cache: чтение исключений не удалось")
	}

	generation := c.generation(userID)
	ids, err := c.store.ListExclusions(ctx, userID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return ids, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[userID] != generation {
		// пока шло чтение, список изменился
		return ids, nil
	}
	if err := c.cache.Set(key, payload, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("user", userID).Msg("cache: запись исключений не удалась")
	}
	return ids, nil
}

func (c *ExclusionCache) generation(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID]
}

func (c *ExclusionCache) invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[userID]++
	if err := c.cache.Delete(exclusionKey(userID)); err != nil {
		c.log.Warn().Err(err).Str("user", userID).Msg("cache: сброс исключений не удался")
	}
}
