package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"feed-engine/internal/domain"
)

type mapCache struct {
	data map[string][]byte
	err  error
}

func (m *mapCache) Set(key string, value []byte, _ time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *mapCache) Get(key string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return v, nil
}

func (m *mapCache) Delete(key string) error {
	delete(m.data, key)
	return nil
}

type stubExclusions struct {
	ids    map[int64]domain.ExclusionStatus
	lists  int
	onList func()
}

func (s *stubExclusions) UpsertExclusion(_ context.Context, rec domain.ExclusionRecord) error {
	s.ids[rec.ItemID] = rec.Status
	return nil
}

func (s *stubExclusions) DeleteExclusion(_ context.Context, _ string, itemID int64) error {
	delete(s.ids, itemID)
	return nil
}

func (s *stubExclusions) ListExclusions(context.Context, string) ([]int64, error) {
	s.lists++
	out := []int64{}
	for id := range s.ids {
		out = append(out, id)
	}
	if hook := s.onList; hook != nil {
		s.onList = nil
		hook()
	}
	return out, nil
}

func TestExclusionCacheReadThrough(t *testing.T) {
	store := &stubExclusions{ids: map[int64]domain.ExclusionStatus{7: domain.ExclusionArchived}}
	c := NewExclusionCache(store, &mapCache{data: map[string][]byte{}}, time.Minute, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ids, err := c.ListExclusions(ctx, "u1")
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if len(ids) != 1 || ids[0] != 7 {
			t.Fatalf("ожидали [7], получили %v", ids)
		}
	}
	if store.lists != 1 {
		t.Fatalf("ожидали одно обращение к хранилищу, получили %d", store.lists)
	}
}

func TestExclusionCacheInvalidatesOnWrite(t *testing.T) {
	store := &stubExclusions{ids: map[int64]domain.ExclusionStatus{}}
	c := NewExclusionCache(store, &mapCache{data: map[string][]byte{}}, time.Minute, zerolog.Nop())
	ctx := context.Background()

	if _, err := c.ListExclusions(ctx, "u1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := c.UpsertExclusion(ctx, domain.ExclusionRecord{UserID: "u1", ItemID: 9, Status: domain.ExclusionDeleted}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	ids, _ := c.ListExclusions(ctx, "u1")
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("ожидали [9] после записи, получили %v", ids)
	}
	if err := c.DeleteExclusion(ctx, "u1", 9); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	ids, _ = c.ListExclusions(ctx, "u1")
	if len(ids) != 0 {
		t.Fatalf("ожидали пустой список после удаления, получили %v", ids)
	}
}

func TestExclusionCacheFailureFallsThrough(t *testing.T) {
	store := &stubExclusions{ids: map[int64]domain.ExclusionStatus{3: domain.ExclusionArchived}}
	c := NewExclusionCache(store, &mapCache{data: map[string][]byte{}, err: errors.New("redis down")}, time.Minute, zerolog.Nop())
	ids, err := c.ListExclusions(context.Background(), "u1")
	if err != nil || len(ids) != 1 {
		t.Fatalf("ожидали данные из хранилища при недоступном кэше, получили %v err=%v", ids, err)
	}
}

func TestExclusionCacheSkipsListReadBeforeWrite(t *testing.T) {
	store := &stubExclusions{ids: map[int64]domain.ExclusionStatus{}}
	c := NewExclusionCache(store, &mapCache{data: map[string][]byte{}}, time.Minute, zerolog.Nop())
	ctx := context.Background()

	// запись завершается, пока чтение ещё держит старый список
	store.onList = func() {
		if err := c.UpsertExclusion(ctx, domain.ExclusionRecord{UserID: "u1", ItemID: 9, Status: domain.ExclusionArchived}); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	ids, err := c.ListExclusions(ctx, "u1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ожидали старый пустой список, получили %v", ids)
	}

	ids, _ = c.ListExclusions(ctx, "u1")
	if len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("устаревший список попал в кэш: ожидали [9], получили %v", ids)
	}
	if store.lists != 2 {
		t.Fatalf("ожидали повторное обращение к хранилищу, получили %d", store.lists)
	}
}
