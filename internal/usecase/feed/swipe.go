package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
)

// Direction задаёт направление свайпа.
type Direction string

const (
	// SwipeRight архивирует материал.
	SwipeRight Direction = "right"
	// SwipeLeft удаляет материал.
	SwipeLeft Direction = "left"
)

// ErrUnknownDirection возвращается для неизвестного направления свайпа.
var ErrUnknownDirection = errors.New("unknown swipe direction")

// ParseDirection приводит строку к направлению.
func ParseDirection(raw string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(raw))); d {
	case SwipeRight, SwipeLeft:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDirection, raw)
}

func (d Direction) status() domain.ExclusionStatus {
	if d == SwipeRight {
		return domain.ExclusionArchived
	}
	return domain.ExclusionDeleted
}

// Swipe обрабатывает свайп по слоту: материал уходит в архив или удаляется, слот дозаполняется.
func (s *Service) Swipe(ctx context.Context, slot int, dir Direction) (domain.SessionState, error) {
	if dir != SwipeRight && dir != SwipeLeft {
		return domain.SessionState{}, fmt.Errorf("%w: %q", ErrUnknownDirection, string(dir))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.store.Get()
	if state.UserID == "" {
		return state, domain.ErrNoSession
	}
	if slot < 0 || slot >= len(state.VisibleFeed) {
		return state, fmt.Errorf("%w: %d", domain.ErrSlotOutOfRange, slot)
	}
	current := state.VisibleFeed[slot]
	if !current.Filled() {
		return state, fmt.Errorf("%w: %d", domain.ErrSlotEmpty, slot)
	}
	id := current.ItemID()
	status := dir.status()

	s.store.Set(ctx, func(prev domain.SessionState) domain.SessionState {
		if prev.UserID != state.UserID || slot >= len(prev.VisibleFeed) || prev.VisibleFeed[slot] != current {
			return prev
		}
		out := prev.Clone()
		if status == domain.ExclusionArchived {
			out.History = out.History.MarkArchived(id)
		} else {
			out.History = out.History.MarkDeleted(id)
		}
		out.VisibleFeed[slot] = domain.SlotPending
		return out
	})
	metrics.IncSwipe(string(dir))
	s.writeExclusion(state.UserID, id, status)

	event := domain.EngineEventItemDeleted
	if status == domain.ExclusionArchived {
		event = domain.EngineEventItemArchived
	}
	s.emit(domain.NewEngineEvent(event, state.UserID, id, map[string]any{
		"slot":      slot,
		"direction": string(dir),
	}))

	return s.refill(ctx, slot)
}

// DeleteArchived переводит материал из архива в удалённые. Слоты не меняются.
func (s *Service) DeleteArchived(ctx context.Context, id int64) (domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.store.Get()
	if state.UserID == "" {
		return state, domain.ErrNoSession
	}
	if !state.History.IsArchived(id) {
		return state, fmt.Errorf("%w: %d", domain.ErrNotArchived, id)
	}
	next := s.store.Set(ctx, func(prev domain.SessionState) domain.SessionState {
		if prev.UserID != state.UserID || !prev.History.IsArchived(id) {
			return prev
		}
		out := prev.Clone()
		out.History = out.History.MarkDeleted(id)
		return out
	})
	s.writeExclusion(state.UserID, id, domain.ExclusionDeleted)
	s.emit(domain.NewEngineEvent(domain.EngineEventItemDeleted, state.UserID, id, map[string]any{
		"source": "archive",
	}))
	return next, nil
}

// Restore возвращает материал из архива в обычные кандидаты.
// Повторный вызов или вызов для материала без записи об исключении ничего не меняет и не считается ошибкой.
func (s *Service) Restore(ctx context.Context, id int64) (domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.store.Get()
	if state.UserID == "" {
		return state, domain.ErrNoSession
	}
	if state.History.IsDeleted(id) {
		// удаление окончательно
		return state, nil
	}

	userID := state.UserID
	if s.exclusions != nil {
		s.enqueue("delete_exclusion", userID, func(ctx context.Context) error {
			return s.exclusions.DeleteExclusion(ctx, userID, id)
		})
	}
	if !state.History.IsArchived(id) {
		return state, nil
	}
	next := s.store.Set(ctx, func(prev domain.SessionState) domain.SessionState {
		if prev.UserID != userID || !prev.History.IsArchived(id) {
			return prev
		}
		out := prev.Clone()
		out.History = out.History.Unarchive(id)
		if _, known := s.Lookup(id); known && !slices.Contains(out.Pool, id) {
			if _, filled := out.FilledIDs()[id]; !filled {
				out.Pool = s.rankPool(out, append(out.Pool, id))
			}
		}
		return out
	})
	s.emit(domain.NewEngineEvent(domain.EngineEventItemRestored, userID, id, nil))
	return next, nil
}

// Archived возвращает материалы архива в порядке архивирования.
// Для материалов без известных данных заполнен только идентификатор.
func (s *Service) Archived() []domain.ContentItem {
	state := s.store.Get()
	out := make([]domain.ContentItem, 0, len(state.History.Archived))
	for _, id := range state.History.Archived {
		if it, ok := s.Lookup(id); ok {
			out = append(out, it)
			continue
		}
		out = append(out, domain.ContentItem{ID: id})
	}
	return out
}

func (s *Service) writeExclusion(userID string, itemID int64, status domain.ExclusionStatus) {
	if s.exclusions == nil {
		return
	}
	rec := domain.ExclusionRecord{UserID: userID, ItemID: itemID, Status: status, UpdatedAt: time.Now().UTC()}
	s.enqueue("upsert_exclusion", userID, func(ctx context.Context) error {
		return s.exclusions.UpsertExclusion(ctx, rec)
	})
}
