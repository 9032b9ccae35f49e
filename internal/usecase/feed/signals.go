package feed

import (
	"context"
	"strings"

	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
)

const minOpensForMode = 5

// RecordOpen учитывает открытие материала категории и пересчитывает режим читателя.
func (s *Service) RecordOpen(ctx context.Context, category domain.Category) (domain.SessionState, error) {
	category, err := domain.ParseCategory(string(category))
	if err != nil {
		return domain.SessionState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if state := s.store.Get(); state.UserID == "" {
		return state, domain.ErrNoSession
	}
	next := s.store.Set(ctx, func(prev domain.SessionState) domain.SessionState {
		out := prev.Clone()
		out.Signals[category]++
		out.ReaderMode = ClassifyReader(out.Signals)
		return out
	})
	metrics.IncCategoryOpen(string(category))
	return next, nil
}

// ClassifyReader определяет режим читателя: до пяти открытий он новый,
// при доле категории не меньше половины сфокусирован на ней, иначе сбалансирован.
func ClassifyReader(signals map[domain.Category]int) domain.ReaderMode {
	total := 0
	for _, n := range signals {
		if n > 0 {
			total += n
		}
	}
	if total < minOpensForMode {
		return domain.ReaderModeNew
	}
	for _, cat := range domain.Categories {
		if signals[cat]*2 >= total {
			return domain.ReaderMode(strings.ToLower(string(cat)) + "_focused")
		}
	}
	return domain.ReaderModeBalanced
}
