package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EngineEvent описывает событие движка, которое сохраняется для последующего анализа.
type EngineEvent struct {
	ID         string         `json:"id"`
	Event      string         `json:"event"`
	UserID     string         `json:"user_id,omitempty"`
	ItemID     *int64         `json:"item_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

const (
	// EngineEventStateCorrupted фиксирует сброс повреждённого локального состояния.
	EngineEventStateCorrupted = "state_corrupted"
	// EngineEventItemArchived фиксирует свайп вправо.
	EngineEventItemArchived = "item_archived"
	// EngineEventItemDeleted фиксирует свайп влево или удаление из архива.
	EngineEventItemDeleted = "item_deleted"
	// EngineEventItemRestored фиксирует возврат материала из архива.
	EngineEventItemRestored = "item_restored"
	// EngineEventProximityFallback фиксирует подключение соседних городов и регионов.
	EngineEventProximityFallback = "proximity_fallback"
	// EngineEventRecycleFallback фиксирует повторный показ ранее показанных материалов.
	EngineEventRecycleFallback = "recycle_fallback"
)

// EventRecorder сохраняет события движка.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event EngineEvent) error
}

// NopEventRecorder отбрасывает события.
type NopEventRecorder struct{}

// RecordEvent ничего не делает.
func (NopEventRecorder) RecordEvent(context.Context, EngineEvent) error { return nil }

// NewEngineEvent собирает событие с новым идентификатором и текущим временем.
func NewEngineEvent(event, userID string, itemID int64, metadata map[string]any) EngineEvent {
	ev := EngineEvent{
		ID:         uuid.NewString(),
		Event:      event,
		UserID:     userID,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}
	if itemID > 0 {
		id := itemID
		ev.ItemID = &id
	}
	return ev
}
