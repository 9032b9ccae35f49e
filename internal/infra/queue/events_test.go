package queue

import (
	"testing"
	"time"

	"feed-engine/internal/domain"
)

func TestEncodeEventFillsIdentity(t *testing.T) {
	payload, err := encodeEvent(domain.EngineEvent{Event: domain.EngineEventItemArchived, UserID: "u1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	ev, err := decodeEvent(payload)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ev.ID == "" {
		t.Fatalf("ожидали сгенерированный идентификатор")
	}
	if ev.OccurredAt.IsZero() {
		t.Fatalf("ожидали проставленное время")
	}
	if ev.Event != domain.EngineEventItemArchived || ev.UserID != "u1" {
		t.Fatalf("поля события потерялись: %+v", ev)
	}
}

func TestEncodeEventKeepsExistingIdentity(t *testing.T) {
	at := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	item := int64(42)
	payload, err := encodeEvent(domain.EngineEvent{ID: "fixed", Event: domain.EngineEventItemDeleted, ItemID: &item, OccurredAt: at})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	ev, _ := decodeEvent(payload)
	if ev.ID != "fixed" || !ev.OccurredAt.Equal(at) {
		t.Fatalf("идентичность события изменилась: %+v", ev)
	}
	if ev.ItemID == nil || *ev.ItemID != 42 {
		t.Fatalf("ожидали item_id=42, получили %v", ev.ItemID)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := decodeEvent([]byte("not json")); err == nil {
		t.Fatalf("ожидали ошибку разбора")
	}
}
