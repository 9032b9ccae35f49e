package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"feed-engine/internal/domain"
)

// ErrCorruptState возвращается, если сохранённое состояние не проходит проверку формы.
var ErrCorruptState = errors.New("corrupt session state")

type stateShape struct {
	VisibleFeed json.RawMessage `json:"visibleFeed"`
	Pool        json.RawMessage `json:"pool"`
	History     *struct {
		Shown    json.RawMessage `json:"shown"`
		Archived json.RawMessage `json:"archived"`
		Deleted  json.RawMessage `json:"deleted"`
	} `json:"history"`
}

// Encode сериализует состояние.
func Encode(state domain.SessionState) ([]byte, error) {
	return json.Marshal(state)
}

// Decode разбирает состояние и проверяет, что все обязательные массивы на месте.
func Decode(raw []byte) (domain.SessionState, error) {
	var shape stateShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return domain.SessionState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if shape.History == nil {
		return domain.SessionState{}, fmt.Errorf("%w: history missing", ErrCorruptState)
	}
	required := map[string]json.RawMessage{
		"visibleFeed":      shape.VisibleFeed,
		"pool":             shape.Pool,
		"history.shown":    shape.History.Shown,
		"history.archived": shape.History.Archived,
		"history.deleted":  shape.History.Deleted,
	}
	for name, value := range required {
		if !isArray(value) {
			return domain.SessionState{}, fmt.Errorf("%w: %s is not an array", ErrCorruptState, name)
		}
	}

	var state domain.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.SessionState{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return normalize(state), nil
}

func normalize(state domain.SessionState) domain.SessionState {
	if state.Pool == nil {
		state.Pool = []int64{}
	}
	if state.History.Shown == nil {
		state.History.Shown = []int64{}
	}
	if state.History.Archived == nil {
		state.History.Archived = []int64{}
	}
	if state.History.Deleted == nil {
		state.History.Deleted = []int64{}
	}
	if state.Signals == nil {
		state.Signals = map[domain.Category]int{}
	}
	if state.ReaderMode == "" {
		state.ReaderMode = domain.ReaderModeNew
	}
	return state
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
