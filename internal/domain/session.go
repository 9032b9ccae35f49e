package domain

import (
	"slices"
	"time"
)

// DateLayout задаёт формат даты последнего rollover.
const DateLayout = "2006-01-02"

// ReaderMode — грубая классификация читателя по счётчикам открытий.
type ReaderMode string

const (
	ReaderModeNew       ReaderMode = "new"
	ReaderModeBalanced  ReaderMode = "balanced"
	ReaderModeImportant ReaderMode = "important_focused"
	ReaderModeInfo      ReaderMode = "info_focused"
	ReaderModeFun       ReaderMode = "fun_focused"
)

// History хранит показанные, архивированные и удалённые материалы.
type History struct {
	Shown    []int64 `json:"shown"`
	Archived []int64 `json:"archived"`
	Deleted  []int64 `json:"deleted"`
}

// Clone возвращает глубокую копию истории.
func (h History) Clone() History {
	return History{
		Shown:    cloneIDs(h.Shown),
		Archived: cloneIDs(h.Archived),
		Deleted:  cloneIDs(h.Deleted),
	}
}

// MarkShown добавляет материал в показанные, если его там ещё нет.
func (h History) MarkShown(id int64) History {
	out := h.Clone()
	out.Shown = appendUnique(out.Shown, id)
	return out
}

// MarkArchived переносит материал в архив. Последнее действие побеждает, поэтому из удалённых он убирается.
func (h History) MarkArchived(id int64) History {
	out := h.MarkShown(id)
	out.Deleted = removeID(out.Deleted, id)
	out.Archived = appendUnique(out.Archived, id)
	return out
}

// MarkDeleted переносит материал в удалённые и убирает его из архива.
func (h History) MarkDeleted(id int64) History {
	out := h.MarkShown(id)
	out.Archived = removeID(out.Archived, id)
	out.Deleted = appendUnique(out.Deleted, id)
	return out
}

// Unarchive убирает материал из архива и из показанных, после чего он снова обычный кандидат.
func (h History) Unarchive(id int64) History {
	out := h.Clone()
	out.Archived = removeID(out.Archived, id)
	out.Shown = removeID(out.Shown, id)
	return out
}

// IsDeleted сообщает, удалён ли материал.
func (h History) IsDeleted(id int64) bool { return slices.Contains(h.Deleted, id) }

// IsArchived сообщает, лежит ли материал в архиве.
func (h History) IsArchived(id int64) bool { return slices.Contains(h.Archived, id) }

// Dismissed возвращает множество архивированных и удалённых материалов.
func (h History) Dismissed() map[int64]struct{} {
	set := make(map[int64]struct{}, len(h.Archived)+len(h.Deleted))
	for _, id := range h.Archived {
		set[id] = struct{}{}
	}
	for _, id := range h.Deleted {
		set[id] = struct{}{}
	}
	return set
}

// SessionState хранит полное состояние движка для активного пользователя.
type SessionState struct {
	UserID           string           `json:"userId"`
	VisibleFeed      []SlotValue      `json:"visibleFeed"`
	Pool             []int64          `json:"pool"`
	History          History          `json:"history"`
	LastRolloverDate string           `json:"lastRolloverDate"`
	ReaderMode       ReaderMode       `json:"readerMode"`
	Signals          map[Category]int `json:"signals"`
	Region           string           `json:"region"`
	City             string           `json:"city"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// DefaultSessionState возвращает пустое состояние с лентой из slots незаполненных позиций.
func DefaultSessionState(slots int) SessionState {
	return SessionState{
		VisibleFeed: make([]SlotValue, slots),
		Pool:        []int64{},
		History:     History{Shown: []int64{}, Archived: []int64{}, Deleted: []int64{}},
		ReaderMode:  ReaderModeNew,
		Signals:     map[Category]int{},
	}
}

// Clone возвращает независимую копию состояния.
func (s SessionState) Clone() SessionState {
	out := s
	out.VisibleFeed = slices.Clone(s.VisibleFeed)
	out.Pool = cloneIDs(s.Pool)
	out.History = s.History.Clone()
	out.Signals = make(map[Category]int, len(s.Signals))
	for k, v := range s.Signals {
		out.Signals[k] = v
	}
	return out
}

// EmptySlots возвращает позиции, которые можно заполнить.
func (s SessionState) EmptySlots() []int {
	var out []int
	for i, v := range s.VisibleFeed {
		if !v.Filled() {
			out = append(out, i)
		}
	}
	return out
}

// FilledIDs возвращает материалы, занимающие слоты.
func (s SessionState) FilledIDs() map[int64]struct{} {
	set := make(map[int64]struct{}, len(s.VisibleFeed))
	for _, v := range s.VisibleFeed {
		if v.Filled() {
			set[v.ItemID()] = struct{}{}
		}
	}
	return set
}

// FitFeed приводит длину ленты к числу слотов: лишнее отбрасывается, недостающее дополняется pending.
func (s SessionState) FitFeed(slots int) SessionState {
	if len(s.VisibleFeed) == slots {
		return s
	}
	out := s.Clone()
	if len(out.VisibleFeed) > slots {
		out.VisibleFeed = out.VisibleFeed[:slots]
		return out
	}
	for len(out.VisibleFeed) < slots {
		out.VisibleFeed = append(out.VisibleFeed, SlotPending)
	}
	return out
}

func cloneIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return slices.Clone(ids)
}

func appendUnique(ids []int64, id int64) []int64 {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if out == nil {
		out = []int64{}
	}
	return out
}
