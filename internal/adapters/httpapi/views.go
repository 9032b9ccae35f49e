package httpapi

import (
	"time"

	"feed-engine/internal/domain"
)

const (
	slotFilled      = "filled"
	slotPending     = "pending"
	slotUnavailable = "unavailable"
)

type itemView struct {
	ID       int64           `json:"id"`
	Title    string          `json:"title,omitempty"`
	Category domain.Category `json:"category,omitempty"`
	Scope    domain.GeoScope `json:"scope,omitempty"`
	Region   string          `json:"region,omitempty"`
	City     string          `json:"city,omitempty"`
	Priority domain.Priority `json:"priority,omitempty"`
}

type slotView struct {
	Position int             `json:"position"`
	Category domain.Category `json:"category"`
	State    string          `json:"state"`
	Item     *itemView       `json:"item,omitempty"`
}

type feedView struct {
	UserID     string            `json:"user_id,omitempty"`
	Region     string            `json:"region,omitempty"`
	City       string            `json:"city,omitempty"`
	ReaderMode domain.ReaderMode `json:"reader_mode"`
	Slots      []slotView        `json:"slots"`
	PoolSize   int               `json:"pool_size"`
	Archived   int               `json:"archived"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func newItemView(it domain.ContentItem) itemView {
	return itemView{
		ID:       it.ID,
		Title:    it.Title,
		Category: it.Category,
		Scope:    it.Scope,
		Region:   it.Region,
		City:     it.City,
		Priority: it.Priority,
	}
}

func newFeedView(state domain.SessionState, pattern domain.SlotPattern, lookup func(int64) (domain.ContentItem, bool)) feedView {
	view := feedView{
		UserID:     state.UserID,
		Region:     state.Region,
		City:       state.City,
		ReaderMode: state.ReaderMode,
		Slots:      make([]slotView, 0, len(state.VisibleFeed)),
		PoolSize:   len(state.Pool),
		Archived:   len(state.History.Archived),
		UpdatedAt:  state.UpdatedAt,
	}
	for i, v := range state.VisibleFeed {
		slot := slotView{Position: i + 1, State: slotPending}
		if i < len(pattern) {
			slot.Category = pattern[i]
		}
		switch {
		case v.Filled():
			slot.State = slotFilled
			item := domain.ContentItem{ID: v.ItemID()}
			if known, ok := lookup(v.ItemID()); ok {
				item = known
			}
			iv := newItemView(item)
			slot.Item = &iv
		case v == domain.SlotUnavailable:
			slot.State = slotUnavailable
		}
		view.Slots = append(view.Slots, slot)
	}
	return view
}
