package domain

import (
	"fmt"
	"strings"
	"time"
)

// Category описывает тематическую категорию материала.
type Category string

const (
	CategoryImportant Category = "IMPORTANT"
	CategoryInfo      Category = "INFO"
	CategoryFun       Category = "FUN"
)

// Categories перечисляет все известные категории в фиксированном порядке.
var Categories = []Category{CategoryImportant, CategoryInfo, CategoryFun}

// ParseCategory приводит строку к категории.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
}

// GeoScope описывает географический охват материала. Пустое значение означает универсальный материал.
type GeoScope string

const (
	ScopeUniversal GeoScope = ""
	ScopeNational  GeoScope = "NATIONAL"
	ScopeRegion    GeoScope = "REGION"
	ScopeCity      GeoScope = "CITY"
)

// Priority задаёт редакционный приоритет материала.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Weight возвращает числовой вес приоритета. Неизвестный приоритет весит меньше LOW.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ItemStatus описывает жизненный цикл материала в репозитории контента.
type ItemStatus string

const (
	StatusPool     ItemStatus = "POOL"
	StatusActive   ItemStatus = "ACTIVE"
	StatusDraft    ItemStatus = "DRAFT"
	StatusArchived ItemStatus = "ARCHIVED"
	StatusRejected ItemStatus = "REJECTED"
)

// EligibleStatuses перечисляет статусы, допустимые для показа.
var EligibleStatuses = []ItemStatus{StatusPool, StatusActive}

// Eligible сообщает, может ли материал с таким статусом попасть в ленту.
func (s ItemStatus) Eligible() bool {
	return s == StatusPool || s == StatusActive
}

// ContentItem представляет материал из репозитория контента. Движок его не изменяет.
type ContentItem struct {
	ID        int64
	Title     string
	Category  Category
	Scope     GeoScope
	Region    string
	City      string
	Priority  Priority
	Status    ItemStatus
	CreatedAt time.Time
}

// SlotValue хранит идентификатор материала в слоте либо один из маркеров.
type SlotValue int64

const (
	// SlotPending: слот ещё не заполнен.
	SlotPending SlotValue = 0
	// SlotUnavailable: контент не нашёлся даже после всех fallback-проходов.
	SlotUnavailable SlotValue = -1
)

// Filled сообщает, содержит ли слот реальный материал.
func (v SlotValue) Filled() bool { return v > 0 }

// ItemID возвращает идентификатор материала или 0 для маркеров.
func (v SlotValue) ItemID() int64 {
	if v.Filled() {
		return int64(v)
	}
	return 0
}

// SlotPattern задаёт требуемую категорию для каждой позиции видимой ленты.
type SlotPattern []Category

// DefaultSlotPattern используется, если шаблон не задан конфигурацией.
var DefaultSlotPattern = SlotPattern{CategoryImportant, CategoryFun, CategoryImportant, CategoryInfo, CategoryFun, CategoryInfo}

// ParseSlotPattern собирает шаблон из списка строк.
func ParseSlotPattern(raw []string) (SlotPattern, error) {
	if len(raw) == 0 {
		return append(SlotPattern(nil), DefaultSlotPattern...), nil
	}
	pattern := make(SlotPattern, 0, len(raw))
	for _, r := range raw {
		c, err := ParseCategory(r)
		if err != nil {
			return nil, fmt.Errorf("шаблон слотов: %w", err)
		}
		pattern = append(pattern, c)
	}
	return pattern, nil
}

// ExclusionStatus описывает причину исключения материала.
type ExclusionStatus string

const (
	ExclusionArchived ExclusionStatus = "ARCHIVED"
	ExclusionDeleted  ExclusionStatus = "DELETED"
)

// ExclusionRecord описывает удалённую запись о том, что материал больше не показывается пользователю.
type ExclusionRecord struct {
	UserID    string
	ItemID    int64
	Status    ExclusionStatus
	UpdatedAt time.Time
}
