package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownCategory возвращается для категории вне закрытого списка.
	ErrUnknownCategory = errors.New("unknown category")
	// ErrSlotOutOfRange возвращается при обращении к несуществующему слоту.
	ErrSlotOutOfRange = errors.New("slot out of range")
	// ErrSlotEmpty возвращается при свайпе слота без материала.
	ErrSlotEmpty = errors.New("slot has no item")
	// ErrNotArchived возвращается, если материал отсутствует в архиве.
	ErrNotArchived = errors.New("item is not archived")
	// ErrNoSession возвращается, если пользователь не авторизован.
	ErrNoSession = errors.New("no active session")
	// ErrCacheMiss возвращается кэшем при отсутствии ключа.
	ErrCacheMiss = errors.New("cache miss")
)

// CandidateQuery описывает запрос кандидатов в репозиторий контента.
type CandidateQuery struct {
	UserID          string
	City            string
	Region          string
	NeighborCities  []string
	NeighborRegions []string
	Limit           int
	// При Recycle в ExcludeIDs остаются только архивированные, удалённые и уже стоящие в слотах материалы.
	ExcludeIDs []int64
	Recycle    bool
}

// ContentRepo выдаёт кандидатов со статусами POOL/ACTIVE.
type ContentRepo interface {
	FetchCandidates(ctx context.Context, q CandidateQuery) ([]ContentItem, error)
}

// ExclusionStore хранит удалённые записи об исключённых материалах.
type ExclusionStore interface {
	// UpsertExclusion создаёт или перезаписывает запись по паре (пользователь, материал).
	UpsertExclusion(ctx context.Context, rec ExclusionRecord) error
	// DeleteExclusion удаляет запись. Отсутствие записи ошибкой не считается.
	DeleteExclusion(ctx context.Context, userID string, itemID int64) error
	ListExclusions(ctx context.Context, userID string) ([]int64, error)
}

// RemoteSessionStore хранит сериализованное состояние сессии по пользователю.
type RemoteSessionStore interface {
	LoadSession(ctx context.Context, userID string) (SessionState, bool, error)
	SaveSession(ctx context.Context, state SessionState) error
}

// LocalStore описывает локальное хранилище устройства с единственным версионированным ключом.
type LocalStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// GeoIndex возвращает соседние города и регионы.
type GeoIndex interface {
	NeighborsOfCity(city string) []string
	NeighborsOfRegion(region string) []string
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}
