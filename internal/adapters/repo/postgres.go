package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"feed-engine/internal/adapters/geo"
	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ContentRepo        = (*Postgres)(nil)
	_ domain.ExclusionStore     = (*Postgres)(nil)
	_ domain.RemoteSessionStore = (*Postgres)(nil)
	_ domain.EventRecorder      = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// FetchCandidates реализует domain.ContentRepo.
func (p *Postgres) FetchCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.ContentItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	statuses := make([]string, 0, len(domain.EligibleStatuses))
	for _, s := range domain.EligibleStatuses {
		statuses = append(statuses, string(s))
	}
	exclude := q.ExcludeIDs
	if exclude == nil {
		exclude = []int64{}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 60
	}
	f := newCandidateFilter(q)

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT c.id, c.title, c.category, COALESCE(c.geo_scope, ''), COALESCE(c.region, ''), COALESCE(c.city, ''), c.priority, c.status, c.created_at
FROM content_items c
WHERE c.status = ANY($1)
  AND NOT (c.id = ANY($2))
  AND NOT EXISTS (
      SELECT 1 FROM feed_exclusions e
      WHERE e.user_id = $3 AND e.item_id = c.id AND e.status IN ('ARCHIVED', 'DELETED')
  )
  AND (
       COALESCE(c.geo_scope, '') IN ('', 'NATIONAL')
    OR (c.geo_scope = 'REGION' AND COALESCE(c.region_key, lower(c.region)) = ANY($4))
    OR (c.geo_scope = 'CITY' AND (COALESCE(c.city_key, lower(c.city)) = ANY($5) OR COALESCE(c.region_key, lower(c.region)) = ANY($6)))
  )
ORDER BY
  CASE
    WHEN c.geo_scope = 'CITY' AND COALESCE(c.city_key, lower(c.city)) = $7 THEN 100
    WHEN c.geo_scope = 'REGION' AND COALESCE(c.region_key, lower(c.region)) = $8 THEN 90
    WHEN COALESCE(c.geo_scope, '') IN ('', 'NATIONAL') THEN 50
    ELSE 10
  END DESC,
  CASE c.priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 WHEN 'LOW' THEN 1 ELSE 0 END DESC,
  c.id
LIMIT $9
`, statuses, exclude, q.UserID, f.Regions, f.Cities, f.NeighborRegions, f.City, f.Region, limit)
	operation := "content_fetch_fresh"
	if q.Recycle {
		operation = "content_fetch_recycle"
	}
	metrics.ObserveNetworkRequest("postgres", operation, "content_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ContentItem
	for rows.Next() {
		var (
			it                                domain.ContentItem
			category, scope, priority, status string
		)
		if err := rows.Scan(&it.ID, &it.Title, &category, &scope, &it.Region, &it.City, &priority, &status, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Category = domain.Category(category)
		it.Scope = domain.GeoScope(scope)
		it.Priority = domain.Priority(priority)
		it.Status = domain.ItemStatus(status)
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpsertExclusion реализует domain.ExclusionStore. Последняя запись побеждает.
func (p *Postgres) UpsertExclusion(ctx context.Context, rec domain.ExclusionRecord) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO feed_exclusions (user_id, item_id, status, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, item_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
`, rec.UserID, rec.ItemID, string(rec.Status), rec.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "exclusions_upsert", "feed_exclusions", start, err)
	return err
}

// DeleteExclusion удаляет запись об исключении. Отсутствие строки не ошибка.
func (p *Postgres) DeleteExclusion(ctx context.Context, userID string, itemID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM feed_exclusions WHERE user_id=$1 AND item_id=$2`, userID, itemID)
	metrics.ObserveNetworkRequest("postgres", "exclusions_delete", "feed_exclusions", start, err)
	return err
}

// ListExclusions возвращает архивированные и удалённые материалы пользователя.
func (p *Postgres) ListExclusions(ctx context.Context, userID string) ([]int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT item_id FROM feed_exclusions
WHERE user_id=$1 AND status IN ('ARCHIVED', 'DELETED')
ORDER BY item_id
`, userID)
	metrics.ObserveNetworkRequest("postgres", "exclusions_list", "feed_exclusions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadSession возвращает сохранённое состояние сессии пользователя.
func (p *Postgres) LoadSession(ctx context.Context, userID string) (domain.SessionState, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var raw []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT state FROM feed_sessions WHERE user_id=$1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "sessions_get", "feed_sessions", start, nil)
		return domain.SessionState{}, false, nil
	}
	metrics.ObserveNetworkRequest("postgres", "sessions_get", "feed_sessions", start, err)
	if err != nil {
		return domain.SessionState{}, false, err
	}
	var state domain.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.SessionState{}, false, fmt.Errorf("decode session state: %w", err)
	}
	return state, true, nil
}

// SaveSession сохраняет состояние сессии целиком.
func (p *Postgres) SaveSession(ctx context.Context, state domain.SessionState) error {
	if state.UserID == "" {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO feed_sessions (user_id, state, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
`, state.UserID, payload)
	metrics.ObserveNetworkRequest("postgres", "sessions_upsert", "feed_sessions", start, err)
	return err
}

// RecordEvent сохраняет событие движка в журнал.
func (p *Postgres) RecordEvent(ctx context.Context, event domain.EngineEvent) error {
	if event.Event == "" {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var userID sql.NullString
	if event.UserID != "" {
		userID = sql.NullString{String: event.UserID, Valid: true}
	}
	var itemID sql.NullInt64
	if event.ItemID != nil {
		itemID = sql.NullInt64{Int64: *event.ItemID, Valid: true}
	}
	var payload []byte
	if event.Metadata != nil {
		if data, err := json.Marshal(event.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO engine_events (id, event, user_id, item_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`, event.ID, event.Event, userID, itemID, payload, event.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "engine_events_insert", "engine_events", start, err)
	return err
}

// BackfillGeoKeys проставляет канонические ключи города и региона строкам,
// у которых их ещё нет. Возвращает число обновлённых строк.
func (p *Postgres) BackfillGeoKeys(ctx context.Context) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, COALESCE(city, ''), COALESCE(region, '')
FROM content_items
WHERE (city IS NOT NULL AND city_key IS NULL) OR (region IS NOT NULL AND region_key IS NULL)
LIMIT 1000
`)
	metrics.ObserveNetworkRequest("postgres", "content_geo_keys_scan", "content_items", start, err)
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for rows.Next() {
		var (
			id           int64
			city, region string
		)
		if err := rows.Scan(&id, &city, &region); err != nil {
			rows.Close()
			return 0, err
		}
		cityKey, regionKey := geoKeys(city, region)
		batch.Queue(`UPDATE content_items SET city_key=$2, region_key=$3 WHERE id=$1`, id, cityKey, regionKey)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	start = time.Now()
	err = p.pool.SendBatch(ctx, batch).Close()
	metrics.ObserveNetworkRequest("postgres", "content_geo_keys_update", "content_items", start, err)
	if err != nil {
		return 0, fmt.Errorf("update geo keys: %w", err)
	}
	return batch.Len(), nil
}

// candidateFilter содержит параметры географического фильтра в каноническом виде.
type candidateFilter struct {
	City            string
	Region          string
	Cities          []string
	Regions         []string
	NeighborRegions []string
}

func newCandidateFilter(q domain.CandidateQuery) candidateFilter {
	return candidateFilter{
		City:            geo.Canonical(q.City),
		Region:          geo.Canonical(q.Region),
		Cities:          canonicalNames(append([]string{q.City}, q.NeighborCities...)),
		Regions:         canonicalNames(append([]string{q.Region}, q.NeighborRegions...)),
		NeighborRegions: canonicalNames(q.NeighborRegions),
	}
}

// geoKeys возвращает ключи для колонок city_key и region_key. Ключ всегда непустой
// с точки зрения NULL, иначе строка снова попадёт в выборку дозаполнения.
func geoKeys(city, region string) (string, string) {
	return geo.Canonical(city), geo.Canonical(region)
}

func canonicalNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		v := geo.Canonical(n)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
