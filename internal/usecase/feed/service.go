package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feed-engine/internal/adapters/ranker"
	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
	"feed-engine/internal/usecase/session"
)

const (
	defaultCandidateLimit = 60
	defaultRemoteTimeout  = 5 * time.Second

	compositionFresh   = "fresh"
	compositionPool    = "pool"
	compositionRecycle = "recycle"
)

// Options задаёт зависимости Service.
type Options struct {
	Store          *session.Store
	Content        domain.ContentRepo
	Exclusions     domain.ExclusionStore
	Events         domain.EventRecorder
	Geo            domain.GeoIndex
	Pattern        domain.SlotPattern
	CandidateLimit int
	RemoteTimeout  time.Duration
	Logger         zerolog.Logger
}

// Service собирает ленту, обрабатывает свайпы и сигналы поверх session.Store.
type Service struct {
	store         *session.Store
	content       domain.ContentRepo
	exclusions    domain.ExclusionStore
	events        domain.EventRecorder
	geo           domain.GeoIndex
	composer      *ranker.Composer
	pattern       domain.SlotPattern
	limit         int
	remoteTimeout time.Duration
	log           zerolog.Logger

	// mu упорядочивает операции над лентой: свайп и его дозаполнение не перемежаются с другими.
	mu sync.Mutex

	catalogMu sync.RWMutex
	catalog   map[int64]domain.ContentItem

	tailMu sync.Mutex
	tail   chan struct{}
	bg     sync.WaitGroup
}

// NewService создаёт сервис ленты.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("feed: session store is nil")
	}
	if opts.Content == nil {
		return nil, errors.New("feed: content repo is nil")
	}
	if len(opts.Pattern) == 0 {
		opts.Pattern = domain.DefaultSlotPattern
	}
	if len(opts.Pattern) != opts.Store.Slots() {
		return nil, fmt.Errorf("feed: pattern has %d slots, store expects %d", len(opts.Pattern), opts.Store.Slots())
	}
	if opts.Events == nil {
		opts.Events = domain.NopEventRecorder{}
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = defaultCandidateLimit
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	return &Service{
		store:         opts.Store,
		content:       opts.Content,
		exclusions:    opts.Exclusions,
		events:        opts.Events,
		geo:           opts.Geo,
		composer:      ranker.NewComposer(opts.Geo),
		pattern:       opts.Pattern,
		limit:         opts.CandidateLimit,
		remoteTimeout: opts.RemoteTimeout,
		log:           opts.Logger,
		catalog:       map[int64]domain.ContentItem{},
	}, nil
}

// Pattern возвращает требуемые категории слотов.
func (s *Service) Pattern() domain.SlotPattern {
	return append(domain.SlotPattern(nil), s.pattern...)
}

// State возвращает снимок текущей сессии.
func (s *Service) State() domain.SessionState {
	return s.store.Get()
}

// Lookup возвращает известные сервису данные материала.
func (s *Service) Lookup(id int64) (domain.ContentItem, bool) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	it, ok := s.catalog[id]
	return it, ok
}

// StartSession переключает сессию на пользователя, обновляет географию и дозаполняет ленту.
func (s *Service) StartSession(ctx context.Context, userID, region, city string) (domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.store.Reset(ctx, userID)
	if userID == "" {
		s.forget()
		return state, nil
	}
	if (region != "" || city != "") && (region != state.Region || city != state.City) {
		s.applyGeography(ctx, region, city)
	}
	return s.refill(ctx, -1)
}

// SignOut сбрасывает сессию к значениям по умолчанию.
func (s *Service) SignOut(ctx context.Context) domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forget()
	return s.store.SignOut(ctx)
}

// SetGeography меняет город и регион пользователя. Заполненные слоты остаются, пул пересобирается.
func (s *Service) SetGeography(ctx context.Context, region, city string) (domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.applyGeography(ctx, region, city)
	if state.UserID == "" {
		return state, nil
	}
	return s.refill(ctx, -1)
}

func (s *Service) applyGeography(ctx context.Context, region, city string) domain.SessionState {
	return s.store.Set(ctx, func(prev domain.SessionState) domain.SessionState {
		if prev.Region == region && prev.City == city {
			return prev
		}
		out := prev.Clone()
		out.Region = region
		out.City = city
		out.Pool = []int64{}
		return out
	})
}

// Refill заполняет все пустые и недоступные слоты.
func (s *Service) Refill(ctx context.Context) (domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refill(ctx, -1)
}

// Wait дожидается фоновых записей исключений, событий и состояния.
func (s *Service) Wait() {
	s.bg.Wait()
	s.store.WaitRemote()
}

// refill выполняет проход композиции. slot < 0 означает все пустые слоты,
// при полной ленте и пустом пуле проход только пересобирает пул.
// Для одного слота сначала используется пул, затем свежий запрос, затем повторный показ.
func (s *Service) refill(ctx context.Context, slot int) (domain.SessionState, error) {
	state := s.store.Get()
	if state.UserID == "" {
		return state, domain.ErrNoSession
	}
	targets := s.targets(state, slot)
	if len(targets) == 0 && (slot >= 0 || len(state.Pool) > 0) {
		return state, nil
	}

	start := time.Now()
	dismissed := state.History.Dismissed()
	for id := range s.remoteExclusions(ctx, state.UserID) {
		dismissed[id] = struct{}{}
	}
	fresh := make(map[int64]struct{}, len(dismissed)+len(state.History.Shown))
	for id := range dismissed {
		fresh[id] = struct{}{}
	}
	for _, id := range state.History.Shown {
		fresh[id] = struct{}{}
	}

	in := ranker.Input{
		City:     state.City,
		Region:   state.Region,
		Pattern:  s.pattern,
		Slots:    state.VisibleFeed,
		Excluded: fresh,
	}

	var (
		res  ranker.Result
		kind = compositionFresh
	)
	if slot >= 0 {
		in.Candidates = s.poolCandidates(state.Pool)
		res = s.compose(in, slot)
		kind = compositionPool
	}
	if res.Placed == 0 {
		kind = compositionFresh
		candidates, err := s.fetch(ctx, state, fresh, false)
		if err != nil {
			// остаёмся на локальных данных
			candidates = s.poolCandidates(state.Pool)
			kind = compositionPool
		}
		in.Candidates = candidates
		res = s.compose(in, slot)
	}
	if len(targets) > 0 && unfilled(res.Slots, targets) > 0 {
		// свежие размещения остаются, повторный показ добирает оставшиеся слоты
		partial := state
		partial.VisibleFeed = res.Slots
		recycled, err := s.fetch(ctx, partial, dismissed, true)
		if err == nil {
			in.Candidates = recycled
			in.Excluded = dismissed
			in.Slots = res.Slots
			if again := s.compose(in, slot); again.Placed > 0 {
				res = mergeRecycled(res, again)
				kind = compositionRecycle
				metrics.RecycleFallbackTotal.Inc()
				s.emit(domain.NewEngineEvent(domain.EngineEventRecycleFallback, state.UserID, 0, map[string]any{
					"placed": again.Placed,
				}))
			}
		}
	}

	next := s.store.Set(ctx, func(prev domain.SessionState) domain.SessionState {
		if prev.UserID != state.UserID {
			return prev
		}
		return apply(prev, res, targets)
	})

	unavailable := 0
	for _, v := range next.VisibleFeed {
		if v == domain.SlotUnavailable {
			unavailable++
		}
	}
	metrics.ObserveComposition(kind, start, res.ProximityUsed, unavailable)
	if res.ProximityUsed {
		s.emit(domain.NewEngineEvent(domain.EngineEventProximityFallback, state.UserID, 0, map[string]any{
			"city":   state.City,
			"region": state.Region,
		}))
	}
	s.log.Debug().
		Str("user", state.UserID).
		Str("kind", kind).
		Int("placed", res.Placed).
		Int("unavailable", unavailable).
		Bool("proximity", res.ProximityUsed).
		Msg("feed: проход композиции завершён")
	s.retain(next)
	return next, nil
}

func unfilled(slots []domain.SlotValue, targets []int) int {
	n := 0
	for _, idx := range targets {
		if idx >= len(slots) || !slots[idx].Filled() {
			n++
		}
	}
	return n
}

// mergeRecycled дополняет свежий проход результатом повторного показа.
func mergeRecycled(fresh, recycled ranker.Result) ranker.Result {
	out := recycled
	out.Placed = fresh.Placed + recycled.Placed
	out.ProximityUsed = fresh.ProximityUsed || recycled.ProximityUsed
	seen := make(map[int64]struct{}, len(fresh.Pool)+len(recycled.Pool))
	out.Pool = make([]int64, 0, len(fresh.Pool)+len(recycled.Pool))
	for _, id := range append(append([]int64(nil), fresh.Pool...), recycled.Pool...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out.Pool = append(out.Pool, id)
	}
	return out
}

// apply переносит результат композиции в актуальное состояние, не трогая заполненные слоты.
func apply(prev domain.SessionState, res ranker.Result, targets []int) domain.SessionState {
	out := prev.Clone()
	used := prev.FilledIDs()
	dismissed := prev.History.Dismissed()
	for _, idx := range targets {
		if idx >= len(out.VisibleFeed) || idx >= len(res.Slots) || out.VisibleFeed[idx].Filled() {
			continue
		}
		v := res.Slots[idx]
		if v.Filled() {
			id := v.ItemID()
			_, taken := used[id]
			_, gone := dismissed[id]
			if taken || gone {
				out.VisibleFeed[idx] = domain.SlotPending
				continue
			}
			used[id] = struct{}{}
			out.History = out.History.MarkShown(id)
		}
		out.VisibleFeed[idx] = v
	}
	pool := make([]int64, 0, len(res.Pool))
	for _, id := range res.Pool {
		if _, ok := used[id]; ok {
			continue
		}
		if _, ok := dismissed[id]; ok {
			continue
		}
		pool = append(pool, id)
	}
	out.Pool = pool
	return out
}

func (s *Service) targets(state domain.SessionState, slot int) []int {
	if slot < 0 {
		return state.EmptySlots()
	}
	if slot >= len(state.VisibleFeed) || state.VisibleFeed[slot].Filled() {
		return nil
	}
	return []int{slot}
}

func (s *Service) compose(in ranker.Input, slot int) ranker.Result {
	if slot < 0 {
		return s.composer.Compose(in)
	}
	return s.composer.ComposeSlot(in, slot)
}

func (s *Service) fetch(ctx context.Context, state domain.SessionState, exclude map[int64]struct{}, recycle bool) ([]domain.ContentItem, error) {
	ids := make(map[int64]struct{}, len(exclude)+len(state.VisibleFeed))
	for id := range exclude {
		ids[id] = struct{}{}
	}
	for id := range state.FilledIDs() {
		ids[id] = struct{}{}
	}
	q := domain.CandidateQuery{
		UserID:     state.UserID,
		City:       state.City,
		Region:     state.Region,
		Limit:      s.limit,
		ExcludeIDs: sortedIDs(ids),
		Recycle:    recycle,
	}
	if s.geo != nil {
		if state.City != "" {
			q.NeighborCities = s.geo.NeighborsOfCity(state.City)
		}
		if state.Region != "" {
			q.NeighborRegions = s.geo.NeighborsOfRegion(state.Region)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	defer cancel()
	items, err := s.content.FetchCandidates(fetchCtx, q)
	if err != nil {
		metrics.IncRemoteSyncError("fetch_candidates")
		s.log.Warn().Err(err).Str("user", state.UserID).Bool("recycle", recycle).Msg("feed: не удалось получить кандидатов")
		return nil, fmt.Errorf("получение кандидатов: %w", err)
	}
	s.remember(items)
	return items, nil
}

func (s *Service) remoteExclusions(ctx context.Context, userID string) map[int64]struct{} {
	set := map[int64]struct{}{}
	if s.exclusions == nil {
		return set
	}
	listCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	defer cancel()
	ids, err := s.exclusions.ListExclusions(listCtx, userID)
	if err != nil {
		metrics.IncRemoteSyncError("list_exclusions")
		s.log.Warn().Err(err).Str("user", userID).Msg("feed: исключения недоступны, фильтруем по локальной истории")
		return set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// poolCandidates восстанавливает кандидатов из пула. Материалы без известных данных пропускаются.
func (s *Service) poolCandidates(pool []int64) []domain.ContentItem {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	out := make([]domain.ContentItem, 0, len(pool))
	for _, id := range pool {
		if it, ok := s.catalog[id]; ok {
			out = append(out, it)
		}
	}
	return out
}

// rankPool упорядочивает пул по текущей географии. Материалы без известных данных остаются в конце.
func (s *Service) rankPool(state domain.SessionState, ids []int64) []int64 {
	known := make([]domain.ContentItem, 0, len(ids))
	var unknown []int64
	for _, id := range ids {
		if it, ok := s.Lookup(id); ok {
			known = append(known, it)
			continue
		}
		unknown = append(unknown, id)
	}
	out := make([]int64, 0, len(ids))
	for _, scored := range s.composer.Rank(ranker.DeduplicateByID(known), state.City, state.Region) {
		out = append(out, scored.Item.ID)
	}
	return append(out, unknown...)
}

func (s *Service) remember(items []domain.ContentItem) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	for _, it := range items {
		if it.ID > 0 {
			s.catalog[it.ID] = it
		}
	}
}

// retain оставляет в каталоге только материалы, на которые ссылается состояние.
func (s *Service) retain(state domain.SessionState) {
	keep := state.FilledIDs()
	for _, id := range state.Pool {
		keep[id] = struct{}{}
	}
	for _, id := range state.History.Archived {
		keep[id] = struct{}{}
	}
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	for id := range s.catalog {
		if _, ok := keep[id]; !ok {
			delete(s.catalog, id)
		}
	}
}

func (s *Service) forget() {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	s.catalog = map[int64]domain.ContentItem{}
}

// enqueue ставит удалённую запись в очередь. Записи выполняются строго по порядку постановки.
func (s *Service) enqueue(operation string, userID string, fn func(ctx context.Context) error) {
	s.tailMu.Lock()
	prev := s.tail
	done := make(chan struct{})
	s.tail = done
	s.tailMu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.remoteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			metrics.IncRemoteSyncError(operation)
			s.log.Warn().Err(err).Str("user", userID).Str("operation", operation).Msg("feed: удалённая запись не удалась")
		}
	}()
}

func (s *Service) emit(event domain.EngineEvent) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.remoteTimeout)
		defer cancel()
		if err := s.events.RecordEvent(ctx, event); err != nil {
			s.log.Warn().Err(err).Str("event", event.Event).Msg("feed: не удалось записать событие")
		}
	}()
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
