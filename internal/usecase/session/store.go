package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"feed-engine/internal/domain"
	"feed-engine/internal/infra/metrics"
)

// StorageKey задаёт ключ локального хранилища. Смена версии схемы меняет ключ, и старые данные просто не читаются.
const StorageKey = "feed_state_v3"

const defaultRemoteTimeout = 5 * time.Second

// Mutator вычисляет новое состояние из предыдущего. Должен быть чистой функцией.
type Mutator func(prev domain.SessionState) domain.SessionState

// RolloverPolicy вызывается при смене дня до проставления новой даты.
type RolloverPolicy interface {
	Rollover(state domain.SessionState, today string) domain.SessionState
}

// NopRollover оставляет состояние без изменений.
type NopRollover struct{}

// Rollover ничего не меняет.
func (NopRollover) Rollover(state domain.SessionState, _ string) domain.SessionState { return state }

// Options задаёт зависимости Store.
type Options struct {
	Slots         int
	Local         domain.LocalStore
	Remote        domain.RemoteSessionStore
	Events        domain.EventRecorder
	Rollover      RolloverPolicy
	Logger        zerolog.Logger
	Location      *time.Location
	Clock         func() time.Time
	RemoteTimeout time.Duration
}

type subscriber struct {
	id int
	fn func(domain.SessionState)
}

// Store единолично владеет состоянием сессии.
// Запись локально синхронная, в удалённое хранилище асинхронная и без повторов.
type Store struct {
	slots         int
	local         domain.LocalStore
	remote        domain.RemoteSessionStore
	events        domain.EventRecorder
	rollover      RolloverPolicy
	log           zerolog.Logger
	loc           *time.Location
	clock         func() time.Time
	remoteTimeout time.Duration

	mu    sync.RWMutex
	state domain.SessionState

	// writeMu упорядочивает Set/Reset/SignOut целиком, включая уведомления.
	writeMu sync.Mutex

	subsMu  sync.Mutex
	subs    []subscriber
	nextSub int

	remoteMu   sync.Mutex
	seq        atomic.Uint64
	lastRemote uint64
	inflight   sync.WaitGroup

	diagMu      sync.Mutex
	diagnostics []domain.EngineEvent
}

// NewStore создаёт хранилище и поднимает состояние из локального слоя.
// Повреждённое состояние заменяется значениями по умолчанию с записью диагностики.
func NewStore(opts Options) *Store {
	if opts.Slots <= 0 {
		opts.Slots = len(domain.DefaultSlotPattern)
	}
	if opts.Events == nil {
		opts.Events = domain.NopEventRecorder{}
	}
	if opts.Rollover == nil {
		opts.Rollover = NopRollover{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	s := &Store{
		slots:         opts.Slots,
		local:         opts.Local,
		remote:        opts.Remote,
		events:        opts.Events,
		rollover:      opts.Rollover,
		log:           opts.Logger,
		loc:           opts.Location,
		clock:         opts.Clock,
		remoteTimeout: opts.RemoteTimeout,
	}
	s.state = s.loadLocal()
	return s
}

// Slots возвращает число слотов видимой ленты.
func (s *Store) Slots() int { return s.slots }

// Get возвращает копию текущего состояния.
func (s *Store) Get() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Subscribe регистрирует подписчика и возвращает функцию отписки.
// Подписчик вызывается синхронно после каждой мутации и не должен вызывать Set.
func (s *Store) Subscribe(fn func(domain.SessionState)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Set применяет мутацию к последнему состоянию, сохраняет его локально, ставит удалённую запись и уведомляет подписчиков.
func (s *Store) Set(ctx context.Context, fn Mutator) domain.SessionState {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.commit(ctx, fn(s.Get()), true)
}

// Reset переключает сессию на пользователя userID.
// При смене пользователя состояние берётся из удалённого хранилища, пустой userID означает выход.
func (s *Store) Reset(ctx context.Context, userID string) domain.SessionState {
	if userID == "" {
		return s.SignOut(ctx)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.Get()
	if current.UserID == userID {
		return s.commit(ctx, s.applyRollover(current), true)
	}

	next := s.defaults()
	if s.remote != nil {
		remoteCtx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
		loaded, found, err := s.remote.LoadSession(remoteCtx, userID)
		cancel()
		switch {
		case err != nil:
			metrics.IncRemoteSyncError("load_session")
			s.log.Warn().Err(err).Str("user", userID).Msg("session: удалённое состояние недоступно, начинаем с пустого")
		case found:
			next = normalize(loaded).FitFeed(s.slots)
		}
	}
	next.UserID = userID
	return s.commit(ctx, s.applyRollover(next), true)
}

// SignOut возвращает состояние к значениям по умолчанию без обращения к удалённому хранилищу.
func (s *Store) SignOut(ctx context.Context) domain.SessionState {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.commit(ctx, s.defaults(), false)
}

// WaitRemote дожидается завершения всех фоновых записей. Нужен тестам и корректной остановке.
func (s *Store) WaitRemote() {
	s.inflight.Wait()
}

// Diagnostics возвращает события диагностики, записанные за время жизни Store.
func (s *Store) Diagnostics() []domain.EngineEvent {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	return append([]domain.EngineEvent(nil), s.diagnostics...)
}

// Today возвращает текущую дату в часовом поясе сессии.
func (s *Store) Today() string {
	return s.clock().In(s.loc).Format(domain.DateLayout)
}

func (s *Store) commit(ctx context.Context, next domain.SessionState, mirror bool) domain.SessionState {
	next = normalize(next.Clone()).FitFeed(s.slots)
	next.UpdatedAt = s.clock().UTC()

	s.mu.Lock()
	s.state = next.Clone()
	s.mu.Unlock()

	s.persistLocal(next)
	if mirror && next.UserID != "" {
		s.mirrorRemote(ctx, next.Clone())
	}
	s.notify(next)
	return next.Clone()
}

func (s *Store) persistLocal(state domain.SessionState) {
	if s.local == nil {
		return
	}
	data, err := Encode(state)
	if err != nil {
		s.log.Error().Err(err).Msg("session: не удалось сериализовать состояние")
		return
	}
	if err := s.local.Put(StorageKey, data); err != nil {
		s.log.Error().Err(err).Msg("session: не удалось сохранить состояние локально")
	}
}

func (s *Store) mirrorRemote(ctx context.Context, state domain.SessionState) {
	if s.remote == nil {
		return
	}
	seq := s.seq.Add(1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.remoteMu.Lock()
		defer s.remoteMu.Unlock()
		if seq <= s.lastRemote {
			// уже записано более новое состояние
			return
		}
		s.lastRemote = seq
		remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.remoteTimeout)
		defer cancel()
		if err := s.remote.SaveSession(remoteCtx, state); err != nil {
			metrics.IncRemoteSyncError("save_session")
			s.log.Warn().Err(err).Str("user", state.UserID).Msg("session: удалённая запись не удалась")
		}
	}()
}

func (s *Store) notify(state domain.SessionState) {
	s.subsMu.Lock()
	subs := append([]subscriber(nil), s.subs...)
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.fn(state.Clone())
	}
}

func (s *Store) applyRollover(state domain.SessionState) domain.SessionState {
	today := s.Today()
	if state.LastRolloverDate == today {
		return state
	}
	state = s.rollover.Rollover(state, today)
	state.LastRolloverDate = today
	return state
}

func (s *Store) defaults() domain.SessionState {
	return domain.DefaultSessionState(s.slots)
}

func (s *Store) loadLocal() domain.SessionState {
	if s.local == nil {
		return s.defaults()
	}
	raw, ok, err := s.local.Get(StorageKey)
	if err != nil {
		s.log.Error().Err(err).Msg("session: не удалось прочитать локальное состояние")
		return s.defaults()
	}
	if !ok {
		return s.defaults()
	}
	state, err := Decode(raw)
	if err != nil {
		s.recordCorruption(err)
		return s.defaults()
	}
	return state.FitFeed(s.slots)
}

func (s *Store) recordCorruption(cause error) {
	metrics.StateCorruptions.Inc()
	s.log.Error().Err(cause).Msg("session: локальное состояние повреждено, используем значения по умолчанию")
	ev := domain.NewEngineEvent(domain.EngineEventStateCorrupted, "", 0, map[string]any{
		"error": cause.Error(),
		"key":   StorageKey,
	})
	s.diagMu.Lock()
	s.diagnostics = append(s.diagnostics, ev)
	s.diagMu.Unlock()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.remoteTimeout)
		defer cancel()
		if err := s.events.RecordEvent(ctx, ev); err != nil {
			s.log.Warn().Err(err).Msg("session: не удалось записать событие диагностики")
		}
	}()
}
