package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feed-engine/internal/domain"
)

type memLocal struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemLocal() *memLocal { return &memLocal{data: map[string][]byte{}} }

func (m *memLocal) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memLocal) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

type memRemote struct {
	mu       sync.Mutex
	sessions map[string]domain.SessionState
	loads    int
	saves    int
	loadErr  error
	saveErr  error
}

func newMemRemote() *memRemote { return &memRemote{sessions: map[string]domain.SessionState{}} }

func (m *memRemote) LoadSession(_ context.Context, userID string) (domain.SessionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return domain.SessionState{}, false, m.loadErr
	}
	st, ok := m.sessions[userID]
	return st.Clone(), ok, nil
}

func (m *memRemote) SaveSession(_ context.Context, state domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sessions[state.UserID] = state.Clone()
	return nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []domain.EngineEvent
}

func (c *captureEvents) RecordEvent(_ context.Context, ev domain.EngineEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func fixedClock(day string) func() time.Time {
	return func() time.Time {
		t, _ := time.Parse(domain.DateLayout, day)
		return t.Add(12 * time.Hour)
	}
}

func newTestStore(local *memLocal, remote *memRemote, events *captureEvents) *Store {
	opts := Options{Slots: 6, Local: local, Clock: fixedClock("2026-10-16")}
	if remote != nil {
		opts.Remote = remote
	}
	if events != nil {
		opts.Events = events
	}
	return NewStore(opts)
}

func TestColdStartCorruptStateFallsBackToDefaults(t *testing.T) {
	local := newMemLocal()
	local.data[StorageKey] = []byte(`{"visibleFeed": "not-an-array"}`)
	events := &captureEvents{}

	s := newTestStore(local, nil, events)
	s.WaitRemote()

	st := s.Get()
	if len(st.VisibleFeed) != 6 {
		t.Fatalf("ожидали 6 пустых слотов, получили %v", st.VisibleFeed)
	}
	for _, v := range st.VisibleFeed {
		if v != domain.SlotPending {
			t.Fatalf("ожидали pending, получили %v", st.VisibleFeed)
		}
	}
	if len(st.History.Shown) != 0 || st.UserID != "" {
		t.Fatalf("ожидали значения по умолчанию, получили %+v", st)
	}
	diags := s.Diagnostics()
	if len(diags) != 1 || diags[0].Event != domain.EngineEventStateCorrupted {
		t.Fatalf("ожидали диагностику state_corrupted, получили %+v", diags)
	}
	if len(events.events) != 1 {
		t.Fatalf("ожидали событие в журнале, получили %d", len(events.events))
	}
}

func TestColdStartMissingHistoryArrays(t *testing.T) {
	local := newMemLocal()
	local.data[StorageKey] = []byte(`{"visibleFeed":[1,2],"pool":[],"history":{"shown":[],"archived":null,"deleted":[]}}`)
	s := newTestStore(local, nil, nil)
	s.WaitRemote()
	if len(s.Diagnostics()) != 1 {
		t.Fatalf("ожидали диагностику для archived=null")
	}
	if s.Get().VisibleFeed[0] != domain.SlotPending {
		t.Fatalf("ожидали сброс ленты")
	}
}

func TestColdStartValidStateRepairsFeedLength(t *testing.T) {
	local := newMemLocal()
	local.data[StorageKey] = []byte(`{"userId":"u1","visibleFeed":[5,-1,7],"pool":[9],"history":{"shown":[5,7],"archived":[],"deleted":[]}}`)
	s := newTestStore(local, nil, nil)
	st := s.Get()
	if len(s.Diagnostics()) != 0 {
		t.Fatalf("не ожидали диагностики")
	}
	if len(st.VisibleFeed) != 6 || st.VisibleFeed[0] != 5 || st.VisibleFeed[1] != domain.SlotUnavailable || st.VisibleFeed[5] != domain.SlotPending {
		t.Fatalf("ожидали дополненную ленту, получили %v", st.VisibleFeed)
	}
	if st.UserID != "u1" || st.ReaderMode != domain.ReaderModeNew {
		t.Fatalf("ожидали сохранённого пользователя и режим по умолчанию, получили %+v", st)
	}
}

func TestSetPersistsLocallyAndRemotely(t *testing.T) {
	local := newMemLocal()
	remote := newMemRemote()
	s := newTestStore(local, remote, nil)
	s.Reset(context.Background(), "u1")

	var notified []domain.SessionState
	cancel := s.Subscribe(func(st domain.SessionState) { notified = append(notified, st) })

	s.Set(context.Background(), func(prev domain.SessionState) domain.SessionState {
		prev.City = "Leipzig"
		return prev
	})
	s.WaitRemote()

	raw, ok, _ := local.Get(StorageKey)
	if !ok {
		t.Fatalf("ожидали локальную запись")
	}
	saved, err := Decode(raw)
	if err != nil || saved.City != "Leipzig" {
		t.Fatalf("ожидали город в локальном состоянии, получили %+v err=%v", saved, err)
	}
	if remote.sessions["u1"].City != "Leipzig" {
		t.Fatalf("ожидали город в удалённом состоянии")
	}
	if len(notified) != 1 || notified[0].City != "Leipzig" {
		t.Fatalf("ожидали одно уведомление подписчика, получили %d", len(notified))
	}

	cancel()
	s.Set(context.Background(), func(prev domain.SessionState) domain.SessionState { return prev })
	if len(notified) != 1 {
		t.Fatalf("после отписки уведомлений быть не должно")
	}
}

func TestSetRemoteFailureDoesNotBlockLocal(t *testing.T) {
	local := newMemLocal()
	remote := newMemRemote()
	remote.saveErr = errors.New("network down")
	s := newTestStore(local, remote, nil)
	s.Reset(context.Background(), "u1")

	st := s.Set(context.Background(), func(prev domain.SessionState) domain.SessionState {
		prev.Pool = []int64{42}
		return prev
	})
	s.WaitRemote()
	if len(st.Pool) != 1 || s.Get().Pool[0] != 42 {
		t.Fatalf("ожидали локальное обновление несмотря на ошибку сети")
	}
	raw, _, _ := local.Get(StorageKey)
	saved, _ := Decode(raw)
	if len(saved.Pool) != 1 {
		t.Fatalf("ожидали локальную запись несмотря на ошибку сети")
	}
}

func TestSetSequentialMutationsDoNotLoseUpdates(t *testing.T) {
	s := newTestStore(newMemLocal(), newMemRemote(), nil)
	s.Reset(context.Background(), "u1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set(context.Background(), func(prev domain.SessionState) domain.SessionState {
				prev.Signals[domain.CategoryFun]++
				return prev
			})
		}()
	}
	wg.Wait()
	s.WaitRemote()
	if got := s.Get().Signals[domain.CategoryFun]; got != 20 {
		t.Fatalf("ожидали 20 инкрементов, получили %d", got)
	}
}

func TestResetAdoptsRemoteState(t *testing.T) {
	remote := newMemRemote()
	stored := domain.DefaultSessionState(6)
	stored.UserID = "u2"
	stored.VisibleFeed[0] = 77
	stored.History.Shown = []int64{77}
	stored.LastRolloverDate = "2026-10-16"
	remote.sessions["u2"] = stored

	s := newTestStore(newMemLocal(), remote, nil)
	st := s.Reset(context.Background(), "u2")
	s.WaitRemote()
	if st.UserID != "u2" || st.VisibleFeed[0] != 77 {
		t.Fatalf("ожидали удалённое состояние, получили %+v", st)
	}
	if remote.loads != 1 {
		t.Fatalf("ожидали одно чтение удалённого состояния, получили %d", remote.loads)
	}
}

func TestResetUnknownUserStartsFromDefaults(t *testing.T) {
	local := newMemLocal()
	remote := newMemRemote()
	s := newTestStore(local, remote, nil)
	s.Reset(context.Background(), "u1")
	s.Set(context.Background(), func(prev domain.SessionState) domain.SessionState {
		prev.VisibleFeed[0] = 10
		return prev
	})

	st := s.Reset(context.Background(), "u3")
	if st.UserID != "u3" || st.VisibleFeed[0] != domain.SlotPending {
		t.Fatalf("ожидали пустое состояние нового пользователя, получили %+v", st)
	}
}

func TestResetRemoteErrorUsesDefaults(t *testing.T) {
	remote := newMemRemote()
	remote.loadErr = errors.New("timeout")
	s := newTestStore(newMemLocal(), remote, nil)
	st := s.Reset(context.Background(), "u4")
	s.WaitRemote()
	if st.UserID != "u4" {
		t.Fatalf("ожидали нового пользователя, получили %q", st.UserID)
	}
}

func TestResetSameUserKeepsLocalState(t *testing.T) {
	local := newMemLocal()
	local.data[StorageKey] = []byte(`{"userId":"u1","visibleFeed":[5,0,0,0,0,0],"pool":[],"history":{"shown":[5],"archived":[],"deleted":[]},"lastRolloverDate":"2026-10-15"}`)
	remote := newMemRemote()
	s := newTestStore(local, remote, nil)
	st := s.Reset(context.Background(), "u1")
	s.WaitRemote()
	if remote.loads != 0 {
		t.Fatalf("не ожидали чтения удалённого состояния для того же пользователя")
	}
	if st.VisibleFeed[0] != 5 {
		t.Fatalf("ожидали локальную ленту, получили %v", st.VisibleFeed)
	}
	if st.LastRolloverDate != "2026-10-16" {
		t.Fatalf("ожидали смену дня, получили %s", st.LastRolloverDate)
	}
}

type countingRollover struct{ calls []string }

func (c *countingRollover) Rollover(state domain.SessionState, today string) domain.SessionState {
	c.calls = append(c.calls, today)
	return state
}

func TestRolloverRunsOncePerDay(t *testing.T) {
	policy := &countingRollover{}
	s := NewStore(Options{Slots: 6, Local: newMemLocal(), Rollover: policy, Clock: fixedClock("2026-10-16")})
	s.Reset(context.Background(), "u1")
	s.Reset(context.Background(), "u1")
	if len(policy.calls) != 1 || policy.calls[0] != "2026-10-16" {
		t.Fatalf("ожидали один rollover, получили %v", policy.calls)
	}
}

func TestSignOutSkipsRemote(t *testing.T) {
	remote := newMemRemote()
	s := newTestStore(newMemLocal(), remote, nil)
	s.Reset(context.Background(), "u1")
	s.WaitRemote()
	saves := remote.saves
	loads := remote.loads

	st := s.SignOut(context.Background())
	s.WaitRemote()
	if st.UserID != "" {
		t.Fatalf("ожидали пустого пользователя")
	}
	if remote.saves != saves || remote.loads != loads {
		t.Fatalf("выход не должен обращаться к удалённому хранилищу")
	}
	if s.Reset(context.Background(), "").UserID != "" {
		t.Fatalf("Reset с пустым пользователем означает выход")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(newMemLocal(), nil, nil)
	st := s.Get()
	st.VisibleFeed[0] = 99
	st.Signals[domain.CategoryInfo] = 3
	if s.Get().VisibleFeed[0] != domain.SlotPending || s.Get().Signals[domain.CategoryInfo] != 0 {
		t.Fatalf("Get должен возвращать независимую копию")
	}
}
