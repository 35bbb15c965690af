package inspection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/election_inspection_system/internal/election"
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []model.VoteEvent
}

func (o *recordingObserver) OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *recordingObserver) Events() []model.VoteEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.VoteEvent(nil), o.events...)
}

func (o *recordingObserver) Count() int {
	return len(o.Events())
}

type failingObserver struct {
	err   error
	calls atomic.Int64
}

func (o *failingObserver) OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error {
	o.calls.Add(1)
	return o.err
}

type panickingObserver struct{}

func (panickingObserver) OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error {
	panic("render exploded")
}

type blockingObserver struct {
	release chan struct{}
	calls   atomic.Int64
}

func (o *blockingObserver) OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error {
	o.calls.Add(1)
	select {
	case <-o.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newOpenService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := NewService(cfg, election.NewMemoryStore(model.ElectionOpen), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return svc
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestRegister_DuplicateRejected(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	reg, err := svc.Register(ctx, 5, "X", &recordingObserver{})
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, model.RegistrationKey{TableID: 5, Party: "X"}, reg.Key)

	_, err = svc.Register(ctx, 5, "X", &recordingObserver{})
	require.Error(t, err)
	assert.True(t, IsIllegalElectionState(err))
	assert.Equal(t, ReasonAlreadyRegistered, err.Error())

	_, err = svc.Register(ctx, 5, "Y", &recordingObserver{})
	assert.NoError(t, err, "another party on the same table is a different key")
	_, err = svc.Register(ctx, 6, "X", &recordingObserver{})
	assert.NoError(t, err, "same party on another table is a different key")

	assert.Equal(t, 3, svc.ActiveRegistrations())
}

func TestRegister_ConcurrentSameKeyExactlyOneWins(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	const callers = 50
	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Register(ctx, 1, "P", &recordingObserver{})
			switch {
			case err == nil:
				accepted.Add(1)
			case IsIllegalElectionState(err):
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(callers-1), rejected.Load())
	assert.Equal(t, 1, svc.ActiveRegistrations())
}

func TestRegister_RequiresOpenElection(t *testing.T) {
	ctx := context.Background()
	for _, state := range []model.ElectionState{model.ElectionNotStarted, model.ElectionClosed} {
		svc := NewService(DefaultConfig(), election.NewMemoryStore(state), nil)

		for table := 1; table <= 5; table++ {
			_, err := svc.Register(ctx, table, "X", &recordingObserver{})
			require.Error(t, err, state.String())
			assert.True(t, IsIllegalElectionState(err))
			assert.Equal(t, ReasonElectionNotOpen, err.Error())
		}
		assert.Zero(t, svc.ActiveRegistrations())
	}
}

func TestRegister_SurvivesElectionClose(t *testing.T) {
	ctx := context.Background()
	state := election.NewMemoryStore(model.ElectionOpen)
	svc := NewService(DefaultConfig(), state, nil)
	defer svc.Close(ctx)

	obs := &recordingObserver{}
	_, err := svc.Register(ctx, 2, "X", obs)
	require.NoError(t, err)

	require.NoError(t, election.Close(ctx, state))

	_, err = svc.Register(ctx, 2, "Y", &recordingObserver{})
	assert.True(t, IsIllegalElectionState(err))

	svc.Notify(model.VoteEvent{TableID: 2, Party: "X", Votes: 10})
	require.Eventually(t, func() bool { return obs.Count() == 1 }, waitFor, tick)
}

func TestRegister_InvalidKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollingPlaces = 10
	svc := newOpenService(t, cfg)
	ctx := context.Background()

	tests := []struct {
		table int
		party string
		obs   Observer
	}{
		{0, "X", &recordingObserver{}},
		{-3, "X", &recordingObserver{}},
		{11, "X", &recordingObserver{}},
		{1, "", &recordingObserver{}},
		{1, "X", nil},
	}
	for _, tc := range tests {
		_, err := svc.Register(ctx, tc.table, tc.party, tc.obs)
		assert.ErrorIs(t, err, ErrInvalidRegistration, "table=%d party=%q", tc.table, tc.party)
		assert.False(t, IsIllegalElectionState(err))
	}

	_, err := svc.Register(ctx, 10, "X", &recordingObserver{})
	assert.NoError(t, err)
}

type brokenState struct{}

func (brokenState) State(ctx context.Context) (model.ElectionState, error) {
	return 0, errors.New("redis down")
}

func TestRegister_StateReadFailure(t *testing.T) {
	svc := NewService(DefaultConfig(), brokenState{}, nil)

	_, err := svc.Register(context.Background(), 1, "X", &recordingObserver{})
	require.Error(t, err)
	assert.False(t, IsIllegalElectionState(err))
	assert.Contains(t, err.Error(), "redis down")
}

func TestNotify_DeliversOnlyToMatchingKeys(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	x5, y5, x6 := &recordingObserver{}, &recordingObserver{}, &recordingObserver{}
	for _, r := range []struct {
		table int
		party string
		obs   Observer
	}{{5, "X", x5}, {5, "Y", y5}, {6, "X", x6}} {
		_, err := svc.Register(ctx, r.table, r.party, r.obs)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, svc.Notify(model.VoteEvent{ID: "a", TableID: 5, Party: "X", Votes: 42}))
	assert.Equal(t, 0, svc.Notify(model.VoteEvent{ID: "b", TableID: 7, Party: "X"}))
	assert.Equal(t, 0, svc.Notify(model.VoteEvent{ID: "c", TableID: 5, Party: "Z"}))

	require.Eventually(t, func() bool { return x5.Count() == 1 }, waitFor, tick)
	assert.Equal(t, 42, x5.Events()[0].Votes)

	assert.Never(t, func() bool { return y5.Count() > 0 || x6.Count() > 0 }, 50*time.Millisecond, tick)
}

func TestNotify_TableWideReachesEveryPartyOfTable(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	x, y, other := &recordingObserver{}, &recordingObserver{}, &recordingObserver{}
	_, err := svc.Register(ctx, 3, "X", x)
	require.NoError(t, err)
	_, err = svc.Register(ctx, 3, "Y", y)
	require.NoError(t, err)
	_, err = svc.Register(ctx, 4, "X", other)
	require.NoError(t, err)

	ev := model.VoteEvent{TableID: 3, Counts: map[string]int{"X": 1, "Y": 2}}
	assert.Equal(t, 2, svc.Notify(ev))

	require.Eventually(t, func() bool { return x.Count() == 1 && y.Count() == 1 }, waitFor, tick)
	assert.Equal(t, ev.Counts, y.Events()[0].Counts)
	assert.Never(t, func() bool { return other.Count() > 0 }, 50*time.Millisecond, tick)
}

func TestNotify_PreservesOrderPerObserver(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	obs := &recordingObserver{}
	_, err := svc.Register(context.Background(), 1, "X", obs)
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		svc.Notify(model.VoteEvent{TableID: 1, Party: "X", Votes: i})
	}

	require.Eventually(t, func() bool { return obs.Count() == 20 }, waitFor, tick)
	for i, ev := range obs.Events() {
		assert.Equal(t, i+1, ev.Votes)
	}
}

func TestUnregister_StopsDelivery(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	obs := &recordingObserver{}
	reg, err := svc.Register(ctx, 5, "X", obs)
	require.NoError(t, err)

	svc.Unregister(5, "X")
	svc.Unregister(5, "X")
	svc.Unregister(9, "nobody")

	select {
	case <-reg.Done():
	default:
		t.Fatal("registration should be revoked")
	}

	assert.Equal(t, 0, svc.Notify(model.VoteEvent{TableID: 5, Party: "X"}))
	assert.Never(t, func() bool { return obs.Count() > 0 }, 50*time.Millisecond, tick)
	assert.Zero(t, svc.ActiveRegistrations())

	_, err = svc.Register(ctx, 5, "X", &recordingObserver{})
	assert.NoError(t, err, "key is free again after unregister")
}

func TestRegistrationCancel_DoesNotRemoveSuccessor(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	first, err := svc.Register(ctx, 1, "X", &recordingObserver{})
	require.NoError(t, err)
	first.Cancel()

	second := &recordingObserver{}
	_, err = svc.Register(ctx, 1, "X", second)
	require.NoError(t, err)

	first.Cancel()
	assert.Equal(t, 1, svc.ActiveRegistrations())

	svc.Notify(model.VoteEvent{TableID: 1, Party: "X"})
	require.Eventually(t, func() bool { return second.Count() == 1 }, waitFor, tick)
}

func TestNotify_FailureIsolatedBetweenObservers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeliveryFailures = 0
	svc := newOpenService(t, cfg)
	ctx := context.Background()

	bad := &failingObserver{err: errors.New("render failed")}
	good := &recordingObserver{}
	_, err := svc.Register(ctx, 8, "A", bad)
	require.NoError(t, err)
	_, err = svc.Register(ctx, 8, "B", good)
	require.NoError(t, err)
	_, err = svc.Register(ctx, 8, "C", panickingObserver{})
	require.NoError(t, err)

	assert.Equal(t, 3, svc.Notify(model.VoteEvent{TableID: 8}))

	require.Eventually(t, func() bool { return good.Count() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return bad.calls.Load() == 1 }, waitFor, tick)
	assert.Equal(t, 3, svc.ActiveRegistrations(), "plain failures below the limit keep the registration")
}

func TestNotify_UnreachableObserverEvicted(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	gone := &failingObserver{err: ErrObserverUnreachable}
	reg, err := svc.Register(ctx, 2, "X", gone)
	require.NoError(t, err)

	svc.Notify(model.VoteEvent{TableID: 2, Party: "X"})

	select {
	case <-reg.Done():
	case <-time.After(waitFor):
		t.Fatal("unreachable observer should be evicted")
	}
	assert.Zero(t, svc.ActiveRegistrations())
}

func TestNotify_RepeatedFailuresEvict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDeliveryFailures = 2
	svc := newOpenService(t, cfg)

	obs := &failingObserver{err: errors.New("boom")}
	reg, err := svc.Register(context.Background(), 2, "X", obs)
	require.NoError(t, err)

	svc.Notify(model.VoteEvent{TableID: 2, Party: "X"})
	svc.Notify(model.VoteEvent{TableID: 2, Party: "X"})

	select {
	case <-reg.Done():
	case <-time.After(waitFor):
		t.Fatal("observer should be evicted after repeated failures")
	}
	assert.Equal(t, int64(2), obs.calls.Load())
}

func TestNotify_SlowObserverTimesOutWithoutBlockingCaller(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeliveryTimeout = 20 * time.Millisecond
	cfg.MaxDeliveryFailures = 1
	svc := newOpenService(t, cfg)
	ctx := context.Background()

	slow := &blockingObserver{release: make(chan struct{})}
	fast := &recordingObserver{}
	reg, err := svc.Register(ctx, 4, "slow", slow)
	require.NoError(t, err)
	_, err = svc.Register(ctx, 4, "fast", fast)
	require.NoError(t, err)

	begin := time.Now()
	svc.Notify(model.VoteEvent{TableID: 4})
	assert.Less(t, time.Since(begin), 15*time.Millisecond, "Notify must not wait on observers")

	require.Eventually(t, func() bool { return fast.Count() == 1 }, waitFor, tick)
	select {
	case <-reg.Done():
	case <-time.After(waitFor):
		t.Fatal("timed out observer should be evicted")
	}
}

func TestNotify_FullQueueDropsEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	cfg.DeliveryTimeout = time.Second
	svc := newOpenService(t, cfg)

	slow := &blockingObserver{release: make(chan struct{})}
	_, err := svc.Register(context.Background(), 1, "X", slow)
	require.NoError(t, err)

	ev := model.VoteEvent{TableID: 1, Party: "X"}
	svc.Notify(ev)
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, waitFor, tick)

	assert.Equal(t, 1, svc.Notify(ev), "one slot in the queue")
	assert.Equal(t, 0, svc.Notify(ev), "queue is full")

	close(slow.release)
	require.Eventually(t, func() bool { return slow.calls.Load() == 2 }, waitFor, tick)
}

func TestNotify_ObserverMayReenterService(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	var reentered atomic.Bool
	obs := observerFunc(func(ctx context.Context, ev model.VoteEvent) error {
		svc.Unregister(ev.TableID, "X")
		reentered.Store(true)
		return nil
	})
	_, err := svc.Register(ctx, 1, "X", obs)
	require.NoError(t, err)

	svc.Notify(model.VoteEvent{TableID: 1, Party: "X"})
	require.Eventually(t, reentered.Load, waitFor, tick)
	assert.Zero(t, svc.ActiveRegistrations())
}

type observerFunc func(ctx context.Context, ev model.VoteEvent) error

func (f observerFunc) OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error {
	return f(ctx, ev)
}

func TestClose_RevokesAndRejects(t *testing.T) {
	svc := NewService(DefaultConfig(), election.NewMemoryStore(model.ElectionOpen), nil)
	ctx := context.Background()

	reg, err := svc.Register(ctx, 1, "X", &recordingObserver{})
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, svc.Close(closeCtx))

	<-reg.Done()
	assert.Zero(t, svc.ActiveRegistrations())

	_, err = svc.Register(ctx, 1, "X", &recordingObserver{})
	assert.ErrorIs(t, err, ErrServiceClosed)
}

func TestInspectorScenario(t *testing.T) {
	svc := newOpenService(t, DefaultConfig())
	ctx := context.Background()

	original := &recordingObserver{}
	_, err := svc.Register(ctx, 5, "X", original)
	require.NoError(t, err)

	duplicate := &recordingObserver{}
	_, err = svc.Register(ctx, 5, "X", duplicate)
	require.Error(t, err)
	assert.Equal(t, "inspector already registered", err.Error())

	svc.Notify(model.VoteEvent{TableID: 5, Party: "X", Votes: 42})

	require.Eventually(t, func() bool { return original.Count() == 1 }, waitFor, tick)
	assert.Equal(t, 42, original.Events()[0].Votes)
	assert.Never(t, func() bool { return original.Count() > 1 || duplicate.Count() > 0 }, 50*time.Millisecond, tick)
}
