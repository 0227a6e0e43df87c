package leader

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TaskFlow-Engine/internal/errors"
)

const testKey = "/payments/tasks_resumer"

type recordingLeader struct {
	mu       sync.Mutex
	starts   int
	stops    int
	controls []Control
}

func (r *recordingLeader) lead(ctrl Control) {
	r.mu.Lock()
	r.controls = append(r.controls, ctrl)
	r.mu.Unlock()
	ctrl.WorkAsyncUntilShouldStop(func() {
		r.mu.Lock()
		r.starts++
		r.mu.Unlock()
	}, func() {
		r.mu.Lock()
		r.stops++
		r.mu.Unlock()
	})
}

func (r *recordingLeader) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

func (r *recordingLeader) control(i int) Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controls[i]
}

func newTestSelector(lock Lock, owner string, r *recordingLeader, opts ...Option) *Selector {
	base := []Option{WithOwner(owner), WithLeaseTTL(30 * time.Millisecond), WithRetryInterval(5 * time.Millisecond)}
	return NewSelector(lock, testKey, r.lead, append(base, opts...)...)
}

func TestSelectorElectsSingleLeaderAndHandsOver(t *testing.T) {
	lock := NewMemoryLock()
	first, second := &recordingLeader{}, &recordingLeader{}
	a := newTestSelector(lock, "node-a", first)
	a.Start()
	require.Eventually(t, func() bool { return a.State() == StateLeader }, time.Second, time.Millisecond)

	b := newTestSelector(lock, "node-b", second)
	b.Start()
	defer b.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateLeader, a.State())
	assert.NotEqual(t, StateLeader, b.State())
	starts, _ := second.counts()
	assert.Zero(t, starts)

	a.Stop()
	require.Eventually(t, a.HasStopped, time.Second, time.Millisecond)
	starts, stops := first.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.True(t, first.control(0).ShouldStop())

	require.Eventually(t, func() bool { return b.State() == StateLeader }, time.Second, time.Millisecond)
	holder, ok := lock.Holder(testKey)
	require.True(t, ok)
	assert.Equal(t, b.Token(), holder)
	assert.True(t, strings.HasPrefix(holder, "node-b/"))
}

func TestSelectorsSharingOwnerDoNotBothLead(t *testing.T) {
	lock := NewMemoryLock()
	first, second := &recordingLeader{}, &recordingLeader{}
	a := newTestSelector(lock, "host-1", first)
	b := newTestSelector(lock, "host-1", second)
	require.NotEqual(t, a.Token(), b.Token())

	a.Start()
	defer a.Stop()
	require.Eventually(t, func() bool { return a.State() == StateLeader }, time.Second, time.Millisecond)
	b.Start()
	defer b.Stop()

	// 多个续约周期内第二个进程都不能成为领导者。
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateLeader, a.State())
	assert.NotEqual(t, StateLeader, b.State())
	starts, _ := second.counts()
	assert.Zero(t, starts)

	a.Stop()
	require.Eventually(t, func() bool { return b.State() == StateLeader }, time.Second, time.Millisecond)
}

func TestSelectorStopsWorkWhenLeaseIsLost(t *testing.T) {
	lock := NewMemoryLock()
	r := &recordingLeader{}
	s := newTestSelector(lock, "node-a", r)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		starts, _ := r.counts()
		return starts == 1
	}, time.Second, time.Millisecond)

	lock.Expire(testKey)
	require.Eventually(t, func() bool {
		_, stops := r.counts()
		return stops >= 1
	}, time.Second, time.Millisecond)
	assert.True(t, r.control(0).ShouldStop())

	// 租约空闲时重新获得领导权。
	require.Eventually(t, func() bool {
		starts, _ := r.counts()
		return starts == 2
	}, time.Second, time.Millisecond)
	assert.False(t, r.control(1).ShouldStop())
}

func TestSelectorReportsStateTransitions(t *testing.T) {
	lock := NewMemoryLock()
	var leaderSeen atomic.Bool
	var mu sync.Mutex
	var states []State
	s := newTestSelector(lock, "node-a", &recordingLeader{}, WithStateListener(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
		if st == StateLeader {
			leaderSeen.Store(true)
		}
	}))
	s.Start()
	require.Eventually(t, leaderSeen.Load, time.Second, time.Millisecond)
	s.Stop()
	require.Eventually(t, s.HasStopped, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateCandidate, StateLeader, StateFollower}, states)
	assert.Equal(t, StateFollower, s.State())
}

func TestSelectorStopWithoutStart(t *testing.T) {
	s := NewSelector(NewMemoryLock(), testKey, nil)
	assert.False(t, s.HasStopped())
	s.Stop()
	assert.True(t, s.HasStopped())
	s.Start()
	assert.True(t, s.HasStopped())
}

func TestSelectorKeepsRetryingWhileCoordinatorIsDown(t *testing.T) {
	lock := NewMemoryLock()
	lock.SetUnavailable(true)
	r := &recordingLeader{}
	s := newTestSelector(lock, "node-a", r)
	s.Start()
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	starts, _ := r.counts()
	assert.Zero(t, starts)

	lock.SetUnavailable(false)
	require.Eventually(t, func() bool { return s.State() == StateLeader }, time.Second, time.Millisecond)
}

func TestControlIgnoresWorkAfterStop(t *testing.T) {
	ctrl := &control{}
	ctrl.finish()
	started := false
	ctrl.WorkAsyncUntilShouldStop(func() { started = true }, nil)
	assert.False(t, started)
}

func TestWaitForCoordinator(t *testing.T) {
	lock := NewMemoryLock()
	require.NoError(t, WaitForCoordinator(context.Background(), lock, CoordinatorCheck{}))

	lock.SetUnavailable(true)
	err := WaitForCoordinator(context.Background(), lock, CoordinatorCheck{Attempts: 2, Interval: time.Millisecond})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeCoordinationFailure))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = WaitForCoordinator(ctx, lock, CoordinatorCheck{Block: true, Interval: time.Millisecond})
	require.Error(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		lock.SetUnavailable(false)
	}()
	require.NoError(t, WaitForCoordinator(context.Background(), lock, CoordinatorCheck{Block: true, Attempts: 1, Interval: time.Millisecond}))
}

func TestMemoryLockOwnership(t *testing.T) {
	lock := NewMemoryLock()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lock.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := lock.Acquire(ctx, testKey, "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lock.Acquire(ctx, testKey, "b", time.Second)
	assert.False(t, ok)
	ok, _ = lock.Refresh(ctx, testKey, "b", time.Second)
	assert.False(t, ok)
	require.NoError(t, lock.Release(ctx, testKey, "b"))
	holder, _ := lock.Holder(testKey)
	assert.Equal(t, "a", holder)

	now = now.Add(2 * time.Second)
	ok, _ = lock.Refresh(ctx, testKey, "a", time.Second)
	assert.False(t, ok, "expired lease must not be refreshed")
	ok, _ = lock.Acquire(ctx, testKey, "b", time.Second)
	assert.True(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "LEADER", StateLeader.String())
	assert.Equal(t, "State(9)", State(9).String())
}
