package resumer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"TaskFlow-Engine/internal/handler"
	"TaskFlow-Engine/internal/leader"
	"TaskFlow-Engine/internal/observability/alerting"
	"TaskFlow-Engine/internal/observability/metrics"
	"TaskFlow-Engine/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recordingTriggerer struct {
	mu    sync.Mutex
	tasks []task.BaseTask
	err   error
}

func (r *recordingTriggerer) Trigger(_ context.Context, t task.BaseTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func (r *recordingTriggerer) triggered() []task.BaseTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.BaseTask(nil), r.tasks...)
}

// pagedStore 记录每次分页查询返回的任务数，并允许注入错误或并发修改。
type pagedStore struct {
	*task.MemoryStore
	mu        sync.Mutex
	pageSizes []int
	getErr    error
	// afterFetch 在查询返回前执行，用于模拟其他节点并发修改任务。
	afterFetch func(page task.StuckTasksPage)
	// prepareErr 非空时只返回第一个准备好的任务并附带该错误，模拟逐条更新中途失败。
	prepareErr error
}

func (s *pagedStore) PrepareStuckOnProcessingTasksForResuming(ctx context.Context, clientID string, maxStuckTime time.Time) ([]task.BaseTask, error) {
	tasks, err := s.MemoryStore.PrepareStuckOnProcessingTasksForResuming(ctx, clientID, maxStuckTime)
	if err != nil || s.prepareErr == nil {
		return tasks, err
	}
	if len(tasks) > 1 {
		tasks = tasks[:1]
	}
	return tasks, s.prepareErr
}

func (s *pagedStore) GetStuckTasks(ctx context.Context, batchSize int, after *task.PageCursor, statuses ...task.Status) (task.StuckTasksPage, error) {
	s.mu.Lock()
	getErr, afterFetch := s.getErr, s.afterFetch
	s.mu.Unlock()
	if getErr != nil {
		return task.StuckTasksPage{}, getErr
	}
	page, err := s.MemoryStore.GetStuckTasks(ctx, batchSize, after, statuses...)
	if err != nil {
		return page, err
	}
	s.mu.Lock()
	s.pageSizes = append(s.pageSizes, len(page.Tasks))
	s.mu.Unlock()
	if afterFetch != nil {
		afterFetch(page)
	}
	return page, nil
}

func (s *pagedStore) GetWaitingTasks(ctx context.Context, batchSize int, after *task.PageCursor) (task.StuckTasksPage, error) {
	return s.GetStuckTasks(ctx, batchSize, after, task.StatusWaiting)
}

func (s *pagedStore) pages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pageSizes...)
}

type recordingMeter struct {
	mu              sync.Mutex
	outcomes        map[string]int
	failures        map[string]int
	conflicts       int
	triggerFailures int
	leader          bool
}

func newRecordingMeter() *recordingMeter {
	return &recordingMeter{outcomes: make(map[string]int), failures: make(map[string]int)}
}

func (m *recordingMeter) TaskResolved(outcome metrics.Outcome, taskType, bucket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[fmt.Sprintf("%s/%s/%s", outcome, taskType, bucket)]++
}

func (m *recordingMeter) ResolutionFailed(taskType, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[taskType+"/"+reason]++
}

func (m *recordingMeter) VersionConflict(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *recordingMeter) TriggerFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerFailures++
}

func (m *recordingMeter) CycleCompleted(string, time.Duration, bool) {}

func (m *recordingMeter) LeadershipChanged(_ string, isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = isLeader
}

func (m *recordingMeter) outcome(outcome metrics.Outcome, taskType, bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[fmt.Sprintf("%s/%s/%s", outcome, taskType, bucket)]
}

func (m *recordingMeter) failure(taskType, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[taskType+"/"+reason]
}

func (m *recordingMeter) isLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) received() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type neverStop struct{}

func (neverStop) ShouldStop() bool { return false }

// stopAfter 在允许的检查次数用完后返回 true，模拟扫描中途失去领导权。
type stopAfter struct {
	remaining atomic.Int32
}

func newStopAfter(checks int32) *stopAfter {
	s := &stopAfter{}
	s.remaining.Store(checks)
	return s
}

func (s *stopAfter) ShouldStop() bool {
	return s.remaining.Add(-1) < 0
}

type panickingRegistry struct{}

func (panickingRegistry) TaskHandler(task.BaseTask) handler.Handler {
	panic("registry exploded")
}

const stuckTimeout = 30 * time.Minute

type fixture struct {
	clock     *fakeClock
	mem       *task.MemoryStore
	store     *pagedStore
	registry  *handler.SimpleRegistry
	triggerer *recordingTriggerer
	meter     *recordingMeter
	alerts    *recordingDispatcher
	lock      *leader.MemoryLock
	resumer   *Resumer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:     &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		registry:  handler.NewSimpleRegistry(),
		triggerer: &recordingTriggerer{},
		meter:     newRecordingMeter(),
		alerts:    &recordingDispatcher{},
		lock:      leader.NewMemoryLock(),
	}
	f.mem = task.NewMemoryStore(task.WithMemoryClock(f.clock.Now))
	f.store = &pagedStore{MemoryStore: f.mem}

	if cfg.GroupID == "" {
		cfg.GroupID = "payments"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "node-1"
	}
	if cfg.TaskStuckTimeout == 0 {
		cfg.TaskStuckTimeout = stuckTimeout
	}
	r, err := New(cfg, f.store, f.registry, f.triggerer, f.lock,
		WithClock(f.clock.Now),
		WithMeter(f.meter),
		WithAlerts(f.alerts),
	)
	require.NoError(t, err)
	f.resumer = r
	return f
}

func (f *fixture) policy(taskType string, policy handler.ProcessingPolicy) {
	f.registry.Register(taskType, "", handler.PolicyHandler{Policy: policy})
}

// addTask 写入一个已过期的任务，age 越大越早被扫描到。
func (f *fixture) addTask(status task.Status, taskType string, version int64, age time.Duration) uuid.UUID {
	id := uuid.New()
	f.mem.Put(&task.Task{
		ID:                 id,
		Version:            version,
		Type:               taskType,
		Status:             status,
		Priority:           5,
		NextEventTime:      f.clock.Now().Add(-age),
		ProcessingClientID: "node-1",
	})
	return id
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *task.Task {
	t.Helper()
	stored, err := f.mem.Get(context.Background(), id)
	require.NoError(t, err)
	return stored
}
