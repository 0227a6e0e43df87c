package task

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	xerrors "TaskFlow-Engine/internal/errors"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClockedMemoryStore() (*MemoryStore, *manualClock) {
	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithMemoryClock(clock.Now)), clock
}

func TestMemoryStoreGetStuckTasksPagesInDueOrder(t *testing.T) {
	store, clock := newClockedMemoryStore()
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		store.Put(&Task{
			ID:            id,
			Type:          "payout",
			Status:        StatusProcessing,
			NextEventTime: clock.now.Add(-time.Duration(3-i) * time.Minute),
		})
	}
	store.Put(&Task{ID: uuid.New(), Type: "payout", Status: StatusProcessing, NextEventTime: clock.now.Add(time.Minute)})
	store.Put(&Task{ID: uuid.New(), Type: "payout", Status: StatusDone, NextEventTime: clock.now.Add(-time.Hour)})

	page, err := store.GetStuckTasks(ctx, 2, nil, StatusNew, StatusSubmitted, StatusProcessing)
	if err != nil {
		t.Fatalf("get stuck tasks: %v", err)
	}
	if !page.HasMore || len(page.Tasks) != 2 {
		t.Fatalf("expected first page of 2 with more, got %d hasMore=%v", len(page.Tasks), page.HasMore)
	}
	if page.Tasks[0].ID != ids[0] || page.Tasks[1].ID != ids[1] {
		t.Fatalf("tasks not ordered by next event time: %+v", page.Tasks)
	}

	// 游标之后的任务即使状态未变也能被取到。
	next, err := store.GetStuckTasks(ctx, 2, &page.Next, StatusNew, StatusSubmitted, StatusProcessing)
	if err != nil {
		t.Fatalf("get next page: %v", err)
	}
	if next.HasMore || len(next.Tasks) != 1 || next.Tasks[0].ID != ids[2] {
		t.Fatalf("expected only the third task after the cursor, got %+v", next)
	}

	page, err = store.GetStuckTasks(ctx, 3, nil, StatusNew, StatusSubmitted, StatusProcessing)
	if err != nil {
		t.Fatalf("get stuck tasks: %v", err)
	}
	if page.HasMore || len(page.Tasks) != 3 {
		t.Fatalf("expected exactly 3 due tasks, got %d hasMore=%v", len(page.Tasks), page.HasMore)
	}

	if _, err := store.GetStuckTasks(ctx, 0, nil, StatusNew); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for zero batch size, got %v", err)
	}
}

func TestMemoryStoreVersionConditionedUpdates(t *testing.T) {
	store, clock := newClockedMemoryStore()
	ctx := context.Background()

	id := uuid.New()
	store.Put(&Task{ID: id, Version: 3, Type: "payout", Status: StatusProcessing, NextEventTime: clock.now})

	result, err := store.SetStatus(ctx, id, StatusError, 2)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if result != UpdateVersionConflict {
		t.Fatalf("expected conflict for stale version, got %s", result)
	}

	next := clock.now.Add(10 * time.Minute)
	result, err = store.MarkAsSubmittedAndSetNextEventTime(ctx, VersionID{ID: id, Version: 3}, next)
	if err != nil {
		t.Fatalf("mark as submitted: %v", err)
	}
	if result != UpdateApplied {
		t.Fatalf("expected applied, got %s", result)
	}

	stored, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusSubmitted || stored.Version != 4 || !stored.NextEventTime.Equal(next) {
		t.Fatalf("unexpected stored task: %+v", stored)
	}

	result, err = store.SetStatus(ctx, uuid.New(), StatusError, 0)
	if err != nil || result != UpdateVersionConflict {
		t.Fatalf("expected conflict for missing task, got %s %v", result, err)
	}
	if _, err := store.SetStatus(ctx, id, Status("LOST"), 4); !xerrors.HasCode(err, CodeTaskUnknownStatus) {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestMemoryStorePrepareStuckOnProcessingTasksForResuming(t *testing.T) {
	store, clock := newClockedMemoryStore()
	ctx := context.Background()

	own := uuid.New()
	foreign := uuid.New()
	done := uuid.New()
	store.Put(&Task{ID: own, Version: 2, Type: "payout", Status: StatusProcessing, ProcessingClientID: "node-1"})
	store.Put(&Task{ID: foreign, Version: 2, Type: "payout", Status: StatusProcessing, ProcessingClientID: "node-2"})
	store.Put(&Task{ID: done, Version: 2, Type: "payout", Status: StatusDone, ProcessingClientID: "node-1"})

	deadline := clock.now.Add(30 * time.Minute)
	resumed, err := store.PrepareStuckOnProcessingTasksForResuming(ctx, "node-1", deadline)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(resumed) != 1 || resumed[0].ID != own || resumed[0].Version != 3 || resumed[0].Status != StatusSubmitted {
		t.Fatalf("unexpected resumed tasks: %+v", resumed)
	}

	other, _ := store.Get(ctx, foreign)
	if other.Status != StatusProcessing || other.Version != 2 {
		t.Fatalf("foreign task must stay untouched: %+v", other)
	}
	mine, _ := store.Get(ctx, own)
	if !mine.NextEventTime.Equal(deadline) {
		t.Fatalf("expected next event time %v, got %v", deadline, mine.NextEventTime)
	}
}

func TestMemoryStoreCreateFindAndDelete(t *testing.T) {
	store, clock := newClockedMemoryStore()
	ctx := context.Background()

	first := &Task{ID: uuid.New(), Type: "payout", SubType: "eur", Status: StatusSubmitted}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: first.ID, Type: "payout", Status: StatusSubmitted}); err != ErrTaskAlreadyExists {
		t.Fatalf("expected already exists, got %v", err)
	}
	clock.Advance(time.Second)
	second := &Task{ID: uuid.New(), Type: "payout", SubType: "usd", Status: StatusDone}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: uuid.New(), Type: "refund", Status: Status("PAUSED")}); !xerrors.HasCode(err, CodeTaskUnknownStatus) {
		t.Fatalf("expected unknown status error, got %v", err)
	}

	all, err := store.FindTasks(ctx, Filter{Type: "payout"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(all) != 2 || all[0].ID != first.ID {
		t.Fatalf("unexpected tasks: %+v", all)
	}
	submitted, _ := store.FindTasks(ctx, Filter{Statuses: []Status{StatusSubmitted}})
	if len(submitted) != 1 || submitted[0].SubType != "eur" {
		t.Fatalf("unexpected submitted tasks: %+v", submitted)
	}

	deleted, err := store.DeleteTasks(ctx, Filter{SubType: "usd"})
	if err != nil || deleted != 1 {
		t.Fatalf("unexpected delete result: %d %v", deleted, err)
	}
	if _, err := store.Get(ctx, second.ID); err != ErrTaskNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id := uuid.New()
	if err := store.Create(ctx, &Task{ID: id, Type: "payout", Status: StatusNew, Data: []byte("a")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.Get(ctx, id)
	got.Status = StatusDone
	got.Data[0] = 'b'

	again, _ := store.Get(ctx, id)
	if again.Status != StatusNew || string(again.Data) != "a" {
		t.Fatalf("store state leaked through returned task: %+v", again)
	}
}
