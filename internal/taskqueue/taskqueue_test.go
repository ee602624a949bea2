package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type queueFactory func(t *testing.T) Queue

func inMemoryQueue(t *testing.T) Queue {
	t.Helper()
	return NewInMemoryQueue()
}

func sqliteQueue(t *testing.T) Queue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func queueFactories() map[string]queueFactory {
	return map[string]queueFactory{
		"in-memory": inMemoryQueue,
		"sqlite":    sqliteQueue,
	}
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			if err := q.Enqueue(ctx, Task{
				ID:         "t1",
				Type:       TaskTypeAdvance,
				InstanceID: "inst-1",
			}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			if q.Len() != 1 {
				t.Fatalf("expected Len 1, got %d", q.Len())
			}

			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if task.Type != TaskTypeAdvance || task.InstanceID != "inst-1" {
				t.Fatalf("unexpected task: %+v", task)
			}
			if q.Len() != 0 {
				t.Fatalf("expected empty queue after dequeue, got %d", q.Len())
			}
		})
	}
}

func TestQueue_NotBeforeEligibility(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			fireAt := time.Now().Add(60 * time.Millisecond)
			if err := q.Enqueue(ctx, Task{
				Type:       TaskTypeTimer,
				InstanceID: "inst-1",
				ScheduleID: 4,
				NotBefore:  fireAt,
			}); err != nil {
				t.Fatalf("Enqueue timer: %v", err)
			}

			// The timer must not be delivered before its deadline.
			early, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			_, err := q.Dequeue(early)
			cancel()
			if err == nil {
				t.Fatalf("timer task delivered before NotBefore")
			}

			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if task.Type != TaskTypeTimer || task.ScheduleID != 4 {
				t.Fatalf("unexpected task: %+v", task)
			}
			if time.Now().Before(fireAt) {
				t.Fatalf("timer delivered before deadline")
			}
		})
	}
}

func TestQueue_CancelTimer(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			if err := q.Enqueue(ctx, Task{
				Type:       TaskTypeTimer,
				InstanceID: "inst-1",
				ScheduleID: 4,
				NotBefore:  time.Now().Add(time.Hour),
			}); err != nil {
				t.Fatalf("Enqueue timer: %v", err)
			}
			if err := q.Enqueue(ctx, Task{
				Type:       TaskTypeAdvance,
				InstanceID: "inst-1",
			}); err != nil {
				t.Fatalf("Enqueue advance: %v", err)
			}

			if err := q.CancelTimer(ctx, "inst-1", 4); err != nil {
				t.Fatalf("CancelTimer: %v", err)
			}
			if q.Len() != 1 {
				t.Fatalf("expected only the advance task to remain, Len=%d", q.Len())
			}

			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if task.Type != TaskTypeAdvance {
				t.Fatalf("expected advance task, got %+v", task)
			}
		})
	}
}

func TestQueue_EligibleOrdering(t *testing.T) {
	for name, factory := range queueFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := factory(t)

			now := time.Now()
			if err := q.Enqueue(ctx, Task{Type: TaskTypeAdvance, InstanceID: "b", NotBefore: now.Add(-time.Millisecond)}); err != nil {
				t.Fatalf("Enqueue b: %v", err)
			}
			if err := q.Enqueue(ctx, Task{Type: TaskTypeAdvance, InstanceID: "a", NotBefore: now.Add(-time.Second)}); err != nil {
				t.Fatalf("Enqueue a: %v", err)
			}

			first, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if first.InstanceID != "a" {
				t.Fatalf("expected earliest NotBefore first, got %+v", first)
			}
		})
	}
}
