package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeAdvance asks the worker to replay and advance an instance.
	TaskTypeAdvance TaskType = "advance"

	// TaskTypeActivity asks the worker to execute the activity scheduled
	// at ScheduleID and record its outcome.
	TaskTypeActivity TaskType = "activity"

	// TaskTypeTimer asks the worker to record the firing of the timer
	// created at ScheduleID. Timer tasks carry NotBefore = the timer's
	// deadline, so the queue itself implements "fires at-or-after".
	TaskTypeTimer TaskType = "timer"
)

// Task is one trigger for the engine: everything else the worker needs
// (activity name, input, timer deadline) lives in the instance's history
// at ScheduleID, so a task is just a pointer into the log. Re-delivering
// a task is always safe.
type Task struct {
	ID   string
	Type TaskType

	InstanceID string

	// ScheduleID is the history sequence of the scheduling decision this
	// task executes. Zero for advance tasks.
	ScheduleID int64

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts prior failed deliveries of this task.
	Attempts int
}

// Queue is the durable trigger queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until
	// one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// CancelTimer removes a not-yet-delivered timer task for the given
	// instance and schedule position. It is best-effort: a timer already
	// in flight is resolved by history write order, not by the queue.
	CancelTimer(ctx context.Context, instanceID string, scheduleID int64) error

	// Len returns the approximate number of tasks queued.
	Len() int
}
