package api

import "time"

// EventType identifies one kind of orchestration history event.
type EventType string

const (
	EventOrchestrationStarted   EventType = "orchestration.started"
	EventOrchestrationCompleted EventType = "orchestration.completed"
	EventOrchestrationFailed    EventType = "orchestration.failed"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"

	EventTimerCreated  EventType = "timer.created"
	EventTimerFired    EventType = "timer.fired"
	EventTimerCanceled EventType = "timer.canceled"

	EventSubscribed       EventType = "event.subscribed"
	EventExternalReceived EventType = "event.received"
)

// HistoryEvent is one immutable record in an instance's append-only history.
//
// Events are strictly ordered by Sequence (1-based, dense, per instance).
// Replay reconstructs the same decision sequence from this log every time:
// the orchestrator never consults wall clocks or randomness directly, all
// such values are captured here once and read back on later executions.
type HistoryEvent struct {
	InstanceID string
	Sequence   int64
	Type       EventType
	At         time.Time

	// ScheduleID correlates an outcome event back to the scheduling
	// decision it resolves: it holds the Sequence of the corresponding
	// activity.scheduled, timer.created or event.subscribed record.
	// Zero for events that are not outcomes.
	ScheduleID int64

	// Name is the activity name (activity.* events) or the external
	// event name (event.* events).
	Name string

	// Payload carries the activity input or result, the orchestration
	// input or result, or the external event payload, JSON-encoded.
	Payload []byte

	// Error is set on activity.failed and orchestration.failed.
	Error string

	// FireAt is the absolute timer deadline, set on timer.created.
	// It is computed exactly once when the timer is first scheduled;
	// replay reads it back instead of recomputing.
	FireAt time.Time
}

// IsDecision reports whether the event records a scheduling decision
// (as opposed to an outcome or a lifecycle marker).
func (e HistoryEvent) IsDecision() bool {
	switch e.Type {
	case EventActivityScheduled, EventTimerCreated, EventSubscribed:
		return true
	}
	return false
}

// IsTerminal reports whether the event ends the instance.
func (e HistoryEvent) IsTerminal() bool {
	return e.Type == EventOrchestrationCompleted || e.Type == EventOrchestrationFailed
}
