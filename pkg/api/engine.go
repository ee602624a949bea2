package api

import "context"

// Delivery classifies the outcome of raising an external event.
type Delivery string

const (
	// DeliveryAccepted means a matching open subscription consumed the
	// event and the instance was scheduled to advance.
	DeliveryAccepted Delivery = "accepted"

	// DeliveryBuffered means no subscription was open yet; the event was
	// durably buffered keyed by (instance, event name) until one appears
	// or the retention window elapses.
	DeliveryBuffered Delivery = "buffered"

	// DeliveryRejected means the event was dropped: the instance is
	// terminal, or its one subscription already consumed a delivery.
	DeliveryRejected Delivery = "rejected"
)

// Engine is the replay-driven orchestration engine.
//
// Advance, ExecuteActivity and FireTimer are host-facing: a worker invokes
// them in response to trigger-queue tasks. They are all idempotent with
// respect to recorded history, so at-least-once re-invocation after a
// crash converges on the same terminal state.
type Engine interface {
	// RegisterOrchestration registers an orchestrator function by name.
	RegisterOrchestration(name string, fn OrchestratorFunc) error

	// RegisterActivity registers an activity implementation by name.
	RegisterActivity(name string, fn ActivityFunc) error

	// Start creates a new instance of the named orchestration and
	// schedules its first advance. It returns immediately; it does not
	// wait for the instance to progress. An empty instanceID asks the
	// engine to generate one.
	Start(ctx context.Context, orchestration, instanceID string, input []byte) (*Instance, error)

	// Advance loads the instance's history, replays the orchestrator up
	// to the last recorded point, persists any newly reachable decisions
	// and suspends. Advancing a terminal instance is a no-op.
	Advance(ctx context.Context, instanceID string) (*Instance, error)

	// ExecuteActivity runs the activity scheduled at the given history
	// position and records exactly one outcome for it. If an outcome is
	// already recorded the call is a no-op.
	ExecuteActivity(ctx context.Context, instanceID string, scheduleID int64) error

	// FireTimer records the firing of the timer created at the given
	// history position, unless the timer was already fired or canceled.
	FireTimer(ctx context.Context, instanceID string, scheduleID int64) error

	// RaiseEvent correlates an external signal to the instance. See
	// Delivery for the possible outcomes.
	RaiseEvent(ctx context.Context, instanceID, eventName string, payload []byte) (Delivery, error)

	// GetInstance looks up an instance by ID.
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*Instance, error)

	// GetHistory returns the instance's history in strict append order.
	GetHistory(ctx context.Context, instanceID string) ([]HistoryEvent, error)

	// Recover scans non-terminal instances after a process restart and
	// re-enqueues the triggers implied by their persisted history:
	// unfired timers, undispatched activities and a fresh advance.
	// It returns the number of instances touched.
	Recover(ctx context.Context) (int, error)
}
