package api

import (
	"context"
	"time"
)

// OrchestratorFunc is the workflow definition itself: deterministic code
// that describes the instance's decisions in terms of the context it is
// given. It runs many times, once per Advance, and must derive the same
// decision sequence from the same history, so it may not read clocks,
// random sources or any other non-history input directly.
//
// Context methods return a suspension sentinel (see IsAwaitPending) when
// a step's outcome is not yet recorded; orchestrator code just propagates
// that error upward.
type OrchestratorFunc func(ctx OrchestrationContext) ([]byte, error)

// ActivityFunc is a named side-effecting operation invoked by the host
// outside of replay. It runs at-least-once per scheduling position; the
// engine deduplicates recorded outcomes, but the operation itself must
// tolerate duplicate submission after a crash.
type ActivityFunc func(ctx ActivityContext, input []byte) ([]byte, error)

// ActivityContext carries instance metadata into an activity invocation.
// It is a plain context.Context as well, so activities can pass it to
// outbound calls and honor cancellation.
type ActivityContext interface {
	context.Context

	InstanceID() string
	ActivityName() string
}

// Future is the handle for one outstanding scheduling decision (a timer
// or an external event subscription). Futures are compared by identity:
// the Future returned by WaitAny is one of the Futures passed in.
type Future interface {
	// Result returns the recorded outcome. For an unresolved future it
	// returns the suspension sentinel.
	Result() ([]byte, error)

	// Resolved reports whether an outcome for this future is in history.
	Resolved() bool
}

// OrchestrationContext is the capability-restricted execution context
// passed to orchestrator logic. It is the only window the orchestrator
// has onto the outside world; everything it exposes is either recorded
// history or a new decision that will be recorded before it takes effect.
type OrchestrationContext interface {
	// InstanceID returns the identifier of the executing instance.
	InstanceID() string

	// Input returns the payload the instance was started with.
	Input() []byte

	// CallActivity schedules the named activity (first execution) or
	// replays its recorded outcome. While the outcome is pending it
	// returns the suspension sentinel; a recorded failure is returned
	// as *ActivityError.
	CallActivity(name string, input []byte) ([]byte, error)

	// CreateTimer schedules a durable timer firing at-or-after now+d.
	// The absolute deadline is computed exactly once, when the decision
	// is first made, and recorded; replay reads it back.
	CreateTimer(d time.Duration) Future

	// WaitForEvent subscribes the instance to the named external event.
	// Exactly one delivery is consumed per subscription.
	WaitForEvent(name string) Future

	// WaitAny returns the first future resolved in history order, or
	// the suspension sentinel when none is resolved yet. History write
	// order, not wall-clock order, decides the winner.
	WaitAny(futures ...Future) (Future, error)

	// CancelTimer cancels a timer future going forward. Cancelling a
	// timer that already fired is a no-op; the race is resolved by
	// whichever outcome was durably recorded first.
	CancelTimer(f Future)

	// SetCustomStatus publishes an opaque status string on the instance,
	// readable by external callers before the instance is terminal.
	SetCustomStatus(status string)
}
