package api

import "errors"

var (
	// ErrInstanceNotFound is returned when an operation references an
	// unknown instance identifier. It is surfaced to the caller and
	// never retried.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrOrchestrationNotFound is returned when no orchestration is
	// registered under the requested name.
	ErrOrchestrationNotFound = errors.New("orchestration not found")

	// ErrActivityNotFound is returned when a scheduled activity has no
	// registered implementation.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrSequenceConflict indicates that two writers attempted to append
	// conflicting history for the same instance. It is fatal: it means
	// the single-writer-per-instance discipline was violated upstream
	// and must never be silently merged.
	ErrSequenceConflict = errors.New("history sequence conflict")

	// ErrDuplicateRegistration is returned when an orchestration or
	// activity name is registered twice.
	ErrDuplicateRegistration = errors.New("name already registered")
)

// ActivityError is the recorded failure of an activity invocation. The
// engine hands it to orchestrator code in place of a result; returning it
// unmodified terminates the instance as failed.
type ActivityError struct {
	Activity string
	Message  string
}

func (e *ActivityError) Error() string {
	return "activity " + e.Activity + " failed: " + e.Message
}

// IsActivityFailure returns the underlying *ActivityError if err records
// an activity failure.
func IsActivityFailure(err error) (*ActivityError, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// NondeterminismError is raised when replay observes a decision that does
// not match the recorded history, meaning the orchestrator logic consulted
// a non-history input or was changed incompatibly.
type NondeterminismError struct {
	InstanceID string
	Expected   string
	Got        string
}

func (e *NondeterminismError) Error() string {
	return "nondeterministic orchestration " + e.InstanceID +
		": history records " + e.Expected + ", replay produced " + e.Got
}

// awaitPendingError is returned by orchestration context methods when the
// step they implement has been scheduled but its outcome is not yet in
// history. The orchestrator propagates it upward; the engine recognizes it
// and suspends the instance instead of failing it.
type awaitPendingError struct {
	what string
}

func (e *awaitPendingError) Error() string {
	return "awaiting " + e.what
}

// NewAwaitPendingError constructs the suspension sentinel for the given
// pending step description. It is intended for the engine's orchestration
// context implementation, not for application code.
func NewAwaitPendingError(what string) error {
	return &awaitPendingError{what: what}
}

// IsAwaitPending returns (description, true) if err indicates that the
// orchestrator is suspended waiting for an outcome.
func IsAwaitPending(err error) (string, bool) {
	var w *awaitPendingError
	if errors.As(err, &w) {
		return w.what, true
	}
	return "", false
}
