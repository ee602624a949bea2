package api

import "time"

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Instance is one execution of a registered orchestration.
//
// It is created by Engine.Start and mutated only by the engine while
// advancing that instance. The history log, not this record, is the
// source of truth for replay; Instance carries the externally readable
// projection of it.
type Instance struct {
	ID            string
	Orchestration string
	Status        Status

	// Input is the payload the instance was started with.
	Input []byte

	// CustomStatus is an opaque string set by the orchestrator while
	// running (for the code-execution flow, the raw sandbox result).
	// It is readable out-of-band before the instance is terminal.
	CustomStatus string

	// Result is the JSON-encoded orchestrator return value, set once
	// the instance reaches StatusCompleted.
	Result []byte

	// Err holds the failure message for StatusFailed instances.
	Err string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the instance has reached a final state.
func (i *Instance) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Orchestration, if non-empty, limits results to instances of the
	// given orchestration.
	Orchestration string

	// Status, if non-empty, limits results to instances with the given
	// status.
	Status Status
}
