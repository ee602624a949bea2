package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/torosent/aca-dts/pkg/api"
)

// ErrSignalNotFound is returned when no buffered signal exists for the
// requested (instance, event name) pair.
var ErrSignalNotFound = errors.New("buffered signal not found")

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Orchestration string
	Status        api.Status
}

// InstanceStore handles storage of orchestration instances.
type InstanceStore interface {
	SaveInstance(inst *api.Instance) error
	UpdateInstance(inst *api.Instance) error
	GetInstance(id string) (*api.Instance, error)
	ListInstances(filter InstanceFilter) ([]*api.Instance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// instance. If the instance is currently leased by another owner and
	// the lease has not expired, it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as
	// re-entrant. The lease enforces the single-writer-per-instance
	// discipline: the host never advances one instance concurrently
	// with itself.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// HistoryStore is the append-only, per-instance ordered log of recorded
// orchestration events. It is the durability substrate for replay.
type HistoryStore interface {
	// AppendEvents appends events to the instance's history, assigning
	// them sequences expectedNextSeq, expectedNextSeq+1, ... . If the
	// log already holds an event at expectedNextSeq the append fails
	// with api.ErrSequenceConflict and nothing is written: conflicting
	// histories are never merged.
	AppendEvents(ctx context.Context, instanceID string, expectedNextSeq int64, events []api.HistoryEvent) error

	// ListEvents returns the instance's events in strict append order.
	ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
}

// BufferedSignal is an external signal that arrived before any
// subscription was open for it, held durably until one appears or the
// retention window elapses.
type BufferedSignal struct {
	InstanceID string
	EventName  string
	Payload    []byte
	ExpiresAt  time.Time
}

// SignalStore buffers early external signals keyed by
// (instance id, event name). At most one signal is held per key; a second
// buffered delivery for the same key overwrites the first.
type SignalStore interface {
	SaveSignal(ctx context.Context, sig BufferedSignal) error

	// TakeSignal removes and returns the buffered signal for the key.
	// Expired signals are treated as absent. Returns ErrSignalNotFound
	// when nothing is buffered.
	TakeSignal(ctx context.Context, instanceID, eventName string) (*BufferedSignal, error)

	// PurgeExpired removes signals whose retention window has elapsed
	// and returns how many were dropped.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Instances InstanceStore
	Histories HistoryStore
	Signals   SignalStore
}
