package dts

import (
	"context"
	"database/sql"

	"github.com/torosent/aca-dts/internal/engine"
	"github.com/torosent/aca-dts/internal/taskqueue"
	"github.com/torosent/aca-dts/pkg/api"
	"github.com/torosent/aca-dts/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Instance             = api.Instance
	InstanceListOptions  = api.InstanceListOptions
	Status               = api.Status
	HistoryEvent         = api.HistoryEvent
	EventType            = api.EventType
	Delivery             = api.Delivery
	OrchestratorFunc     = api.OrchestratorFunc
	ActivityFunc         = api.ActivityFunc
	OrchestrationContext = api.OrchestrationContext
	ActivityContext      = api.ActivityContext
	Future               = api.Future
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Queue                = taskqueue.Queue
	Worker               = worker.Worker
	WorkerConfig         = worker.Config
)

// Re-export common observer helpers and error predicates.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	IsActivityFailure    = api.IsActivityFailure
	IsAwaitPending       = api.IsAwaitPending
)

// Re-export sentinel errors for convenience.

var (
	ErrInstanceNotFound      = api.ErrInstanceNotFound
	ErrOrchestrationNotFound = api.ErrOrchestrationNotFound
	ErrActivityNotFound      = api.ErrActivityNotFound
	ErrDuplicateRegistration = api.ErrDuplicateRegistration
	ErrInstanceBusy          = engine.ErrInstanceBusy
)

// Re-export status and delivery values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed

	DeliveryAccepted = api.DeliveryAccepted
	DeliveryBuffered = api.DeliveryBuffered
	DeliveryRejected = api.DeliveryRejected
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores,
// along with the trigger queue workers should consume from.
func NewInMemoryEngine() (Engine, Queue) {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) (Engine, Queue) {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine that persists instances, history,
// buffered signals and trigger tasks in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, Queue, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, Queue, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// NewPostgresEngine returns an Engine that persists instances, history and
// buffered signals in PostgreSQL. The trigger queue is in-memory; after a
// restart Recover reconstructs pending triggers from persisted history.
func NewPostgresEngine(db *sql.DB) (Engine, Queue, error) {
	return engine.NewPostgresEngine(db)
}

// NewWorker returns a Worker that drains the given trigger queue
// against the given Engine.
func NewWorker(eng Engine, q Queue, cfg WorkerConfig) *Worker {
	return worker.New(eng, q, cfg)
}

// Convenience helpers that just forward to the underlying Engine.

// Start creates a new instance of a registered orchestration.
// An empty instanceID asks the engine to generate one.
func Start(ctx context.Context, eng Engine, orchestration, instanceID string, input []byte) (*Instance, error) {
	return eng.Start(ctx, orchestration, instanceID, input)
}

// RaiseEvent delivers an external event to an instance.
func RaiseEvent(ctx context.Context, eng Engine, instanceID, eventName string, payload []byte) (Delivery, error) {
	return eng.RaiseEvent(ctx, instanceID, eventName, payload)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*Instance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*Instance, error) {
	return eng.ListInstances(ctx, opts)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := dts.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
