package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/torosent/aca-dts/internal/persistence"
	"github.com/torosent/aca-dts/internal/taskqueue"
	"github.com/torosent/aca-dts/pkg/api"
)

// ErrInstanceBusy means another worker currently holds the instance's
// lease. It is transient: the caller re-delivers the task.
var ErrInstanceBusy = errors.New("instance is leased by another worker")

const (
	defaultLeaseTTL        = 30 * time.Second
	defaultSignalRetention = 24 * time.Hour
)

// engineImpl is the replay-driven engine. All instance mutation funnels
// through history appends guarded by a per-instance lease, so a crash at
// any point leaves a log that Recover and re-delivered tasks converge on.
type engineImpl struct {
	orchestrations *orchestrationRegistry
	activities     *activityRegistry

	instances persistence.InstanceStore
	histories persistence.HistoryStore
	signals   persistence.SignalStore
	queue     taskqueue.Queue

	observer        api.Observer
	leaseTTL        time.Duration
	signalRetention time.Duration
}

// Config describes how to construct an engine. Only used inside this
// package; external callers use the helper constructors.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Observer    api.Observer

	// LeaseTTL bounds how long a crashed worker can block an instance.
	LeaseTTL time.Duration

	// SignalRetention bounds how long an external event raised before
	// any subscription is open stays buffered.
	SignalRetention time.Duration
}

// NewInMemoryEngine returns an engine backed entirely by process memory,
// plus the trigger queue a worker should drain for it.
func NewInMemoryEngine() (api.Engine, taskqueue.Queue) {
	mem := persistence.NewInMemoryStore()
	q := taskqueue.NewInMemoryQueue()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, Histories: mem, Signals: mem},
		Queue:       q,
	}), q
}

// NewInMemoryEngineWithObserver is NewInMemoryEngine with an Observer.
func NewInMemoryEngineWithObserver(obs api.Observer) (api.Engine, taskqueue.Queue) {
	mem := persistence.NewInMemoryStore()
	q := taskqueue.NewInMemoryQueue()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, Histories: mem, Signals: mem},
		Queue:       q,
		Observer:    obs,
	}), q
}

// NewSQLiteEngine returns an engine whose instances, history, signal
// buffer and trigger queue all live in the given SQLite database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, taskqueue.Queue, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver is NewSQLiteEngine with an Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, taskqueue.Queue, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, nil, err
	}
	hist, err := persistence.NewSQLiteHistoryStore(db)
	if err != nil {
		return nil, nil, err
	}
	sig, err := persistence.NewSQLiteSignalStore(db)
	if err != nil {
		return nil, nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, nil, err
	}
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: inst, Histories: hist, Signals: sig},
		Queue:       q,
		Observer:    obs,
	})
	return eng, q, nil
}

// NewPostgresEngine returns an engine persisting to PostgreSQL. The
// trigger queue stays in memory: tasks are pointers into history, so
// Recover reconstructs them after a restart.
func NewPostgresEngine(db *sql.DB) (api.Engine, taskqueue.Queue, error) {
	inst, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		return nil, nil, err
	}
	hist, err := persistence.NewPostgresHistoryStore(db)
	if err != nil {
		return nil, nil, err
	}
	sig, err := persistence.NewPostgresSignalStore(db)
	if err != nil {
		return nil, nil, err
	}
	q := taskqueue.NewInMemoryQueue()
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: inst, Histories: hist, Signals: sig},
		Queue:       q,
	})
	return eng, q, nil
}

// NewEngineWithConfig creates an engine from an explicit configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	retention := cfg.SignalRetention
	if retention <= 0 {
		retention = defaultSignalRetention
	}
	return &engineImpl{
		orchestrations:  newOrchestrationRegistry(),
		activities:      newActivityRegistry(),
		instances:       cfg.Persistence.Instances,
		histories:       cfg.Persistence.Histories,
		signals:         cfg.Persistence.Signals,
		queue:           cfg.Queue,
		observer:        obs,
		leaseTTL:        leaseTTL,
		signalRetention: retention,
	}
}

func (e *engineImpl) RegisterOrchestration(name string, fn api.OrchestratorFunc) error {
	if name == "" {
		return errors.New("orchestration name is required")
	}
	if fn == nil {
		return errors.New("orchestration function is required")
	}
	return e.orchestrations.Register(name, fn)
}

func (e *engineImpl) RegisterActivity(name string, fn api.ActivityFunc) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return errors.New("activity function is required")
	}
	return e.activities.Register(name, fn)
}

func (e *engineImpl) Start(ctx context.Context, orchestration, instanceID string, input []byte) (*api.Instance, error) {
	if _, err := e.orchestrations.Get(orchestration); err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if _, err := e.instances.GetInstance(instanceID); err == nil {
		return nil, fmt.Errorf("instance %q already exists", instanceID)
	} else if !errors.Is(err, api.ErrInstanceNotFound) {
		return nil, err
	}

	now := time.Now()
	inst := &api.Instance{
		ID:            instanceID,
		Orchestration: orchestration,
		Status:        api.StatusRunning,
		Input:         input,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.instances.SaveInstance(inst); err != nil {
		return nil, err
	}

	started := api.HistoryEvent{
		InstanceID: instanceID,
		Sequence:   1,
		Type:       api.EventOrchestrationStarted,
		At:         now,
		Payload:    input,
	}
	if err := e.histories.AppendEvents(ctx, instanceID, 1, []api.HistoryEvent{started}); err != nil {
		return nil, err
	}

	e.observer.OnInstanceStart(ctx, inst)
	if err := e.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeAdvance, InstanceID: instanceID}); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) Advance(ctx context.Context, instanceID string) (*api.Instance, error) {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return inst, nil
	}
	fn, err := e.orchestrations.Get(inst.Orchestration)
	if err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	acquired, err := e.instances.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrInstanceBusy
	}
	defer e.instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner)

	history, err := e.histories.ListEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	// A crash between the terminal append and the instance update leaves
	// the log ahead of the instance record. Catch up instead of replaying.
	if n := len(history); n > 0 && history[n-1].IsTerminal() {
		return e.reconcileTerminal(ctx, inst, history[n-1])
	}

	rc := newRunContext(instanceID, inst.Input, history, time.Now())
	out, runErr := fn(rc)

	// An orchestrator that returns while recorded decisions remain
	// unconsumed diverged from its own history.
	if runErr == nil && rc.cursor < len(rc.decisions) {
		runErr = &api.NondeterminismError{
			InstanceID: instanceID,
			Expected:   describeDecision(rc.decisions[rc.cursor]),
			Got:        "orchestration return",
		}
	}

	newEvents := rc.newEvents
	suspended := false
	switch {
	case runErr == nil:
		newEvents = append(newEvents, api.HistoryEvent{
			InstanceID: instanceID,
			Sequence:   rc.nextSeq,
			Type:       api.EventOrchestrationCompleted,
			At:         rc.now,
			Payload:    out,
		})
		inst.Status = api.StatusCompleted
		inst.Result = out
	default:
		if _, pending := api.IsAwaitPending(runErr); pending {
			suspended = true
			break
		}
		newEvents = append(newEvents, api.HistoryEvent{
			InstanceID: instanceID,
			Sequence:   rc.nextSeq,
			Type:       api.EventOrchestrationFailed,
			At:         rc.now,
			Error:      runErr.Error(),
		})
		inst.Status = api.StatusFailed
		inst.Err = runErr.Error()
	}

	if rc.customStatusSet {
		inst.CustomStatus = rc.customStatus
	}

	if len(newEvents) > 0 {
		if err := e.histories.AppendEvents(ctx, instanceID, int64(len(history))+1, newEvents); err != nil {
			return nil, err
		}
	}
	inst.UpdatedAt = rc.now
	if err := e.instances.UpdateInstance(inst); err != nil {
		return nil, err
	}

	// Side effects only after the decisions that imply them are durable.
	for _, t := range rc.newTasks {
		if err := e.enqueue(ctx, t); err != nil {
			return nil, err
		}
	}
	for _, scheduleID := range rc.cancels {
		if err := e.queue.CancelTimer(ctx, instanceID, scheduleID); err != nil {
			return nil, err
		}
	}

	if suspended {
		full := make([]api.HistoryEvent, 0, len(history)+len(newEvents))
		full = append(full, history...)
		full = append(full, newEvents...)
		if err := e.consumeBuffered(ctx, instanceID, full); err != nil {
			return nil, err
		}
	}

	switch inst.Status {
	case api.StatusCompleted:
		e.observer.OnInstanceCompleted(ctx, inst)
	case api.StatusFailed:
		e.observer.OnInstanceFailed(ctx, inst, runErr)
	}
	return inst, nil
}

// consumeBuffered delivers signals that were buffered before their
// subscription opened. Called with the instance lease held.
func (e *engineImpl) consumeBuffered(ctx context.Context, instanceID string, history []api.HistoryEvent) error {
	resolved := make(map[int64]bool)
	for _, ev := range history {
		if ev.ScheduleID != 0 {
			resolved[ev.ScheduleID] = true
		}
	}

	nextSeq := int64(len(history)) + 1
	for _, ev := range history {
		if ev.Type != api.EventSubscribed || resolved[ev.Sequence] {
			continue
		}
		sig, err := e.signals.TakeSignal(ctx, instanceID, ev.Name)
		if errors.Is(err, persistence.ErrSignalNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		received := api.HistoryEvent{
			InstanceID: instanceID,
			Sequence:   nextSeq,
			Type:       api.EventExternalReceived,
			At:         time.Now(),
			ScheduleID: ev.Sequence,
			Name:       ev.Name,
			Payload:    sig.Payload,
		}
		if err := e.histories.AppendEvents(ctx, instanceID, nextSeq, []api.HistoryEvent{received}); err != nil {
			return err
		}
		nextSeq++
		resolved[ev.Sequence] = true
		e.observer.OnEventDelivered(ctx, instanceID, ev.Name, api.DeliveryAccepted)
		if err := e.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeAdvance, InstanceID: instanceID}); err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) reconcileTerminal(ctx context.Context, inst *api.Instance, last api.HistoryEvent) (*api.Instance, error) {
	if last.Type == api.EventOrchestrationCompleted {
		inst.Status = api.StatusCompleted
		inst.Result = last.Payload
	} else {
		inst.Status = api.StatusFailed
		inst.Err = last.Error
	}
	inst.UpdatedAt = time.Now()
	if err := e.instances.UpdateInstance(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ExecuteActivity(ctx context.Context, instanceID string, scheduleID int64) error {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return nil
	}

	history, err := e.histories.ListEvents(ctx, instanceID)
	if err != nil {
		return err
	}
	sched, err := decisionAt(history, scheduleID, api.EventActivityScheduled)
	if err != nil {
		return err
	}
	if hasOutcome(history, scheduleID) {
		return nil
	}

	// Run the activity outside the lease: it may be slow, and a
	// duplicate run is tolerated while a duplicate record is not.
	start := time.Now()
	outcome := api.HistoryEvent{
		InstanceID: instanceID,
		Type:       api.EventActivityCompleted,
		ScheduleID: scheduleID,
		Name:       sched.Name,
	}
	var actErr error
	fn, err := e.activities.Get(sched.Name)
	if err != nil {
		actErr = err
	} else {
		var out []byte
		out, actErr = fn(newActivityContext(ctx, instanceID, sched.Name), sched.Payload)
		outcome.Payload = out
	}
	if actErr != nil {
		outcome.Type = api.EventActivityFailed
		outcome.Payload = nil
		outcome.Error = actErr.Error()
	}

	owner := uuid.NewString()
	acquired, err := e.instances.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrInstanceBusy
	}
	defer e.instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner)

	history, err = e.histories.ListEvents(ctx, instanceID)
	if err != nil {
		return err
	}
	if hasOutcome(history, scheduleID) {
		return nil
	}
	outcome.Sequence = int64(len(history)) + 1
	outcome.At = time.Now()
	if err := e.histories.AppendEvents(ctx, instanceID, outcome.Sequence, []api.HistoryEvent{outcome}); err != nil {
		return err
	}

	e.observer.OnActivityCompleted(ctx, instanceID, sched.Name, actErr, time.Since(start))
	return e.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeAdvance, InstanceID: instanceID})
}

func (e *engineImpl) FireTimer(ctx context.Context, instanceID string, scheduleID int64) error {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return nil
	}

	owner := uuid.NewString()
	acquired, err := e.instances.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrInstanceBusy
	}
	defer e.instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner)

	history, err := e.histories.ListEvents(ctx, instanceID)
	if err != nil {
		return err
	}
	if _, err := decisionAt(history, scheduleID, api.EventTimerCreated); err != nil {
		return err
	}
	// A firing recorded after a cancellation would rewrite the race.
	if hasOutcome(history, scheduleID) {
		return nil
	}

	fired := api.HistoryEvent{
		InstanceID: instanceID,
		Sequence:   int64(len(history)) + 1,
		Type:       api.EventTimerFired,
		At:         time.Now(),
		ScheduleID: scheduleID,
	}
	if err := e.histories.AppendEvents(ctx, instanceID, fired.Sequence, []api.HistoryEvent{fired}); err != nil {
		return err
	}

	e.observer.OnTimerFired(ctx, instanceID, scheduleID)
	return e.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeAdvance, InstanceID: instanceID})
}

func (e *engineImpl) RaiseEvent(ctx context.Context, instanceID, eventName string, payload []byte) (api.Delivery, error) {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return "", err
	}
	if inst.Terminal() {
		e.observer.OnEventDelivered(ctx, instanceID, eventName, api.DeliveryRejected)
		return api.DeliveryRejected, nil
	}

	history, err := e.histories.ListEvents(ctx, instanceID)
	if err != nil {
		return "", err
	}
	open, sawSub := openSubscription(history, eventName)

	if open == 0 {
		if sawSub {
			// Every subscription for this name already consumed a
			// delivery; a second one has nowhere to go.
			e.observer.OnEventDelivered(ctx, instanceID, eventName, api.DeliveryRejected)
			return api.DeliveryRejected, nil
		}
		return e.bufferSignal(ctx, instanceID, eventName, payload)
	}

	owner := uuid.NewString()
	acquired, err := e.instances.TryAcquireLease(ctx, instanceID, owner, e.leaseTTL)
	if err != nil {
		return "", err
	}
	if !acquired {
		// The advancing worker will pick the signal up from the buffer.
		return e.bufferSignal(ctx, instanceID, eventName, payload)
	}
	defer e.instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, owner)

	history, err = e.histories.ListEvents(ctx, instanceID)
	if err != nil {
		return "", err
	}
	open, sawSub = openSubscription(history, eventName)
	if open == 0 {
		if sawSub {
			e.observer.OnEventDelivered(ctx, instanceID, eventName, api.DeliveryRejected)
			return api.DeliveryRejected, nil
		}
		return e.bufferSignal(ctx, instanceID, eventName, payload)
	}

	received := api.HistoryEvent{
		InstanceID: instanceID,
		Sequence:   int64(len(history)) + 1,
		Type:       api.EventExternalReceived,
		At:         time.Now(),
		ScheduleID: open,
		Name:       eventName,
		Payload:    payload,
	}
	if err := e.histories.AppendEvents(ctx, instanceID, received.Sequence, []api.HistoryEvent{received}); err != nil {
		return "", err
	}

	e.observer.OnEventDelivered(ctx, instanceID, eventName, api.DeliveryAccepted)
	if err := e.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeAdvance, InstanceID: instanceID}); err != nil {
		return "", err
	}
	return api.DeliveryAccepted, nil
}

func (e *engineImpl) bufferSignal(ctx context.Context, instanceID, eventName string, payload []byte) (api.Delivery, error) {
	sig := persistence.BufferedSignal{
		InstanceID: instanceID,
		EventName:  eventName,
		Payload:    payload,
		ExpiresAt:  time.Now().Add(e.signalRetention),
	}
	if err := e.signals.SaveSignal(ctx, sig); err != nil {
		return "", err
	}
	// A replay already in flight may have swept the buffer just before
	// the save; a follow-up advance re-checks and is otherwise harmless.
	if err := e.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeAdvance, InstanceID: instanceID}); err != nil {
		return "", err
	}
	e.observer.OnEventDelivered(ctx, instanceID, eventName, api.DeliveryBuffered)
	return api.DeliveryBuffered, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, instanceID string) (*api.Instance, error) {
	return e.instances.GetInstance(instanceID)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	return e.instances.ListInstances(persistence.InstanceFilter{
		Orchestration: opts.Orchestration,
		Status:        opts.Status,
	})
}

func (e *engineImpl) GetHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	if _, err := e.instances.GetInstance(instanceID); err != nil {
		return nil, err
	}
	return e.histories.ListEvents(ctx, instanceID)
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	if _, err := e.signals.PurgeExpired(ctx, time.Now()); err != nil {
		return 0, err
	}

	running, err := e.instances.ListInstances(persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, inst := range running {
		history, err := e.histories.ListEvents(ctx, inst.ID)
		if err != nil {
			return recovered, err
		}
		if n := len(history); n > 0 && history[n-1].IsTerminal() {
			if _, err := e.reconcileTerminal(ctx, inst, history[n-1]); err != nil {
				return recovered, err
			}
			recovered++
			continue
		}

		resolved := make(map[int64]bool)
		for _, ev := range history {
			if ev.ScheduleID != 0 {
				resolved[ev.ScheduleID] = true
			}
		}
		for _, ev := range history {
			if resolved[ev.Sequence] {
				continue
			}
			switch ev.Type {
			case api.EventActivityScheduled:
				if err := e.enqueue(ctx, taskqueue.Task{
					Type:       taskqueue.TaskTypeActivity,
					InstanceID: inst.ID,
					ScheduleID: ev.Sequence,
				}); err != nil {
					return recovered, err
				}
			case api.EventTimerCreated:
				if err := e.enqueue(ctx, taskqueue.Task{
					Type:       taskqueue.TaskTypeTimer,
					InstanceID: inst.ID,
					ScheduleID: ev.Sequence,
					NotBefore:  ev.FireAt,
				}); err != nil {
					return recovered, err
				}
			}
		}
		if err := e.enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskTypeAdvance, InstanceID: inst.ID}); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (e *engineImpl) enqueue(ctx context.Context, t taskqueue.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	return e.queue.Enqueue(ctx, t)
}

// decisionAt returns the decision event at the given sequence, checking
// it is of the expected type. Sequences are dense and 1-based, so the
// lookup is positional.
func decisionAt(history []api.HistoryEvent, scheduleID int64, want api.EventType) (api.HistoryEvent, error) {
	if scheduleID < 1 || scheduleID > int64(len(history)) {
		return api.HistoryEvent{}, fmt.Errorf("no history event at sequence %d", scheduleID)
	}
	ev := history[scheduleID-1]
	if ev.Type != want {
		return api.HistoryEvent{}, fmt.Errorf("history event %d is %s, expected %s", scheduleID, ev.Type, want)
	}
	return ev, nil
}

// hasOutcome reports whether any event already resolves the decision at
// scheduleID.
func hasOutcome(history []api.HistoryEvent, scheduleID int64) bool {
	for _, ev := range history {
		if ev.ScheduleID == scheduleID {
			return true
		}
	}
	return false
}

// openSubscription returns the sequence of the earliest unconsumed
// subscription for eventName (0 when none) and whether any subscription
// for the name exists at all.
func openSubscription(history []api.HistoryEvent, eventName string) (int64, bool) {
	resolved := make(map[int64]bool)
	for _, ev := range history {
		if ev.Type == api.EventExternalReceived {
			resolved[ev.ScheduleID] = true
		}
	}
	saw := false
	for _, ev := range history {
		if ev.Type != api.EventSubscribed || ev.Name != eventName {
			continue
		}
		saw = true
		if !resolved[ev.Sequence] {
			return ev.Sequence, true
		}
	}
	return 0, saw
}

type activityContext struct {
	context.Context
	instanceID string
	activity   string
}

func newActivityContext(ctx context.Context, instanceID, activity string) api.ActivityContext {
	return &activityContext{Context: ctx, instanceID: instanceID, activity: activity}
}

func (c *activityContext) InstanceID() string   { return c.instanceID }
func (c *activityContext) ActivityName() string { return c.activity }
