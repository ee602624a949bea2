package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestration engine for logging
// and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay instance advancement.
type Observer interface {
	// OnInstanceStart is called once when an instance is first started,
	// before its first advance.
	OnInstanceStart(ctx context.Context, inst *Instance)

	// OnInstanceCompleted is called when an instance reaches
	// StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *Instance)

	// OnInstanceFailed is called when an instance transitions to
	// StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *Instance, err error)

	// OnActivityCompleted is called after an activity invocation returns
	// and its outcome is recorded, for both successes and failures.
	OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, duration time.Duration)

	// OnTimerFired is called when a durable timer firing is recorded.
	OnTimerFired(ctx context.Context, instanceID string, scheduleID int64)

	// OnEventDelivered is called for every RaiseEvent, with the delivery
	// classification the correlator decided on.
	OnEventDelivered(ctx context.Context, instanceID, eventName string, delivery Delivery)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, inst *Instance)               {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *Instance)           {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error)   {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
}
func (NoopObserver) OnTimerFired(ctx context.Context, instanceID string, scheduleID int64) {}
func (NoopObserver) OnEventDelivered(ctx context.Context, instanceID, eventName string, delivery Delivery) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, instanceID, activity, err, d)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, instanceID string, scheduleID int64) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, instanceID, scheduleID)
	}
}

func (c *CompositeObserver) OnEventDelivered(ctx context.Context, instanceID, eventName string, delivery Delivery) {
	for _, o := range c.observers {
		o.OnEventDelivered(ctx, instanceID, eventName, delivery)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs orchestration lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("orchestration", inst.Orchestration),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("instance_id", instanceID),
		slog.String("activity", activity),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, instanceID string, scheduleID int64) {
	o.Logger.InfoContext(ctx, "timer_fired",
		slog.String("instance_id", instanceID),
		slog.Int64("schedule_id", scheduleID),
	)
}

func (o *LoggingObserver) OnEventDelivered(ctx context.Context, instanceID, eventName string, delivery Delivery) {
	o.Logger.InfoContext(ctx, "event_delivered",
		slog.String("instance_id", instanceID),
		slog.String("event", eventName),
		slog.String("delivery", string(delivery)),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted    atomic.Int64
	instancesCompleted  atomic.Int64
	instancesFailed     atomic.Int64
	activitiesCompleted atomic.Int64
	timersFired         atomic.Int64
	eventsAccepted      atomic.Int64
	eventsBuffered      atomic.Int64
	eventsRejected      atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	RunningInstances   int64

	ActivitiesCompleted int64
	AvgActivityDuration time.Duration

	TimersFired    int64
	EventsAccepted int64
	EventsBuffered int64
	EventsRejected int64
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, inst *Instance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, instanceID, activity string, err error, d time.Duration) {
	// Only count successful invocations for average duration.
	if err == nil {
		m.activitiesCompleted.Add(1)
		m.totalActivityTime.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnTimerFired(ctx context.Context, instanceID string, scheduleID int64) {
	m.timersFired.Add(1)
}

func (m *BasicMetrics) OnEventDelivered(ctx context.Context, instanceID, eventName string, delivery Delivery) {
	switch delivery {
	case DeliveryAccepted:
		m.eventsAccepted.Add(1)
	case DeliveryBuffered:
		m.eventsBuffered.Add(1)
	case DeliveryRejected:
		m.eventsRejected.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	activities := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if activities > 0 {
		avg = time.Duration(totalNs / activities)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:    started,
		InstancesCompleted:  completed,
		InstancesFailed:     failed,
		RunningInstances:    started - completed - failed,
		ActivitiesCompleted: activities,
		AvgActivityDuration: avg,
		TimersFired:         m.timersFired.Load(),
		EventsAccepted:      m.eventsAccepted.Load(),
		EventsBuffered:      m.eventsBuffered.Load(),
		EventsRejected:      m.eventsRejected.Load(),
	}
}
