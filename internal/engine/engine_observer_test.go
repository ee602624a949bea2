package engine

import (
	"context"
	"testing"
	"time"

	"github.com/torosent/aca-dts/internal/persistence"
	"github.com/torosent/aca-dts/internal/taskqueue"
	"github.com/torosent/aca-dts/pkg/api"
)

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	metrics := &api.BasicMetrics{}
	mem := persistence.NewInMemoryStore()
	q := taskqueue.NewInMemoryQueue()
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Instances: mem, Histories: mem, Signals: mem},
		Queue:       q,
		Observer:    metrics,
	})

	mustRegister(t, eng, "approval", approvalOrchestration(time.Hour, "Approval"))
	mustRegister(t, eng, "work", func(ctx api.OrchestrationContext) ([]byte, error) {
		return ctx.CallActivity("step", nil)
	})
	if err := eng.RegisterActivity("step", func(ctx api.ActivityContext, input []byte) ([]byte, error) {
		return []byte("ok"), nil
	}); err != nil {
		t.Fatalf("register activity: %v", err)
	}

	ctx := context.Background()
	if _, err := eng.Start(ctx, "work", "obs-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.Start(ctx, "approval", "obs-2", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	drainQueue(t, eng, q, 100*time.Millisecond)

	if _, err := eng.RaiseEvent(ctx, "obs-2", "Approval", []byte("true")); err != nil {
		t.Fatalf("raise: %v", err)
	}
	drainQueue(t, eng, q, 100*time.Millisecond)

	snap := metrics.Snapshot()
	if snap.InstancesStarted != 2 {
		t.Fatalf("expected 2 started, got %d", snap.InstancesStarted)
	}
	if snap.InstancesCompleted != 2 {
		t.Fatalf("expected 2 completed, got %d", snap.InstancesCompleted)
	}
	if snap.ActivitiesCompleted != 1 {
		t.Fatalf("expected 1 activity completion, got %d", snap.ActivitiesCompleted)
	}
	if snap.EventsAccepted != 1 {
		t.Fatalf("expected 1 accepted event, got %d", snap.EventsAccepted)
	}
}
