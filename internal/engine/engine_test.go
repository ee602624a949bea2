package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/torosent/aca-dts/internal/taskqueue"
	"github.com/torosent/aca-dts/pkg/api"
)

// drainQueue pumps tasks into the engine the way a worker would, until
// the queue stays idle for the given window.
func drainQueue(t *testing.T, eng api.Engine, q taskqueue.Queue, idle time.Duration) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), idle)
		task, err := q.Dequeue(ctx)
		cancel()
		if err != nil {
			return
		}
		dispatchTask(t, eng, task)
	}
	t.Fatalf("queue did not go idle before deadline")
}

func dispatchTask(t *testing.T, eng api.Engine, task *taskqueue.Task) {
	t.Helper()

	var err error
	switch task.Type {
	case taskqueue.TaskTypeAdvance:
		_, err = eng.Advance(context.Background(), task.InstanceID)
	case taskqueue.TaskTypeActivity:
		err = eng.ExecuteActivity(context.Background(), task.InstanceID, task.ScheduleID)
	case taskqueue.TaskTypeTimer:
		err = eng.FireTimer(context.Background(), task.InstanceID, task.ScheduleID)
	default:
		t.Fatalf("unexpected task type %q", task.Type)
	}
	if err != nil {
		t.Fatalf("dispatching %s task for %s: %v", task.Type, task.InstanceID, err)
	}
}

func TestEngine_ActivityFlow(t *testing.T) {
	eng, q := NewInMemoryEngine()

	err := eng.RegisterOrchestration("upper", func(ctx api.OrchestrationContext) ([]byte, error) {
		out, err := ctx.CallActivity("uppercase", ctx.Input())
		if err != nil {
			return nil, err
		}
		ctx.SetCustomStatus(string(out))
		return out, nil
	})
	if err != nil {
		t.Fatalf("register orchestration: %v", err)
	}
	err = eng.RegisterActivity("uppercase", func(ctx api.ActivityContext, input []byte) ([]byte, error) {
		return bytes.ToUpper(input), nil
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}

	inst, err := eng.Start(context.Background(), "upper", "inst-1", []byte("hello"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if inst.Status != api.StatusRunning {
		t.Fatalf("expected RUNNING after start, got %s", inst.Status)
	}

	drainQueue(t, eng, q, 100*time.Millisecond)

	got, err := eng.GetInstance(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (err=%q)", got.Status, got.Err)
	}
	if string(got.Result) != "HELLO" {
		t.Fatalf("expected result HELLO, got %q", got.Result)
	}
	if got.CustomStatus != "HELLO" {
		t.Fatalf("expected custom status HELLO, got %q", got.CustomStatus)
	}

	history, err := eng.GetHistory(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	wantTypes := []api.EventType{
		api.EventOrchestrationStarted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventOrchestrationCompleted,
	}
	if len(history) != len(wantTypes) {
		t.Fatalf("expected %d history events, got %d", len(wantTypes), len(history))
	}
	for i, want := range wantTypes {
		if history[i].Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, history[i].Type)
		}
		if history[i].Sequence != int64(i)+1 {
			t.Fatalf("event %d: expected sequence %d, got %d", i, i+1, history[i].Sequence)
		}
	}
	if history[2].ScheduleID != history[1].Sequence {
		t.Fatalf("activity outcome correlates to %d, expected %d", history[2].ScheduleID, history[1].Sequence)
	}
}

func TestEngine_ActivityFailureFailsInstance(t *testing.T) {
	eng, q := NewInMemoryEngine()

	mustRegister(t, eng, "flaky", func(ctx api.OrchestrationContext) ([]byte, error) {
		return ctx.CallActivity("explode", nil)
	})
	err := eng.RegisterActivity("explode", func(ctx api.ActivityContext, input []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}

	if _, err := eng.Start(context.Background(), "flaky", "inst-fail", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	drainQueue(t, eng, q, 100*time.Millisecond)

	got, err := eng.GetInstance(context.Background(), "inst-fail")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.Err, "boom") {
		t.Fatalf("expected failure message to mention boom, got %q", got.Err)
	}

	history, err := eng.GetHistory(context.Background(), "inst-fail")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	last := history[len(history)-1]
	if last.Type != api.EventOrchestrationFailed {
		t.Fatalf("expected terminal %s, got %s", api.EventOrchestrationFailed, last.Type)
	}
}

func TestEngine_UnregisteredActivityFailsInstance(t *testing.T) {
	eng, q := NewInMemoryEngine()

	mustRegister(t, eng, "broken", func(ctx api.OrchestrationContext) ([]byte, error) {
		return ctx.CallActivity("missing", nil)
	})

	if _, err := eng.Start(context.Background(), "broken", "inst-missing", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	drainQueue(t, eng, q, 100*time.Millisecond)

	got, err := eng.GetInstance(context.Background(), "inst-missing")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.Err, "not found") {
		t.Fatalf("expected not-found failure, got %q", got.Err)
	}
}

func TestEngine_StartValidation(t *testing.T) {
	eng, _ := NewInMemoryEngine()

	if _, err := eng.Start(context.Background(), "nope", "", nil); !errors.Is(err, api.ErrOrchestrationNotFound) {
		t.Fatalf("expected ErrOrchestrationNotFound, got %v", err)
	}

	mustRegister(t, eng, "noop", func(ctx api.OrchestrationContext) ([]byte, error) {
		return nil, nil
	})

	inst, err := eng.Start(context.Background(), "noop", "", nil)
	if err != nil {
		t.Fatalf("start with generated id: %v", err)
	}
	if inst.ID == "" {
		t.Fatalf("expected generated instance id")
	}

	if _, err := eng.Start(context.Background(), "noop", inst.ID, nil); err == nil {
		t.Fatalf("expected error starting duplicate instance id")
	}
}

func TestEngine_RegisterDuplicates(t *testing.T) {
	eng, _ := NewInMemoryEngine()

	fn := func(ctx api.OrchestrationContext) ([]byte, error) { return nil, nil }
	if err := eng.RegisterOrchestration("dup", fn); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := eng.RegisterOrchestration("dup", fn); !errors.Is(err, api.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}

	act := func(ctx api.ActivityContext, input []byte) ([]byte, error) { return nil, nil }
	if err := eng.RegisterActivity("dup", act); err != nil {
		t.Fatalf("first activity register: %v", err)
	}
	if err := eng.RegisterActivity("dup", act); !errors.Is(err, api.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestEngine_ListInstances(t *testing.T) {
	eng, q := NewInMemoryEngine()

	mustRegister(t, eng, "quick", func(ctx api.OrchestrationContext) ([]byte, error) {
		return []byte(`"done"`), nil
	})
	mustRegister(t, eng, "waiting", func(ctx api.OrchestrationContext) ([]byte, error) {
		f := ctx.WaitForEvent("Go")
		return f.Result()
	})

	for _, start := range []struct{ orch, id string }{
		{"quick", "q-1"},
		{"quick", "q-2"},
		{"waiting", "w-1"},
	} {
		if _, err := eng.Start(context.Background(), start.orch, start.id, nil); err != nil {
			t.Fatalf("start %s: %v", start.id, err)
		}
	}
	drainQueue(t, eng, q, 100*time.Millisecond)

	all, err := eng.ListInstances(context.Background(), api.InstanceListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(all))
	}

	completed, err := eng.ListInstances(context.Background(), api.InstanceListOptions{Status: api.StatusCompleted})
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed instances, got %d", len(completed))
	}

	waiting, err := eng.ListInstances(context.Background(), api.InstanceListOptions{Orchestration: "waiting"})
	if err != nil {
		t.Fatalf("list by orchestration: %v", err)
	}
	if len(waiting) != 1 || waiting[0].Status != api.StatusRunning {
		t.Fatalf("expected one running waiting instance, got %+v", waiting)
	}
}

func TestEngine_GetHistoryUnknownInstance(t *testing.T) {
	eng, _ := NewInMemoryEngine()
	if _, err := eng.GetHistory(context.Background(), "ghost"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func mustRegister(t *testing.T, eng api.Engine, name string, fn api.OrchestratorFunc) {
	t.Helper()
	if err := eng.RegisterOrchestration(name, fn); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}
