package engine

import (
	"fmt"
	"time"

	"github.com/torosent/aca-dts/internal/taskqueue"
	"github.com/torosent/aca-dts/pkg/api"
)

// future is the engine's api.Future. Futures are identity-compared, so
// WaitAny hands back one of these exact pointers.
type future struct {
	scheduleID int64
	kind       api.EventType
	name       string

	resolved   bool
	canceled   bool
	outcomeSeq int64
	payload    []byte
}

func (f *future) Resolved() bool { return f.resolved }

func (f *future) Result() ([]byte, error) {
	if f.canceled {
		return nil, fmt.Errorf("%s canceled", f.describe())
	}
	if !f.resolved {
		return nil, api.NewAwaitPendingError(f.describe())
	}
	return f.payload, nil
}

func (f *future) describe() string {
	if f.kind == api.EventTimerCreated {
		return "timer"
	}
	return "event " + f.name
}

// runContext is the api.OrchestrationContext for a single replay pass.
//
// It walks the recorded decision events with a cursor: as the orchestrator
// re-makes each decision, the cursor must line up exactly with history,
// otherwise the pass fails with a NondeterminismError. Decisions past the
// end of the cursor are new; they are buffered in newEvents and only
// become real once Advance appends them durably.
type runContext struct {
	instanceID string
	input      []byte

	decisions []api.HistoryEvent
	outcomes  map[int64]api.HistoryEvent
	cursor    int
	nextSeq   int64

	// now is captured once per pass so every new timer deadline in the
	// same pass derives from the same instant.
	now time.Time

	newEvents []api.HistoryEvent
	newTasks  []taskqueue.Task
	cancels   []int64

	customStatus    string
	customStatusSet bool

	ndErr error
}

var _ api.OrchestrationContext = (*runContext)(nil)

func newRunContext(instanceID string, input []byte, history []api.HistoryEvent, now time.Time) *runContext {
	c := &runContext{
		instanceID: instanceID,
		input:      input,
		outcomes:   make(map[int64]api.HistoryEvent),
		nextSeq:    int64(len(history)) + 1,
		now:        now,
	}
	for _, ev := range history {
		if ev.IsDecision() {
			c.decisions = append(c.decisions, ev)
			continue
		}
		if ev.ScheduleID != 0 {
			// Outcomes are unique per schedule position; the append
			// path enforces that, so last-write-wins here is moot.
			c.outcomes[ev.ScheduleID] = ev
		}
	}
	return c
}

func (c *runContext) InstanceID() string { return c.instanceID }
func (c *runContext) Input() []byte      { return c.input }

func (c *runContext) SetCustomStatus(status string) {
	c.customStatus = status
	c.customStatusSet = true
}

// nextDecision advances the replay cursor. While recorded decisions
// remain it validates tmpl against the next one and returns it; past the
// end it stamps tmpl as a new decision event and buffers it.
func (c *runContext) nextDecision(tmpl api.HistoryEvent) (api.HistoryEvent, bool, error) {
	if c.ndErr != nil {
		return api.HistoryEvent{}, false, c.ndErr
	}

	if c.cursor < len(c.decisions) {
		rec := c.decisions[c.cursor]
		c.cursor++
		if rec.Type != tmpl.Type || (tmpl.Name != "" && rec.Name != tmpl.Name) {
			c.ndErr = &api.NondeterminismError{
				InstanceID: c.instanceID,
				Expected:   describeDecision(rec),
				Got:        describeDecision(tmpl),
			}
			return api.HistoryEvent{}, false, c.ndErr
		}
		return rec, true, nil
	}

	tmpl.InstanceID = c.instanceID
	tmpl.Sequence = c.nextSeq
	tmpl.At = c.now
	c.nextSeq++
	c.newEvents = append(c.newEvents, tmpl)
	return tmpl, false, nil
}

func describeDecision(ev api.HistoryEvent) string {
	if ev.Name != "" {
		return string(ev.Type) + " " + ev.Name
	}
	return string(ev.Type)
}

func (c *runContext) CallActivity(name string, input []byte) ([]byte, error) {
	ev, recorded, err := c.nextDecision(api.HistoryEvent{
		Type:    api.EventActivityScheduled,
		Name:    name,
		Payload: input,
	})
	if err != nil {
		return nil, err
	}
	if !recorded {
		c.newTasks = append(c.newTasks, taskqueue.Task{
			Type:       taskqueue.TaskTypeActivity,
			InstanceID: c.instanceID,
			ScheduleID: ev.Sequence,
		})
		return nil, api.NewAwaitPendingError("activity " + name)
	}

	out, ok := c.outcomes[ev.Sequence]
	if !ok {
		return nil, api.NewAwaitPendingError("activity " + name)
	}
	if out.Type == api.EventActivityFailed {
		return nil, &api.ActivityError{Activity: name, Message: out.Error}
	}
	return out.Payload, nil
}

func (c *runContext) CreateTimer(d time.Duration) api.Future {
	ev, recorded, err := c.nextDecision(api.HistoryEvent{
		Type:   api.EventTimerCreated,
		FireAt: c.now.Add(d),
	})
	if err != nil {
		return &future{kind: api.EventTimerCreated}
	}
	if !recorded {
		c.newTasks = append(c.newTasks, taskqueue.Task{
			Type:       taskqueue.TaskTypeTimer,
			InstanceID: c.instanceID,
			ScheduleID: ev.Sequence,
			NotBefore:  ev.FireAt,
		})
	}

	f := &future{scheduleID: ev.Sequence, kind: api.EventTimerCreated}
	if out, ok := c.outcomes[ev.Sequence]; ok {
		switch out.Type {
		case api.EventTimerFired:
			f.resolved = true
			f.outcomeSeq = out.Sequence
		case api.EventTimerCanceled:
			f.canceled = true
		}
	}
	return f
}

func (c *runContext) WaitForEvent(name string) api.Future {
	ev, _, err := c.nextDecision(api.HistoryEvent{
		Type: api.EventSubscribed,
		Name: name,
	})
	if err != nil {
		return &future{kind: api.EventSubscribed, name: name}
	}

	f := &future{scheduleID: ev.Sequence, kind: api.EventSubscribed, name: name}
	if out, ok := c.outcomes[ev.Sequence]; ok && out.Type == api.EventExternalReceived {
		f.resolved = true
		f.outcomeSeq = out.Sequence
		f.payload = out.Payload
	}
	return f
}

// WaitAny picks the future whose outcome was durably recorded first.
// History write order decides races, not wall-clock order.
func (c *runContext) WaitAny(futures ...api.Future) (api.Future, error) {
	if c.ndErr != nil {
		return nil, c.ndErr
	}

	var winner *future
	for _, af := range futures {
		f, ok := af.(*future)
		if !ok {
			return nil, fmt.Errorf("foreign future passed to WaitAny")
		}
		if !f.resolved {
			continue
		}
		if winner == nil || f.outcomeSeq < winner.outcomeSeq {
			winner = f
		}
	}
	if winner == nil {
		return nil, api.NewAwaitPendingError("any of the given futures")
	}
	return winner, nil
}

// CancelTimer records cancellation for a timer that has not fired. If the
// timer's firing is already in history the call is a no-op: the fired
// outcome won the race and stays won.
func (c *runContext) CancelTimer(af api.Future) {
	f, ok := af.(*future)
	if !ok || f.kind != api.EventTimerCreated {
		return
	}
	if f.resolved || f.canceled || f.scheduleID == 0 {
		return
	}

	f.canceled = true
	c.newEvents = append(c.newEvents, api.HistoryEvent{
		InstanceID: c.instanceID,
		Sequence:   c.nextSeq,
		Type:       api.EventTimerCanceled,
		At:         c.now,
		ScheduleID: f.scheduleID,
	})
	c.nextSeq++
	c.cancels = append(c.cancels, f.scheduleID)
}
