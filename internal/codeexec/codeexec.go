// Package codeexec defines the code-execution-with-human-approval
// orchestration: run the submitted code in the sandbox, publish the raw
// result as the instance's custom status, then hold the boolean outcome
// open until a reviewer responds or the approval window elapses.
package codeexec

import (
	"context"
	"encoding/json"
	"time"

	"github.com/torosent/aca-dts/pkg/api"
)

const (
	// OrchestrationName is the name the orchestration registers under.
	OrchestrationName = "code-execution"

	// ActivityRunCode executes the submitted code in the sandbox.
	ActivityRunCode = "run-code-in-session"

	// EventHumanApproval is the external event a reviewer raises with a
	// JSON boolean payload.
	EventHumanApproval = "HumanApproval"

	// DefaultApprovalTimeout is how long an execution waits for review
	// before it is auto-rejected.
	DefaultApprovalTimeout = 24 * time.Hour
)

// Executor runs code remotely. *sandbox.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, code string) (string, error)
}

// Options tune the orchestration. The zero value uses defaults.
type Options struct {
	// ApprovalTimeout overrides DefaultApprovalTimeout.
	ApprovalTimeout time.Duration
}

// Register wires the orchestration and its activity into the engine.
func Register(eng api.Engine, exec Executor, opts Options) error {
	timeout := opts.ApprovalTimeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if err := eng.RegisterOrchestration(OrchestrationName, Orchestrator(timeout)); err != nil {
		return err
	}
	return eng.RegisterActivity(ActivityRunCode, runCodeActivity(exec))
}

// Orchestrator returns the orchestration body. The input payload is the
// JSON-encoded code string; the result is a JSON boolean: true when a
// reviewer approved, false on rejection or timeout.
func Orchestrator(timeout time.Duration) api.OrchestratorFunc {
	return func(ctx api.OrchestrationContext) ([]byte, error) {
		result, err := ctx.CallActivity(ActivityRunCode, ctx.Input())
		if err != nil {
			return nil, err
		}

		var resultText string
		if err := json.Unmarshal(result, &resultText); err != nil {
			resultText = string(result)
		}
		ctx.SetCustomStatus(resultText)

		timer := ctx.CreateTimer(timeout)
		approval := ctx.WaitForEvent(EventHumanApproval)

		winner, err := ctx.WaitAny(timer, approval)
		if err != nil {
			return nil, err
		}

		approved := false
		if winner == approval {
			payload, err := approval.Result()
			if err != nil {
				return nil, err
			}
			// A payload that is not a JSON boolean counts as rejection.
			_ = json.Unmarshal(payload, &approved)
			ctx.CancelTimer(timer)
		}
		return json.Marshal(approved)
	}
}

func runCodeActivity(exec Executor) api.ActivityFunc {
	return func(ctx api.ActivityContext, input []byte) ([]byte, error) {
		var code string
		if err := json.Unmarshal(input, &code); err != nil {
			code = string(input)
		}
		result, err := exec.Execute(ctx, code)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}
