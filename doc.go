// Package dts provides a lightweight, embeddable durable orchestration
// engine for Go.
//
// It is designed for backend services that need long-running operations with
// human-in-the-loop steps: run some work, surface its result, then wait hours
// or days for an external decision without holding a goroutine or losing
// progress across restarts. It runs fully in Go, supports multiple
// persistence backends, and integrates cleanly into existing codebases.
//
// # Core Concepts
//
// The programming model is intentionally small and idiomatic:
//
//  1. Engine
//  2. Worker
//  3. OrchestratorFunc
//  4. ActivityFunc
//  5. LocalRunner
//
// These components form a complete orchestration system with deterministic
// replay, durable state (when using persistent backends), and a clear mental
// model.
//
// # Engine
//
// The Engine registers orchestrations and activities, persists per-instance
// history, replays orchestrators against that history, and provides APIs to:
//   - start orchestration instances
//   - advance instances as activity results, timer firings and external
//     events arrive
//   - raise external events
//   - read instance state and history
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres (optionally with Redis for signal buffering)
//
// Every state transition is an append to the instance's history log.
// Replaying the orchestrator against that log reconstructs exactly where the
// instance suspended, so a process crash never loses progress: the history is
// the source of truth and trigger tasks are merely pointers into it.
//
// # Worker
//
// A Worker pulls trigger tasks from a configured queue and invokes the
// matching Engine operation: advancing an instance, executing a scheduled
// activity, or firing a due timer. Workers run asynchronously and can be
// scaled horizontally; per-instance leases keep concurrent workers from
// interleaving writes to the same history.
//
// All Engine operations a worker invokes are idempotent with respect to
// recorded history, so tasks are safe to re-deliver after a crash.
//
// # OrchestratorFunc
//
// An OrchestratorFunc describes the control flow of one orchestration. It is
// replayed from the beginning on every advance, so it must be deterministic:
// all interaction with the outside world goes through the
// OrchestrationContext, which records decisions into history on first
// execution and feeds recorded outcomes back on replay.
//
//	func approval(ctx dts.OrchestrationContext) ([]byte, error) {
//	    result, err := ctx.CallActivity("run-code", ctx.Input())
//	    if err != nil {
//	        return nil, err
//	    }
//	    ctx.SetCustomStatus(result)
//
//	    timer := ctx.CreateTimer(24 * time.Hour)
//	    event := ctx.WaitForEvent("HumanApproval")
//	    winner, err := ctx.WaitAny(timer, event)
//	    ...
//	}
//
// # ActivityFunc
//
// An ActivityFunc is the unit of real work: it may call external services,
// take arbitrary time, and fail. Activities execute outside the instance
// lease and outside replay; only their recorded outcome is durable. They
// should be idempotent, since a crash between execution and recording can
// cause a second run.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and worker into a single,
// process-local helper useful for development and unit testing. It is
// intentionally not crash-durable, but it provides the most convenient way to
// run and debug orchestrations during development.
//
// For a complete HTTP-fronted deployment, see cmd/server.
package dts
