// Package worker provides the background worker that drives orchestration
// instances forward.
//
// Workers consume trigger tasks from a task queue and dispatch them to an
// engine: advance tasks replay an instance, activity tasks execute a
// scheduled activity, timer tasks record a timer firing. Tasks carry no
// state of their own; everything the engine needs lives in the instance's
// recorded history, so delivering a task twice is always safe.
//
// Failed tasks are re-enqueued with a backoff until a configurable attempt
// limit. Lease contention between workers surfaces as a retryable failure,
// so multiple workers can drain the same queue and scale horizontally.
//
// Most applications construct workers via helper functions in the dts
// package, which wire engines, queues and observers together with sensible
// defaults.
package worker
