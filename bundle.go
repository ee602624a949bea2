package dts

import (
	"database/sql"

	"github.com/torosent/aca-dts/internal/taskqueue"
	workerpkg "github.com/torosent/aca-dts/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable trigger queue, and a
// Worker that consumes tasks from that queue.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported for now; it is primarily useful for internal
	// inspection and tests. The public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Instances, history, buffered signals and queued
// trigger tasks are all persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:dts.db?_journal=WAL")
//	bundle, err := dts.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
//	// register orchestrations and activities on bundle.Engine
//	// run bundle.Worker to drain triggers
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, q, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}

	w := workerpkg.New(eng, q, cfg)

	return &WorkerBundle{
		Engine: eng,
		Worker: w,
		queue:  q,
	}, nil
}
