package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/torosent/aca-dts/pkg/api"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteInstanceStore_RoundTrip(t *testing.T) {
	db := openTestDB(t)

	store, err := NewSQLiteInstanceStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteInstanceStore: %v", err)
	}

	inst := &api.Instance{
		ID:            "inst-1",
		Orchestration: "code-execution",
		Status:        api.StatusRunning,
		Input:         []byte(`print(1)`),
		CustomStatus:  "",
	}
	if err := store.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	got, err := store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if string(got.Input) != "print(1)" {
		t.Fatalf("input not persisted: %q", got.Input)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}

	got.Status = api.StatusFailed
	got.Err = "activity run-code-in-session failed: boom"
	got.CustomStatus = `{"stdout":"1"}`
	if err := store.UpdateInstance(got); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}

	again, err := store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance after update: %v", err)
	}
	if again.Status != api.StatusFailed || again.Err == "" || again.CustomStatus == "" {
		t.Fatalf("update lost fields: %+v", again)
	}

	if _, err := store.GetInstance("missing"); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestSQLiteInstanceStore_Leases(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	store, err := NewSQLiteInstanceStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteInstanceStore: %v", err)
	}
	if err := store.SaveInstance(&api.Instance{ID: "inst-1", Orchestration: "code-execution", Status: api.StatusRunning}); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	acq, err := store.TryAcquireLease(ctx, "inst-1", "w1", 100*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease: acq=%v err=%v", acq, err)
	}
	acq, err = store.TryAcquireLease(ctx, "inst-1", "w2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease w2: %v", err)
	}
	if acq {
		t.Fatalf("w2 stole a live lease")
	}
	if err := store.RenewLease(ctx, "inst-1", "w1", 100*time.Millisecond); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if err := store.RenewLease(ctx, "inst-1", "w2", 100*time.Millisecond); err == nil {
		t.Fatalf("expected RenewLease to fail for non-owner")
	}
	if err := store.ReleaseLease(ctx, "inst-1", "w1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	acq, err = store.TryAcquireLease(ctx, "inst-1", "w2", 100*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease after release: acq=%v err=%v", acq, err)
	}
}

func TestSQLiteHistoryStore_AppendAndConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	store, err := NewSQLiteHistoryStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteHistoryStore: %v", err)
	}

	fireAt := time.Now().Add(24 * time.Hour).Truncate(time.Millisecond)
	err = store.AppendEvents(ctx, "inst-1", 1, []api.HistoryEvent{
		{Type: api.EventOrchestrationStarted, Payload: []byte(`print(1)`)},
		{Type: api.EventActivityScheduled, Name: "run-code-in-session", Payload: []byte(`print(1)`)},
		{Type: api.EventActivityCompleted, ScheduleID: 2, Payload: []byte(`"ok"`)},
		{Type: api.EventTimerCreated, FireAt: fireAt},
	})
	if err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	err = store.AppendEvents(ctx, "inst-1", 4, []api.HistoryEvent{
		{Type: api.EventTimerFired, ScheduleID: 4},
	})
	if !errors.Is(err, api.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}

	events, err := store.ListEvents(ctx, "inst-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[3].Type != api.EventTimerCreated {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if !events[3].FireAt.Equal(fireAt) {
		t.Fatalf("fire_at not preserved: got %v want %v", events[3].FireAt, fireAt)
	}

	// Histories are per instance: another instance starts at sequence 1.
	if err := store.AppendEvents(ctx, "inst-2", 1, []api.HistoryEvent{
		{Type: api.EventOrchestrationStarted},
	}); err != nil {
		t.Fatalf("AppendEvents inst-2: %v", err)
	}
}

func TestSQLiteHistoryStore_UniqueViolationIsSequenceConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	store, err := NewSQLiteHistoryStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteHistoryStore: %v", err)
	}
	if err := store.AppendEvents(ctx, "inst-1", 1, []api.HistoryEvent{
		{Type: api.EventOrchestrationStarted},
	}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	// A writer that slipped past the in-transaction sequence check still
	// collides with the (instance_id, seq) primary key. That driver
	// error must be classified so AppendEvents can surface it as
	// ErrSequenceConflict instead of a raw constraint failure.
	_, err = db.Exec(`
		INSERT INTO history_events (instance_id, seq, type, at)
		VALUES ('inst-1', 1, 'orchestration.started', 0)`)
	if err == nil {
		t.Fatalf("expected duplicate primary key insert to fail")
	}
	if !sqliteUniqueViolation(err) {
		t.Fatalf("constraint error not classified as unique violation: %v", err)
	}
	if sqliteUniqueViolation(errors.New("unrelated")) {
		t.Fatalf("unrelated error classified as unique violation")
	}
}

func TestSQLiteSignalStore_BufferTakePurge(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	store, err := NewSQLiteSignalStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteSignalStore: %v", err)
	}

	if err := store.SaveSignal(ctx, BufferedSignal{
		InstanceID: "inst-1",
		EventName:  "HumanApproval",
		Payload:    []byte("false"),
		ExpiresAt:  time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveSignal: %v", err)
	}

	// A second buffered delivery overwrites the first.
	if err := store.SaveSignal(ctx, BufferedSignal{
		InstanceID: "inst-1",
		EventName:  "HumanApproval",
		Payload:    []byte("true"),
		ExpiresAt:  time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("SaveSignal overwrite: %v", err)
	}

	got, err := store.TakeSignal(ctx, "inst-1", "HumanApproval")
	if err != nil {
		t.Fatalf("TakeSignal: %v", err)
	}
	if string(got.Payload) != "true" {
		t.Fatalf("expected overwritten payload, got %q", got.Payload)
	}
	if _, err := store.TakeSignal(ctx, "inst-1", "HumanApproval"); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected ErrSignalNotFound after take, got %v", err)
	}

	if err := store.SaveSignal(ctx, BufferedSignal{
		InstanceID: "inst-2",
		EventName:  "HumanApproval",
		ExpiresAt:  time.Now().Add(-time.Second),
	}); err != nil {
		t.Fatalf("SaveSignal expired: %v", err)
	}
	n, err := store.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}
