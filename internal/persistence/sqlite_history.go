package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/torosent/aca-dts/pkg/api"
)

// SQLiteHistoryStore stores orchestration history events in SQLite.
//
// The (instance_id, seq) unique index is the durable backstop for the
// single-writer-per-instance discipline: a conflicting append can never
// land even if the in-transaction sequence check is bypassed.
type SQLiteHistoryStore struct {
	db *sql.DB
}

// Ensure SQLiteHistoryStore implements HistoryStore.
var _ HistoryStore = (*SQLiteHistoryStore)(nil)

func NewSQLiteHistoryStore(db *sql.DB) (*SQLiteHistoryStore, error) {
	s := &SQLiteHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			at INTEGER NOT NULL,
			schedule_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			payload BLOB,
			error TEXT NOT NULL DEFAULT '',
			fire_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, seq)
		);
	`)
	return err
}

func (s *SQLiteHistoryStore) AppendEvents(ctx context.Context, instanceID string, expectedNextSeq int64, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE instance_id = ?`,
		instanceID,
	).Scan(&maxSeq); err != nil {
		_ = tx.Rollback()
		return err
	}

	if maxSeq+1 != expectedNextSeq {
		_ = tx.Rollback()
		return api.ErrSequenceConflict
	}

	for i := range events {
		ev := events[i]
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		var fireAt int64
		if !ev.FireAt.IsZero() {
			fireAt = ev.FireAt.UnixNano()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (instance_id, seq, type, at, schedule_id, name, payload, error, fire_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			instanceID,
			expectedNextSeq+int64(i),
			string(ev.Type),
			at.UnixNano(),
			ev.ScheduleID,
			ev.Name,
			ev.Payload,
			ev.Error,
			fireAt,
		); err != nil {
			_ = tx.Rollback()
			if sqliteUniqueViolation(err) {
				return api.ErrSequenceConflict
			}
			return err
		}
	}

	return tx.Commit()
}

// sqliteUniqueViolation reports whether err is a unique or primary key
// constraint failure, raised when an insert collides with the
// (instance_id, seq) primary key. That key is the durable backstop for
// conflicting appends.
func sqliteUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s *SQLiteHistoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, type, at, schedule_id, name, payload, error, fire_at
		FROM history_events
		WHERE instance_id = ?
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		var (
			ev     api.HistoryEvent
			typ    string
			atN    int64
			fireAt int64
		)
		if err := rows.Scan(&ev.InstanceID, &ev.Sequence, &typ, &atN, &ev.ScheduleID, &ev.Name, &ev.Payload, &ev.Error, &fireAt); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.At = time.Unix(0, atN)
		if fireAt != 0 {
			ev.FireAt = time.Unix(0, fireAt)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
