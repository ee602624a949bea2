package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteSignalStore buffers early external signals in SQLite.
type SQLiteSignalStore struct {
	db *sql.DB
}

// Ensure SQLiteSignalStore implements SignalStore.
var _ SignalStore = (*SQLiteSignalStore)(nil)

func NewSQLiteSignalStore(db *sql.DB) (*SQLiteSignalStore, error) {
	s := &SQLiteSignalStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSignalStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS buffered_signals (
			instance_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			payload BLOB,
			expires_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, event_name)
		);
	`)
	return err
}

func (s *SQLiteSignalStore) SaveSignal(ctx context.Context, sig BufferedSignal) error {
	var expires int64
	if !sig.ExpiresAt.IsZero() {
		expires = sig.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buffered_signals (instance_id, event_name, payload, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, event_name) DO UPDATE
		SET payload = excluded.payload, expires_at = excluded.expires_at`,
		sig.InstanceID, sig.EventName, sig.Payload, expires,
	)
	return err
}

func (s *SQLiteSignalStore) TakeSignal(ctx context.Context, instanceID, eventName string) (*BufferedSignal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		payload []byte
		expires int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT payload, expires_at FROM buffered_signals
		WHERE instance_id = ? AND event_name = ?`,
		instanceID, eventName,
	).Scan(&payload, &expires)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSignalNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM buffered_signals WHERE instance_id = ? AND event_name = ?`,
		instanceID, eventName,
	); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sig := BufferedSignal{
		InstanceID: instanceID,
		EventName:  eventName,
		Payload:    payload,
	}
	if expires != 0 {
		sig.ExpiresAt = time.Unix(0, expires)
		if !sig.ExpiresAt.After(time.Now()) {
			return nil, ErrSignalNotFound
		}
	}
	return &sig, nil
}

func (s *SQLiteSignalStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM buffered_signals WHERE expires_at != 0 AND expires_at <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
