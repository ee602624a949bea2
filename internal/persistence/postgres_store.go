package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/torosent/aca-dts/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	import _ "github.com/lib/pq"
type PostgresInstanceStore struct {
	db *sql.DB
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *sql.DB) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresInstanceStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			orchestration TEXT NOT NULL,
			status TEXT NOT NULL,
			input BYTEA,
			custom_status TEXT NOT NULL DEFAULT '',
			result BYTEA,
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
	`)
	return err
}

func (p *PostgresInstanceStore) SaveInstance(inst *api.Instance) error {
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err := p.db.Exec(`
		INSERT INTO instances (id, orchestration, status, input, custom_status, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID,
		inst.Orchestration,
		string(inst.Status),
		inst.Input,
		inst.CustomStatus,
		inst.Result,
		inst.Err,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	return err
}

func (p *PostgresInstanceStore) UpdateInstance(inst *api.Instance) error {
	inst.UpdatedAt = time.Now()

	res, err := p.db.Exec(`
		UPDATE instances
		SET orchestration = $1, status = $2, input = $3, custom_status = $4, result = $5, error = $6, updated_at = $7
		WHERE id = $8`,
		inst.Orchestration,
		string(inst.Status),
		inst.Input,
		inst.CustomStatus,
		inst.Result,
		inst.Err,
		inst.UpdatedAt.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrInstanceNotFound
	}

	return nil
}

func (p *PostgresInstanceStore) GetInstance(id string) (*api.Instance, error) {
	row := p.db.QueryRow(`
		SELECT id, orchestration, status, input, custom_status, result, error, created_at, updated_at
		FROM instances
		WHERE id = $1`,
		id,
	)

	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (p *PostgresInstanceStore) ListInstances(filter InstanceFilter) ([]*api.Instance, error) {
	query := `
		SELECT id, orchestration, status, input, custom_status, result, error, created_at, updated_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.Orchestration != "" {
		args = append(args, filter.Orchestration)
		clauses = append(clauses, "orchestration = $1")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		if len(args) == 1 {
			clauses = append(clauses, "status = $1")
		} else {
			clauses = append(clauses, "status = $2")
		}
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

func (p *PostgresInstanceStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (lease_owner = '' OR lease_expires_at <= $4 OR lease_owner = $5)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresInstanceStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrInstanceNotFound
	}
	return nil
}

func (p *PostgresInstanceStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND (lease_owner = '' OR lease_owner = $2)`,
		instanceID, owner,
	)
	return err
}

// PostgresHistoryStore stores orchestration history events in PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

// Ensure PostgresHistoryStore implements HistoryStore.
var _ HistoryStore = (*PostgresHistoryStore)(nil)

func NewPostgresHistoryStore(db *sql.DB) (*PostgresHistoryStore, error) {
	s := &PostgresHistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresHistoryStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			at BIGINT NOT NULL,
			schedule_id BIGINT NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			error TEXT NOT NULL DEFAULT '',
			fire_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, seq)
		);
	`)
	return err
}

func (p *PostgresHistoryStore) AppendEvents(ctx context.Context, instanceID string, expectedNextSeq int64, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	// Serialize appends for this instance. An aggregate query cannot
	// carry a locking clause, so take a transaction-scoped advisory
	// lock keyed on the instance id before reading MAX(seq).
	if _, err := tx.ExecContext(ctx, `
		SELECT pg_advisory_xact_lock(hashtext($1))`, instanceID,
	); err != nil {
		_ = tx.Rollback()
		return err
	}

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM history_events WHERE instance_id = $1`,
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
			if pgUniqueViolation(err) {
				return api.ErrSequenceConflict
			}
			return err
		}
	}

	return tx.Commit()
}

// pgUniqueViolation reports whether err is PostgreSQL error 23505,
// raised when an insert collides with the (instance_id, seq) primary
// key. That key is the durable backstop for conflicting appends.
func pgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresHistoryStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT instance_id, seq, type, at, schedule_id, name, payload, error, fire_at
		FROM history_events
		WHERE instance_id = $1
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

// PostgresSignalStore buffers early external signals in PostgreSQL.
type PostgresSignalStore struct {
	db *sql.DB
}

// Ensure PostgresSignalStore implements SignalStore.
var _ SignalStore = (*PostgresSignalStore)(nil)

func NewPostgresSignalStore(db *sql.DB) (*PostgresSignalStore, error) {
	s := &PostgresSignalStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresSignalStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS buffered_signals (
			instance_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			payload BYTEA,
			expires_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, event_name)
		);
	`)
	return err
}

func (p *PostgresSignalStore) SaveSignal(ctx context.Context, sig BufferedSignal) error {
	var expires int64
	if !sig.ExpiresAt.IsZero() {
		expires = sig.ExpiresAt.UnixNano()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO buffered_signals (instance_id, event_name, payload, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instance_id, event_name) DO UPDATE
		SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
		sig.InstanceID, sig.EventName, sig.Payload, expires,
	)
	return err
}

func (p *PostgresSignalStore) TakeSignal(ctx context.Context, instanceID, eventName string) (*BufferedSignal, error) {
	var (
		payload []byte
		expires int64
	)
	err := p.db.QueryRowContext(ctx, `
		DELETE FROM buffered_signals
		WHERE instance_id = $1 AND event_name = $2
		RETURNING payload, expires_at`,
		instanceID, eventName,
	).Scan(&payload, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSignalNotFound
		}
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

func (p *PostgresSignalStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM buffered_signals WHERE expires_at != 0 AND expires_at <= $1`,
		now.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
