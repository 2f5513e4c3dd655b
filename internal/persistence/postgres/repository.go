package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/sessiontimeline/internal/observability"
	"example.com/sessiontimeline/internal/session"
)

// Repository provides Postgres-backed persistence for session records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveSession upserts the serialized record keyed by tenant and session id.
// Autosaves and the final persist at session end both land here; the latest
// write wins, which is safe because every record is a full snapshot.
func (r *Repository) SaveSession(ctx context.Context, record session.Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO session_records (tenant_id, session_id, schema_version, started_at, ended_at, record, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (tenant_id, session_id) DO UPDATE
        SET schema_version=EXCLUDED.schema_version, started_at=EXCLUDED.started_at,
            ended_at=EXCLUDED.ended_at, record=EXCLUDED.record, updated_at=EXCLUDED.updated_at`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", record.Session.TenantID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, stmt,
		record.Session.TenantID,
		record.Session.ID,
		record.SchemaVersion,
		record.Session.StartedAt,
		record.Session.EndedAt,
		body,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return err
	}
	observability.RecordSessionPersisted(time.Now().UTC())
	return nil
}

// Get retrieves a session record by ID, or nil when no record exists for the
// tenant.
func (r *Repository) Get(ctx context.Context, tenantID, sessionID string) (*session.Record, error) {
	const query = `SELECT record FROM session_records WHERE tenant_id=$1 AND session_id=$2`

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, query, tenantID, sessionID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	record, err := session.DecodeRecord(body)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByTenant returns session headers for a tenant ordered by start time,
// newest first.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]session.SessionInfo, error) {
	const query = `SELECT session_id, started_at, ended_at
        FROM session_records WHERE tenant_id=$1
        ORDER BY started_at DESC, session_id DESC LIMIT $2`

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]session.SessionInfo, 0, limit)
	for rows.Next() {
		info := session.SessionInfo{TenantID: tenantID}
		if err := rows.Scan(&info.ID, &info.StartedAt, &info.EndedAt); err != nil {
			return nil, err
		}
		results = append(results, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}
