package evidence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Mirror = (*PostgresMirror)(nil)

const ddlEvidence = `
CREATE TABLE IF NOT EXISTS evidence_records (
    id          UUID         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    category    TEXT         NOT NULL,
    value       TEXT         NOT NULL,
    details     TEXT         NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_evidence_records_session_id
    ON evidence_records (session_id, recorded_at DESC);
`

// Migrate creates the evidence table if it does not exist yet. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlEvidence); err != nil {
		return fmt.Errorf("evidence: migrate: %w", err)
	}
	return nil
}

// PostgresMirror writes records to the evidence_records table.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

// NewPostgresMirror connects to the database at dsn, verifies the connection
// and runs [Migrate].
func NewPostgresMirror(ctx context.Context, dsn string) (*PostgresMirror, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("evidence postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("evidence postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("evidence postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("evidence postgres: %w", err)
	}
	return &PostgresMirror{pool: pool}, nil
}

// Store implements [Mirror]. Writing the same record twice is a no-op.
func (m *PostgresMirror) Store(ctx context.Context, sessionID string, rec Record) error {
	const q = `
		INSERT INTO evidence_records (id, session_id, category, value, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := m.pool.Exec(ctx, q,
		rec.ID, sessionID, string(rec.Category), rec.Value, rec.Details, rec.Time,
	)
	if err != nil {
		return fmt.Errorf("evidence postgres: store: %w", err)
	}
	return nil
}

// Records returns the stored records of a session, newest first.
func (m *PostgresMirror) Records(ctx context.Context, sessionID string) ([]Record, error) {
	const q = `
		SELECT id, category, value, details, recorded_at
		FROM   evidence_records
		WHERE  session_id = $1
		ORDER  BY recorded_at DESC`

	rows, err := m.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("evidence postgres: records: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var (
			rec Record
			id  uuid.UUID
			cat string
		)
		if err := row.Scan(&id, &cat, &rec.Value, &rec.Details, &rec.Time); err != nil {
			return Record{}, err
		}
		rec.ID = id
		rec.Category = Category(cat)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("evidence postgres: records: %w", err)
	}
	return recs, nil
}

// Ping checks the database connection.
func (m *PostgresMirror) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

// Close releases the connection pool.
func (m *PostgresMirror) Close() {
	m.pool.Close()
}
