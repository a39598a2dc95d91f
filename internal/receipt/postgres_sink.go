package receipt

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS audit_receipts (
	receipt_id    TEXT PRIMARY KEY,
	ts_ms         BIGINT NOT NULL,
	tenant_id     TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	ok            BOOLEAN NOT NULL,
	status        INTEGER NOT NULL,
	estimated_usd DOUBLE PRECISION NOT NULL,
	actual_usd    DOUBLE PRECISION,
	body          JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresSink struct {
	db DB
}

func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to create audit_receipts: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, r *Receipt) error {
	body, err := Canonicalize(r)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}

	query := `
		INSERT INTO audit_receipts (receipt_id, ts_ms, tenant_id, run_id, provider, model, ok, status, estimated_usd, actual_usd, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (receipt_id) DO NOTHING
	`
	_, err = s.db.Exec(ctx, query,
		r.ReceiptID, r.TsMs, r.TenantID, r.RunID, r.Provider, r.Model,
		r.Result.OK, r.Result.Status, r.Result.EstimatedUSD, r.Result.ActualUSD, body,
	)
	if err != nil {
		return fmt.Errorf("failed to store receipt: %w", err)
	}
	return nil
}
