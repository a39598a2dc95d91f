package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("receipt not found")

// SQLiteSink stores receipts in a local SQLite database. The full canonical
// document is kept next to a few indexed columns.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		receipt_id TEXT PRIMARY KEY,
		ts_ms INTEGER NOT NULL,
		tenant_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		ok INTEGER NOT NULL,
		status INTEGER NOT NULL,
		estimated_usd REAL NOT NULL,
		actual_usd REAL,
		key_id TEXT,
		body JSON NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate receipts: %w", err)
	}
	index := `CREATE INDEX IF NOT EXISTS receipts_tenant_ts ON receipts (tenant_id, ts_ms);`
	if _, err := s.db.ExecContext(context.Background(), index); err != nil {
		return fmt.Errorf("migrate receipts: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, r *Receipt) error {
	body, err := Canonicalize(r)
	if err != nil {
		return fmt.Errorf("sqlite sink: %w", err)
	}
	var keyID sql.NullString
	if r.Signature != nil {
		keyID = sql.NullString{String: r.Signature.KeyID, Valid: true}
	}
	var actual sql.NullFloat64
	if r.Result.ActualUSD != nil {
		actual = sql.NullFloat64{Float64: *r.Result.ActualUSD, Valid: true}
	}

	query := `
	INSERT INTO receipts (receipt_id, ts_ms, tenant_id, run_id, provider, model, ok, status, estimated_usd, actual_usd, key_id, body)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		r.ReceiptID, r.TsMs, r.TenantID, r.RunID, r.Provider, r.Model,
		r.Result.OK, r.Result.Status, r.Result.EstimatedUSD, actual, keyID, string(body),
	)
	if err != nil {
		return fmt.Errorf("sqlite sink: insert %s: %w", r.ReceiptID, err)
	}
	return nil
}

// Get returns the stored canonical document for id.
func (s *SQLiteSink) Get(ctx context.Context, id string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM receipts WHERE receipt_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: get %s: %w", id, err)
	}
	return []byte(body), nil
}

// ListByTenant returns a tenant's receipts, newest first.
func (s *SQLiteSink) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM receipts WHERE tenant_id = ? ORDER BY ts_ms DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite sink: scan: %w", err)
		}
		var r Receipt
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("sqlite sink: decode: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
