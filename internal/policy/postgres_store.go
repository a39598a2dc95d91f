package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const Schema = `
CREATE TABLE IF NOT EXISTS tenant_policies (
	tenant_id  TEXT PRIMARY KEY,
	policy     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create tenant_policies: %w", err)
	}
	return nil
}

// GetPolicy prefers the tenant's own row and falls back to the default row.
func (s *PostgresStore) GetPolicy(ctx context.Context, tenantID string) (*TenantPolicy, error) {
	query := `
		SELECT policy
		FROM tenant_policies
		WHERE tenant_id = $1 OR tenant_id = $2
		ORDER BY (tenant_id = $1) DESC
		LIMIT 1
	`

	var raw []byte
	if err := s.db.QueryRow(ctx, query, tenantID, DefaultTenant).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: tenant %s", ErrPolicyNotFound, tenantID)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	var p TenantPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	p.TenantID = tenantID
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Put inserts or replaces the stored policy for p.TenantID.
func (s *PostgresStore) Put(ctx context.Context, p *TenantPolicy) error {
	if err := Validate(p); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	query := `
		INSERT INTO tenant_policies (tenant_id, policy, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET policy = EXCLUDED.policy, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, p.TenantID, raw); err != nil {
		return fmt.Errorf("failed to store policy: %w", err)
	}
	return nil
}
