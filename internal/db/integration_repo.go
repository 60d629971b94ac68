package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const ConnectionActive = "ACTIVE"

type IntegrationRepo struct {
	db DBTX
}

func NewIntegrationRepo(db DBTX) *IntegrationRepo {
	return &IntegrationRepo{db: db}
}

func (r *IntegrationRepo) GetProvider(ctx context.Context, key string) (*IntegrationProvider, error) {
	var p IntegrationProvider
	err := r.db.QueryRowContext(ctx, `SELECT key, name FROM integration_providers WHERE key = ?`, key).Scan(&p.Key, &p.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get integration provider %q: %w", key, err)
	}
	return &p, nil
}

func (r *IntegrationRepo) ListProviders(ctx context.Context) ([]IntegrationProvider, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, name FROM integration_providers ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list integration providers: %w", err)
	}
	defer rows.Close()

	out := []IntegrationProvider{}
	for rows.Next() {
		var p IntegrationProvider
		if err := rows.Scan(&p.Key, &p.Name); err != nil {
			return nil, fmt.Errorf("failed to scan integration provider: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating integration providers: %w", err)
	}
	return out, nil
}

func (r *IntegrationRepo) CreateProvider(ctx context.Context, p IntegrationProvider) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO integration_providers (key, name) VALUES (?, ?)`, p.Key, p.Name); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: integration provider %q", ErrConflict, p.Key)
		}
		return fmt.Errorf("failed to create integration provider %q: %w", p.Key, err)
	}
	return nil
}

func (r *IntegrationRepo) CreateConnection(ctx context.Context, c *IntegrationConnection) error {
	if c.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		c.ID = id
	}
	if c.Status == "" {
		c.Status = ConnectionActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = nowUTC()
	}
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO integration_connections (id, org_id, workspace_id, provider_key, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, c.ID, c.OrgID, c.WorkspaceID, c.ProviderKey, c.Status, formatTimestamp(c.CreatedAt)); err != nil {
		return fmt.Errorf("failed to create integration connection: %w", err)
	}
	return nil
}

// ActiveConnection finds an ACTIVE connection for a provider. A connection
// scoped to the workspace wins over an org-wide one.
func (r *IntegrationRepo) ActiveConnection(ctx context.Context, orgID, workspaceID, providerKey string) (*IntegrationConnection, error) {
	var c IntegrationConnection
	var createdAtRaw string
	err := r.db.QueryRowContext(ctx, `
SELECT id, org_id, workspace_id, provider_key, status, created_at
FROM integration_connections
WHERE org_id = ? AND provider_key = ? AND status = 'ACTIVE' AND (workspace_id = ? OR workspace_id = '')
ORDER BY CASE WHEN workspace_id = ? THEN 0 ELSE 1 END, created_at ASC
LIMIT 1
`, orgID, providerKey, workspaceID, workspaceID).Scan(&c.ID, &c.OrgID, &c.WorkspaceID, &c.ProviderKey, &c.Status, &createdAtRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find %s connection for org %q: %w", providerKey, orgID, err)
	}
	if c.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *IntegrationRepo) SetConnectionStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE integration_connections SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update connection %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for connection %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: connection %q", ErrNotFound, id)
	}
	return nil
}
