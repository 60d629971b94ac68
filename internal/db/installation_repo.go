package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type InstallationRepo struct {
	db DBTX
}

func NewInstallationRepo(db DBTX) *InstallationRepo {
	return &InstallationRepo{db: db}
}

const installationColumns = `id, playbook_id, purchase_id, target_org_id, target_workspace_id, installed_by_user_id,
	version_installed, status, customizations, test_results, integration_status, error, activated_at, created_at, updated_at`

// Create inserts an installation. A second live (IN_PROGRESS or ACTIVE)
// installation of the same playbook into the same org fails with ErrConflict.
func (r *InstallationRepo) Create(ctx context.Context, inst *Installation) error {
	if inst.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		inst.ID = id
	}
	if inst.Status == "" {
		inst.Status = InstallationInProgress
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = nowUTC()
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	customRaw, err := encodeJSON(inst.Customizations)
	if err != nil {
		return err
	}
	resultsRaw, err := encodeJSON(inst.TestResults)
	if err != nil {
		return err
	}
	integrationRaw, err := encodeJSON(inst.IntegrationStatus)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO playbook_installations (`+installationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, inst.ID, inst.PlaybookID, inst.PurchaseID, inst.TargetOrgID, inst.TargetWorkspaceID, inst.InstalledByUserID,
		inst.VersionInstalled, string(inst.Status), customRaw, resultsRaw, integrationRaw, inst.Error,
		nullTimestamp(inst.ActivatedAt), formatTimestamp(inst.CreatedAt), formatTimestamp(inst.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: live installation of playbook %q in org %q", ErrConflict, inst.PlaybookID, inst.TargetOrgID)
		}
		return fmt.Errorf("failed to create installation: %w", err)
	}
	return nil
}

// Get returns the installation with its created entity ids filled from the
// provenance table.
func (r *InstallationRepo) Get(ctx context.Context, id string) (*Installation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM playbook_installations WHERE id = ?`, id)
	inst, err := scanInstallation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get installation %q: %w", id, err)
	}
	if err := r.fillCreated(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetLive returns the IN_PROGRESS or ACTIVE installation of a playbook in an org.
func (r *InstallationRepo) GetLive(ctx context.Context, playbookID, targetOrgID string) (*Installation, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+installationColumns+`
FROM playbook_installations
WHERE playbook_id = ? AND target_org_id = ? AND status IN ('IN_PROGRESS', 'ACTIVE')
`, playbookID, targetOrgID)
	inst, err := scanInstallation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get live installation for playbook %q: %w", playbookID, err)
	}
	if err := r.fillCreated(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *InstallationRepo) List(ctx context.Context, filter InstallationFilter) ([]*Installation, error) {
	query := `SELECT ` + installationColumns + ` FROM playbook_installations`
	args := []any{}
	where := []string{}
	if filter.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, filter.PlaybookID)
	}
	if filter.TargetOrgID != "" {
		where = append(where, "target_org_id = ?")
		args = append(args, filter.TargetOrgID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list installations: %w", err)
	}
	out := []*Installation{}
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed while iterating installations: %w", err)
	}
	rows.Close()

	for _, inst := range out {
		if err := r.fillCreated(ctx, inst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountActive counts ACTIVE installations of a playbook.
func (r *InstallationRepo) CountActive(ctx context.Context, playbookID string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM playbook_installations WHERE playbook_id = ? AND status = 'ACTIVE'
`, playbookID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active installations for playbook %q: %w", playbookID, err)
	}
	return count, nil
}

// AppendProvenance records that installationID created entityID.
func (r *InstallationRepo) AppendProvenance(ctx context.Context, installationID, kind, entityID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO installation_entities (installation_id, kind, entity_id, created_at) VALUES (?, ?, ?, ?)
`, installationID, kind, entityID, formatTimestamp(nowUTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to record provenance for installation %q: %w", installationID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read provenance seq: %w", err)
	}
	return seq, nil
}

// ListProvenance returns provenance entries in creation order.
func (r *InstallationRepo) ListProvenance(ctx context.Context, installationID string) ([]ProvenanceEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT seq, installation_id, kind, entity_id, created_at
FROM installation_entities
WHERE installation_id = ?
ORDER BY seq ASC
`, installationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provenance for installation %q: %w", installationID, err)
	}
	defer rows.Close()

	out := []ProvenanceEntry{}
	for rows.Next() {
		var e ProvenanceEntry
		var createdAtRaw string
		if err := rows.Scan(&e.Seq, &e.InstallationID, &e.Kind, &e.EntityID, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan provenance: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating provenance: %w", err)
	}
	return out, nil
}

// CompareAndSetStatus moves an installation from one of `from` to `to`.
// It reports false when the row was in none of them.
func (r *InstallationRepo) CompareAndSetStatus(ctx context.Context, id string, to InstallationStatus, from ...InstallationStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("compare-and-set for installation %q needs at least one source status", id)
	}
	placeholders := make([]string, 0, len(from))
	args := []any{string(to), formatTimestamp(nowUTC()), id}
	for _, s := range from {
		placeholders = append(placeholders, "?")
		args = append(args, string(s))
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE playbook_installations SET status = ?, updated_at = ?
WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update installation %q status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read updated rows for installation %q: %w", id, err)
	}
	return affected == 1, nil
}

// Activate moves an IN_PROGRESS installation to ACTIVE and stamps activated_at.
func (r *InstallationRepo) Activate(ctx context.Context, id string) (bool, error) {
	now := formatTimestamp(nowUTC())
	res, err := r.db.ExecContext(ctx, `
UPDATE playbook_installations SET status = 'ACTIVE', activated_at = ?, updated_at = ?
WHERE id = ? AND status = 'IN_PROGRESS'
`, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to activate installation %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read updated rows for installation %q: %w", id, err)
	}
	return affected == 1, nil
}

// SaveDetails stores the customizations, smoke test results, integration
// mapping and error text of an installation.
func (r *InstallationRepo) SaveDetails(ctx context.Context, inst *Installation) error {
	customRaw, err := encodeJSON(inst.Customizations)
	if err != nil {
		return err
	}
	resultsRaw, err := encodeJSON(inst.TestResults)
	if err != nil {
		return err
	}
	integrationRaw, err := encodeJSON(inst.IntegrationStatus)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE playbook_installations
SET customizations = ?, test_results = ?, integration_status = ?, error = ?, updated_at = ?
WHERE id = ?
`, customRaw, resultsRaw, integrationRaw, inst.Error, formatTimestamp(nowUTC()), inst.ID)
	if err != nil {
		return fmt.Errorf("failed to save installation %q details: %w", inst.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for installation %q: %w", inst.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: installation %q", ErrNotFound, inst.ID)
	}
	return nil
}

func (r *InstallationRepo) fillCreated(ctx context.Context, inst *Installation) error {
	entries, err := r.ListProvenance(ctx, inst.ID)
	if err != nil {
		return err
	}
	inst.CreatedAgentIDs = []string{}
	inst.CreatedSkillIDs = []string{}
	inst.CreatedDocumentIDs = []string{}
	inst.CreatedWorkflowIDs = []string{}
	inst.CreatedNetworkIDs = []string{}
	inst.CreatedOtherIDs = []string{}
	for _, e := range entries {
		switch e.Kind {
		case "agent":
			inst.CreatedAgentIDs = append(inst.CreatedAgentIDs, e.EntityID)
		case "skill":
			inst.CreatedSkillIDs = append(inst.CreatedSkillIDs, e.EntityID)
		case "document":
			inst.CreatedDocumentIDs = append(inst.CreatedDocumentIDs, e.EntityID)
		case "workflow":
			inst.CreatedWorkflowIDs = append(inst.CreatedWorkflowIDs, e.EntityID)
		case "network":
			inst.CreatedNetworkIDs = append(inst.CreatedNetworkIDs, e.EntityID)
		default:
			inst.CreatedOtherIDs = append(inst.CreatedOtherIDs, e.EntityID)
		}
	}
	return nil
}

func scanInstallation(row rowScanner) (*Installation, error) {
	var inst Installation
	var status, customRaw, resultsRaw, integrationRaw, createdAtRaw, updatedAtRaw string
	var activatedAt sql.NullString
	if err := row.Scan(&inst.ID, &inst.PlaybookID, &inst.PurchaseID, &inst.TargetOrgID, &inst.TargetWorkspaceID,
		&inst.InstalledByUserID, &inst.VersionInstalled, &status, &customRaw, &resultsRaw, &integrationRaw, &inst.Error,
		&activatedAt, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	inst.Status = InstallationStatus(status)
	if customRaw != "" {
		inst.Customizations = &Customizations{}
		if err := decodeJSON(customRaw, inst.Customizations); err != nil {
			return nil, err
		}
	}
	if resultsRaw != "" {
		inst.TestResults = &TestResults{}
		if err := decodeJSON(resultsRaw, inst.TestResults); err != nil {
			return nil, err
		}
	}
	if err := decodeJSON(integrationRaw, &inst.IntegrationStatus); err != nil {
		return nil, err
	}
	if activatedAt.Valid {
		ts, err := parseTimestamp(activatedAt.String)
		if err != nil {
			return nil, err
		}
		inst.ActivatedAt = &ts
	}
	var err error
	if inst.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &inst, nil
}

func nullTimestamp(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(*ts), Valid: true}
}
