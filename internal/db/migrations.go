package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create marketplace tables",
		sql: `
CREATE TABLE IF NOT EXISTS playbooks (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'DRAFT',
	pricing_model TEXT NOT NULL DEFAULT 'FREE',
	price_cents INTEGER NOT NULL DEFAULT 0,
	publisher_org_id TEXT NOT NULL,
	install_count INTEGER NOT NULL DEFAULT 0,
	average_rating REAL NOT NULL DEFAULT 0,
	review_count INTEGER NOT NULL DEFAULT 0,
	required_integrations TEXT NOT NULL DEFAULT '[]',
	current_version INTEGER NOT NULL DEFAULT 0,
	pending_manifest TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS playbook_versions (
	playbook_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	manifest TEXT NOT NULL,
	digest TEXT NOT NULL,
	changelog TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (playbook_id, version),
	FOREIGN KEY(playbook_id) REFERENCES playbooks(id)
);

CREATE TABLE IF NOT EXISTS playbook_components (
	id TEXT PRIMARY KEY,
	playbook_id TEXT NOT NULL,
	component_type TEXT NOT NULL,
	source_entity_id TEXT NOT NULL DEFAULT '',
	source_slug TEXT NOT NULL,
	config_snapshot TEXT NOT NULL DEFAULT '',
	is_entry_point INTEGER NOT NULL DEFAULT 0,
	sort_order INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (playbook_id, component_type, source_slug),
	FOREIGN KEY(playbook_id) REFERENCES playbooks(id)
);

CREATE TABLE IF NOT EXISTS playbook_purchases (
	id TEXT PRIMARY KEY,
	playbook_id TEXT NOT NULL,
	buyer_org_id TEXT NOT NULL,
	buyer_user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	pricing_model TEXT NOT NULL,
	amount_cents INTEGER NOT NULL DEFAULT 0,
	platform_fee_cents INTEGER NOT NULL DEFAULT 0,
	seller_payout_cents INTEGER NOT NULL DEFAULT 0,
	payment_ref TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(playbook_id) REFERENCES playbooks(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_purchases_open
ON playbook_purchases(playbook_id, buyer_org_id) WHERE status IN ('PENDING', 'COMPLETED');

CREATE TABLE IF NOT EXISTS playbook_installations (
	id TEXT PRIMARY KEY,
	playbook_id TEXT NOT NULL,
	purchase_id TEXT NOT NULL,
	target_org_id TEXT NOT NULL,
	target_workspace_id TEXT NOT NULL,
	installed_by_user_id TEXT NOT NULL,
	version_installed INTEGER NOT NULL,
	status TEXT NOT NULL,
	customizations TEXT NOT NULL DEFAULT '',
	test_results TEXT NOT NULL DEFAULT '',
	integration_status TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	activated_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(playbook_id) REFERENCES playbooks(id),
	FOREIGN KEY(purchase_id) REFERENCES playbook_purchases(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_installations_live
ON playbook_installations(playbook_id, target_org_id) WHERE status IN ('IN_PROGRESS', 'ACTIVE');

CREATE TABLE IF NOT EXISTS installation_entities (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	installation_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(installation_id) REFERENCES playbook_installations(id)
);

CREATE TABLE IF NOT EXISTS playbook_reviews (
	id TEXT PRIMARY KEY,
	playbook_id TEXT NOT NULL,
	reviewer_org_id TEXT NOT NULL,
	reviewer_user_id TEXT NOT NULL,
	rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (playbook_id, reviewer_org_id),
	FOREIGN KEY(playbook_id) REFERENCES playbooks(id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspace_entities (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	org_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	slug TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	spec TEXT NOT NULL DEFAULT '',
	refs TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (workspace_id, kind, slug)
);

CREATE INDEX IF NOT EXISTS idx_playbooks_status ON playbooks(status);
CREATE INDEX IF NOT EXISTS idx_purchases_buyer ON playbook_purchases(buyer_org_id);
CREATE INDEX IF NOT EXISTS idx_installations_target ON playbook_installations(target_org_id);
CREATE INDEX IF NOT EXISTS idx_installation_entities_installation ON installation_entities(installation_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_workspace_entities_workspace ON workspace_entities(workspace_id, kind);
`,
	},
	{
		version: 2,
		name:    "create integration catalog",
		sql: `
CREATE TABLE IF NOT EXISTS integration_providers (
	key TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS integration_connections (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	provider_key TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at TEXT NOT NULL,
	FOREIGN KEY(provider_key) REFERENCES integration_providers(key)
);

CREATE INDEX IF NOT EXISTS idx_integration_connections_org ON integration_connections(org_id, provider_key);

INSERT OR IGNORE INTO integration_providers (key, name) VALUES
	('slack', 'Slack'),
	('zendesk', 'Zendesk'),
	('github', 'GitHub'),
	('salesforce', 'Salesforce'),
	('google-drive', 'Google Drive'),
	('hubspot', 'HubSpot');
`,
	},
}

func RunMigrations(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`); err != nil {
		return fmt.Errorf("failed to ensure _meta table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', '0')`); err != nil {
		return fmt.Errorf("failed to initialize schema version: %w", err)
	}

	var currentRaw string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&currentRaw); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	currentVersion, err := strconv.Atoi(currentRaw)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", currentRaw, err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("failed migration %03d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _meta SET value = ? WHERE key = 'schema_version'`, strconv.Itoa(m.version)); err != nil {
			return fmt.Errorf("failed to set schema version %03d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}

	return nil
}

// SchemaVersion returns the last applied migration version.
func SchemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var raw string
	if err := conn.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	return v, nil
}
