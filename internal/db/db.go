package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every repo can run inside
// or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type DB struct {
	conn *sql.DB
}

func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}

	// One connection: writers are serialized and the partial unique indexes pick
	// exactly one winner.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := RunMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

func (d *DB) SQL() *sql.DB {
	return d.conn
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Repos bundles every repository over one DBTX.
type Repos struct {
	Playbooks     *PlaybookRepo
	Versions      *VersionRepo
	Components    *ComponentRepo
	Purchases     *PurchaseRepo
	Installations *InstallationRepo
	Reviews       *ReviewRepo
	Audit         *AuditRepo
	Entities      *EntityRepo
	Integrations  *IntegrationRepo
}

func NewRepos(q DBTX) *Repos {
	return &Repos{
		Playbooks:     NewPlaybookRepo(q),
		Versions:      NewVersionRepo(q),
		Components:    NewComponentRepo(q),
		Purchases:     NewPurchaseRepo(q),
		Installations: NewInstallationRepo(q),
		Reviews:       NewReviewRepo(q),
		Audit:         NewAuditRepo(q),
		Entities:      NewEntityRepo(q),
		Integrations:  NewIntegrationRepo(q),
	}
}

// Repos returns repositories bound to the connection pool. Do not use them
// from inside InTx: the pool holds one connection and the call would block.
func (d *DB) Repos() *Repos {
	return NewRepos(d.conn)
}

// InTx runs fn inside one transaction and commits when fn returns nil.
func (d *DB) InTx(ctx context.Context, fn func(r *Repos) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(NewRepos(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
