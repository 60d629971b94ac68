// Package dbtest opens throwaway databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/agentmarket/internal/db"
)

func Open(t testing.TB) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentmarket-test.db")
	database, err := db.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}

// Connect registers an ACTIVE org-wide connection for provider.
func Connect(t testing.TB, database *db.DB, orgID, provider string) *db.IntegrationConnection {
	t.Helper()
	conn := &db.IntegrationConnection{OrgID: orgID, ProviderKey: provider}
	if err := database.Repos().Integrations.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("CreateConnection(%s) error = %v", provider, err)
	}
	return conn
}
