package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	base := []string{
		"--config", filepath.Join(dir, "config"),
		"--db", filepath.Join(dir, "agentmarket.db"),
		"--tools-dir", filepath.Join(dir, "tools"),
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, base...))
	t.Cleanup(func() {
		validateSample = ""
		validatePrint = false
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateSample(t *testing.T) {
	out, err := run(t, "validate", "--sample", "support-desk")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: ")
	assert.Contains(t, out, "digest ")
	assert.NotContains(t, out, "warning:")
}

func TestValidatePrintsYAML(t *testing.T) {
	out, err := run(t, "validate", "--sample", "support-desk", "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "---\n")
	assert.Contains(t, out, "slug: ticket-lookup")
}

func TestToolsListsDefaults(t *testing.T) {
	out, err := run(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "zendesk.get_ticket")
	assert.Contains(t, out, "slack.post_message")
}

func TestRecoverOnEmptyStore(t *testing.T) {
	out, err := run(t, "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "0 stale deploy(s) recovered")
}

func TestValidateRequiresInput(t *testing.T) {
	_, err := run(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--sample")
}

func TestMigrateReportsSchemaVersion(t *testing.T) {
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version ")
}

func TestIntegrationsWithoutConnections(t *testing.T) {
	out, err := run(t, "integrations", "zendesk", "--org", "org-1", "--workspace", "ws-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"provider": "zendesk"`)
	assert.Contains(t, out, `"connected": false`)
}
