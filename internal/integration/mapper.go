// Package integration maps the external providers a playbook needs onto the
// connections the target org already has.
package integration

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
)

// Mapper resolves provider keys against the provider catalog and the org's
// connections. It only reads; missing connections become warnings.
type Mapper struct {
	db *db.DB
}

func NewMapper(database *db.DB) *Mapper {
	return &Mapper{db: database}
}

// Map returns one mapping per distinct provider key in first-seen order.
func (m *Mapper) Map(ctx context.Context, required []string, targetOrgID, targetWorkspaceID string) ([]db.IntegrationMapping, error) {
	out, err := MapWith(ctx, m.db.Repos().Integrations, required, targetOrgID, targetWorkspaceID)
	if err != nil {
		return nil, apperror.Internal("map integrations", err)
	}
	return out, nil
}

// MapWith is Map over an explicit repo, for callers already inside a
// transaction.
func MapWith(ctx context.Context, repo *db.IntegrationRepo, required []string, targetOrgID, targetWorkspaceID string) ([]db.IntegrationMapping, error) {
	out := []db.IntegrationMapping{}
	seen := map[string]struct{}{}
	for _, raw := range required {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		provider, err := repo.GetProvider(ctx, key)
		if err != nil {
			return nil, err
		}
		if provider == nil {
			out = append(out, db.IntegrationMapping{
				Provider: key,
				Warning:  fmt.Sprintf("unknown integration provider %q", key),
			})
			continue
		}

		conn, err := repo.ActiveConnection(ctx, targetOrgID, targetWorkspaceID, key)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			out = append(out, db.IntegrationMapping{
				Provider: key,
				Warning:  fmt.Sprintf("%s is not connected for this org; connect it before using the playbook", provider.Name),
			})
			continue
		}
		out = append(out, db.IntegrationMapping{Provider: key, Connected: true, ConnectionID: conn.ID})
	}
	return out, nil
}

// Unconnected returns the provider keys that did not map to a connection.
func Unconnected(mappings []db.IntegrationMapping) []string {
	var out []string
	for _, mp := range mappings {
		if !mp.Connected {
			out = append(out, mp.Provider)
		}
	}
	return out
}
