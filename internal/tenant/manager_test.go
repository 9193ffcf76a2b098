package tenant

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlov7/Sentinel-MCP/internal/registry"
)

func newTestCatalog(t *testing.T) *registry.Store {
	t.Helper()
	catalog, err := registry.NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	_, err = catalog.RegisterTool(context.Background(), &registry.RegisterRequest{
		TenantSlug: "acme-corp",
		Name:       "docs-search",
		URL:        "https://tools.acme.test/docs-search",
	})
	require.NoError(t, err)
	return catalog
}

func TestValidateRequest_KnownTenant(t *testing.T) {
	m := NewManager(newTestCatalog(t), 0)
	assert.NoError(t, m.ValidateRequest(context.Background(), "acme-corp"))
}

func TestValidateRequest_UnknownTenant(t *testing.T) {
	m := NewManager(newTestCatalog(t), 0)
	err := m.ValidateRequest(context.Background(), "globex")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestValidateRequest_RateLimit(t *testing.T) {
	m := NewManager(newTestCatalog(t), 2)

	// Burst is 2x the per-second rate; the 5th immediate request must fail.
	var rateErr error
	for i := 0; i < 5; i++ {
		if err := m.ValidateRequest(context.Background(), "acme-corp"); err != nil {
			rateErr = err
		}
	}
	assert.ErrorIs(t, rateErr, ErrRateLimitExceeded)
}

func TestValidateRequest_RateLimitIsPerTenant(t *testing.T) {
	catalog := newTestCatalog(t)
	_, err := catalog.RegisterTool(context.Background(), &registry.RegisterRequest{
		TenantSlug: "globex",
		Name:       "crm-writer",
		URL:        "https://tools.globex.test/crm-writer",
	})
	require.NoError(t, err)

	m := NewManager(catalog, 1)
	for i := 0; i < 3; i++ {
		m.ValidateRequest(context.Background(), "acme-corp")
	}
	assert.NoError(t, m.ValidateRequest(context.Background(), "globex"),
		"one tenant exhausting its limiter must not affect another")
}
