package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegisterTool_CreatesTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tool, err := store.RegisterTool(ctx, &RegisterRequest{
		TenantSlug: "acme-corp",
		Name:       "docs-search",
		URL:        "https://tools.acme.example/docs-search",
		Owner:      "platform",
		Scopes:     []string{"read:docs"},
	})
	require.NoError(t, err)
	assert.True(t, tool.IsActive)
	assert.NotEmpty(t, tool.ID)

	tenant, err := store.GetTenant(ctx, "acme-corp")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", tenant.DisplayName)
	assert.Equal(t, tenant.ID, tool.TenantID)
}

func TestRegisterTool_DuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := &RegisterRequest{TenantSlug: "acme", Name: "docs-search", URL: "https://x", Owner: "platform"}
	_, err := store.RegisterTool(ctx, req)
	require.NoError(t, err)

	_, err = store.RegisterTool(ctx, req)
	assert.ErrorIs(t, err, ErrToolExists)
}

func TestRegisterTool_SameNameDifferentTenants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "docs-search", URL: "https://a", Owner: "p"})
	require.NoError(t, err)
	_, err = store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "globex", Name: "docs-search", URL: "https://b", Owner: "p"})
	require.NoError(t, err)
}

func TestGetTool_NotFoundKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetTool(ctx, "nobody", "anything")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "docs-search", URL: "https://x", Owner: "p"})
	require.NoError(t, err)

	_, err = store.GetTool(ctx, "acme", "missing")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestListTools_FilterByTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "b-tool", URL: "https://x", Owner: "p"})
	require.NoError(t, err)
	_, err = store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "a-tool", URL: "https://x", Owner: "p"})
	require.NoError(t, err)
	_, err = store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "globex", Name: "c-tool", URL: "https://x", Owner: "p"})
	require.NoError(t, err)

	tools, err := store.ListTools(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "a-tool", tools[0].Name) // name order

	all, err := store.ListTools(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = store.ListTools(ctx, "unknown")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestListTenants_SlugOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, slug := range []string{"zeta", "acme", "globex"} {
		_, err := store.RegisterTool(ctx, &RegisterRequest{TenantSlug: slug, Name: "t", URL: "https://x", Owner: "p"})
		require.NoError(t, err)
	}

	tenants, err := store.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 3)
	assert.Equal(t, "acme", tenants[0].Slug)
	assert.Equal(t, "globex", tenants[1].Slug)
	assert.Equal(t, "zeta", tenants[2].Slug)
}

func TestSetActive_SingleTool(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "docs-search", URL: "https://x", Owner: "p"})
	require.NoError(t, err)
	_, err = store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "mail-send", URL: "https://x", Owner: "p"})
	require.NoError(t, err)

	affected, err := store.SetActive(ctx, "acme", "docs-search", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs-search"}, affected)

	tool, err := store.GetTool(ctx, "acme", "docs-search")
	require.NoError(t, err)
	assert.False(t, tool.IsActive)

	other, err := store.GetTool(ctx, "acme", "mail-send")
	require.NoError(t, err)
	assert.True(t, other.IsActive)
}

func TestSetActive_TenantWide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "docs-search", URL: "https://x", Owner: "p"})
	require.NoError(t, err)
	_, err = store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "mail-send", URL: "https://x", Owner: "p"})
	require.NoError(t, err)

	affected, err := store.SetActive(ctx, "acme", "", false)
	require.NoError(t, err)
	assert.Len(t, affected, 2)

	tools, err := store.ListTools(ctx, "acme")
	require.NoError(t, err)
	for _, tool := range tools {
		assert.False(t, tool.IsActive)
	}
}

func TestSetActive_NoMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.SetActive(ctx, "acme", "docs-search", false)
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = store.RegisterTool(ctx, &RegisterRequest{TenantSlug: "acme", Name: "docs-search", URL: "https://x", Owner: "p"})
	require.NoError(t, err)

	_, err = store.SetActive(ctx, "acme", "missing", false)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestScopesAndMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.RegisterTool(ctx, &RegisterRequest{
		TenantSlug: "acme",
		Name:       "docs-search",
		URL:        "https://x",
		Owner:      "platform",
		Scopes:     []string{"read:docs", "read:wiki"},
		Metadata:   map[string]string{"tier": "1", "data_sensitivity": "internal"},
	})
	require.NoError(t, err)

	tool, err := store.GetTool(ctx, "acme", "docs-search")
	require.NoError(t, err)
	assert.Equal(t, []string{"read:docs", "read:wiki"}, tool.Scopes)
	assert.Equal(t, "internal", tool.Metadata["data_sensitivity"])
}
