package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlov7/Sentinel-MCP/internal/killswitch"
	"github.com/jlov7/Sentinel-MCP/internal/policy"
	"github.com/jlov7/Sentinel-MCP/internal/provenance"
	"github.com/jlov7/Sentinel-MCP/internal/registry"
	"github.com/jlov7/Sentinel-MCP/internal/testutil"
)

const (
	testAPIKey    = "test-api-key"
	testTenantKey = "acme-scoped-key"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	dir := t.TempDir()

	catalog, err := registry.NewStore(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	switches, err := killswitch.NewRegistry(filepath.Join(dir, "governance.db"), catalog)
	require.NoError(t, err)
	t.Cleanup(func() { switches.Close() })

	quotas, err := policy.NewQuotaStore(filepath.Join(dir, "governance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { quotas.Close() })

	engine, err := policy.NewOPAEngine(context.Background(), switches, quotas)
	require.NoError(t, err)

	signer, err := provenance.NewSigner(testutil.TestSigningKey)
	require.NoError(t, err)
	manifests, err := provenance.NewStore(filepath.Join(dir, "provenance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { manifests.Close() })

	srv := NewServer(catalog, switches, engine, provenance.NewService(signer, manifests),
		map[string]string{testAPIKey: "*", testTenantKey: "acme-corp"})

	_, err = catalog.RegisterTool(context.Background(), &registry.RegisterRequest{
		TenantSlug: "acme-corp",
		Name:       "docs-search",
		URL:        "https://tools.acme.test/docs-search",
		Owner:      "platform",
	})
	require.NoError(t, err)

	return srv, srv.Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sentinel-Key", testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doJSONWithKey(t *testing.T, h http.Handler, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sentinel-Key", key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestAuthRequired(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/policy/check", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/policy/check", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Sentinel-Key", "wrong-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerTokenAccepted(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/register/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPolicyCheck_Allow(t *testing.T) {
	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/policy/check", map[string]interface{}{
		"tenant_slug":"acme-corp",
		"tool_name":  "docs-search",
		"action": "invoke",
		"usage":  1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, true, out["allow"])
	_, hasReason := out["reason"]
	assert.False(t, hasReason, "allow carries no reason")
}

func TestPolicyCheck_UnknownTenantAndTool(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/policy/check", map[string]interface{}{
		"tenant_slug":"globex", "tool_name":"docs-search", "action": "invoke",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "tenant_not_found", decode(t, rec)["error"])

	rec = doJSON(t, h, http.MethodPost, "/policy/check", map[string]interface{}{
		"tenant_slug":"acme-corp", "tool_name":"nope", "action": "invoke",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "tool_not_found", decode(t, rec)["error"])
}

func TestPolicyCheck_DenyAfterKill(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/kill", map[string]interface{}{
		"tenant_slug": "acme-corp", "tool_name": "docs-search", "reason": "incident",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "disabled", out["status"])
	assert.Equal(t, []interface{}{"docs-search"}, out["affected_tools"])

	rec = doJSON(t, h, http.MethodPost, "/policy/check", map[string]interface{}{
		"tenant_slug":"acme-corp", "tool_name":"docs-search", "action": "invoke",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode(t, rec)
	assert.Equal(t, false, out["allow"])
	assert.Equal(t, "disabled", out["reason"])

	rec = doJSON(t, h, http.MethodPost, "/kill/restore", map[string]interface{}{
		"tenant_slug": "acme-corp", "tool_name": "docs-search",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "enabled", decode(t, rec)["status"])

	rec = doJSON(t, h, http.MethodPost, "/policy/check", map[string]interface{}{
		"tenant_slug":"acme-corp", "tool_name":"docs-search", "action": "invoke",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["allow"])
}

func TestKill_UnknownTenant(t *testing.T) {
	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/kill", map[string]interface{}{
		"tenant_slug": "globex", "reason": "incident",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKillAudit(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/kill", map[string]interface{}{
		"tenant_slug": "acme-corp", "tool_name": "docs-search", "reason": "incident",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/kill/audit?tenant_slug=acme-corp", nil)
	req.Header.Set("X-Sentinel-Key", testAPIKey)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	out := decode(t, rec2)
	records := out["records"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "incident", records[0].(map[string]interface{})["reason"])
}

func TestProvenance_SignAndVerify(t *testing.T) {
	_, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/provenance/sign", map[string]interface{}{
		"tenant_slug": "acme-corp",
		"tool_name":   "docs-search",
		"action":      "invoke",
		"payload":     map[string]interface{}{"query": "q4 revenue"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	signed := decode(t, rec)
	manifestID := signed["manifest_id"].(string)
	assert.Equal(t, manifestID, signed["signature"])

	req := httptest.NewRequest(http.MethodGet, "/provenance/verify/"+manifestID, nil)
	req.Header.Set("X-Sentinel-Key", testAPIKey)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	out := decode(t, rec2)
	assert.Equal(t, true, out["verified"])
	assert.NotNil(t, out["manifest"])
}

func TestProvenance_VerifyUnknown(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/provenance/verify/sig-123", nil)
	req.Header.Set("X-Sentinel-Key", testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "manifest_not_found", decode(t, rec)["error"])
}

func TestRegister_CreateAndConflict(t *testing.T) {
	_, h := newTestServer(t)

	body := map[string]interface{}{
		"tenant_slug": "globex",
		"name":        "crm-writer",
		"url":         "https://tools.globex.test/crm-writer",
		"owner":       "sales-eng",
	}
	rec := doJSON(t, h, http.MethodPost, "/register", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tool := decode(t, rec)
	assert.Equal(t, "crm-writer", tool["name"])
	assert.Equal(t, true, tool["is_active"])

	rec = doJSON(t, h, http.MethodPost, "/register", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/register?tenant_slug=globex", nil)
	req.Header.Set("X-Sentinel-Key", testAPIKey)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	tools := decode(t, rec2)["tools"].([]interface{})
	assert.Len(t, tools, 1)

	req = httptest.NewRequest(http.MethodGet, "/register/tenants", nil)
	req.Header.Set("X-Sentinel-Key", testAPIKey)
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, req)
	require.Equal(t, http.StatusOK, rec3.Code)
	tenants := decode(t, rec3)["tenants"].([]interface{})
	assert.Len(t, tenants, 2)
}

func TestRegister_MissingFields(t *testing.T) {
	_, h := newTestServer(t)
	rec := doJSON(t, h, http.MethodPost, "/register", map[string]interface{}{
		"tenant_slug": "globex",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantScopedKey_CannotCrossTenants(t *testing.T) {
	srv, h := newTestServer(t)

	// Second tenant, registered with the operator key.
	rec := doJSON(t, h, http.MethodPost, "/register", map[string]interface{}{
		"tenant_slug": "globex",
		"name":        "mail-sender",
		"url":         "https://tools.globex.test/mail",
		"owner":       "it",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// The acme-scoped key operates on its own tenant.
	rec = doJSONWithKey(t, h, http.MethodPost, "/policy/check", testTenantKey, map[string]interface{}{
		"tenant_slug": "acme-corp",
		"tool_name":   "docs-search",
		"action":      "invoke",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cross-tenant check, kill, sign, and register are refused.
	rec = doJSONWithKey(t, h, http.MethodPost, "/policy/check", testTenantKey, map[string]interface{}{
		"tenant_slug": "globex",
		"tool_name":   "mail-sender",
		"action":      "invoke",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "tenant_forbidden", decode(t, rec)["error"])

	rec = doJSONWithKey(t, h, http.MethodPost, "/kill", testTenantKey, map[string]interface{}{
		"tenant_slug": "globex",
		"tool_name":   "mail-sender",
		"reason":      "nope",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The refused kill must not have flipped the other tenant's switch.
	disabled, err := srv.switches.IsDisabled(context.Background(), "globex", "mail-sender")
	require.NoError(t, err)
	assert.False(t, disabled)

	rec = doJSONWithKey(t, h, http.MethodPost, "/provenance/sign", testTenantKey, map[string]interface{}{
		"tenant_slug": "globex",
		"tool_name":   "mail-sender",
		"action":      "invoke",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSONWithKey(t, h, http.MethodPost, "/register", testTenantKey, map[string]interface{}{
		"tenant_slug": "globex",
		"name":        "other-tool",
		"url":         "https://tools.globex.test/other",
		"owner":       "it",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Listings through a scoped key stay inside its tenant.
	rec = doJSONWithKey(t, h, http.MethodGet, "/register", testTenantKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tools := decode(t, rec)["tools"].([]interface{})
	require.Len(t, tools, 1)
	assert.Equal(t, "docs-search", tools[0].(map[string]interface{})["name"])
}

func TestKill_UnregisteredToolLeavesNoState(t *testing.T) {
	srv, h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/kill", map[string]interface{}{
		"tenant_slug": "acme-corp",
		"tool_name":   "ghost-tool",
		"reason":      "incident",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "tool_not_found", decode(t, rec)["error"])

	// A 404 mutation leaves no switch entry and no audit row behind.
	disabled, err := srv.switches.IsDisabled(context.Background(), "acme-corp", "ghost-tool")
	require.NoError(t, err)
	assert.False(t, disabled)

	records, err := srv.switches.Audit(context.Background(), "acme-corp", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
