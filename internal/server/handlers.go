package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/jlov7/Sentinel-MCP/internal/killswitch"
	"github.com/jlov7/Sentinel-MCP/internal/policy"
	"github.com/jlov7/Sentinel-MCP/internal/provenance"
	"github.com/jlov7/Sentinel-MCP/internal/registry"
	"github.com/jlov7/Sentinel-MCP/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// actor resolves who is performing a mutation: the X-Sentinel-Actor header
// (stashed in context by AuthMiddleware) when present, otherwise the
// authenticated tenant, otherwise "api".
func actor(r *http.Request) string {
	if a := requestctx.Actor(r.Context()); a != "" {
		return a
	}
	if t := requestctx.Tenant(r.Context()); t != "" && t != "*" {
		return t
	}
	return "api"
}

// authorizeTenant enforces the key-to-tenant binding on routes that name a
// tenant: a key mapped to one tenant may only act on that tenant. Operator
// (wildcard) keys pass. Writes a 403 and returns false on mismatch.
func (s *Server) authorizeTenant(w http.ResponseWriter, r *http.Request, tenantSlug string) bool {
	keyTenant := requestctx.Tenant(r.Context())
	if keyTenant == "" || keyTenant == "*" || keyTenant == tenantSlug {
		return true
	}
	writeError(w, http.StatusForbidden, "tenant_forbidden", "API key is scoped to a different tenant")
	return false
}

func (s *Server) handlePolicyCheck(w http.ResponseWriter, r *http.Request) {
	var in policy.CheckInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if in.TenantSlug == "" || in.ToolName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant and tool are required")
		return
	}
	if !s.authorizeTenant(w, r, in.TenantSlug) {
		return
	}

	if _, err := s.catalog.GetTenant(r.Context(), in.TenantSlug); err != nil {
		if errors.Is(err, registry.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if _, err := s.catalog.GetTool(r.Context(), in.TenantSlug, in.ToolName); err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, "tool_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	decision, err := s.engine.Check(r.Context(), &in)
	if err != nil {
		log.Error().Err(err).
			Str("tenant", in.TenantSlug).
			Str("tool", in.ToolName).
			Msg("policy_evaluation_failed")
		writeError(w, http.StatusServiceUnavailable, "policy_engine_unavailable", "policy evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// killRequest is the body for POST /kill and POST /kill/restore. An empty
// tool_name targets every tool of the tenant.
type killRequest struct {
	TenantSlug string `json:"tenant_slug"`
	ToolName   string `json:"tool_name"`
	Reason     string `json:"reason"`
}

// killResponse mirrors the mutation: which tools the new state applies to.
type killResponse struct {
	Status        string   `json:"status"`
	AffectedTools []string `json:"affected_tools"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if req.TenantSlug == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_slug is required")
		return
	}
	if !s.authorizeTenant(w, r, req.TenantSlug) {
		return
	}

	affected, err := s.switches.Disable(r.Context(), req.TenantSlug, req.ToolName, req.Reason, actor(r))
	if err != nil {
		s.writeKillError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, killResponse{Status: "disabled", AffectedTools: nonNil(affected)})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if req.TenantSlug == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_slug is required")
		return
	}
	if !s.authorizeTenant(w, r, req.TenantSlug) {
		return
	}

	affected, err := s.switches.Enable(r.Context(), req.TenantSlug, req.ToolName, actor(r))
	if err != nil {
		s.writeKillError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, killResponse{Status: "enabled", AffectedTools: nonNil(affected)})
}

func (s *Server) writeKillError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, "tenant_not_found", err.Error())
	case errors.Is(err, registry.ErrToolNotFound):
		writeError(w, http.StatusNotFound, "tool_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleKillAudit(w http.ResponseWriter, r *http.Request) {
	tenantSlug := r.URL.Query().Get("tenant_slug")
	if tenantSlug == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_slug is required")
		return
	}
	if !s.authorizeTenant(w, r, tenantSlug) {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.switches.Audit(r.Context(), tenantSlug, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if records == nil {
		records = []killswitch.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_slug": tenantSlug,
		"records":     records,
	})
}

// signRequest is the body for POST /provenance/sign.
type signRequest struct {
	TenantSlug string                 `json:"tenant_slug"`
	ToolName   string                 `json:"tool_name"`
	Action     string                 `json:"action"`
	Payload    map[string]interface{} `json:"payload"`
}

func (s *Server) handleProvenanceSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if req.TenantSlug == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_slug and tool_name are required")
		return
	}
	if !s.authorizeTenant(w, r, req.TenantSlug) {
		return
	}

	// Only registered tools get manifests.
	if _, err := s.catalog.GetTool(r.Context(), req.TenantSlug, req.ToolName); err != nil {
		switch {
		case errors.Is(err, registry.ErrTenantNotFound):
			writeError(w, http.StatusNotFound, "tenant_not_found", err.Error())
		case errors.Is(err, registry.ErrToolNotFound):
			writeError(w, http.StatusNotFound, "tool_not_found", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	signed, err := s.prov.SignAction(r.Context(), req.TenantSlug, req.ToolName, req.Action, req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, signed)
}

func (s *Server) handleProvenanceVerify(w http.ResponseWriter, r *http.Request) {
	manifestID := chi.URLParam(r, "manifest_id")

	result, err := s.prov.Verify(r.Context(), manifestID)
	if err != nil {
		if errors.Is(err, provenance.ErrManifestNotFound) {
			writeError(w, http.StatusNotFound, "manifest_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// registerRequest is the body for POST /register.
type registerRequest struct {
	TenantSlug string            `json:"tenant_slug"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Owner      string            `json:"owner"`
	Scopes     []string          `json:"scopes"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if req.TenantSlug == "" || req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_slug, name, and url are required")
		return
	}
	if !s.authorizeTenant(w, r, req.TenantSlug) {
		return
	}

	tool, err := s.catalog.RegisterTool(r.Context(), &registry.RegisterRequest{
		TenantSlug: req.TenantSlug,
		Name:       req.Name,
		URL:        req.URL,
		Owner:      req.Owner,
		Scopes:     req.Scopes,
		Metadata:   req.Metadata,
	})
	if err != nil {
		if errors.Is(err, registry.ErrToolExists) {
			writeError(w, http.StatusConflict, "tool_exists", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tool)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	// An empty tenant_slug lists every registered tool for operator keys; a
	// tenant-scoped key only ever sees its own tenant's tools.
	tenantSlug := r.URL.Query().Get("tenant_slug")
	if keyTenant := requestctx.Tenant(r.Context()); keyTenant != "" && keyTenant != "*" {
		if tenantSlug == "" {
			tenantSlug = keyTenant
		} else if !s.authorizeTenant(w, r, tenantSlug) {
			return
		}
	}

	tools, err := s.catalog.ListTools(r.Context(), tenantSlug)
	if err != nil {
		if errors.Is(err, registry.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if tools == nil {
		tools = []registry.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.catalog.ListTenants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if tenants == nil {
		tenants = []registry.Tenant{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants})
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
