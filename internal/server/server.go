package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jlov7/Sentinel-MCP/internal/killswitch"
	"github.com/jlov7/Sentinel-MCP/internal/otel"
	"github.com/jlov7/Sentinel-MCP/internal/policy"
	"github.com/jlov7/Sentinel-MCP/internal/provenance"
	"github.com/jlov7/Sentinel-MCP/internal/registry"
	"github.com/jlov7/Sentinel-MCP/internal/tenant"
)

const defaultTimeout = 30 * time.Second

// Server holds all dependencies for the control-plane HTTP API.
type Server struct {
	router        *chi.Mux
	catalog       *registry.Store
	switches      *killswitch.Registry
	engine        policy.Engine
	prov          *provenance.Service
	tenantManager *tenant.Manager
	apiKeys       map[string]string
	corsOrigins   []string
	startTime     time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithTenantManager sets the tenant manager for rate limiting.
func WithTenantManager(tm *tenant.Manager) Option {
	return func(s *Server) { s.tenantManager = tm }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server with the required dependencies and optional
// Option(s). apiKeys maps API key -> tenant slug ("*" for operator keys).
func NewServer(
	catalog *registry.Store,
	switches *killswitch.Registry,
	engine policy.Engine,
	prov *provenance.Service,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		catalog:     catalog,
		switches:    switches,
		engine:      engine,
		prov:        prov,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/healthz", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.tenantManager))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/policy/check", s.handlePolicyCheck)

		r.Post("/kill", s.handleKill)
		r.Post("/kill/restore", s.handleRestore)
		r.Get("/kill/audit", s.handleKillAudit)

		r.Post("/provenance/sign", s.handleProvenanceSign)
		r.Get("/provenance/verify/{manifest_id}", s.handleProvenanceVerify)

		r.Post("/register", s.handleRegister)
		r.Get("/register", s.handleListTools)
		r.Get("/register/tenants", s.handleListTenants)
	})

	return r
}
