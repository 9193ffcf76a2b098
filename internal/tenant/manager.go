// Package tenant provides per-tenant request validation for the control
// plane: existence checks against the tool catalog and rate limiting.
package tenant

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/jlov7/Sentinel-MCP/internal/registry"
)

var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Manager validates incoming requests per tenant. Limiters are created
// lazily, one per tenant slug, all with the same configured rate.
type Manager struct {
	catalog   *registry.Store
	rateLimit int // requests per second; 0 means no limit
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
}

// NewManager creates a tenant manager backed by the tool catalog.
func NewManager(catalog *registry.Store, rateLimit int) *Manager {
	return &Manager{
		catalog:   catalog,
		rateLimit: rateLimit,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// ValidateRequest checks that the tenant exists and is within its rate
// limit. Returns a typed error on failure.
func (m *Manager) ValidateRequest(ctx context.Context, tenantSlug string) error {
	if _, err := m.catalog.GetTenant(ctx, tenantSlug); err != nil {
		if errors.Is(err, registry.ErrTenantNotFound) {
			return ErrTenantNotFound
		}
		return err
	}

	if lim := m.limiter(tenantSlug); lim != nil {
		if !lim.Allow() {
			return ErrRateLimitExceeded
		}
	}
	return nil
}

func (m *Manager) limiter(tenantSlug string) *rate.Limiter {
	if m.rateLimit <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[tenantSlug]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.rateLimit), m.rateLimit*2) // burst = 2s worth
		m.limiters[tenantSlug] = lim
	}
	return lim
}
