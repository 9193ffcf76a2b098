// Package killswitch implements the tenant/tool-scoped override gate that can
// force-deny invocations independent of policy outcome.
//
// State is a set of scoped entries keyed by (tenant, tool) where tool may be
// the wildcard "*" for a tenant-wide switch. Resolution order: an exact
// (tenant, tool) entry wins; otherwise the tenant-wide entry applies;
// otherwise the tool is enabled. Every mutation appends to an audit trail
// recording prior state, new state, actor, reason, and timestamp — only the
// latest state is authoritative for decisions, but history is never
// overwritten.
//
// Writes to the same registry are serialized so concurrent enable/disable
// calls resolve deterministically (last write wins) and readers observe
// either the pre- or post-write state, never a partial one.
package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sentinelotel "github.com/jlov7/Sentinel-MCP/internal/otel"
	"github.com/jlov7/Sentinel-MCP/internal/registry"
)

var tracer = sentinelotel.Tracer("github.com/jlov7/Sentinel-MCP/internal/killswitch")

// Wildcard is the tool scope for a tenant-wide switch.
const Wildcard = "*"

// Entry is the latest state for one (tenant, tool|*) scope.
type Entry struct {
	TenantSlug string    `json:"tenant_slug"`
	ToolScope  string    `json:"tool_scope"`
	Disabled   bool      `json:"disabled"`
	Reason     string    `json:"reason"`
	Actor      string    `json:"actor"`
	ChangedAt  time.Time `json:"changed_at"`
}

// AuditRecord is one append-only mutation record.
type AuditRecord struct {
	ID            string    `json:"id"`
	TenantSlug    string    `json:"tenant_slug"`
	ToolScope     string    `json:"tool_scope"`
	PriorDisabled bool      `json:"prior_disabled"`
	NewDisabled   bool      `json:"new_disabled"`
	Reason        string    `json:"reason"`
	Actor         string    `json:"actor"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Registry persists kill-switch state and its audit trail in SQLite. When a
// tool catalog is attached, mutations also project onto the tools' is_active
// flag so listings reflect the switch.
type Registry struct {
	db      *sql.DB
	catalog *registry.Store // optional; nil skips the is_active projection

	// Serializes enable/disable so last-write-wins is deterministic under
	// concurrent mutation of the same scope.
	writeMu sync.Mutex
}

// NewRegistry opens (or creates) the kill-switch database at dbPath. catalog
// may be nil when no is_active projection is wanted (tests, embedded use).
func NewRegistry(dbPath string, catalog *registry.Store) (*Registry, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening kill-switch database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kill_switch (
		tenant_slug TEXT NOT NULL,
		tool_scope TEXT NOT NULL,
		disabled INTEGER NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_slug, tool_scope)
	);

	CREATE TABLE IF NOT EXISTS kill_audit (
		id TEXT PRIMARY KEY,
		tenant_slug TEXT NOT NULL,
		tool_scope TEXT NOT NULL,
		prior_disabled INTEGER NOT NULL,
		new_disabled INTEGER NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_kill_audit_tenant ON kill_audit(tenant_slug, changed_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating kill-switch schema: %w", err)
	}

	return &Registry{db: db, catalog: catalog}, nil
}

// Close releases the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Disable force-denies the scope. An empty toolName disables the whole tenant
// (every tool owned by it, present and future, until explicitly re-enabled).
// Returns the names of currently registered tools the switch affects.
func (r *Registry) Disable(ctx context.Context, tenantSlug, toolName, reason, actor string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "kill_switch.disable",
		trace.WithAttributes(
			attribute.String("sentinel.tenant", tenantSlug),
			attribute.String("sentinel.tool", scopeOf(toolName)),
			attribute.String("sentinel.reason", reason),
		))
	defer span.End()

	affected, err := r.mutate(ctx, tenantSlug, toolName, true, reason, actor)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("tenant", tenantSlug).
		Str("tool", scopeOf(toolName)).
		Str("reason", reason).
		Str("actor", actor).
		Strs("affected_tools", affected).
		Func(sentinelotel.LogTraceFields(ctx)).
		Msg("kill_switch_disabled")

	span.SetAttributes(attribute.Int("sentinel.affected_count", len(affected)))
	return affected, nil
}

// Enable lifts the switch for the scope. A tool-level enable under a live
// tenant-wide disable materializes an exact enabled entry, which wins
// resolution over the wildcard. Idempotent: enabling a scope whose effective
// state is already enabled succeeds without a state change or audit record.
func (r *Registry) Enable(ctx context.Context, tenantSlug, toolName, actor string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "kill_switch.restore",
		trace.WithAttributes(
			attribute.String("sentinel.tenant", tenantSlug),
			attribute.String("sentinel.tool", scopeOf(toolName)),
		))
	defer span.End()

	affected, err := r.mutate(ctx, tenantSlug, toolName, false, "", actor)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("tenant", tenantSlug).
		Str("tool", scopeOf(toolName)).
		Str("actor", actor).
		Strs("affected_tools", affected).
		Func(sentinelotel.LogTraceFields(ctx)).
		Msg("kill_switch_restored")

	span.SetAttributes(attribute.Int("sentinel.affected_count", len(affected)))
	return affected, nil
}

// IsDisabled resolves the effective switch state for (tenant, tool): the
// exact scope entry takes precedence, then the tenant-wide entry; absent
// both, the tool is enabled.
func (r *Registry) IsDisabled(ctx context.Context, tenantSlug, toolName string) (bool, error) {
	var disabled int
	err := r.db.QueryRowContext(ctx,
		`SELECT disabled FROM kill_switch WHERE tenant_slug = ? AND tool_scope = ?`,
		tenantSlug, toolName).Scan(&disabled)
	if err == nil {
		return disabled != 0, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("querying kill-switch scope: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT disabled FROM kill_switch WHERE tenant_slug = ? AND tool_scope = ?`,
		tenantSlug, Wildcard).Scan(&disabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying tenant-wide kill-switch: %w", err)
	}
	return disabled != 0, nil
}

// Audit returns the mutation history for a tenant, newest first.
func (r *Registry) Audit(ctx context.Context, tenantSlug string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tenant_slug, tool_scope, prior_disabled, new_disabled, reason, actor, changed_at
		 FROM kill_audit WHERE tenant_slug = ? ORDER BY changed_at DESC, id LIMIT ?`,
		tenantSlug, limit)
	if err != nil {
		return nil, fmt.Errorf("querying kill-switch audit: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var prior, next int
		if err := rows.Scan(&rec.ID, &rec.TenantSlug, &rec.ToolScope, &prior, &next,
			&rec.Reason, &rec.Actor, &rec.ChangedAt); err != nil {
			continue
		}
		rec.PriorDisabled = prior != 0
		rec.NewDisabled = next != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// mutate applies a state change under the write lock. The in-scope tool set
// is resolved and the prior state read BEFORE anything is written, so a scope
// that matches no registered tool fails without leaving a phantom switch
// entry or audit row behind. The prior state is the effective one (exact
// scope, falling back to the tenant-wide entry), which makes enable/disable
// symmetric under a tenant freeze: a tool-level enable always materializes an
// exact enabled entry, and exact scope wins resolution.
func (r *Registry) mutate(ctx context.Context, tenantSlug, toolName string, disabled bool, reason, actor string) ([]string, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.catalog != nil {
		if _, err := r.catalog.GetTenant(ctx, tenantSlug); err != nil {
			return nil, err
		}
	}

	scope := scopeOf(toolName)

	names, err := r.toolsInScope(ctx, tenantSlug, toolName)
	if err != nil {
		return nil, err
	}

	prior, err := r.IsDisabled(ctx, tenantSlug, scope)
	if err != nil {
		return nil, err
	}

	// Idempotent enable: effective state already enabled, so no state change
	// and no audit row.
	if !disabled && !prior {
		if err := r.project(ctx, tenantSlug, names); err != nil {
			return nil, err
		}
		return names, nil
	}

	now := time.Now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning kill-switch write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kill_switch (tenant_slug, tool_scope, disabled, reason, actor, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_slug, tool_scope) DO UPDATE SET
		   disabled = excluded.disabled,
		   reason = excluded.reason,
		   actor = excluded.actor,
		   changed_at = excluded.changed_at`,
		tenantSlug, scope, boolToInt(disabled), reason, actor, now)
	if err != nil {
		return nil, fmt.Errorf("writing kill-switch state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kill_audit (id, tenant_slug, tool_scope, prior_disabled, new_disabled, reason, actor, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), tenantSlug, scope, boolToInt(prior), boolToInt(disabled), reason, actor, now)
	if err != nil {
		return nil, fmt.Errorf("appending kill-switch audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing kill-switch write: %w", err)
	}

	if err := r.project(ctx, tenantSlug, names); err != nil {
		return nil, err
	}
	return names, nil
}

// toolsInScope resolves the registered tool names a mutation would affect,
// without touching any state. A tool-level scope requires the tool to be
// registered; a tenant-wide scope requires at least one registered tool.
// Without a catalog it returns nil.
func (r *Registry) toolsInScope(ctx context.Context, tenantSlug, toolName string) ([]string, error) {
	if r.catalog == nil {
		return nil, nil
	}
	if toolName != "" {
		if _, err := r.catalog.GetTool(ctx, tenantSlug, toolName); err != nil {
			return nil, err
		}
		return []string{toolName}, nil
	}

	tools, err := r.catalog.ListTools(ctx, tenantSlug)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("tenant %q has no registered tools: %w", tenantSlug, registry.ErrToolNotFound)
	}
	return names, nil
}

// project writes each tool's effective switch state onto the catalog's
// is_active flag.
func (r *Registry) project(ctx context.Context, tenantSlug string, names []string) error {
	if r.catalog == nil {
		return nil
	}
	for _, name := range names {
		disabled, err := r.IsDisabled(ctx, tenantSlug, name)
		if err != nil {
			return err
		}
		if _, err := r.catalog.SetActive(ctx, tenantSlug, name, !disabled); err != nil {
			return err
		}
	}
	return nil
}

// HasTenant reports whether the attached catalog knows the tenant. Registries
// without a catalog accept any tenant slug.
func (r *Registry) HasTenant(ctx context.Context, tenantSlug string) (bool, error) {
	if r.catalog == nil {
		return true, nil
	}
	_, err := r.catalog.GetTenant(ctx, tenantSlug)
	if errors.Is(err, registry.ErrTenantNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scopeOf(toolName string) string {
	if toolName == "" {
		return Wildcard
	}
	return toolName
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
