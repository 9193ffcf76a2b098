// Package registry persists the tenant and tool catalog in SQLite.
//
// Tenants are created implicitly the first time a tool is registered under
// their slug and are immutable afterwards. A tool's (tenant, name) pair is
// unique. The is_active flag is the externally observable projection of the
// kill-switch state and is maintained by the kill-switch registry, never by
// callers directly.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sentinelotel "github.com/jlov7/Sentinel-MCP/internal/otel"
)

var tracer = sentinelotel.Tracer("github.com/jlov7/Sentinel-MCP/internal/registry")

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrToolNotFound   = errors.New("tool not found")
	ErrToolExists     = errors.New("tool already registered")
)

// Tenant is an organizational scope that owns tools.
type Tenant struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tool is a named capability registered under exactly one tenant.
type Tool struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Owner     string            `json:"owner"`
	Scopes    []string          `json:"scopes"`
	Metadata  map[string]string `json:"metadata"`
	IsActive  bool              `json:"is_active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store persists tenants and tools in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the registry database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tools (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		owner TEXT NOT NULL,
		scopes_json TEXT NOT NULL,
		metadata_json TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(tenant_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_tools_tenant ON tools(tenant_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating registry schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterRequest carries the fields needed to register a tool.
type RegisterRequest struct {
	TenantSlug string
	Name       string
	URL        string
	Owner      string
	Scopes     []string
	Metadata   map[string]string
}

// RegisterTool creates the tenant if its slug is unknown, then registers the
// tool under it. Returns ErrToolExists when (tenant, name) is already taken.
func (s *Store) RegisterTool(ctx context.Context, req *RegisterRequest) (*Tool, error) {
	ctx, span := tracer.Start(ctx, "registry.register_tool",
		trace.WithAttributes(
			attribute.String("sentinel.tenant", req.TenantSlug),
			attribute.String("sentinel.tool", req.Name),
		))
	defer span.End()

	tenant, err := s.getOrCreateTenant(ctx, req.TenantSlug)
	if err != nil {
		return nil, err
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tools WHERE tenant_id = ? AND name = ?`,
		tenant.ID, req.Name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking tool existence: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("tool %q under tenant %q: %w", req.Name, req.TenantSlug, ErrToolExists)
	}

	scopes := req.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("marshaling scopes: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	now := time.Now().UTC()
	tool := &Tool{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		Name:      req.Name,
		URL:       req.URL,
		Owner:     req.Owner,
		Scopes:    scopes,
		Metadata:  metadata,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tools (id, tenant_id, name, url, owner, scopes_json, metadata_json, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		tool.ID, tool.TenantID, tool.Name, tool.URL, tool.Owner,
		string(scopesJSON), string(metadataJSON), tool.CreatedAt, tool.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting tool: %w", err)
	}

	return tool, nil
}

// GetTenant returns the tenant with the given slug, or ErrTenantNotFound.
func (s *Store) GetTenant(ctx context.Context, slug string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, display_name, created_at FROM tenants WHERE slug = ?`, slug).
		Scan(&t.ID, &t.Slug, &t.DisplayName, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %q: %w", slug, ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return &t, nil
}

// GetTool returns the named tool under the tenant slug, or ErrToolNotFound
// (ErrTenantNotFound when the tenant itself is unknown).
func (s *Store) GetTool(ctx context.Context, tenantSlug, name string) (*Tool, error) {
	tenant, err := s.GetTenant(ctx, tenantSlug)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, url, owner, scopes_json, metadata_json, is_active, created_at, updated_at
		 FROM tools WHERE tenant_id = ? AND name = ?`, tenant.ID, name)
	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tool %q under tenant %q: %w", name, tenantSlug, ErrToolNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool: %w", err)
	}
	return tool, nil
}

// ListTools returns all tools, optionally filtered by tenant slug. A non-empty
// slug that matches no tenant returns ErrTenantNotFound.
func (s *Store) ListTools(ctx context.Context, tenantSlug string) ([]Tool, error) {
	ctx, span := tracer.Start(ctx, "registry.list_tools",
		trace.WithAttributes(attribute.String("sentinel.tenant", tenantSlug)))
	defer span.End()

	query := `SELECT id, tenant_id, name, url, owner, scopes_json, metadata_json, is_active, created_at, updated_at FROM tools`
	args := []interface{}{}
	if tenantSlug != "" {
		tenant, err := s.GetTenant(ctx, tenantSlug)
		if err != nil {
			return nil, err
		}
		query += ` WHERE tenant_id = ?`
		args = append(args, tenant.ID)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			continue
		}
		tools = append(tools, *tool)
	}
	span.SetAttributes(attribute.Int("registry.tool_count", len(tools)))
	return tools, rows.Err()
}

// ListTenants returns all tenants ordered by slug.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, display_name, created_at FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Slug, &t.DisplayName, &t.CreatedAt); err != nil {
			continue
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetActive flips the is_active projection for the named tool, or for every
// tool under the tenant when toolName is empty. Returns the names of affected
// tools. The kill-switch registry is the only intended caller.
func (s *Store) SetActive(ctx context.Context, tenantSlug, toolName string, active bool) ([]string, error) {
	ctx, span := tracer.Start(ctx, "registry.set_active",
		trace.WithAttributes(
			attribute.String("sentinel.tenant", tenantSlug),
			attribute.String("sentinel.tool", orStar(toolName)),
			attribute.Bool("registry.active", active),
		))
	defer span.End()

	tenant, err := s.GetTenant(ctx, tenantSlug)
	if err != nil {
		return nil, err
	}

	nameQuery := `SELECT name FROM tools WHERE tenant_id = ?`
	args := []interface{}{tenant.ID}
	if toolName != "" {
		nameQuery += ` AND name = ?`
		args = append(args, toolName)
	}
	rows, err := s.db.QueryContext(ctx, nameQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tools to flip: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err == nil {
			names = append(names, n)
		}
	}
	rows.Close()
	if len(names) == 0 {
		return nil, fmt.Errorf("tool %q under tenant %q: %w", orStar(toolName), tenantSlug, ErrToolNotFound)
	}

	update := `UPDATE tools SET is_active = ?, updated_at = ? WHERE tenant_id = ?`
	updateArgs := []interface{}{boolToInt(active), time.Now().UTC(), tenant.ID}
	if toolName != "" {
		update += ` AND name = ?`
		updateArgs = append(updateArgs, toolName)
	}
	if _, err := s.db.ExecContext(ctx, update, updateArgs...); err != nil {
		return nil, fmt.Errorf("updating is_active: %w", err)
	}

	span.SetAttributes(attribute.Int("registry.affected_count", len(names)))
	return names, nil
}

func (s *Store) getOrCreateTenant(ctx context.Context, slug string) (*Tenant, error) {
	tenant, err := s.GetTenant(ctx, slug)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, ErrTenantNotFound) {
		return nil, err
	}

	t := &Tenant{
		ID:          uuid.NewString(),
		Slug:        slug,
		DisplayName: titleFromSlug(slug),
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, slug, display_name, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Slug, t.DisplayName, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting tenant: %w", err)
	}
	return t, nil
}

// titleFromSlug derives a display name from a slug: "acme-corp" → "Acme Corp".
func titleFromSlug(slug string) string {
	parts := strings.Split(slug, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTool(row rowScanner) (*Tool, error) {
	var t Tool
	var scopesJSON, metadataJSON string
	var active int
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.URL, &t.Owner,
		&scopesJSON, &metadataJSON, &active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	if err := json.Unmarshal([]byte(scopesJSON), &t.Scopes); err != nil {
		t.Scopes = []string{}
	}
	if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
		t.Metadata = map[string]string{}
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orStar(toolName string) string {
	if toolName == "" {
		return "*"
	}
	return toolName
}
