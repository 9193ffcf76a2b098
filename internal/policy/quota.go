package policy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// QuotaStore tracks per-(tenant, tool) usage limits and consumption.
// The policy engine is the only writer: handlers and clients never touch
// counters directly, so accounting happens exactly once per decision.
type QuotaStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewQuotaStore opens (creating if needed) the quota tables at dbPath.
func NewQuotaStore(dbPath string) (*QuotaStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS quotas (
		tenant_slug TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		usage_limit INTEGER NOT NULL,
		PRIMARY KEY (tenant_slug, tool_name)
	);
	CREATE TABLE IF NOT EXISTS usage_counters (
		tenant_slug TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		used        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_slug, tool_name)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create quota schema: %w", err)
	}
	return &QuotaStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *QuotaStore) Close() error { return s.db.Close() }

// SetLimit sets (or replaces) the usage limit for a tool. A tool with no
// limit row is untracked and never quota-denied.
func (s *QuotaStore) SetLimit(ctx context.Context, tenant, tool string, limit int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotas (tenant_slug, tool_name, usage_limit) VALUES (?, ?, ?)
		ON CONFLICT(tenant_slug, tool_name) DO UPDATE SET usage_limit = excluded.usage_limit`,
		tenant, tool, limit)
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	return nil
}

// Consume attempts to account usage units against the tool's quota.
//
// Untracked tools return (nil, true, nil): no limit, nothing consumed.
// Tracked tools consume only when the request fits; remaining always reflects
// the counter after this call, so a denied request reports the unchanged
// headroom and an allowed one reports the post-consumption headroom.
func (s *QuotaStore) Consume(ctx context.Context, tenant, tool string, usage int) (remaining *int, ok bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	var limit int
	err = tx.QueryRowContext(ctx,
		`SELECT usage_limit FROM quotas WHERE tenant_slug = ? AND tool_name = ?`,
		tenant, tool).Scan(&limit)
	if err == sql.ErrNoRows {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read quota limit: %w", err)
	}

	var used int
	err = tx.QueryRowContext(ctx,
		`SELECT used FROM usage_counters WHERE tenant_slug = ? AND tool_name = ?`,
		tenant, tool).Scan(&used)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("read usage counter: %w", err)
	}

	if used+usage > limit {
		left := limit - used
		if left < 0 {
			left = 0
		}
		return &left, false, nil
	}

	used += usage
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_counters (tenant_slug, tool_name, used) VALUES (?, ?, ?)
		ON CONFLICT(tenant_slug, tool_name) DO UPDATE SET used = excluded.used`,
		tenant, tool, used)
	if err != nil {
		return nil, false, fmt.Errorf("write usage counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit quota tx: %w", err)
	}
	left := limit - used
	return &left, true, nil
}
