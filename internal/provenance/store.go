package provenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrManifestNotFound is returned when no manifest exists for an id. Callers
// must never treat it as a failed verification; an unknown id and a tampered
// manifest are different answers.
var ErrManifestNotFound = errors.New("manifest not found")

// Store persists signed manifests in SQLite. Rows are write-once: the id is
// derived from the stored bytes, so an existing row is always identical to
// what a re-insert would write.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the manifest store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open provenance db: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS manifests (
		id            TEXT PRIMARY KEY,
		tenant_slug   TEXT NOT NULL,
		tool_name     TEXT NOT NULL,
		manifest_json TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_manifests_tenant ON manifests(tenant_slug, created_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create provenance schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put stores a signed manifest. Re-signing the identical action at the
// identical timestamp reproduces the same id and bytes, so duplicates are
// ignored rather than rejected.
func (s *Store) Put(ctx context.Context, id, tenant, tool string, manifest []byte, createdAt string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO manifests (id, tenant_slug, tool_name, manifest_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, tenant, tool, string(manifest), createdAt)
	if err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

// Get returns the stored manifest bytes for id, byte for byte as written.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	var manifest string
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest_json FROM manifests WHERE id = ?`, id).Scan(&manifest)
	if err == sql.ErrNoRows {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return []byte(manifest), nil
}
