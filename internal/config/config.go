// Package config holds OPERATOR-LEVEL configuration for a Sentinel control
// plane installation: data directory, manifest signing key, and the optional
// remote policy engine endpoint. Set via env vars (SENTINEL_*) or a
// sentinel.config.yaml file.
//
// Tenant-facing state (registered tools, kill-switch entries, manifests)
// lives in the SQLite stores under the data directory, never in this config.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/jlov7/Sentinel-MCP/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the SENTINEL_ prefix
// (e.g. "signing_key" → SENTINEL_SIGNING_KEY) and to a YAML field in
// sentinel.config.yaml.
const (
	KeyDataDir    = "data_dir"
	KeySigningKey = "signing_key"
	KeyEngineURL  = "engine_url"
)

// Config holds resolved operator-level configuration for a Sentinel process.
type Config struct {
	DataDir    string // base directory for all state (~/.sentinel)
	SigningKey string // HMAC-SHA256 key for manifest signing (≥32 bytes)
	EngineURL  string // remote policy engine endpoint; empty = embedded engine

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the manifest signing key was derived
// rather than set explicitly. Commands warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// RegistryDBPath returns the full path to the tenant/tool registry database.
func (c *Config) RegistryDBPath() string {
	return filepath.Join(c.DataDir, "registry.db")
}

// GovernanceDBPath returns the full path to the kill-switch and quota database.
func (c *Config) GovernanceDBPath() string {
	return filepath.Join(c.DataDir, "governance.db")
}

// ProvenanceDBPath returns the full path to the manifest database.
func (c *Config) ProvenanceDBPath() string {
	return filepath.Join(c.DataDir, "provenance.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
// Suppressed when SENTINEL_QUICKSTART=1 or true (demos, first-time exploration).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default SENTINEL_SIGNING_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("SENTINEL_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("SENTINEL")
	viper.AutomaticEnv()
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:    resolveDataDir(),
		SigningKey: viper.GetString(KeySigningKey),
		EngineURL:  viper.GetString(KeyEngineURL),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "manifest-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sentinel"
	}
	return filepath.Join(home, ".sentinel")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong — it
// exists so `sentinel serve` works out of the box while still signing
// manifests with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("sentinel:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	return validateSigningKey(c.SigningKey)
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// (decoded length ≥32 for HMAC-SHA256). Hex is checked first so that hex
// input is validated as hex; raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set SENTINEL_SIGNING_KEY", n)
}
