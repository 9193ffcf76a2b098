package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jlov7/Sentinel-MCP/internal/config"
	"github.com/jlov7/Sentinel-MCP/internal/killswitch"
	"github.com/jlov7/Sentinel-MCP/internal/policy"
	"github.com/jlov7/Sentinel-MCP/internal/provenance"
	"github.com/jlov7/Sentinel-MCP/internal/registry"
	"github.com/jlov7/Sentinel-MCP/internal/server"
	"github.com/jlov7/Sentinel-MCP/internal/tenant"
)

var (
	servePort      int
	serveRateLimit int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().IntVar(&serveRateLimit, "rate-limit", 0, "per-tenant requests per second (0 = unlimited)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> tenant slug from SENTINEL_API_KEYS
// (comma-separated; each entry key or key:tenant; bare keys act for any tenant).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantSlug := "*"
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantSlug = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantSlug
	}
	return m
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	catalog, err := registry.NewStore(cfg.RegistryDBPath())
	if err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}
	defer catalog.Close()

	switches, err := killswitch.NewRegistry(cfg.GovernanceDBPath(), catalog)
	if err != nil {
		return fmt.Errorf("initializing kill switches: %w", err)
	}
	defer switches.Close()

	var engine policy.Engine
	if cfg.EngineURL != "" {
		engine = policy.NewRemoteEngine(cfg.EngineURL, "")
		log.Info().Str("engine_url", cfg.EngineURL).Msg("using_remote_policy_engine")
	} else {
		quotas, err := policy.NewQuotaStore(cfg.GovernanceDBPath())
		if err != nil {
			return fmt.Errorf("initializing quotas: %w", err)
		}
		defer quotas.Close()

		engine, err = policy.NewOPAEngine(ctx, switches, quotas)
		if err != nil {
			return fmt.Errorf("policy engine: %w", err)
		}
	}

	signer, err := provenance.NewSigner(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("provenance signer: %w", err)
	}
	manifests, err := provenance.NewStore(cfg.ProvenanceDBPath())
	if err != nil {
		return fmt.Errorf("initializing provenance: %w", err)
	}
	defer manifests.Close()

	apiKeys := parseAPIKeys(os.Getenv("SENTINEL_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("SENTINEL_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(
		catalog,
		switches,
		engine,
		provenance.NewService(signer, manifests),
		apiKeys,
		server.WithTenantManager(tenant.NewManager(catalog, serveRateLimit)),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("data_dir", cfg.DataDir).
		Bool("remote_engine", cfg.EngineURL != "").
		Msg("sentinel_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
