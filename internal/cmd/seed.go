package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlov7/Sentinel-MCP/internal/config"
	"github.com/jlov7/Sentinel-MCP/internal/killswitch"
	"github.com/jlov7/Sentinel-MCP/internal/policy"
	"github.com/jlov7/Sentinel-MCP/internal/provenance"
	"github.com/jlov7/Sentinel-MCP/internal/registry"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the local data dir with demo tenants, tools, and manifests",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// sampleTools mirrors the demo catalog used in quickstart walkthroughs.
var sampleTools = []registry.RegisterRequest{
	{
		TenantSlug: "acme-corp",
		Name:       "docs-search",
		URL:        "https://tools.acme.test/docs-search",
		Owner:      "acme-corp",
		Scopes:     []string{"documents:read"},
		Metadata:   map[string]string{"default_purpose": "support"},
	},
	{
		TenantSlug: "acme-corp",
		Name:       "crm-writer",
		URL:        "https://tools.acme.test/crm-writer",
		Owner:      "acme-corp",
		Scopes:     []string{"crm:write"},
		Metadata:   map[string]string{"default_purpose": "sales", "criticality": "high"},
	},
	{
		TenantSlug: "globex",
		Name:       "mail-sender",
		URL:        "https://tools.globex.test/mail-sender",
		Owner:      "globex",
		Scopes:     []string{"mail:send"},
		Metadata:   map[string]string{"default_purpose": "notifications"},
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

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

	quotas, err := policy.NewQuotaStore(cfg.GovernanceDBPath())
	if err != nil {
		return fmt.Errorf("initializing quotas: %w", err)
	}
	defer quotas.Close()

	engine, err := policy.NewOPAEngine(ctx, switches, quotas)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
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
	prov := provenance.NewService(signer, manifests)

	for i := range sampleTools {
		req := sampleTools[i]
		_, err := catalog.RegisterTool(ctx, &req)
		switch {
		case errors.Is(err, registry.ErrToolExists):
			fmt.Printf("%s already registered for %s\n", req.Name, req.TenantSlug)
			continue
		case err != nil:
			return fmt.Errorf("registering %s: %w", req.Name, err)
		}
		fmt.Printf("registered %s for tenant %s\n", req.Name, req.TenantSlug)

		if err := quotas.SetLimit(ctx, req.TenantSlug, req.Name, 1000); err != nil {
			return fmt.Errorf("setting quota for %s: %w", req.Name, err)
		}
	}

	for _, req := range sampleTools {
		decision, err := engine.Check(ctx, &policy.CheckInput{
			TenantSlug: req.TenantSlug,
			ToolName:   req.Name,
			Action:     "invoke",
			Purpose:    req.Metadata["default_purpose"],
			Usage:      10,
			Context:    map[string]interface{}{"sample": true},
		})
		if err != nil {
			return fmt.Errorf("policy check for %s: %w", req.Name, err)
		}
		verdict := "DENY"
		if decision.Allow {
			verdict = "ALLOW"
		}
		fmt.Printf("policy decision for %s/%s: %s\n", req.TenantSlug, req.Name, verdict)

		signed, err := prov.SignAction(ctx, req.TenantSlug, req.Name, "invoke",
			map[string]interface{}{"note": "seed run"})
		if err != nil {
			return fmt.Errorf("signing manifest for %s: %w", req.Name, err)
		}
		fmt.Printf("manifest created for %s/%s -> %s\n", req.TenantSlug, req.Name, signed.ManifestID)
	}

	fmt.Println("seed complete")
	return nil
}
