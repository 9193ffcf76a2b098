package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlov7/Sentinel-MCP/internal/config"
	"github.com/jlov7/Sentinel-MCP/internal/killswitch"
	"github.com/jlov7/Sentinel-MCP/internal/registry"
)

var (
	killTool   string
	killReason string
	killActor  string
	auditLimit int
)

var killCmd = &cobra.Command{
	Use:   "kill [tenant-slug]",
	Short: "Disable a tool (or a whole tenant) immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [tenant-slug]",
	Short: "Re-enable a previously disabled tool or tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var killAuditCmd = &cobra.Command{
	Use:   "kill-audit [tenant-slug]",
	Short: "Show the kill-switch audit trail for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runKillAudit,
}

func init() {
	killCmd.Flags().StringVar(&killTool, "tool", "", "tool name (empty = every tool of the tenant)")
	killCmd.Flags().StringVar(&killReason, "reason", "", "why the tool is being disabled")
	killCmd.Flags().StringVar(&killActor, "actor", "cli", "who is performing the mutation")
	restoreCmd.Flags().StringVar(&killTool, "tool", "", "tool name (empty = every tool of the tenant)")
	restoreCmd.Flags().StringVar(&killActor, "actor", "cli", "who is performing the mutation")
	killAuditCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum records to show")

	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(killAuditCmd)
}

func openKillSwitches() (*registry.Store, *killswitch.Registry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	catalog, err := registry.NewStore(cfg.RegistryDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing registry: %w", err)
	}
	switches, err := killswitch.NewRegistry(cfg.GovernanceDBPath(), catalog)
	if err != nil {
		catalog.Close()
		return nil, nil, fmt.Errorf("initializing kill switches: %w", err)
	}
	return catalog, switches, nil
}

func runKill(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	catalog, switches, err := openKillSwitches()
	if err != nil {
		return err
	}
	defer catalog.Close()
	defer switches.Close()

	affected, err := switches.Disable(ctx, args[0], killTool, killReason, killActor)
	if err != nil {
		return err
	}
	fmt.Printf("Disabled %d tool(s) for %s: %s\n", len(affected), args[0], strings.Join(affected, ", "))
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	catalog, switches, err := openKillSwitches()
	if err != nil {
		return err
	}
	defer catalog.Close()
	defer switches.Close()

	affected, err := switches.Enable(ctx, args[0], killTool, killActor)
	if err != nil {
		return err
	}
	fmt.Printf("Enabled %d tool(s) for %s: %s\n", len(affected), args[0], strings.Join(affected, ", "))
	return nil
}

func runKillAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	catalog, switches, err := openKillSwitches()
	if err != nil {
		return err
	}
	defer catalog.Close()
	defer switches.Close()

	records, err := switches.Audit(ctx, args[0], auditLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No kill-switch activity recorded.")
		return nil
	}
	for _, rec := range records {
		scope := rec.ToolScope
		if scope == killswitch.Wildcard {
			scope = "(all tools)"
		}
		fmt.Printf("%s  %s  %s  by %s  reason=%q\n",
			rec.ChangedAt.Format(time.RFC3339), scope, stateWord(rec.NewDisabled), rec.Actor, rec.Reason)
	}
	return nil
}

func stateWord(disabled bool) string {
	if disabled {
		return "disabled"
	}
	return "enabled"
}
