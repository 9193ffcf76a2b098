package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlov7/Sentinel-MCP/internal/config"
	"github.com/jlov7/Sentinel-MCP/internal/provenance"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [manifest-id]",
	Short: "Verify the HMAC signature of a provenance manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	signer, err := provenance.NewSigner(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("provenance signer: %w", err)
	}
	store, err := provenance.NewStore(cfg.ProvenanceDBPath())
	if err != nil {
		return fmt.Errorf("initializing provenance: %w", err)
	}
	defer store.Close()

	result, err := provenance.NewService(signer, store).Verify(ctx, args[0])
	if errors.Is(err, provenance.ErrManifestNotFound) {
		return fmt.Errorf("no manifest with id %s", args[0])
	}
	if err != nil {
		return err
	}

	if result.Verified {
		fmt.Printf("VERIFIED  %s\n", result.ManifestID)
	} else {
		fmt.Printf("INVALID   %s (stored bytes do not match the signature)\n", result.ManifestID)
	}
	fmt.Println(string(result.Manifest))
	return nil
}
