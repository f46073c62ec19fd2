package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/af-corp/aegis-router/internal/auth"
	"github.com/af-corp/aegis-router/internal/config"
	"github.com/af-corp/aegis-router/internal/configstore"
	"github.com/af-corp/aegis-router/internal/costguard"
)

const commandTimeout = 30 * time.Second

// withStore loads gateway.yaml, opens the configured store and runs fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *configstore.Store) error) error {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

	loader := config.NewLoader(configDir, logger)
	if err := loader.Load(); err != nil {
		return err
	}
	cfg := loader.Config()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	store, closeStore, err := configstore.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open routing store: %w", err)
	}
	defer closeStore()
	return fn(ctx, cfg, store)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters and their providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(_ context.Context, _ *config.Config, store *configstore.Store) error {
			return printDocument(cmd.OutOrStdout(), store)
		})
	},
}

func printDocument(w io.Writer, store *configstore.Store) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tFAMILY\tTIER\tPRIORITY\tWEIGHT\tENABLED\tUSABLE")
	for _, p := range store.ListProviders() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%g\t%t\t%t\n",
			p.ID, p.Family, p.CostTier, p.Priority, p.Weight, p.Enabled, p.Usable())
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CLUSTER\tSTRATEGY\tMAX CONCURRENT\tTIMEOUT MS\tPROVIDERS")
	for _, c := range store.ListClusters() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			c.Name, c.Strategy, c.MaxConcurrentRequests, c.RequestTimeoutMs, strings.Join(c.ProviderIDs, ","))
	}
	return tw.Flush()
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the routing document as YAML with literal credentials masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(_ context.Context, _ *config.Config, store *configstore.Store) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(store.Export()); err != nil {
				return fmt.Errorf("encode document: %w", err)
			}
			return enc.Close()
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable [provider-id]",
	Short: "Enable a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], true) },
}

var disableCmd = &cobra.Command{
	Use:   "disable [provider-id]",
	Short: "Disable a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], false) },
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	return withStore(cmd, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
		if err := store.SetProviderEnabled(ctx, id, enabled); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "provider %s %s\n", id, state)
		return nil
	})
}

var disablePaidCmd = &cobra.Command{
	Use:   "disable-paid",
	Short: "Disable every paid provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *configstore.Store) error {
			ledger := costguard.NewLedger(1, cfg.Routing.LatencyEWMAAlpha, nil, nil)
			disabled, err := costguard.New(store, ledger).DisableAllPaid(ctx)
			if err != nil {
				return err
			}
			if len(disabled) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no enabled paid providers")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled: %s\n", strings.Join(disabled, ", "))
			return nil
		})
	},
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the routing document with the built-in defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return fmt.Errorf("reset discards every provider and cluster edit; rerun with --yes to confirm")
		}
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store *configstore.Store) error {
			snap, err := store.Reset(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "routing document reset (version %d)\n", snap.Version)
			return printDocument(cmd.OutOrStdout(), store)
		})
	},
}

var keygenEnv string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an admin API key and the hash to put in gateway.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawKey, err := auth.GenerateKey(keygenEnv)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "=== AEGIS Router Admin Key ===")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Key Prefix: %s\n", auth.KeyPrefix(rawKey))
		fmt.Fprintf(out, "  Key Hash:   %s\n", auth.HashKey(rawKey))
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Add the hash under admin.key_hashes in gateway.yaml.")
		fmt.Fprintln(out, "  API Key (save this, it will NOT be shown again):")
		fmt.Fprintf(out, "  %s\n", rawKey)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "==============================")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm the reset")
	keygenCmd.Flags().StringVar(&keygenEnv, "env", "prod", "environment prefix embedded in the key")
}
