package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
	Version = "0.0.0-dev"

	configDir string
	envFile   string
)

var rootCmd = &cobra.Command{
	Use:   "routerctl",
	Short: "Inspect and edit the aegis-router routing document",
	Long: `routerctl works directly on the routing store named in gateway.yaml
(file or postgres). Running routers pick up the edits through their
file watcher or poller.

Commands:
  list                       List clusters and their providers
  export                     Print the routing document as YAML (secrets masked)
  enable <provider-id>       Enable a provider
  disable <provider-id>      Disable a provider
  disable-paid               Disable every paid provider
  reset                      Restore the default routing document
  keygen                     Generate an admin API key and its hash`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "configs", "path to configuration directory")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(disablePaidCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
