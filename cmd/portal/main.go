// Command portal serves the operations portal's sign-in flow and guarded pages, and
// offers offline tools for checking route decisions and seeding profiles.
//
//	portal serve --config portal.yaml
//	PORTAL_DEV_MODE=true portal serve
//	portal decide --role fleet --allow /fleet /safety/incidents
//	portal profile set --id u1 --email fleet@example.com --role fleet --allow /fleet
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/portalauth/internal/config"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "portal",
	Short:         "Operations portal session and authorization guard",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig is the PersistentPreRunE of commands that need process configuration.
func loadConfig(*cobra.Command, []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: .env and PORTAL_* environment)")
	rootCmd.AddCommand(serveCmd, decideCmd, profileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
