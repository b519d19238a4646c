// linkden keeps a personal link library consistent across guest and
// authenticated use: a local SQLite store for guest data, single-flight
// session recovery against the hosted backend, live change-feed
// subscriptions, and cross-process logout propagation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkden/linkden/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "linkden",
	Short: "Personal link library sync core",
	Long: `linkden manages a personal link/bookmark library.

Guest data lives in a local SQLite database. Signing in switches the
authority to the hosted backend and starts live change-feed
subscriptions; guest data is kept intact for later. Run the daemon to
keep everything synchronized:

  linkden daemon                 # run the sync core until interrupted
  linkden status                 # show mode and session state
  linkden login -e you@example.com
  linkden logout`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default $HOME/.linkden/config.yaml)")
	rootCmd.AddCommand(daemonCmd, statusCmd, loginCmd, logoutCmd, configCmd)
}

// loadConfig reads the effective configuration or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
