// Command hab is the offline-first habit tracker CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	userIDFlag int64
)

var rootCmd = &cobra.Command{
	Use:   "hab",
	Short: "Offline-first habit tracking with background sync",
	Long: `hab tracks daily habits in a local SQLite database and keeps them
synchronized with a remote habit service.

All commands work offline; changes made while disconnected are queued and
pushed automatically when the service becomes reachable again.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.habitsync/config.yaml)")
	rootCmd.PersistentFlags().Int64Var(&userIDFlag, "user", 0, "override the configured user id")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
