package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habitkit/habitsync/internal/config"
	"github.com/habitkit/habitsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a commented default configuration file.

The file lands at ~/.habitsync/config.yaml unless --config points
elsewhere. Existing files are never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}

		fmt.Printf("%s Wrote default config to %s\n", ui.RenderPass("✓"), path)
		fmt.Println("   Edit it to set remote_url, token, and user_id.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		fmt.Printf("\nremote_url:     %s\n", cfg.RemoteURL)
		if cfg.Token != "" {
			fmt.Printf("token:          %s\n", ui.RenderMuted("(set)"))
		} else {
			fmt.Printf("token:          %s\n", ui.RenderWarn("(unset)"))
		}
		fmt.Printf("user_id:        %d\n", cfg.UserID)
		fmt.Printf("db_path:        %s\n", cfg.DBPath)
		fmt.Printf("sync_interval:  %v\n", cfg.SyncInterval)
		fmt.Printf("probe_interval: %v\n", cfg.ProbeInterval)
		fmt.Printf("dashboard_port: %d\n", cfg.DashboardPort)
		if cfg.LogFile != "" {
			fmt.Printf("log_file:       %s\n", cfg.LogFile)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
