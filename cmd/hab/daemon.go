package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/habitkit/habitsync/internal/config"
	"github.com/habitkit/habitsync/internal/daemon"
	"github.com/habitkit/habitsync/internal/dashboard"
	"github.com/habitkit/habitsync/internal/engine"
	"github.com/habitkit/habitsync/internal/probe"
	"github.com/habitkit/habitsync/internal/remote"
	"github.com/habitkit/habitsync/internal/session"
	"github.com/habitkit/habitsync/internal/store"
	"github.com/habitkit/habitsync/internal/ui"
)

var daemonDashboardPort int

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Probes service connectivity on an interval
  2. Runs full sync cycles periodically and when connectivity returns
  3. Reloads the config file when it changes
  4. Optionally serves a WebSocket dashboard for live monitoring

Stop with Ctrl-C; shutdown waits for in-flight work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if userIDFlag != 0 {
			cfg.UserID = userIDFlag
		}
		if cfg.UserID <= 0 {
			return fmt.Errorf("no user id configured (set user_id in config or pass --user)")
		}
		if daemonDashboardPort != 0 {
			cfg.DashboardPort = daemonDashboardPort
		}

		logger, logCloser := cfg.NewLogger("[daemon] ")
		if logCloser != nil {
			defer logCloser.Close()
		}

		st, err := store.Open(cfg.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		client := remote.NewHTTPClient(cfg.RemoteURL, cfg.Token, nil)
		sess := session.Static{UserID: cfg.UserID}

		probeCfg := probe.DefaultConfig()
		probeCfg.Interval = cfg.ProbeInterval
		probeCfg.Logger = logger
		pr := probe.New(client, probeCfg)

		var server *dashboard.Server
		var listener engine.Listener
		if cfg.DashboardPort > 0 {
			server = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.DashboardPort,
				Logger: logger,
			})
			handler := dashboard.NewHandler(server, logger)
			listener = handler
			pr.AddListener(handler.OnConnectivityChanged)
		}

		eng := engine.New(st, client, sess, listener, logger)

		dcfg := daemon.DefaultConfig()
		dcfg.SyncInterval = cfg.SyncInterval
		dcfg.ConfigPath = configPath
		if dcfg.ConfigPath == "" {
			if _, statErr := os.Stat(config.DefaultPath()); statErr == nil {
				dcfg.ConfigPath = config.DefaultPath()
			}
		}
		dcfg.Logger = logger

		d, err := daemon.New(eng, pr, server, dcfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Daemon running (sync every %v)\n", ui.RenderPass("✓"), cfg.SyncInterval)
		if cfg.DashboardPort > 0 {
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", cfg.DashboardPort)
		}

		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().IntVar(&daemonDashboardPort, "dashboard-port", 0, "serve the WebSocket dashboard on this port")
	rootCmd.AddCommand(daemonCmd)
}
