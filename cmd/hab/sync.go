package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/habitkit/habitsync/internal/engine"
	"github.com/habitkit/habitsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full sync cycle now",
	Long: `Run one full synchronization cycle against the remote service:

  1. Pushes unsynced local habits
  2. Replays queued operations from the outbox
  3. Pulls the server snapshot and reconciles it locally`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		a.probe.CheckNow(ctx)
		if !a.probe.IsConnected() {
			fmt.Fprintf(os.Stderr, "%s Service unreachable at %s\n", ui.RenderErr("✗"), a.cfg.RemoteURL)
			os.Exit(1)
		}

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.cfg.RemoteURL)
		start := time.Now()

		n, err := a.engine.SyncAll(ctx)
		if err != nil {
			if errors.Is(err, engine.ErrSyncInProgress) {
				return fmt.Errorf("another sync is already running")
			}
			return err
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		fmt.Printf("   Records: %d\n", n)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display the local database state and connectivity.

Shows:
  - Database location and habit count
  - Service reachability
  - Pending changes waiting to sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		a.probe.CheckNow(ctx)

		count, err := a.store.CountHabits(ctx, a.session.CurrentUserID())
		if err != nil {
			return err
		}
		pending, err := a.repo.PendingCount(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\nDatabase: %s\n", a.store.Path())
		fmt.Printf("User:     %d\n", a.session.CurrentUserID())
		fmt.Printf("Habits:   %d\n", count)

		if a.probe.IsConnected() {
			fmt.Printf("Service:  %s %s\n", ui.RenderPass("online"), ui.RenderMuted(a.cfg.RemoteURL))
		} else {
			fmt.Printf("Service:  %s %s\n", ui.RenderErr("offline"), ui.RenderMuted(a.cfg.RemoteURL))
		}

		if pending > 0 {
			fmt.Printf("Pending:  %s\n", ui.RenderWarn(fmt.Sprintf("%d change(s) waiting to sync", pending)))
		} else {
			fmt.Printf("Pending:  %s\n", ui.RenderPass("everything synced"))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
