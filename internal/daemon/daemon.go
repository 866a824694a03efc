// Package daemon provides the long-running process that keeps local habits
// and the remote service converged.
//
// The daemon:
// 1. Runs the connectivity probe on its interval
// 2. Runs a full sync cycle periodically and whenever connectivity returns
// 3. Reloads configuration when the config file changes
// 4. Optionally serves the WebSocket dashboard
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/habitkit/habitsync/internal/config"
	"github.com/habitkit/habitsync/internal/dashboard"
	"github.com/habitkit/habitsync/internal/engine"
	"github.com/habitkit/habitsync/internal/probe"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a full sync cycle runs.
	SyncInterval time.Duration

	// ConfigPath is the config file to watch for changes. Empty disables
	// the watcher.
	ConfigPath string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 5 * time.Minute,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the probe, periodic syncs, config reloads, and the
// dashboard.
type Daemon struct {
	engine *engine.Engine
	probe  *probe.Probe
	server *dashboard.Server
	config *Config

	watcher *config.Watcher

	syncNow  chan struct{}
	interval chan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The dashboard server may be nil when disabled.
func New(eng *engine.Engine, pr *probe.Probe, server *dashboard.Server, cfg *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if pr == nil {
		return nil, fmt.Errorf("probe cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:   eng,
		probe:    pr,
		server:   server,
		config:   cfg,
		syncNow:  make(chan struct{}, 1),
		interval: make(chan time.Duration, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Start the dashboard server when configured
// 2. Run the connectivity probe
// 3. Sync on the configured interval and on connectivity restoration
// 4. Watch the config file for changes
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	if d.config.ConfigPath != "" {
		watcher, err := config.NewWatcher(d.config.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		d.watcher = watcher

		d.wg.Add(1)
		go d.watchConfig()
	}

	// A restored connection triggers an immediate cycle instead of waiting
	// out the interval.
	listenerID := d.probe.AddListener(func(connected bool) {
		if connected {
			d.TriggerSync()
		}
	})
	defer d.probe.RemoveListener(listenerID)

	d.wg.Add(2)
	go d.runProbe()
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping config watcher: %v", err)
		}
	}

	d.wg.Wait()

	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// TriggerSync requests a sync cycle outside the regular interval. Requests
// are coalesced.
func (d *Daemon) TriggerSync() {
	select {
	case d.syncNow <- struct{}{}:
	default:
	}
}

// runProbe drives the connectivity probe until shutdown.
func (d *Daemon) runProbe() {
	defer d.wg.Done()
	d.probe.Run(d.ctx)
}

// syncLoop runs sync cycles on the interval and on demand.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runSync()

		case <-d.syncNow:
			d.runSync()

		case iv := <-d.interval:
			ticker.Reset(iv)
		}
	}
}

// runSync executes one cycle, skipping quietly when offline or when a
// cycle is already running.
func (d *Daemon) runSync() {
	if !d.probe.IsConnected() {
		d.config.Logger.Println("Skipping sync: service unreachable")
		return
	}

	n, err := d.engine.SyncAll(d.ctx)
	if err != nil {
		if errors.Is(err, engine.ErrSyncInProgress) {
			return
		}
		d.config.Logger.Printf("Sync failed: %v", err)
		return
	}
	d.config.Logger.Printf("Synced %d records", n)
}

// watchConfig applies config file changes that can take effect live.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case cfg, ok := <-d.watcher.Configs():
			if !ok {
				return
			}
			d.config.Logger.Printf("Config reloaded from %s", d.config.ConfigPath)
			if cfg.SyncInterval > 0 && cfg.SyncInterval != d.config.SyncInterval {
				d.config.Logger.Printf("sync_interval changed to %v", cfg.SyncInterval)
				d.config.SyncInterval = cfg.SyncInterval
				select {
				case d.interval <- cfg.SyncInterval:
				default:
				}
			}
			d.TriggerSync()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Config watcher error: %v", err)
		}
	}
}
