package main

import (
	"fmt"
	"log"
	"os"

	"github.com/habitkit/habitsync/internal/config"
	"github.com/habitkit/habitsync/internal/engine"
	"github.com/habitkit/habitsync/internal/probe"
	"github.com/habitkit/habitsync/internal/remote"
	"github.com/habitkit/habitsync/internal/repo"
	"github.com/habitkit/habitsync/internal/session"
	"github.com/habitkit/habitsync/internal/store"
)

// app bundles the wired components a command needs.
type app struct {
	cfg     *config.Config
	store   *store.Store
	client  remote.Client
	session session.Provider
	probe   *probe.Probe
	engine  *engine.Engine
	repo    *repo.Repository
}

// openApp loads configuration, opens the local store, and wires the sync
// stack. Commands that only touch local data still go through the same
// path so behavior is uniform.
func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if userIDFlag != 0 {
		cfg.UserID = userIDFlag
	}
	if cfg.UserID <= 0 {
		return nil, fmt.Errorf("no user id configured (set user_id in config or pass --user)")
	}

	logger := log.New(os.Stderr, "[hab] ", log.LstdFlags)

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	client := remote.NewHTTPClient(cfg.RemoteURL, cfg.Token, nil)
	sess := session.Static{UserID: cfg.UserID}

	probeCfg := probe.DefaultConfig()
	probeCfg.Interval = cfg.ProbeInterval
	pr := probe.New(client, probeCfg)

	eng := engine.New(st, client, sess, nil, nil)
	rp := repo.New(st, eng, pr, sess, nil)

	return &app{
		cfg:     cfg,
		store:   st,
		client:  client,
		session: sess,
		probe:   pr,
		engine:  eng,
		repo:    rp,
	}, nil
}

// close waits for background work and releases the store.
func (a *app) close() {
	a.repo.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}
