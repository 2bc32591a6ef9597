// Package app builds the fleet components from Config. Both binaries and the
// in-process fleetctl commands go through Open.
package app

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/golden"
	"github.com/lzjever/mbos-fleet/internal/heartbeat"
	"github.com/lzjever/mbos-fleet/internal/lifecycle"
	"github.com/lzjever/mbos-fleet/internal/pool"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/provisioner"
	"github.com/lzjever/mbos-fleet/internal/store"
	"github.com/lzjever/mbos-fleet/internal/workspace"
)

const (
	// MemoryDSN selects the in-process store. State does not survive a restart.
	MemoryDSN = "memory://"
	// MockProviderURL selects the in-process provisioning API.
	MockProviderURL = "mock://"
)

type App struct {
	Config      Config
	Store       store.Store
	Locker      store.Locker
	Provider    provider.API
	Provisioner *provisioner.Provisioner
	Pool        *pool.Manager
	Sweeper     *lifecycle.Sweeper
	Heartbeat   *heartbeat.Extender
	Workspaces  *workspace.Service

	log     *zap.Logger
	closers []func()
}

// Open validates cfg, connects the store (running migrations) and wires every
// component. Call Close when done.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &App{Config: cfg, log: log}

	if cfg.DBDSN == MemoryDSN {
		log.Warn("using in-memory store, state is lost on exit")
		ms := store.NewMemStore()
		a.Store, a.Locker = ms, ms
	} else {
		pgPool, err := store.NewPool(ctx, cfg.DBDSN, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pgPool.Close)
		if err := store.Migrate(ctx, pgPool, log); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Store, a.Locker = store.New(pgPool), store.NewPGLocker(pgPool)
	}

	if cfg.ProviderURL == MockProviderURL {
		log.Warn("using mock provisioning API")
		mock := provider.NewMockProvider()
		mock.DefaultTimeout = cfg.InstanceTimeout
		a.Provider = mock
	} else {
		a.Provider = provider.NewClient(cfg.ProviderURL, cfg.ProviderToken)
	}

	a.Provisioner = provisioner.New(a.Provider, provisioner.Config{InstanceTimeout: cfg.InstanceTimeout}, log)
	a.Pool = pool.NewManager(a.Store, a.Provisioner, cfg.Pool(), log)
	a.Sweeper = lifecycle.NewSweeper(a.Store, a.Provisioner, cfg.Sweep(), log)
	a.Heartbeat = heartbeat.NewExtender(a.Store, a.Provisioner, cfg.Heartbeat(), log)
	a.Workspaces = workspace.NewService(a.Store, a.Pool, a.Provisioner, a.Heartbeat, cfg.Workspace(), log)
	return a, nil
}

// GoldenBuilder loads the configured recipe, or the built-in one.
func (a *App) GoldenBuilder() (*golden.Builder, error) {
	recipe, err := golden.LoadRecipe(a.Config.GoldenRecipe)
	if err != nil {
		return nil, err
	}
	return golden.NewBuilder(a.Provider, a.Store, recipe, a.Config.Golden(), a.log), nil
}

// Close waits for background replenishes and releases the store.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Wait()
	}
	for _, fn := range slices.Backward(a.closers) {
		fn()
	}
	a.closers = nil
}
