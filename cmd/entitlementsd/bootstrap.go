package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/storefront-entitlements/internal/config"
	"github.com/rcourtman/storefront-entitlements/internal/logging"
	"github.com/rcourtman/storefront-entitlements/internal/plans"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/internal/store/memory"
	"github.com/rcourtman/storefront-entitlements/internal/store/postgres"
	"github.com/rcourtman/storefront-entitlements/internal/store/sqlite"
)

// loadConfig reads configuration and re-initialises logging from it.
func loadConfig(ctx context.Context) (*config.Config, error) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "entitlementsd"})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := logging.InitFromConfig(ctx, logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementsd",
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the configured backend. Schema migrations run on open.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.StoreMemory:
		log.Warn().Msg("Using in-memory store; balances are lost on restart")
		return memory.New(), nil
	default:
		st, err := sqlite.New(cfg.SQLiteDir())
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// loadCatalog makes sure the plan store holds a catalog and returns a loaded
// snapshot of it. A configured plans file is always applied; the builtin
// defaults are only seeded into an empty store.
func loadCatalog(ctx context.Context, st store.PlanStore, cfg *config.Config) (*plans.Catalog, error) {
	catalog := plans.NewCatalog(st)
	if cfg.PlansFile != "" {
		if err := catalog.ApplyFile(ctx, cfg.PlansFile); err != nil {
			return nil, fmt.Errorf("apply plans file: %w", err)
		}
		return catalog, nil
	}

	existing, err := st.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if len(existing) == 0 {
		if err := plans.Seed(ctx, st, plans.Defaults()); err != nil {
			return nil, fmt.Errorf("seed default plans: %w", err)
		}
		log.Info().Int("plans", len(plans.Defaults())).Msg("Seeded default plan catalog")
	}
	if err := catalog.Reload(ctx); err != nil {
		return nil, err
	}
	return catalog, nil
}
