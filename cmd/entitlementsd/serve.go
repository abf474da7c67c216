package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/storefront-entitlements/internal/api"
	"github.com/rcourtman/storefront-entitlements/internal/billing/stripe"
	"github.com/rcourtman/storefront-entitlements/internal/config"
	"github.com/rcourtman/storefront-entitlements/internal/entitlement"
	"github.com/rcourtman/storefront-entitlements/internal/ledger"
	"github.com/rcourtman/storefront-entitlements/internal/lock"
	"github.com/rcourtman/storefront-entitlements/internal/renewal"
	"github.com/rcourtman/storefront-entitlements/internal/subscription"
)

const redisLockPrefix = "entitlements:lock"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the renewal scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Str("store", cfg.Store).Msg("Starting entitlement service")

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	catalog, err := loadCatalog(ctx, st, cfg)
	if err != nil {
		return err
	}

	opts := subscription.Options{
		GraceWindow:    cfg.PastDueGrace,
		BillingTimeout: cfg.BillingTimeout,
	}
	if cfg.StripeAPIKey != "" {
		opts.Provider = stripe.NewProvider(cfg.StripeAPIKey)
	} else {
		log.Info().Msg("Billing provider corroboration disabled (set STRIPE_API_KEY to enable)")
	}
	reader := subscription.NewReader(st, opts)

	l := ledger.New(st)
	eval := entitlement.NewEvaluator(catalog, reader, l)
	recorder := ledger.NewRecorder(st, eval)

	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; billing webhooks will be refused")
	}
	webhook := stripe.NewWebhookHandler(cfg.StripeWebhookSecret, stripe.NewSyncer(st, catalog, l, recorder))

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()
	job := renewal.NewJob(st, catalog, l, locker)

	handler := api.NewHandler(&api.Deps{
		AdminKey:       cfg.AdminKey,
		TrialDuration:  cfg.TrialDuration,
		Version:        Version,
		TrustedProxies: cfg.TrustedProxies,
		Store:          st,
		Catalog:        catalog,
		States:         reader,
		Evaluator:      eval,
		Ledger:         l,
		Recorder:       recorder,
		Webhook:        webhook,
	})
	srv := api.NewServer(cfg.ListenAddr(), handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, srv) })
	g.Go(func() error { return job.Run(gctx, cfg.RenewalSchedule) })
	if cfg.WatchPlans {
		g.Go(func() error { return catalog.Watch(gctx, cfg.PlansFile) })
	}
	return g.Wait()
}

func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("Renewal lock is in-process (set ENTITLEMENTS_REDIS_ADDR for multiple replicas)")
		return lock.NewLocalLocker(), func() {}, nil
	}
	rl, err := lock.NewRedisLocker(ctx, cfg.RedisAddr, cfg.RedisPassword, 0, redisLockPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return rl, func() { _ = rl.Close() }, nil
}
