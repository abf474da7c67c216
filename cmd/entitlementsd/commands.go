package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/storefront-entitlements/internal/api"
	"github.com/rcourtman/storefront-entitlements/internal/config"
	"github.com/rcourtman/storefront-entitlements/internal/ledger"
	"github.com/rcourtman/storefront-entitlements/internal/plans"
	"github.com/rcourtman/storefront-entitlements/internal/renewal"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

var (
	plansFile  string
	balanceKey string
	userEmail  string
)

// withStore loads config, opens the store and runs fn against it.
func withStore(ctx context.Context, fn func(*config.Config, store.Store) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(cfg, st)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(cfg *config.Config, _ store.Store) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s store)\n", cfg.Store)
			return nil
		})
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Inspect and seed the plan catalog",
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans and their per-period limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
			catalog, err := loadCatalog(cmd.Context(), st, cfg)
			if err != nil {
				return err
			}
			printPlans(cmd, catalog.Plans())
			return nil
		})
	},
}

var plansSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert the plan catalog from a YAML file or the builtin defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
			path := plansFile
			if path == "" {
				path = cfg.PlansFile
			}
			list := plans.Defaults()
			if path != "" {
				var err error
				if list, err = plans.LoadFile(path); err != nil {
					return err
				}
			}
			if err := plans.Seed(cmd.Context(), st, list); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d plans\n", len(list))
			return nil
		})
	},
}

func printPlans(cmd *cobra.Command, list []entitlements.Plan) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPRICE\tINTERVAL\tLIMITS")
	for _, p := range list {
		interval := p.Interval
		if interval == "" {
			interval = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", p.ID, p.Title, p.PriceCents, interval, formatLimits(p.Limits))
	}
	_ = tw.Flush()
}

func formatLimits(limits map[entitlements.Feature]int64) string {
	keys := make([]string, 0, len(limits))
	for f := range limits {
		keys = append(keys, string(f))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := limits[entitlements.Feature(k)]
		switch v {
		case entitlements.Unlimited:
			parts = append(parts, k+"=unlimited")
		default:
			parts = append(parts, fmt.Sprintf("%s=%d", k, v))
		}
	}
	return strings.Join(parts, " ")
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Run one renewal sweep now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
			catalog, err := loadCatalog(cmd.Context(), st, cfg)
			if err != nil {
				return err
			}
			locker, closeLocker, err := newLocker(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeLocker()

			report, err := renewal.NewJob(st, catalog, ledger.New(st), locker).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, renewed %d, skipped %d, failed %d\n",
				report.Scanned, report.Renewed, report.Skipped, report.Failed)
			return nil
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Read or overwrite a user's balances",
}

var balanceGetCmd = &cobra.Command{
	Use:   "get <user-id> [feature]",
	Short: "Print a user's balances",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ *config.Config, st store.Store) error {
			ctx := cmd.Context()
			if _, err := st.GetUser(ctx, args[0]); err != nil {
				return err
			}
			l := ledger.New(st)
			if len(args) == 2 {
				feature, err := entitlements.ParseFeature(args[1])
				if err != nil {
					return err
				}
				bal, err := l.GetBalance(ctx, args[0], feature)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", feature, bal)
				return nil
			}

			balances, err := l.ListBalances(ctx, args[0])
			if err != nil {
				return err
			}
			features := make([]string, 0, len(balances))
			for f := range balances {
				features = append(features, string(f))
			}
			sort.Strings(features)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, f := range features {
				fmt.Fprintf(tw, "%s\t%d\n", f, balances[entitlements.Feature(f)])
			}
			return tw.Flush()
		})
	},
}

var balanceSetCmd = &cobra.Command{
	Use:   "set <user-id> <feature> <value>",
	Short: "Overwrite one feature balance",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("value must be an integer: %w", err)
		}
		return withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
			ctx := cmd.Context()
			catalog, err := loadCatalog(ctx, st, cfg)
			if err != nil {
				return err
			}
			feature, err := entitlements.ParseFeature(args[1])
			if err != nil {
				return err
			}
			if !catalog.KnownFeature(feature) {
				return fmt.Errorf("feature %q: %w", feature, entitlements.ErrUnknownFeature)
			}
			if _, err := st.GetUser(ctx, args[0]); err != nil {
				return err
			}
			bal, err := ledger.New(st).SetBalance(ctx, args[0], feature, value, balanceKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", feature, bal)
			return nil
		})
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <user-id>",
	Short: "Create a user and start their trial",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(cfg *config.Config, st store.Store) error {
			catalog, err := loadCatalog(cmd.Context(), st, cfg)
			if err != nil {
				return err
			}
			onboarding := &api.Onboarding{
				Accounts:      st,
				Catalog:       catalog,
				Ledger:        ledger.New(st),
				TrialDuration: cfg.TrialDuration,
			}
			u := &store.User{ID: args[0], Email: userEmail}
			created, _, err := onboarding.CreateUser(cmd.Context(), u)
			if err != nil {
				return err
			}
			verb := "Created"
			if !created {
				verb = "Already exists:"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (trial ends %s)\n", verb, u.ID, u.TrialEndsAt.Format(time.RFC3339))
			return nil
		})
	},
}

func init() {
	plansSeedCmd.Flags().StringVarP(&plansFile, "file", "f", "", "YAML plan catalog (defaults to ENTITLEMENTS_PLANS_FILE, then builtin plans)")
	plansCmd.AddCommand(plansListCmd, plansSeedCmd)

	balanceSetCmd.Flags().StringVar(&balanceKey, "key", "", "Idempotency key (generated when empty)")
	balanceCmd.AddCommand(balanceGetCmd, balanceSetCmd)

	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "User email")
	userCmd.AddCommand(userCreateCmd)
}
