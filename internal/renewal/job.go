// Package renewal replenishes balances for subscriptions whose billing
// period rolled over without a webhook reaching us.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/storefront-entitlements/internal/ledger"
	"github.com/rcourtman/storefront-entitlements/internal/lock"
	"github.com/rcourtman/storefront-entitlements/internal/logging"
	"github.com/rcourtman/storefront-entitlements/internal/metrics"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

const (
	lockKey            = "renewal-sweep"
	lockTTL            = 10 * time.Minute
	runTimeout         = 5 * time.Minute
	defaultConcurrency = 8
	maxRollForward     = 120
)

// DefaultSchedule runs the sweep four times an hour.
const DefaultSchedule = "@every 15m"

// PlanLookup is the read side of the plan catalog.
type PlanLookup interface {
	GetPlan(id string) (entitlements.Plan, error)
}

// Report summarises one sweep.
type Report struct {
	Scanned int `json:"scanned"`
	Renewed int `json:"renewed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Job sweeps live subscriptions and replenishes the current period. It uses
// the same renewal key as the billing webhook, so whichever path runs first
// wins and the other is a no-op.
type Job struct {
	accounts    store.AccountStore
	plans       PlanLookup
	ledger      *ledger.Ledger
	locker      lock.Locker
	now         func() time.Time
	concurrency int
	logger      zerolog.Logger
}

// NewJob wires a Job. A nil locker falls back to an in-process lock.
func NewJob(accounts store.AccountStore, plans PlanLookup, l *ledger.Ledger, locker lock.Locker) *Job {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Job{
		accounts:    accounts,
		plans:       plans,
		ledger:      l,
		locker:      locker,
		now:         time.Now,
		concurrency: defaultConcurrency,
		logger:      logging.New("renewal"),
	}
}

// Run schedules RunOnce on a cron spec and blocks until ctx is cancelled.
func (j *Job) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		if _, err := j.RunOnce(runCtx); err != nil {
			j.logger.Error().Err(err).Msg("Renewal sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid renewal schedule %q: %w", schedule, err)
	}

	c.Start()
	j.logger.Info().Str("schedule", schedule).Msg("Renewal job started")
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info().Msg("Renewal job stopped")
	return nil
}

// RunOnce performs a single sweep. Per-subscription failures are logged and
// counted; only a failure to list subscriptions is returned.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	release, ok, err := j.locker.TryLock(ctx, lockKey, lockTTL)
	if err != nil {
		metrics.RenewalRunsTotal.WithLabelValues("failed").Inc()
		return Report{}, fmt.Errorf("acquire renewal lock: %w", err)
	}
	if !ok {
		metrics.RenewalRunsTotal.WithLabelValues("skipped").Inc()
		j.logger.Debug().Msg("Renewal sweep already running elsewhere, skipping")
		return Report{}, nil
	}
	defer release()

	subs, err := j.accounts.ListSubscriptionsByStatus(ctx,
		entitlements.StatusActive, entitlements.StatusTrialing, entitlements.StatusPastDue)
	if err != nil {
		metrics.RenewalRunsTotal.WithLabelValues("failed").Inc()
		return Report{}, err
	}

	var renewed, skipped, failed atomic.Int64
	now := j.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			done, err := j.renew(gctx, sub, now)
			switch {
			case err != nil:
				failed.Add(1)
				j.logger.Error().Err(err).
					Str("user_id", sub.UserID).
					Str("subscription_id", sub.ExternalID).
					Msg("Renewal failed")
			case done:
				renewed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Scanned: len(subs),
		Renewed: int(renewed.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	outcome := "ok"
	if report.Failed > 0 {
		outcome = "partial"
	}
	metrics.RenewalRunsTotal.WithLabelValues(outcome).Inc()
	j.logger.Info().
		Int("scanned", report.Scanned).
		Int("renewed", report.Renewed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Renewal sweep completed")
	return report, nil
}

func (j *Job) renew(ctx context.Context, sub store.Subscription, now time.Time) (bool, error) {
	if !ledger.Replenishes(sub.Status) || sub.CurrentPeriodStart == nil {
		return false, nil
	}
	plan, err := j.plans.GetPlan(sub.PlanID)
	if errors.Is(err, entitlements.ErrNotFound) {
		j.logger.Warn().
			Str("subscription_id", sub.ExternalID).
			Str("plan_id", sub.PlanID).
			Msg("Subscription plan missing from catalog, skipping renewal")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start := PeriodStartAt(*sub.CurrentPeriodStart, sub.CurrentPeriodEnd, plan.Interval, now)
	return j.ledger.RenewPeriod(ctx, sub, plan, start)
}

// PeriodStartAt returns the start of the billing period containing now,
// rolling forward from the last known period by interval. Rolled periods keep
// the anchor day of month and clamp it to shorter months, so a Jan 31 anchor
// renews on Feb 28 and then Mar 31, as the billing provider does.
func PeriodStartAt(start time.Time, end *time.Time, interval string, now time.Time) time.Time {
	if end == nil || !end.After(start) {
		return start
	}
	var step int
	switch interval {
	case "month":
		step = 1
	case "year":
		step = 12
	default:
		return start
	}
	// Either boundary may already be clamped; the larger day is the anchor.
	day := max(start.Day(), end.Day())
	next := *end
	for n := 1; n <= maxRollForward && !now.Before(next); n++ {
		start = next
		next = addMonthsClamped(*end, n*step, day)
	}
	return start
}

func addMonthsClamped(t time.Time, months, day int) time.Time {
	y, m, _ := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(day, last)-1)
}
