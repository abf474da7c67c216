// Package ledger owns every write to usage balances: administrative sets,
// plan resets, usage commits and purchase credits. All writes go through
// store.LedgerStore and are keyed for idempotency.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/storefront-entitlements/internal/metrics"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// Ledger reads and resets per-feature balances.
type Ledger struct {
	store store.LedgerStore
}

// New returns a Ledger over ls.
func New(ls store.LedgerStore) *Ledger {
	return &Ledger{store: ls}
}

// GetBalance returns the remaining count, 0 when no balance exists yet.
func (l *Ledger) GetBalance(ctx context.Context, userID string, feature entitlements.Feature) (int64, error) {
	return l.store.GetBalance(ctx, userID, feature)
}

// ListBalances returns every balance the user holds.
func (l *Ledger) ListBalances(ctx context.Context, userID string) (map[entitlements.Feature]int64, error) {
	return l.store.ListBalances(ctx, userID)
}

// Events returns the user's most recent ledger entries.
func (l *Ledger) Events(ctx context.Context, userID string, limit int) ([]store.UsageEvent, error) {
	return l.store.ListEvents(ctx, userID, limit)
}

// SetBalance assigns value to the balance. Negative values are rejected with
// entitlements.ErrNegativeBalance. An empty key gets a generated one.
func (l *Ledger) SetBalance(ctx context.Context, userID string, feature entitlements.Feature, value int64, key string) (int64, error) {
	if value < 0 {
		return 0, entitlements.ErrNegativeBalance
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "admin-set:" + store.NewEventID()
	}
	res, err := l.store.Apply(ctx, store.Mutation{
		EventID:        store.NewEventID(),
		UserID:         userID,
		Feature:        feature,
		Kind:           entitlements.EventSet,
		Quantity:       value,
		IdempotencyKey: key,
		Metered:        true,
	})
	if err != nil {
		return 0, err
	}
	if res.Status == store.ApplyDuplicate && !sameSet(res.Event, userID, feature, value) {
		return 0, entitlements.ErrIdempotencyConflict
	}
	return res.Balance, nil
}

// ResetToPlanLimit sets every feature balance to the plan's limit in one
// batch. Features the plan disables or leaves unlimited are set to 0, since
// their balance is never consulted. Each feature is keyed "<key>:<feature>",
// so replaying a reset is a no-op.
func (l *Ledger) ResetToPlanLimit(ctx context.Context, userID string, plan entitlements.Plan, key string) (map[entitlements.Feature]int64, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("reset idempotency key is required: %w", entitlements.ErrInvalidInput)
	}

	existing, err := l.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	features := make(map[entitlements.Feature]struct{})
	for _, f := range entitlements.BuiltinFeatures() {
		features[f] = struct{}{}
	}
	for _, f := range plan.Features() {
		features[f] = struct{}{}
	}
	for f := range existing {
		features[f] = struct{}{}
	}

	ordered := make([]entitlements.Feature, 0, len(features))
	for f := range features {
		ordered = append(ordered, f)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	batch := make([]store.Mutation, 0, len(ordered))
	for _, f := range ordered {
		batch = append(batch, store.Mutation{
			EventID:        store.NewEventID(),
			UserID:         userID,
			Feature:        f,
			Kind:           entitlements.EventSet,
			Quantity:       resetValue(plan.Limit(f)),
			IdempotencyKey: key + ":" + string(f),
			Metered:        true,
		})
	}

	results, err := l.store.ApplyBatch(ctx, batch)
	if err != nil {
		metrics.ResetsTotal.WithLabelValues(resetSource(key), "failed").Inc()
		return nil, err
	}

	out := make(map[entitlements.Feature]int64, len(results))
	applied := 0
	for i, res := range results {
		out[batch[i].Feature] = res.Balance
		if res.Status == store.ApplyApplied {
			applied++
		}
	}

	outcome := "applied"
	if applied == 0 {
		outcome = "duplicate"
	}
	metrics.ResetsTotal.WithLabelValues(resetSource(key), outcome).Inc()
	log.Info().
		Str("user_id", userID).
		Str("plan_id", plan.ID).
		Str("idempotency_key", key).
		Int("applied", applied).
		Msg("Balances reset to plan limits")
	return out, nil
}

// SeedTrial initialises a new user's balances from the trial plan.
func (l *Ledger) SeedTrial(ctx context.Context, userID string, trial entitlements.Plan) (map[entitlements.Feature]int64, error) {
	return l.ResetToPlanLimit(ctx, userID, trial, SignupKey(userID))
}

// SignupKey is the reset key used when a user is created.
func SignupKey(userID string) string {
	return "signup:" + userID
}

// RenewalKey identifies one billing period of one subscription. Webhooks and
// the renewal sweep share it so a period is replenished once.
func RenewalKey(externalID string, periodStartUnix int64) string {
	return fmt.Sprintf("renewal:%s:%d", externalID, periodStartUnix)
}

// Replenishes reports whether a subscription in status earns a fresh
// allowance when a new billing period starts. Past-due periods wait for
// payment.
func Replenishes(status entitlements.SubscriptionStatus) bool {
	return status == entitlements.StatusActive || status == entitlements.StatusTrialing
}

// RenewPeriod resets the subscriber's balances to plan for the period that
// started at periodStart. It reports false without writing when the status
// does not replenish or the period is unknown.
func (l *Ledger) RenewPeriod(ctx context.Context, sub store.Subscription, plan entitlements.Plan, periodStart time.Time) (bool, error) {
	if !Replenishes(sub.Status) || periodStart.IsZero() {
		return false, nil
	}
	if _, err := l.ResetToPlanLimit(ctx, sub.UserID, plan, RenewalKey(sub.ExternalID, periodStart.Unix())); err != nil {
		return false, fmt.Errorf("renew %s: %w", sub.ExternalID, err)
	}
	return true, nil
}

func resetValue(limit int64) int64 {
	if limit > 0 {
		return limit
	}
	return 0
}

func resetSource(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

func sameSet(ev *store.UsageEvent, userID string, feature entitlements.Feature, value int64) bool {
	return ev != nil && ev.UserID == userID && ev.Feature == feature &&
		ev.Kind == entitlements.EventSet && ev.Quantity == value
}
