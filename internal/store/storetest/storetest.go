// Package storetest holds the behaviour every store.Store adapter must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

// Run exercises s against the shared contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("Plans", func(t *testing.T) { testPlans(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("CreditAndDebit", func(t *testing.T) { testCreditAndDebit(t, newStore(t)) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("UnmeteredDebit", func(t *testing.T) { testUnmeteredDebit(t, newStore(t)) })
	t.Run("SetBalance", func(t *testing.T) { testSetBalance(t, newStore(t)) })
	t.Run("ApplyBatch", func(t *testing.T) { testApplyBatch(t, newStore(t)) })
	t.Run("ListEvents", func(t *testing.T) { testListEvents(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
}

// Mut builds a mutation with a fresh event id.
func Mut(userID string, feature entitlements.Feature, kind entitlements.EventKind, qty int64, key string) store.Mutation {
	return store.Mutation{
		EventID:        store.NewEventID(),
		UserID:         userID,
		Feature:        feature,
		Kind:           kind,
		Quantity:       qty,
		IdempotencyKey: key,
		Metered:        true,
	}
}

func testPlans(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetPlan(ctx, "missing")
	require.ErrorIs(t, err, entitlements.ErrNotFound)

	pro := entitlements.Plan{
		ID:         entitlements.PlanPro,
		Title:      "Pro",
		PriceCents: 2900,
		Interval:   "month",
		Limits: map[entitlements.Feature]int64{
			entitlements.FeatureImageGeneration: 100,
			entitlements.FeatureShopTracker:     entitlements.Unlimited,
		},
	}
	require.NoError(t, s.UpsertPlan(ctx, pro))
	require.NoError(t, s.UpsertPlan(ctx, entitlements.Plan{ID: entitlements.PlanExpired}))

	got, err := s.GetPlan(ctx, entitlements.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, pro, got)

	pro.Limits[entitlements.FeatureImageGeneration] = 200
	require.NoError(t, s.UpsertPlan(ctx, pro))
	got, err = s.GetPlan(ctx, entitlements.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.Limit(entitlements.FeatureImageGeneration))

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, entitlements.PlanExpired, plans[0].ID)
	assert.Equal(t, entitlements.PlanPro, plans[1].ID)

	err = s.UpsertPlan(ctx, entitlements.Plan{})
	assert.ErrorIs(t, err, entitlements.ErrInvalidInput)
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	trialEnd := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	u := &store.User{ID: "u1", Email: " Owner@Shop.test ", TrialEndsAt: trialEnd}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.Equal(t, "owner@shop.test", u.Email)
	assert.False(t, u.CreatedAt.IsZero())

	err := s.CreateUser(ctx, &store.User{ID: "u1"})
	assert.Error(t, err, "duplicate user id must fail")

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "owner@shop.test", got.Email)
	assert.True(t, got.TrialEndsAt.Equal(trialEnd))

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, entitlements.ErrNotFound)

	require.NoError(t, s.SetStripeCustomerID(ctx, "u1", "cus_123"))
	got, err = s.GetUserByCustomerID(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)

	_, err = s.GetUserByCustomerID(ctx, "cus_missing")
	assert.ErrorIs(t, err, entitlements.ErrNotFound)

	err = s.SetStripeCustomerID(ctx, "nobody", "cus_9")
	assert.ErrorIs(t, err, entitlements.ErrNotFound)
}

func testSubscriptions(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &store.User{ID: "u1"}))

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	older := &store.Subscription{
		UserID:     "u1",
		ExternalID: "sub_old",
		PlanID:     entitlements.PlanPro,
		Status:     entitlements.StatusCanceled,
		CreatedAt:  start.Add(-48 * time.Hour),
	}
	require.NoError(t, s.UpsertSubscription(ctx, older))

	newer := &store.Subscription{
		UserID:             "u1",
		ExternalID:         "sub_new",
		CustomerID:         "cus_1",
		PlanID:             entitlements.PlanProYear,
		Status:             entitlements.StatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		CreatedAt:          start,
	}
	require.NoError(t, s.UpsertSubscription(ctx, newer))
	firstID := newer.ID
	require.NotEmpty(t, firstID)

	subs, err := s.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub_new", subs[0].ExternalID)
	assert.Equal(t, "sub_old", subs[1].ExternalID)
	require.NotNil(t, subs[0].CurrentPeriodEnd)
	assert.True(t, subs[0].CurrentPeriodEnd.Equal(end))
	assert.Nil(t, subs[1].CurrentPeriodEnd)

	// Upsert by external id keeps the row identity.
	update := &store.Subscription{
		UserID:     "u1",
		ExternalID: "sub_new",
		PlanID:     entitlements.PlanProYear,
		Status:     entitlements.StatusPastDue,
		CreatedAt:  start.Add(time.Hour),
	}
	require.NoError(t, s.UpsertSubscription(ctx, update))
	assert.Equal(t, firstID, update.ID)
	assert.True(t, update.CreatedAt.Equal(start))

	subs, err = s.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, entitlements.StatusPastDue, subs[0].Status)

	byStatus, err := s.ListSubscriptionsByStatus(ctx, entitlements.StatusActive, entitlements.StatusPastDue)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "sub_new", byStatus[0].ExternalID)

	none, err := s.ListSubscriptions(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	err = s.UpsertSubscription(ctx, &store.Subscription{UserID: "u1", ExternalID: "x", Status: "bogus"})
	assert.ErrorIs(t, err, entitlements.ErrInvalidInput)
}

func testCreditAndDebit(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := entitlements.FeatureImageGeneration

	bal, err := s.GetBalance(ctx, "u1", f)
	require.NoError(t, err)
	assert.Zero(t, bal, "missing balance row reads as zero")

	res, err := s.Apply(ctx, Mut("u1", f, entitlements.EventCredit, 3, "credit-1"))
	require.NoError(t, err)
	assert.Equal(t, store.ApplyApplied, res.Status)
	assert.Equal(t, int64(3), res.Balance)
	require.NotNil(t, res.Event)
	assert.Equal(t, int64(3), res.Event.BalanceAfter)

	res, err = s.Apply(ctx, Mut("u1", f, entitlements.EventDebit, 2, "debit-1"))
	require.NoError(t, err)
	assert.Equal(t, store.ApplyApplied, res.Status)
	assert.Equal(t, int64(1), res.Balance)

	res, err = s.Apply(ctx, Mut("u1", f, entitlements.EventDebit, 2, "debit-2"))
	require.NoError(t, err)
	assert.Equal(t, store.ApplyInsufficient, res.Status)
	assert.Equal(t, int64(1), res.Balance)
	assert.Nil(t, res.Event)

	_, err = s.GetEventByKey(ctx, "debit-2")
	assert.ErrorIs(t, err, entitlements.ErrNotFound, "insufficient debit must not write an event")

	bal, err = s.GetBalance(ctx, "u1", f)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal)

	_, err = s.Apply(ctx, Mut("u1", f, entitlements.EventDebit, 0, "debit-zero"))
	assert.ErrorIs(t, err, entitlements.ErrInvalidQuantity)
}

func testIdempotency(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := entitlements.FeatureGenerateProduct

	_, err := s.Apply(ctx, Mut("u1", f, entitlements.EventSet, 5, "seed"))
	require.NoError(t, err)

	first, err := s.Apply(ctx, Mut("u1", f, entitlements.EventDebit, 1, "job-42"))
	require.NoError(t, err)
	require.Equal(t, store.ApplyApplied, first.Status)

	again, err := s.Apply(ctx, Mut("u1", f, entitlements.EventDebit, 1, "job-42"))
	require.NoError(t, err)
	assert.Equal(t, store.ApplyDuplicate, again.Status)
	require.NotNil(t, again.Event)
	assert.Equal(t, first.Event.ID, again.Event.ID)
	assert.Equal(t, int64(4), again.Balance)

	bal, err := s.GetBalance(ctx, "u1", f)
	require.NoError(t, err)
	assert.Equal(t, int64(4), bal, "replayed key must not debit twice")

	ev, err := s.GetEventByKey(ctx, "job-42")
	require.NoError(t, err)
	assert.Equal(t, entitlements.EventDebit, ev.Kind)
	assert.Equal(t, int64(1), ev.Quantity)
	assert.True(t, ev.Metered)
}

func testUnmeteredDebit(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := entitlements.FeatureShopTracker

	m := Mut("u1", f, entitlements.EventDebit, 7, "unlimited-1")
	m.Metered = false
	res, err := s.Apply(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, store.ApplyApplied, res.Status)
	assert.Zero(t, res.Balance)

	ev, err := s.GetEventByKey(ctx, "unlimited-1")
	require.NoError(t, err)
	assert.False(t, ev.Metered)

	bal, err := s.GetBalance(ctx, "u1", f)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func testSetBalance(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := entitlements.FeatureVideoGeneration

	res, err := s.Apply(ctx, Mut("u1", f, entitlements.EventSet, 10, "set-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Balance)

	res, err = s.Apply(ctx, Mut("u1", f, entitlements.EventSet, 0, "set-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)

	_, err = s.Apply(ctx, Mut("u1", f, entitlements.EventSet, -1, "set-3"))
	assert.ErrorIs(t, err, entitlements.ErrNegativeBalance)

	bal, err := s.GetBalance(ctx, "u1", f)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func testApplyBatch(t *testing.T, s store.Store) {
	ctx := context.Background()

	batch := []store.Mutation{
		Mut("u1", entitlements.FeatureImageGeneration, entitlements.EventSet, 100, "renew:1:imageGeneration"),
		Mut("u1", entitlements.FeatureVideoGeneration, entitlements.EventSet, 10, "renew:1:videoGeneration"),
	}
	results, err := s.ApplyBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, store.ApplyApplied, r.Status)
	}

	// Replay with fresh event ids: every entry is a duplicate.
	replay := []store.Mutation{
		Mut("u1", entitlements.FeatureImageGeneration, entitlements.EventSet, 100, "renew:1:imageGeneration"),
		Mut("u1", entitlements.FeatureVideoGeneration, entitlements.EventSet, 10, "renew:1:videoGeneration"),
	}
	results, err = s.ApplyBatch(ctx, replay)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, store.ApplyDuplicate, r.Status)
	}

	balances, err := s.ListBalances(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[entitlements.Feature]int64{
		entitlements.FeatureImageGeneration: 100,
		entitlements.FeatureVideoGeneration: 10,
	}, balances)

	// An invalid entry rejects the whole batch.
	bad := []store.Mutation{
		Mut("u1", entitlements.FeatureImageGeneration, entitlements.EventSet, 1, "renew:2:imageGeneration"),
		Mut("u1", entitlements.FeatureVideoGeneration, entitlements.EventSet, -5, "renew:2:videoGeneration"),
	}
	_, err = s.ApplyBatch(ctx, bad)
	require.Error(t, err)
	bal, err := s.GetBalance(ctx, "u1", entitlements.FeatureImageGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func testListEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := entitlements.FeatureProductExporter

	for i := 0; i < 4; i++ {
		_, err := s.Apply(ctx, Mut("u1", f, entitlements.EventCredit, 1, fmt.Sprintf("c-%d", i)))
		require.NoError(t, err)
	}
	_, err := s.Apply(ctx, Mut("u2", f, entitlements.EventCredit, 1, "other-user"))
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "c-3", events[0].IdempotencyKey, "newest first")
	for _, ev := range events {
		assert.Equal(t, "u1", ev.UserID)
	}

	all, err := s.ListEvents(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testConcurrentDebits(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := entitlements.FeatureImageGeneration
	const (
		balance = 5
		workers = 20
	)

	_, err := s.Apply(ctx, Mut("u1", f, entitlements.EventSet, balance, "seed"))
	require.NoError(t, err)

	var applied, insufficient atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		key := fmt.Sprintf("concurrent-%d", i)
		g.Go(func() error {
			res, err := s.Apply(gctx, Mut("u1", f, entitlements.EventDebit, 1, key))
			if err != nil {
				return err
			}
			switch res.Status {
			case store.ApplyApplied:
				applied.Add(1)
			case store.ApplyInsufficient:
				insufficient.Add(1)
			default:
				return errors.New("unexpected status " + string(res.Status))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(balance), applied.Load())
	assert.Equal(t, int64(workers-balance), insufficient.Load())

	final, err := s.GetBalance(ctx, "u1", f)
	require.NoError(t, err)
	assert.Zero(t, final, "balance must never go negative")
}
