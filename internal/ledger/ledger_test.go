package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rcourtman/storefront-entitlements/internal/metrics"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/internal/store/memory"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

var trialPlan = entitlements.Plan{
	ID: entitlements.PlanTrial,
	Limits: map[entitlements.Feature]int64{
		entitlements.FeatureImageGeneration: 2,
		entitlements.FeatureGenerateProduct: 3,
		entitlements.FeatureShopTracker:     entitlements.Unlimited,
		entitlements.FeatureVideoGeneration: entitlements.Disabled,
	},
}

type staticLimits struct {
	planID string
	limits map[entitlements.Feature]int64
	err    error
}

func (s staticLimits) ResolveLimit(_ context.Context, _ string, f entitlements.Feature) (string, int64, error) {
	if s.err != nil {
		return "", 0, s.err
	}
	return s.planID, s.limits[f], nil
}

func TestResetToPlanLimit(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New())

	if _, err := l.SetBalance(ctx, "u1", entitlements.FeatureImageGeneration, 50, "admin-1"); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	if _, err := l.SetBalance(ctx, "u1", "adFavorites", 9, "admin-2"); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}

	got, err := l.ResetToPlanLimit(ctx, "u1", trialPlan, "renewal:sub_1:100")
	if err != nil {
		t.Fatalf("ResetToPlanLimit: %v", err)
	}

	want := map[entitlements.Feature]int64{
		entitlements.FeatureImageGeneration: 2,
		entitlements.FeatureGenerateProduct: 3,
		entitlements.FeatureShopTracker:     0,
		entitlements.FeatureVideoGeneration: 0,
		entitlements.FeatureImportTheme:     0,
		"adFavorites":                       0,
	}
	for f, v := range want {
		if got[f] != v {
			t.Errorf("balance[%s] = %d, want %d", f, got[f], v)
		}
	}
}

func TestResetToPlanLimitIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New())

	if _, err := l.ResetToPlanLimit(ctx, "u1", trialPlan, "renewal:sub_1:100"); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	rec := NewRecorder(memoryFrom(l), staticLimits{planID: "trial", limits: trialPlan.Limits})
	if res, err := rec.Commit(ctx, "u1", entitlements.FeatureImageGeneration, 1, "job-1"); err != nil || res != entitlements.Committed {
		t.Fatalf("Commit = %s, %v", res, err)
	}

	// A replayed renewal webhook must not refill the balance.
	got, err := l.ResetToPlanLimit(ctx, "u1", trialPlan, "renewal:sub_1:100")
	if err != nil {
		t.Fatalf("replayed reset: %v", err)
	}
	if got[entitlements.FeatureImageGeneration] != 1 {
		t.Fatalf("replayed reset changed balance to %d", got[entitlements.FeatureImageGeneration])
	}

	// The next period does.
	got, err = l.ResetToPlanLimit(ctx, "u1", trialPlan, "renewal:sub_1:200")
	if err != nil {
		t.Fatalf("next period reset: %v", err)
	}
	if got[entitlements.FeatureImageGeneration] != 2 {
		t.Fatalf("next period balance = %d, want 2", got[entitlements.FeatureImageGeneration])
	}
}

func TestResetRequiresKey(t *testing.T) {
	l := New(memory.New())
	_, err := l.ResetToPlanLimit(context.Background(), "u1", trialPlan, " ")
	if !errors.Is(err, entitlements.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSetBalance(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New())

	if _, err := l.SetBalance(ctx, "u1", entitlements.FeatureImageGeneration, -1, ""); !errors.Is(err, entitlements.ErrNegativeBalance) {
		t.Fatalf("negative value: expected ErrNegativeBalance, got %v", err)
	}

	got, err := l.SetBalance(ctx, "u1", entitlements.FeatureImageGeneration, 0, "")
	if err != nil || got != 0 {
		t.Fatalf("SetBalance(0) = %d, %v", got, err)
	}

	if _, err := l.SetBalance(ctx, "u1", entitlements.FeatureImageGeneration, 7, "fix-1"); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	if _, err := l.SetBalance(ctx, "u1", entitlements.FeatureImageGeneration, 8, "fix-1"); !errors.Is(err, entitlements.ErrIdempotencyConflict) {
		t.Fatalf("reused key with new value: expected conflict, got %v", err)
	}
	bal, _ := l.GetBalance(ctx, "u1", entitlements.FeatureImageGeneration)
	if bal != 7 {
		t.Fatalf("balance = %d, want 7", bal)
	}
}

func TestSeedTrial(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New())

	if _, err := l.SeedTrial(ctx, "u1", trialPlan); err != nil {
		t.Fatalf("SeedTrial: %v", err)
	}
	bal, err := l.GetBalance(ctx, "u1", entitlements.FeatureGenerateProduct)
	if err != nil || bal != 3 {
		t.Fatalf("GetBalance = %d, %v", bal, err)
	}
	events, err := l.Events(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) == 0 || events[0].Kind != entitlements.EventSet {
		t.Fatalf("expected set events, got %+v", events)
	}
}

func TestTrialScenarioTwoImagesThenLimit(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := New(st)
	rec := NewRecorder(st, staticLimits{planID: "trial", limits: trialPlan.Limits})

	if _, err := l.SeedTrial(ctx, "u1", trialPlan); err != nil {
		t.Fatalf("SeedTrial: %v", err)
	}

	for i, want := range []entitlements.CommitResult{entitlements.Committed, entitlements.Committed, entitlements.Rejected} {
		got, err := rec.Commit(ctx, "u1", entitlements.FeatureImageGeneration, 1, fmt.Sprintf("img-%d", i))
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("commit %d = %s, want %s", i, got, want)
		}
	}

	bal, _ := l.GetBalance(ctx, "u1", entitlements.FeatureImageGeneration)
	if bal != 0 {
		t.Fatalf("balance = %d, want 0", bal)
	}
}

func TestCommitValidation(t *testing.T) {
	rec := NewRecorder(memory.New(), staticLimits{limits: trialPlan.Limits})
	ctx := context.Background()

	if _, err := rec.Commit(ctx, "u1", entitlements.FeatureImageGeneration, 1, "  "); !errors.Is(err, entitlements.ErrInvalidInput) {
		t.Fatalf("empty key: expected ErrInvalidInput, got %v", err)
	}
	for _, q := range []int64{0, -3} {
		if _, err := rec.Commit(ctx, "u1", entitlements.FeatureImageGeneration, q, "k"); !errors.Is(err, entitlements.ErrInvalidQuantity) {
			t.Fatalf("quantity %d: expected ErrInvalidQuantity, got %v", q, err)
		}
	}
}

func TestCommitIdempotency(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := New(st)
	rec := NewRecorder(st, staticLimits{limits: trialPlan.Limits})
	if _, err := l.SetBalance(ctx, "u1", entitlements.FeatureGenerateProduct, 5, "seed"); err != nil {
		t.Fatal(err)
	}

	first, err := rec.Commit(ctx, "u1", entitlements.FeatureGenerateProduct, 2, "gen-1")
	if err != nil || first != entitlements.Committed {
		t.Fatalf("first commit = %s, %v", first, err)
	}
	again, err := rec.Commit(ctx, "u1", entitlements.FeatureGenerateProduct, 2, "gen-1")
	if err != nil || again != entitlements.AlreadyCommitted {
		t.Fatalf("retry = %s, %v", again, err)
	}
	if _, err := rec.Commit(ctx, "u1", entitlements.FeatureGenerateProduct, 3, "gen-1"); !errors.Is(err, entitlements.ErrIdempotencyConflict) {
		t.Fatalf("different quantity: expected conflict, got %v", err)
	}
	if _, err := rec.Commit(ctx, "u2", entitlements.FeatureGenerateProduct, 2, "gen-1"); !errors.Is(err, entitlements.ErrIdempotencyConflict) {
		t.Fatalf("different user: expected conflict, got %v", err)
	}

	bal, _ := l.GetBalance(ctx, "u1", entitlements.FeatureGenerateProduct)
	if bal != 3 {
		t.Fatalf("balance = %d, want 3", bal)
	}
}

func TestCommitUnlimitedDoesNotTouchBalance(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	rec := NewRecorder(st, staticLimits{limits: trialPlan.Limits})

	for i := 0; i < 3; i++ {
		res, err := rec.Commit(ctx, "u1", entitlements.FeatureShopTracker, 1, fmt.Sprintf("track-%d", i))
		if err != nil || res != entitlements.Committed {
			t.Fatalf("commit %d = %s, %v", i, res, err)
		}
	}
	bal, _ := st.GetBalance(ctx, "u1", entitlements.FeatureShopTracker)
	if bal != 0 {
		t.Fatalf("unlimited balance changed to %d", bal)
	}
	ev, err := st.GetEventByKey(ctx, "track-0")
	if err != nil {
		t.Fatalf("GetEventByKey: %v", err)
	}
	if ev.Metered {
		t.Fatal("unlimited usage must be recorded as unmetered")
	}
}

func TestCommitResolverErrorPropagates(t *testing.T) {
	rec := NewRecorder(memory.New(), staticLimits{err: fmt.Errorf("user u1: %w", entitlements.ErrNotFound)})
	_, err := rec.Commit(context.Background(), "u1", entitlements.FeatureImageGeneration, 1, "k")
	if !errors.Is(err, entitlements.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitStorageFailure(t *testing.T) {
	st := memory.New()
	st.FailWith(errors.New("db gone"))
	rec := NewRecorder(st, staticLimits{limits: trialPlan.Limits})

	before := testutil.ToFloat64(metrics.StorageErrorsTotal.WithLabelValues("commit"))
	_, err := rec.Commit(context.Background(), "u1", entitlements.FeatureImageGeneration, 1, "k")
	if !entitlements.IsStorageUnavailable(err) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if after := testutil.ToFloat64(metrics.StorageErrorsTotal.WithLabelValues("commit")); after != before+1 {
		t.Fatalf("storage error metric = %v, want %v", after, before+1)
	}
}

func TestConcurrentCommitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := New(st)
	rec := NewRecorder(st, staticLimits{limits: map[entitlements.Feature]int64{entitlements.FeatureVideoGeneration: 20}})
	const balance, workers = 4, 25

	if _, err := l.SetBalance(ctx, "u1", entitlements.FeatureVideoGeneration, balance, "seed"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	counts := make(map[entitlements.CommitResult]int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := rec.Commit(ctx, "u1", entitlements.FeatureVideoGeneration, 1, fmt.Sprintf("video-%d", i))
			if err != nil {
				t.Errorf("commit %d: %v", i, err)
				return
			}
			mu.Lock()
			counts[res]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if counts[entitlements.Committed] != balance || counts[entitlements.Rejected] != workers-balance {
		t.Fatalf("results = %v, want %d committed and %d rejected", counts, balance, workers-balance)
	}
}

func TestCreditIdempotentByCheckoutKey(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	rec := NewRecorder(st, staticLimits{})

	for i, want := range []entitlements.CommitResult{entitlements.Committed, entitlements.AlreadyCommitted} {
		got, err := rec.Credit(ctx, "u1", entitlements.FeatureImageGeneration, 50, "checkout:cs_1")
		if err != nil || got != want {
			t.Fatalf("credit %d = %s, %v; want %s", i, got, err, want)
		}
	}
	bal, _ := st.GetBalance(ctx, "u1", entitlements.FeatureImageGeneration)
	if bal != 50 {
		t.Fatalf("balance = %d, want 50", bal)
	}
	if _, err := rec.Credit(ctx, "u1", entitlements.FeatureImageGeneration, 0, "checkout:cs_2"); !errors.Is(err, entitlements.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestRenewalKey(t *testing.T) {
	if got := RenewalKey("sub_1", 1700000000); got != "renewal:sub_1:1700000000" {
		t.Fatalf("RenewalKey = %q", got)
	}
}

func TestRenewPeriod(t *testing.T) {
	ctx := context.Background()
	l := New(memory.New())
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		status entitlements.SubscriptionStatus
		start  time.Time
		want   bool
	}{
		{name: "active", status: entitlements.StatusActive, start: start, want: true},
		{name: "trialing", status: entitlements.StatusTrialing, start: start, want: true},
		{name: "past_due_waits_for_payment", status: entitlements.StatusPastDue, start: start},
		{name: "canceled", status: entitlements.StatusCanceled, start: start},
		{name: "unknown_period", status: entitlements.StatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := store.Subscription{UserID: "u-" + tt.name, ExternalID: "sub_" + tt.name, Status: tt.status}
			got, err := l.RenewPeriod(ctx, sub, trialPlan, tt.start)
			if err != nil {
				t.Fatalf("RenewPeriod: %v", err)
			}
			if got != tt.want {
				t.Fatalf("RenewPeriod = %v, want %v", got, tt.want)
			}
			bal, _ := l.GetBalance(ctx, sub.UserID, entitlements.FeatureImageGeneration)
			if tt.want && bal != 2 {
				t.Fatalf("balance = %d, want 2", bal)
			}
			if !tt.want && bal != 0 {
				t.Fatalf("balance = %d, want untouched", bal)
			}
		})
	}

	ev, err := memoryFrom(l).GetEventByKey(ctx, RenewalKey("sub_active", start.Unix())+":imageGeneration")
	if err != nil || ev == nil {
		t.Fatalf("renewal event missing: %v", err)
	}
}

// memoryFrom returns the store behind a Ledger built in these tests.
func memoryFrom(l *Ledger) *memory.Store {
	return l.store.(*memory.Store)
}
