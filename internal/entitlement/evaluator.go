// Package entitlement decides whether a user may perform a metered action.
// It reads plan, subscription and balance state and never writes.
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/storefront-entitlements/internal/metrics"
	"github.com/rcourtman/storefront-entitlements/internal/subscription"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// PlanCatalog is the read side of the plan catalog.
type PlanCatalog interface {
	GetPlan(id string) (entitlements.Plan, error)
	KnownFeature(feature entitlements.Feature) bool
}

// StateReader resolves effective subscription state.
type StateReader interface {
	EffectiveState(ctx context.Context, userID string) (subscription.EffectiveState, error)
	Describe(ctx context.Context, userID string) (subscription.EffectiveState, error)
}

// Balances is the read side of the usage ledger.
type Balances interface {
	GetBalance(ctx context.Context, userID string, feature entitlements.Feature) (int64, error)
	ListBalances(ctx context.Context, userID string) (map[entitlements.Feature]int64, error)
}

// Evaluator implements CheckAndReserve.
type Evaluator struct {
	plans    PlanCatalog
	states   StateReader
	balances Balances
}

// NewEvaluator wires an Evaluator to its read ports.
func NewEvaluator(plans PlanCatalog, states StateReader, balances Balances) *Evaluator {
	return &Evaluator{plans: plans, states: states, balances: balances}
}

// CheckAndReserve decides whether userID may use quantity units of feature.
// No debit is applied; the caller commits after the action succeeds.
// Denials are returned as decisions. Errors are reserved for invalid input,
// unknown users and storage failures.
func (e *Evaluator) CheckAndReserve(ctx context.Context, userID string, feature entitlements.Feature, quantity int64) (entitlements.Decision, error) {
	if quantity <= 0 {
		return entitlements.Decision{}, entitlements.ErrInvalidQuantity
	}
	if !e.plans.KnownFeature(feature) {
		return entitlements.Decision{}, fmt.Errorf("feature %q: %w", feature, entitlements.ErrUnknownFeature)
	}

	decision, err := e.decide(ctx, userID, feature, quantity)
	if err != nil {
		if entitlements.IsStorageUnavailable(err) {
			metrics.StorageErrorsTotal.WithLabelValues("check").Inc()
		}
		return entitlements.Decision{}, err
	}

	outcome := "allowed"
	if !decision.Allowed {
		outcome = string(decision.Reason)
	}
	metrics.DecisionsTotal.WithLabelValues(string(feature), outcome).Inc()
	log.Debug().
		Str("user_id", userID).
		Str("feature", string(feature)).
		Str("plan_id", decision.PlanID).
		Int64("quantity", quantity).
		Int64("limit", decision.Limit).
		Int64("balance", decision.Balance).
		Str("outcome", outcome).
		Msg("Entitlement decision")
	return decision, nil
}

func (e *Evaluator) decide(ctx context.Context, userID string, feature entitlements.Feature, quantity int64) (entitlements.Decision, error) {
	state, err := e.states.EffectiveState(ctx, userID)
	if err != nil {
		return entitlements.Decision{}, err
	}

	limit, found, err := e.limitFor(state.PlanID, feature)
	if err != nil {
		return entitlements.Decision{}, err
	}
	if !found {
		return entitlements.Deny(entitlements.ReasonFeatureDisabled, feature, quantity, state.PlanID, entitlements.Disabled, 0), nil
	}

	// An expired account explains itself before a disabled feature does.
	if state.Status == entitlements.StatusExpired && limit == entitlements.Disabled {
		reason := state.ExpiredReason
		if reason == entitlements.ReasonNone {
			reason = entitlements.ReasonPlanExpired
		}
		return entitlements.Deny(reason, feature, quantity, state.PlanID, limit, 0), nil
	}

	switch limit {
	case entitlements.Unlimited:
		return entitlements.Allow(feature, quantity, state.PlanID, limit, 0), nil
	case entitlements.Disabled:
		return entitlements.Deny(entitlements.ReasonFeatureDisabled, feature, quantity, state.PlanID, limit, 0), nil
	}

	balance, err := e.balances.GetBalance(ctx, userID, feature)
	if err != nil {
		return entitlements.Decision{}, err
	}
	if balance >= quantity {
		return entitlements.Allow(feature, quantity, state.PlanID, limit, balance), nil
	}
	return entitlements.Deny(entitlements.ReasonLimitReached, feature, quantity, state.PlanID, limit, balance), nil
}

// limitFor resolves the plan's limit. A plan missing from the catalog is
// reported as not found and treated as zero entitlement.
func (e *Evaluator) limitFor(planID string, feature entitlements.Feature) (int64, bool, error) {
	plan, err := e.plans.GetPlan(planID)
	if errors.Is(err, entitlements.ErrNotFound) {
		log.Warn().Str("plan_id", planID).Str("feature", string(feature)).Msg("Effective plan missing from catalog, denying")
		return entitlements.Disabled, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return plan.Limit(feature), true, nil
}

// ResolveLimit returns the effective plan and its limit for feature. Unknown
// features fail the same way they do in CheckAndReserve.
func (e *Evaluator) ResolveLimit(ctx context.Context, userID string, feature entitlements.Feature) (string, int64, error) {
	if !e.plans.KnownFeature(feature) {
		return "", 0, fmt.Errorf("feature %q: %w", feature, entitlements.ErrUnknownFeature)
	}
	state, err := e.states.EffectiveState(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	limit, _, err := e.limitFor(state.PlanID, feature)
	if err != nil {
		return "", 0, err
	}
	return state.PlanID, limit, nil
}
