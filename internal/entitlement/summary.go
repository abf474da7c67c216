package entitlement

import (
	"context"
	"errors"
	"sort"

	"github.com/rcourtman/storefront-entitlements/internal/subscription"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// FeatureView is one feature's standing for display.
type FeatureView struct {
	Feature   entitlements.Feature `json:"feature"`
	Limit     int64                `json:"limit"`
	Remaining int64                `json:"remaining"`
	Unlimited bool                 `json:"unlimited"`
	Enabled   bool                 `json:"enabled"`
}

// Summary is the dashboard view of a user's entitlements.
type Summary struct {
	State     subscription.EffectiveState `json:"state"`
	PlanTitle string                      `json:"plan_title,omitempty"`
	Features  []FeatureView               `json:"features"`
}

// Summarize builds the display view. It uses the billing provider
// corroboration path and must not be used for decisions.
func (e *Evaluator) Summarize(ctx context.Context, userID string) (Summary, error) {
	state, err := e.states.Describe(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	balances, err := e.balances.ListBalances(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{State: state}
	plan, err := e.plans.GetPlan(state.PlanID)
	switch {
	case errors.Is(err, entitlements.ErrNotFound):
		plan = entitlements.Plan{ID: state.PlanID}
	case err != nil:
		return Summary{}, err
	}
	summary.PlanTitle = plan.Title

	features := make(map[entitlements.Feature]struct{})
	for _, f := range entitlements.BuiltinFeatures() {
		features[f] = struct{}{}
	}
	for _, f := range plan.Features() {
		features[f] = struct{}{}
	}
	for f := range features {
		limit := plan.Limit(f)
		summary.Features = append(summary.Features, FeatureView{
			Feature:   f,
			Limit:     limit,
			Remaining: balances[f],
			Unlimited: limit == entitlements.Unlimited,
			Enabled:   limit != entitlements.Disabled,
		})
	}
	sort.Slice(summary.Features, func(i, j int) bool { return summary.Features[i].Feature < summary.Features[j].Feature })
	return summary, nil
}
