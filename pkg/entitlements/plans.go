package entitlements

import (
	"fmt"
	"sort"
	"strings"
)

// Limit sentinels. Any positive value is a per-period allowance.
const (
	Unlimited int64 = -1
	Disabled  int64 = 0
)

// Well-known plan identifiers.
const (
	PlanTrial   = "trial"
	PlanExpired = "expired"
	PlanPro     = "pro"
	PlanProYear = "pro-year"
)

// Plan describes a subscription tier and its per-feature limits.
// Plans are immutable at runtime; changes are administrative.
type Plan struct {
	ID         string            `json:"id" yaml:"id"`
	Title      string            `json:"title" yaml:"title"`
	PriceCents int64             `json:"price_cents" yaml:"price_cents"`
	Interval   string            `json:"interval,omitempty" yaml:"interval,omitempty"` // month, year, or empty
	Limits     map[Feature]int64 `json:"limits" yaml:"limits"`
}

// Limit returns the plan's limit for a feature. Features the plan does not
// mention are disabled.
func (p Plan) Limit(feature Feature) int64 {
	if p.Limits == nil {
		return Disabled
	}
	limit, ok := p.Limits[feature]
	if !ok {
		return Disabled
	}
	return limit
}

// Features returns the features this plan mentions, sorted.
func (p Plan) Features() []Feature {
	out := make([]Feature, 0, len(p.Limits))
	for f := range p.Limits {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks the structural rules a catalog entry must satisfy.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("plan id is required: %w", ErrInvalidInput)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("plan %q: price must not be negative: %w", p.ID, ErrInvalidInput)
	}
	for feature, limit := range p.Limits {
		if strings.TrimSpace(string(feature)) == "" {
			return fmt.Errorf("plan %q: empty feature name: %w", p.ID, ErrInvalidInput)
		}
		if limit < Unlimited {
			return fmt.Errorf("plan %q: feature %q has invalid limit %d: %w", p.ID, feature, limit, ErrInvalidInput)
		}
	}
	return nil
}

// ClonePlan returns a deep copy so callers cannot mutate catalog state.
func ClonePlan(p Plan) Plan {
	cp := p
	if p.Limits != nil {
		cp.Limits = make(map[Feature]int64, len(p.Limits))
		for k, v := range p.Limits {
			cp.Limits[k] = v
		}
	}
	return cp
}
