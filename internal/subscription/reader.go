// Package subscription resolves a user's effective billing state from the
// locally cached subscription rows and the user's trial window.
package subscription

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

const (
	// DefaultGraceWindow is how long a past_due subscription keeps its plan.
	DefaultGraceWindow = 14 * 24 * time.Hour
	// DefaultBillingTimeout bounds calls made by Describe.
	DefaultBillingTimeout = 2 * time.Second
	// DefaultTrialDuration is the signup trial length.
	DefaultTrialDuration = 7 * 24 * time.Hour
)

// BillingProvider corroborates cached subscription data. It is never on the
// entitlement decision path.
type BillingProvider interface {
	CurrentPeriodEnd(ctx context.Context, externalID string) (time.Time, error)
}

// Options configures a Reader. Zero values select the defaults.
type Options struct {
	GraceWindow    time.Duration
	BillingTimeout time.Duration
	Provider       BillingProvider
	Now            func() time.Time
}

// EffectiveState is the billing state governing a user right now.
type EffectiveState struct {
	UserID             string                          `json:"user_id"`
	Status             entitlements.SubscriptionStatus `json:"status"`
	PlanID             string                          `json:"plan_id"`
	IsTrialing         bool                            `json:"is_trialing"`
	TrialDaysRemaining int                             `json:"trial_days_remaining"`
	TrialEndsAt        *time.Time                      `json:"trial_ends_at,omitempty"`
	InGrace            bool                            `json:"in_grace"`
	GraceEndsAt        *time.Time                      `json:"grace_ends_at,omitempty"`
	CurrentPeriodEnd   *time.Time                      `json:"current_period_end,omitempty"`
	PeriodEndVerified  bool                            `json:"period_end_verified"`
	ShowWarning        bool                            `json:"show_warning"`
	Subscription       *store.Subscription             `json:"subscription,omitempty"`
	// ExpiredReason is set when Status is expired.
	ExpiredReason entitlements.DenialReason `json:"expired_reason,omitempty"`
}

// Reader resolves effective subscription state.
type Reader struct {
	accounts       store.AccountStore
	grace          time.Duration
	billingTimeout time.Duration
	provider       BillingProvider
	now            func() time.Time
}

// NewReader creates a Reader over accounts.
func NewReader(accounts store.AccountStore, opts Options) *Reader {
	r := &Reader{
		accounts:       accounts,
		grace:          opts.GraceWindow,
		billingTimeout: opts.BillingTimeout,
		provider:       opts.Provider,
		now:            opts.Now,
	}
	if r.grace <= 0 {
		r.grace = DefaultGraceWindow
	}
	if r.billingTimeout <= 0 {
		r.billingTimeout = DefaultBillingTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// EffectiveState resolves the user's current status and plan. Subscriptions
// are consulted newest first; the first whose status grants a plan governs.
// Otherwise the trial window applies, and after it the expired plan.
func (r *Reader) EffectiveState(ctx context.Context, userID string) (EffectiveState, error) {
	user, err := r.accounts.GetUser(ctx, userID)
	if err != nil {
		return EffectiveState{}, err
	}
	subs, err := r.accounts.ListSubscriptions(ctx, userID)
	if err != nil {
		return EffectiveState{}, fmt.Errorf("list subscriptions for %s: %w", userID, err)
	}

	now := r.now()
	state := EffectiveState{UserID: user.ID}

	for i := range subs {
		sub := subs[i]
		if !entitlements.GetBehavior(sub.Status).GrantsPlan {
			continue
		}
		if sub.Status == entitlements.StatusPastDue {
			graceEnd := r.graceEnd(sub)
			if !now.Before(graceEnd) {
				log.Debug().
					Str("user_id", userID).
					Str("subscription", sub.ExternalID).
					Time("grace_ended", graceEnd).
					Msg("Past-due grace window elapsed")
				break
			}
			state.InGrace = true
			state.GraceEndsAt = &graceEnd
		}
		state.Status = sub.Status
		state.PlanID = sub.PlanID
		state.Subscription = &sub
		state.CurrentPeriodEnd = sub.CurrentPeriodEnd
		if sub.Status == entitlements.StatusTrialing {
			state.IsTrialing = true
			if sub.TrialEnd != nil {
				state.TrialEndsAt = sub.TrialEnd
				state.TrialDaysRemaining = remainingDays(*sub.TrialEnd, now)
			}
		}
		state.ShowWarning = entitlements.GetBehavior(state.Status).ShowWarning
		return state, nil
	}

	if !user.TrialEndsAt.IsZero() && now.Before(user.TrialEndsAt) {
		trialEnd := user.TrialEndsAt
		state.Status = entitlements.StatusTrialing
		state.PlanID = entitlements.PlanTrial
		state.IsTrialing = true
		state.TrialEndsAt = &trialEnd
		state.TrialDaysRemaining = remainingDays(trialEnd, now)
		return state, nil
	}

	state.Status = entitlements.StatusExpired
	state.PlanID = entitlements.PlanExpired
	state.ExpiredReason = entitlements.ReasonPlanExpired
	if len(subs) == 0 {
		state.ExpiredReason = entitlements.ReasonTrialEnded
	}
	state.ShowWarning = entitlements.GetBehavior(state.Status).ShowWarning
	return state, nil
}

// Describe is EffectiveState plus a bounded, best-effort check of the
// period end against the billing provider. Failures fall back to the cached
// value.
func (r *Reader) Describe(ctx context.Context, userID string) (EffectiveState, error) {
	state, err := r.EffectiveState(ctx, userID)
	if err != nil {
		return state, err
	}
	if r.provider == nil || state.Subscription == nil {
		return state, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.billingTimeout)
	defer cancel()

	end, err := r.provider.CurrentPeriodEnd(callCtx, state.Subscription.ExternalID)
	if err != nil {
		log.Debug().
			Err(err).
			Str("user_id", userID).
			Str("subscription", state.Subscription.ExternalID).
			Msg("Billing provider unavailable, using cached period end")
		return state, nil
	}
	end = end.UTC()
	state.CurrentPeriodEnd = &end
	state.PeriodEndVerified = true
	return state, nil
}

func (r *Reader) graceEnd(sub store.Subscription) time.Time {
	anchor := sub.UpdatedAt
	if sub.CurrentPeriodEnd != nil {
		anchor = *sub.CurrentPeriodEnd
	}
	return anchor.Add(r.grace)
}

// remainingDays rounds partial days up and never goes negative.
func remainingDays(end, now time.Time) int {
	days := int(math.Ceil(end.Sub(now).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

// TrialEndsAt returns the trial end for a user created at createdAt.
func TrialEndsAt(createdAt time.Time, trial time.Duration) time.Time {
	if trial <= 0 {
		trial = DefaultTrialDuration
	}
	return createdAt.UTC().Add(trial)
}
