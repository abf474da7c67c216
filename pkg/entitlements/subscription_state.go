package entitlements

import "strings"

// SubscriptionStatus is the lifecycle status of a billing subscription.
type SubscriptionStatus string

const (
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusExpired    SubscriptionStatus = "expired"
)

// StateBehavior describes what a subscription status means for entitlements.
type StateBehavior struct {
	// Status is the subscription status this behavior applies to.
	Status SubscriptionStatus

	// GrantsPlan indicates whether the subscription's plan governs limits.
	GrantsPlan bool

	// ShowWarning indicates whether the dashboard should show a billing banner.
	ShowWarning bool
}

// StateBehaviors maps each subscription status to its entitlement behavior.
var StateBehaviors = map[SubscriptionStatus]StateBehavior{
	StatusTrialing: {
		Status:     StatusTrialing,
		GrantsPlan: true,
	},
	StatusActive: {
		Status:     StatusActive,
		GrantsPlan: true,
	},
	StatusPastDue: {
		Status:      StatusPastDue,
		GrantsPlan:  true,
		ShowWarning: true,
	},
	StatusCanceled: {
		Status:      StatusCanceled,
		ShowWarning: true,
	},
	StatusIncomplete: {
		Status:      StatusIncomplete,
		ShowWarning: true,
	},
	StatusExpired: {
		Status:      StatusExpired,
		ShowWarning: true,
	},
}

// GetBehavior returns the behavior rules for the given status.
// Unknown statuses behave as expired.
func GetBehavior(status SubscriptionStatus) StateBehavior {
	if b, ok := StateBehaviors[status]; ok {
		return b
	}
	return StateBehaviors[StatusExpired]
}

// IsValid reports whether s is a known status.
func (s SubscriptionStatus) IsValid() bool {
	_, ok := StateBehaviors[s]
	return ok
}

// MapStripeSubscriptionStatus converts a Stripe subscription status.
func MapStripeSubscriptionStatus(status string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete":
		return StatusIncomplete
	default:
		// incomplete_expired, paused and anything new fail closed.
		return StatusExpired
	}
}

// DeriveStripePlanID picks the catalog plan for a Stripe price.
func DeriveStripePlanID(metadata map[string]string, priceID string) string {
	if metadata != nil {
		if v := strings.TrimSpace(metadata["plan"]); v != "" {
			return v
		}
		if v := strings.TrimSpace(metadata["plan_id"]); v != "" {
			return v
		}
	}
	if strings.TrimSpace(priceID) != "" {
		return "stripe_price:" + strings.TrimSpace(priceID)
	}
	return ""
}
