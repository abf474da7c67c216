package entitlements

// DenialReason is the machine-readable reason attached to a denied decision.
type DenialReason string

const (
	ReasonNone            DenialReason = ""
	ReasonPlanExpired     DenialReason = "PLAN_EXPIRED"
	ReasonTrialEnded      DenialReason = "TRIAL_ENDED"
	ReasonLimitReached    DenialReason = "LIMIT_REACHED"
	ReasonFeatureDisabled DenialReason = "FEATURE_DISABLED"
)

// Message returns the user-facing explanation for a denial.
func (r DenialReason) Message() string {
	switch r {
	case ReasonPlanExpired:
		return "Your plan has expired. Renew your subscription to continue."
	case ReasonTrialEnded:
		return "Your free trial has ended. Choose a plan to continue."
	case ReasonLimitReached:
		return "You have used all credits for this feature in the current period."
	case ReasonFeatureDisabled:
		return "This feature is not included in your plan."
	default:
		return ""
	}
}

// Decision is the outcome of an entitlement check. A denial is an expected
// value, not an error.
type Decision struct {
	Allowed   bool         `json:"allowed"`
	Reason    DenialReason `json:"reason,omitempty"`
	Feature   Feature      `json:"feature"`
	Quantity  int64        `json:"quantity"`
	PlanID    string       `json:"plan_id"`
	Limit     int64        `json:"limit"`
	Balance   int64        `json:"balance"`
	Unlimited bool         `json:"unlimited"`
}

// Allow builds an allowed decision.
func Allow(feature Feature, quantity int64, planID string, limit, balance int64) Decision {
	return Decision{
		Allowed:   true,
		Feature:   feature,
		Quantity:  quantity,
		PlanID:    planID,
		Limit:     limit,
		Balance:   balance,
		Unlimited: limit == Unlimited,
	}
}

// Deny builds a denied decision.
func Deny(reason DenialReason, feature Feature, quantity int64, planID string, limit, balance int64) Decision {
	return Decision{
		Reason:   reason,
		Feature:  feature,
		Quantity: quantity,
		PlanID:   planID,
		Limit:    limit,
		Balance:  balance,
	}
}

// CommitResult is the outcome of recording usage.
type CommitResult string

const (
	Committed        CommitResult = "committed"
	AlreadyCommitted CommitResult = "already_committed"
	Rejected         CommitResult = "rejected"
)

// EventKind classifies a ledger entry.
type EventKind string

const (
	EventDebit  EventKind = "debit"
	EventCredit EventKind = "credit"
	EventSet    EventKind = "set"
)
