package stripe

import (
	"strings"
	"time"
)

// CheckoutSession is a minimal representation of a Stripe checkout session.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

// UserID returns the dashboard user the session was opened for.
func (s *CheckoutSession) UserID() string {
	if v := strings.TrimSpace(s.Metadata["user_id"]); v != "" {
		return v
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

type subscriptionItem struct {
	Price struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// Subscription is a minimal representation of a Stripe subscription event.
// Newer API versions carry the billing period on the items only.
type Subscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialEnd           int64  `json:"trial_end"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// PlanMetadata merges price metadata under subscription metadata.
func (s *Subscription) PlanMetadata() map[string]string {
	merged := make(map[string]string)
	for _, item := range s.Items.Data {
		for k, v := range item.Price.Metadata {
			merged[k] = v
		}
		break
	}
	for k, v := range s.Metadata {
		merged[k] = v
	}
	return merged
}

// Period returns the current billing period in unix seconds.
func (s *Subscription) Period() (start, end int64) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	return start, end
}

// Invoice is a minimal representation of a Stripe invoice.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	BillingReason string `json:"billing_reason"`
	Lines         struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the subscription the invoice bills, if any.
func (inv *Invoice) SubscriptionID() string {
	if v := strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription); v != "" {
		return v
	}
	return strings.TrimSpace(inv.Subscription)
}

// PeriodStart returns the start of the billed subscription period.
func (inv *Invoice) PeriodStart() int64 {
	for _, line := range inv.Lines.Data {
		if line.Period.Start != 0 {
			return line.Period.Start
		}
	}
	return 0
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup and idempotency key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
