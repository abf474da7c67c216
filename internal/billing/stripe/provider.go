package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"

	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// Provider asks Stripe for a subscription's current period end. It is used
// to corroborate the locally mirrored state for display, never for
// decisions.
type Provider struct {
	getSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewProvider configures the Stripe client with apiKey.
func NewProvider(apiKey string) *Provider {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &Provider{getSubscription: stripesubscription.Get}
}

// CurrentPeriodEnd implements subscription.BillingProvider.
func (p *Provider) CurrentPeriodEnd(ctx context.Context, externalID string) (time.Time, error) {
	if !IsSafeStripeID(externalID) {
		return time.Time{}, fmt.Errorf("subscription id %q: %w", externalID, entitlements.ErrInvalidInput)
	}
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.getSubscription(externalID, params)
	if err != nil {
		return time.Time{}, fmt.Errorf("stripe get subscription %s: %w", externalID, err)
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > 0 {
				return time.Unix(item.CurrentPeriodEnd, 0).UTC(), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("stripe subscription %s has no period end: %w", externalID, entitlements.ErrNotFound)
}
