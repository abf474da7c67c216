package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rcourtman/storefront-entitlements/internal/ledger"
	"github.com/rcourtman/storefront-entitlements/internal/logging"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// PlanLookup is the read side of the plan catalog.
type PlanLookup interface {
	GetPlan(id string) (entitlements.Plan, error)
	KnownFeature(feature entitlements.Feature) bool
}

// Syncer applies verified Stripe events to local subscription and balance
// state. Every write it makes is keyed, so redelivered events are no-ops.
type Syncer struct {
	accounts store.AccountStore
	plans    PlanLookup
	ledger   *ledger.Ledger
	recorder *ledger.Recorder
	logger   zerolog.Logger
}

// NewSyncer wires a Syncer.
func NewSyncer(accounts store.AccountStore, plans PlanLookup, l *ledger.Ledger, recorder *ledger.Recorder) *Syncer {
	return &Syncer{
		accounts: accounts,
		plans:    plans,
		ledger:   l,
		recorder: recorder,
		logger:   logging.New("stripe"),
	}
}

// CheckoutKey is the credit key for a one-time purchase session.
func CheckoutKey(sessionID string) string {
	return "checkout:" + sessionID
}

// HandleCheckout links the Stripe customer to the user and, for one-time
// credit purchases, credits the purchased feature.
func (s *Syncer) HandleCheckout(ctx context.Context, session CheckoutSession) error {
	if !IsSafeStripeID(session.ID) {
		return fmt.Errorf("checkout session id %q: %w", session.ID, entitlements.ErrInvalidInput)
	}
	userID := session.UserID()
	if userID == "" {
		return fmt.Errorf("checkout %s has no user reference: %w", session.ID, entitlements.ErrInvalidInput)
	}
	if _, err := s.accounts.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("checkout %s: %w", session.ID, err)
	}
	if err := s.linkCustomer(ctx, userID, session.Customer); err != nil {
		return err
	}

	if session.Mode != "payment" {
		// Subscription checkouts are settled by the subscription events.
		return nil
	}
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
		s.logger.Info().
			Str("session_id", session.ID).
			Str("payment_status", session.PaymentStatus).
			Msg("Checkout not paid yet, skipping credit")
		return nil
	}

	feature, err := entitlements.ParseFeature(session.Metadata["feature"])
	if err != nil {
		return fmt.Errorf("checkout %s: %w", session.ID, entitlements.ErrInvalidInput)
	}
	if !s.plans.KnownFeature(feature) {
		return fmt.Errorf("checkout %s feature %q: %w", session.ID, feature, entitlements.ErrInvalidInput)
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(session.Metadata["credits"]), 10, 64)
	if err != nil || credits <= 0 {
		return fmt.Errorf("checkout %s credits %q: %w", session.ID, session.Metadata["credits"], entitlements.ErrInvalidInput)
	}

	result, err := s.recorder.Credit(ctx, userID, feature, credits, CheckoutKey(session.ID))
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("user_id", userID).
		Str("session_id", session.ID).
		Str("feature", string(feature)).
		Int64("credits", credits).
		Str("result", string(result)).
		Msg("Processed credit purchase")
	return nil
}

// HandleSubscription mirrors a subscription lifecycle event and replenishes
// balances when a new paid or trial period has started.
func (s *Syncer) HandleSubscription(ctx context.Context, sub Subscription) error {
	if !IsSafeStripeID(sub.ID) {
		return fmt.Errorf("subscription id %q: %w", sub.ID, entitlements.ErrInvalidInput)
	}
	user, err := s.resolveUser(ctx, sub.Customer, sub.Metadata["user_id"])
	if err != nil {
		return fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	start, end := sub.Period()
	row := store.Subscription{
		UserID:             user.ID,
		ExternalID:         sub.ID,
		CustomerID:         strings.TrimSpace(sub.Customer),
		PlanID:             entitlements.DeriveStripePlanID(sub.PlanMetadata(), sub.FirstPriceID()),
		Status:             entitlements.MapStripeSubscriptionStatus(sub.Status),
		CurrentPeriodStart: unixTime(start),
		CurrentPeriodEnd:   unixTime(end),
		TrialEnd:           unixTime(sub.TrialEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if row.PlanID == "" {
		return fmt.Errorf("subscription %s has no plan or price: %w", sub.ID, entitlements.ErrInvalidInput)
	}
	if err := s.accounts.UpsertSubscription(ctx, &row); err != nil {
		return err
	}
	s.logger.Info().
		Str("user_id", user.ID).
		Str("subscription_id", sub.ID).
		Str("plan_id", row.PlanID).
		Str("status", string(row.Status)).
		Msg("Subscription synced")

	if row.CurrentPeriodStart == nil {
		return nil
	}
	return s.renew(ctx, row)
}

// HandleInvoicePaid replenishes the period an invoice paid for. Invoices for
// subscriptions not yet mirrored are skipped; the subscription event that
// follows carries the same period and key.
func (s *Syncer) HandleInvoicePaid(ctx context.Context, inv Invoice) error {
	subID := inv.SubscriptionID()
	if subID == "" {
		s.logger.Debug().Str("invoice_id", inv.ID).Msg("Invoice is not for a subscription")
		return nil
	}
	start := inv.PeriodStart()
	if start == 0 {
		return fmt.Errorf("invoice %s has no billing period: %w", inv.ID, entitlements.ErrInvalidInput)
	}

	user, err := s.resolveUser(ctx, inv.Customer, "")
	if errors.Is(err, entitlements.ErrNotFound) {
		s.logger.Info().Str("invoice_id", inv.ID).Str("customer_id", inv.Customer).Msg("Invoice for unknown customer, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	subs, err := s.accounts.ListSubscriptions(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, row := range subs {
		if row.ExternalID != subID {
			continue
		}
		// The invoice settles the period, so an unpaid status is stale here.
		if row.Status == entitlements.StatusPastDue {
			row.Status = entitlements.StatusActive
		}
		row.CurrentPeriodStart = unixTime(start)
		return s.renew(ctx, row)
	}
	s.logger.Info().Str("invoice_id", inv.ID).Str("subscription_id", subID).Msg("Invoice for unsynced subscription, skipping")
	return nil
}

func (s *Syncer) renew(ctx context.Context, row store.Subscription) error {
	plan, err := s.plans.GetPlan(row.PlanID)
	if errors.Is(err, entitlements.ErrNotFound) {
		s.logger.Warn().
			Str("subscription_id", row.ExternalID).
			Str("plan_id", row.PlanID).
			Msg("Subscription plan missing from catalog, balances not replenished")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.ledger.RenewPeriod(ctx, row, plan, *row.CurrentPeriodStart)
	return err
}

func (s *Syncer) resolveUser(ctx context.Context, customerID, userID string) (*store.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID != "" {
		u, err := s.accounts.GetUserByCustomerID(ctx, customerID)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, entitlements.ErrNotFound) {
			return nil, err
		}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("customer %q: %w", customerID, entitlements.ErrNotFound)
	}
	u, err := s.accounts.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.linkCustomer(ctx, u.ID, customerID); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Syncer) linkCustomer(ctx context.Context, userID, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil
	}
	if !IsSafeStripeID(customerID) {
		return fmt.Errorf("customer id %q: %w", customerID, entitlements.ErrInvalidInput)
	}
	return s.accounts.SetStripeCustomerID(ctx, userID, customerID)
}
