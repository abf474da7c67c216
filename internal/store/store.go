// Package store defines the persistence port of the entitlement core and the
// records it persists. Adapters live in sub-packages.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// User is the entitlement view of a dashboard account.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	TrialEndsAt      time.Time `json:"trial_ends_at"`
}

// Subscription mirrors a billing-provider subscription. Rows are written by
// billing webhooks; history is retained.
type Subscription struct {
	ID                 string                          `json:"id"`
	UserID             string                          `json:"user_id"`
	ExternalID         string                          `json:"external_id"`
	CustomerID         string                          `json:"customer_id,omitempty"`
	PlanID             string                          `json:"plan_id"`
	Status             entitlements.SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time                      `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time                      `json:"current_period_end,omitempty"`
	TrialEnd           *time.Time                      `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool                            `json:"cancel_at_period_end"`
	CreatedAt          time.Time                       `json:"created_at"`
	UpdatedAt          time.Time                       `json:"updated_at"`
}

// UsageEvent is an immutable ledger entry.
type UsageEvent struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	Feature        entitlements.Feature   `json:"feature"`
	Kind           entitlements.EventKind `json:"kind"`
	Quantity       int64                  `json:"quantity"`
	BalanceAfter   int64                  `json:"balance_after"`
	Metered        bool                   `json:"metered"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Mutation is a requested ledger change.
type Mutation struct {
	EventID        string
	UserID         string
	Feature        entitlements.Feature
	Kind           entitlements.EventKind
	Quantity       int64
	IdempotencyKey string
	// Metered controls whether a debit touches the balance. Unlimited plans
	// record the event for audit only.
	Metered   bool
	CreatedAt time.Time
}

// Validate checks the mutation before it reaches a database.
func (m Mutation) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("mutation user id is required: %w", entitlements.ErrInvalidInput)
	}
	if strings.TrimSpace(string(m.Feature)) == "" {
		return fmt.Errorf("mutation feature is required: %w", entitlements.ErrInvalidInput)
	}
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return fmt.Errorf("idempotency key is required: %w", entitlements.ErrInvalidInput)
	}
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("event id is required: %w", entitlements.ErrInvalidInput)
	}
	switch m.Kind {
	case entitlements.EventDebit, entitlements.EventCredit:
		if m.Quantity <= 0 {
			return entitlements.ErrInvalidQuantity
		}
	case entitlements.EventSet:
		if m.Quantity < 0 {
			return entitlements.ErrNegativeBalance
		}
	default:
		return fmt.Errorf("unknown mutation kind %q: %w", m.Kind, entitlements.ErrInvalidInput)
	}
	return nil
}

// Event builds the ledger entry recorded for a successful mutation.
func (m Mutation) Event(balanceAfter int64) *UsageEvent {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	metered := m.Metered || m.Kind != entitlements.EventDebit
	return &UsageEvent{
		ID:             m.EventID,
		UserID:         m.UserID,
		Feature:        m.Feature,
		Kind:           m.Kind,
		Quantity:       m.Quantity,
		BalanceAfter:   balanceAfter,
		Metered:        metered,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      created,
	}
}

// ApplyStatus describes what a mutation did.
type ApplyStatus string

const (
	ApplyApplied      ApplyStatus = "applied"
	ApplyDuplicate    ApplyStatus = "duplicate"
	ApplyInsufficient ApplyStatus = "insufficient"
)

// ApplyResult is returned for every mutation. Event is the stored entry for
// applied and duplicate results and nil for insufficient.
type ApplyResult struct {
	Status  ApplyStatus
	Balance int64
	Event   *UsageEvent
}

// PlanStore persists the administrative plan catalog.
type PlanStore interface {
	UpsertPlan(ctx context.Context, plan entitlements.Plan) error
	// GetPlan returns an error wrapping entitlements.ErrNotFound for unknown ids.
	GetPlan(ctx context.Context, id string) (entitlements.Plan, error)
	ListPlans(ctx context.Context) ([]entitlements.Plan, error)
}

// AccountStore persists users and their subscription history.
type AccountStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*User, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	// UpsertSubscription inserts or updates by ExternalID.
	UpsertSubscription(ctx context.Context, s *Subscription) error
	// ListSubscriptions returns the user's subscriptions, most recently created first.
	ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error)
	ListSubscriptionsByStatus(ctx context.Context, statuses ...entitlements.SubscriptionStatus) ([]Subscription, error)
}

// LedgerStore persists balances and the append-only usage ledger. Apply and
// ApplyBatch are the only write paths to balances.
type LedgerStore interface {
	// GetBalance returns 0 when no balance row exists.
	GetBalance(ctx context.Context, userID string, feature entitlements.Feature) (int64, error)
	ListBalances(ctx context.Context, userID string) (map[entitlements.Feature]int64, error)
	Apply(ctx context.Context, m Mutation) (ApplyResult, error)
	// ApplyBatch applies all mutations in a single transaction.
	ApplyBatch(ctx context.Context, ms []Mutation) ([]ApplyResult, error)
	GetEventByKey(ctx context.Context, key string) (*UsageEvent, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]UsageEvent, error)
}

// Store is the full persistence port.
type Store interface {
	PlanStore
	AccountStore
	LedgerStore
	Ping(ctx context.Context) error
	Close() error
}
