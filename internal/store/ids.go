package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// NewEventID returns a lexically sortable ledger entry id.
func NewEventID() string {
	return ulid.Make().String()
}

// NewSubscriptionID returns an internal subscription row id.
func NewSubscriptionID() string {
	return "sub_" + uuid.NewString()
}

// PrepareUser validates u and fills defaulted fields before insert.
func PrepareUser(u *User, now time.Time) error {
	if u == nil {
		return fmt.Errorf("user is nil: %w", entitlements.ErrInvalidInput)
	}
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return fmt.Errorf("user id is required: %w", entitlements.ErrInvalidInput)
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.StripeCustomerID = strings.TrimSpace(u.StripeCustomerID)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now.UTC()
	}
	return nil
}

// PrepareSubscription validates s and fills defaulted fields before upsert.
func PrepareSubscription(s *Subscription, now time.Time) error {
	if s == nil {
		return fmt.Errorf("subscription is nil: %w", entitlements.ErrInvalidInput)
	}
	s.ExternalID = strings.TrimSpace(s.ExternalID)
	s.UserID = strings.TrimSpace(s.UserID)
	if s.ExternalID == "" {
		return fmt.Errorf("subscription external id is required: %w", entitlements.ErrInvalidInput)
	}
	if s.UserID == "" {
		return fmt.Errorf("subscription user id is required: %w", entitlements.ErrInvalidInput)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("subscription status %q: %w", s.Status, entitlements.ErrInvalidInput)
	}
	if s.ID == "" {
		s.ID = NewSubscriptionID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now.UTC()
	}
	s.UpdatedAt = now.UTC()
	return nil
}
