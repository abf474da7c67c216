package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (entitlements.Plan, error) {
	var p entitlements.Plan
	var limits string
	if err := s.Scan(&p.ID, &p.Title, &p.PriceCents, &p.Interval, &limits); err != nil {
		return entitlements.Plan{}, err
	}
	p.Limits = make(map[entitlements.Feature]int64)
	if err := json.Unmarshal([]byte(limits), &p.Limits); err != nil {
		return entitlements.Plan{}, fmt.Errorf("decode limits for plan %q: %w", p.ID, err)
	}
	return p, nil
}

func scanUser(s scanner) (*store.User, error) {
	var u store.User
	var createdAt, trialEndsAt int64
	if err := s.Scan(&u.ID, &u.Email, &u.StripeCustomerID, &createdAt, &trialEndsAt); err != nil {
		return nil, err
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.TrialEndsAt = fromUnix(trialEndsAt)
	return &u, nil
}

func scanSubscription(s scanner) (*store.Subscription, error) {
	var sub store.Subscription
	var status string
	var periodStart, periodEnd, trialEnd sql.NullInt64
	var cancelAtPeriodEnd int
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.ID, &sub.UserID, &sub.ExternalID, &sub.CustomerID, &sub.PlanID, &status,
		&periodStart, &periodEnd, &trialEnd, &cancelAtPeriodEnd,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = entitlements.SubscriptionStatus(status)
	sub.CurrentPeriodStart = nullableUnixTime(periodStart)
	sub.CurrentPeriodEnd = nullableUnixTime(periodEnd)
	sub.TrialEnd = nullableUnixTime(trialEnd)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanEvent(s scanner) (*store.UsageEvent, error) {
	var ev store.UsageEvent
	var feature, kind string
	var metered int
	var createdAt int64
	err := s.Scan(
		&ev.ID, &ev.UserID, &feature, &kind, &ev.Quantity, &ev.BalanceAfter,
		&metered, &ev.IdempotencyKey, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Feature = entitlements.Feature(feature)
	ev.Kind = entitlements.EventKind(kind)
	ev.Metered = metered != 0
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &ev, nil
}

func timeUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableUnixTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
