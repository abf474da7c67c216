// Package memory is an in-process Store used by tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

type balanceKey struct {
	userID  string
	feature entitlements.Feature
}

// Store keeps every table in maps guarded by one mutex, so each Apply is
// trivially atomic.
type Store struct {
	mu            sync.RWMutex
	plans         map[string]entitlements.Plan
	users         map[string]store.User
	subscriptions map[string]store.Subscription // by external id
	balances      map[balanceKey]int64
	events        []store.UsageEvent
	eventsByKey   map[string]int

	now func() time.Time
	// FailWith, when set, makes every call return a storage failure.
	failWith error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		plans:         make(map[string]entitlements.Plan),
		users:         make(map[string]store.User),
		subscriptions: make(map[string]store.Subscription),
		balances:      make(map[balanceKey]int64),
		eventsByKey:   make(map[string]int),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for defaulted timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailWith makes subsequent calls fail as if the database were unreachable.
// Pass nil to recover.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Store) fail(op string) error {
	if s.failWith != nil {
		return entitlements.WrapStoreError(op, s.failWith)
	}
	return nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fail("ping")
}

func (s *Store) Close() error { return nil }

func (s *Store) UpsertPlan(_ context.Context, plan entitlements.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("upsert_plan"); err != nil {
		return err
	}
	s.plans[plan.ID] = entitlements.ClonePlan(plan)
	return nil
}

func (s *Store) GetPlan(_ context.Context, id string) (entitlements.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("get_plan"); err != nil {
		return entitlements.Plan{}, err
	}
	p, ok := s.plans[id]
	if !ok {
		return entitlements.Plan{}, fmt.Errorf("plan %q: %w", id, entitlements.ErrNotFound)
	}
	return entitlements.ClonePlan(p), nil
}

func (s *Store) ListPlans(context.Context) ([]entitlements.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("list_plans"); err != nil {
		return nil, err
	}
	out := make([]entitlements.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, entitlements.ClonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("create_user"); err != nil {
		return err
	}
	if err := store.PrepareUser(u, s.now()); err != nil {
		return err
	}
	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user %q already exists: %w", u.ID, entitlements.ErrInvalidInput)
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("get_user"); err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", id, entitlements.ErrNotFound)
	}
	return &u, nil
}

func (s *Store) GetUserByCustomerID(_ context.Context, customerID string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("get_user_by_customer"); err != nil {
		return nil, err
	}
	customerID = strings.TrimSpace(customerID)
	if customerID != "" {
		for _, u := range s.users {
			if u.StripeCustomerID == customerID {
				u := u
				return &u, nil
			}
		}
	}
	return nil, fmt.Errorf("customer %q: %w", customerID, entitlements.ErrNotFound)
}

func (s *Store) SetStripeCustomerID(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("set_customer_id"); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %q: %w", userID, entitlements.ErrNotFound)
	}
	u.StripeCustomerID = strings.TrimSpace(customerID)
	s.users[userID] = u
	return nil
}

func (s *Store) UpsertSubscription(_ context.Context, sub *store.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("upsert_subscription"); err != nil {
		return err
	}
	if err := store.PrepareSubscription(sub, s.now()); err != nil {
		return err
	}
	if existing, ok := s.subscriptions[sub.ExternalID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	}
	s.subscriptions[sub.ExternalID] = *sub
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, userID string) ([]store.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("list_subscriptions"); err != nil {
		return nil, err
	}
	var out []store.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) ListSubscriptionsByStatus(_ context.Context, statuses ...entitlements.SubscriptionStatus) ([]store.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("list_subscriptions_by_status"); err != nil {
		return nil, err
	}
	want := make(map[entitlements.SubscriptionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []store.Subscription
	for _, sub := range s.subscriptions {
		if want[sub.Status] {
			out = append(out, sub)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(subs []store.Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ExternalID > subs[j].ExternalID
		}
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
}

func (s *Store) GetBalance(_ context.Context, userID string, feature entitlements.Feature) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("get_balance"); err != nil {
		return 0, err
	}
	return s.balances[balanceKey{userID, feature}], nil
}

func (s *Store) ListBalances(_ context.Context, userID string) (map[entitlements.Feature]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("list_balances"); err != nil {
		return nil, err
	}
	out := make(map[entitlements.Feature]int64)
	for k, v := range s.balances {
		if k.userID == userID {
			out[k.feature] = v
		}
	}
	return out, nil
}

func (s *Store) Apply(_ context.Context, m store.Mutation) (store.ApplyResult, error) {
	if err := m.Validate(); err != nil {
		return store.ApplyResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("apply"); err != nil {
		return store.ApplyResult{}, err
	}
	return s.applyLocked(m), nil
}

func (s *Store) ApplyBatch(_ context.Context, ms []store.Mutation) ([]store.ApplyResult, error) {
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("apply_batch"); err != nil {
		return nil, err
	}
	out := make([]store.ApplyResult, 0, len(ms))
	for _, m := range ms {
		out = append(out, s.applyLocked(m))
	}
	return out, nil
}

func (s *Store) applyLocked(m store.Mutation) store.ApplyResult {
	if idx, ok := s.eventsByKey[m.IdempotencyKey]; ok {
		ev := s.events[idx]
		return store.ApplyResult{
			Status:  store.ApplyDuplicate,
			Balance: s.balances[balanceKey{ev.UserID, ev.Feature}],
			Event:   &ev,
		}
	}

	key := balanceKey{m.UserID, m.Feature}
	current := s.balances[key]
	next := current
	switch m.Kind {
	case entitlements.EventDebit:
		if m.Metered {
			if current < m.Quantity {
				return store.ApplyResult{Status: store.ApplyInsufficient, Balance: current}
			}
			next = current - m.Quantity
		}
	case entitlements.EventCredit:
		next = current + m.Quantity
	case entitlements.EventSet:
		next = m.Quantity
	}
	s.balances[key] = next

	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	ev := m.Event(next)
	s.events = append(s.events, *ev)
	s.eventsByKey[m.IdempotencyKey] = len(s.events) - 1
	return store.ApplyResult{Status: store.ApplyApplied, Balance: next, Event: ev}
}

func (s *Store) GetEventByKey(_ context.Context, key string) (*store.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("get_event"); err != nil {
		return nil, err
	}
	idx, ok := s.eventsByKey[key]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", key, entitlements.ErrNotFound)
	}
	ev := s.events[idx]
	return &ev, nil
}

func (s *Store) ListEvents(_ context.Context, userID string, limit int) ([]store.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fail("list_events"); err != nil {
		return nil, err
	}
	var out []store.UsageEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].UserID != userID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
