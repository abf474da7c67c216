// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

//go:embed migrations/*.sql
var migrations embed.FS

// errKeyRace is returned inside a transaction when a concurrent writer
// inserted the same idempotency key first. The batch is retried.
var errKeyRace = errors.New("idempotency key inserted concurrently")

const maxApplyAttempts = 3

// Store persists plans, accounts and the usage ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and applies pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty: %w", entitlements.ErrInvalidInput)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies every embedded migration that has not run yet.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return entitlements.WrapStoreError("ping", s.pool.Ping(ctx))
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) UpsertPlan(ctx context.Context, plan entitlements.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	limits, err := json.Marshal(plan.Limits)
	if err != nil {
		return fmt.Errorf("encode plan limits: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO plans (id, title, price_cents, billing_interval, limits)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  price_cents = EXCLUDED.price_cents,
  billing_interval = EXCLUDED.billing_interval,
  limits = EXCLUDED.limits,
  updated_at = NOW()
`, plan.ID, plan.Title, plan.PriceCents, plan.Interval, string(limits))
	return entitlements.WrapStoreError("upsert_plan", err)
}

func (s *Store) GetPlan(ctx context.Context, id string) (entitlements.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, `
SELECT id, title, price_cents, billing_interval, limits FROM plans WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlements.Plan{}, fmt.Errorf("plan %q: %w", id, entitlements.ErrNotFound)
	}
	if err != nil {
		return entitlements.Plan{}, entitlements.WrapStoreError("get_plan", err)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]entitlements.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, price_cents, billing_interval, limits FROM plans ORDER BY id`)
	if err != nil {
		return nil, entitlements.WrapStoreError("list_plans", err)
	}
	defer rows.Close()

	var out []entitlements.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, entitlements.WrapStoreError("list_plans", err)
		}
		out = append(out, p)
	}
	return out, entitlements.WrapStoreError("list_plans", rows.Err())
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	if err := store.PrepareUser(u, time.Now()); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO users (id, email, stripe_customer_id, created_at, trial_ends_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING
`, u.ID, u.Email, u.StripeCustomerID, u.CreatedAt, nullableTime(u.TrialEndsAt))
	if err != nil {
		return entitlements.WrapStoreError("create_user", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %q already exists: %w", u.ID, entitlements.ErrInvalidInput)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
SELECT id, email, stripe_customer_id, created_at, trial_ends_at FROM users WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", id, entitlements.ErrNotFound)
	}
	return u, entitlements.WrapStoreError("get_user", err)
}

func (s *Store) GetUserByCustomerID(ctx context.Context, customerID string) (*store.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("customer id is empty: %w", entitlements.ErrNotFound)
	}
	u, err := scanUser(s.pool.QueryRow(ctx, `
SELECT id, email, stripe_customer_id, created_at, trial_ends_at FROM users WHERE stripe_customer_id = $1
`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %q: %w", customerID, entitlements.ErrNotFound)
	}
	return u, entitlements.WrapStoreError("get_user_by_customer", err)
}

func (s *Store) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET stripe_customer_id = $2 WHERE id = $1`, userID, strings.TrimSpace(customerID))
	if err != nil {
		return entitlements.WrapStoreError("set_customer_id", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %q: %w", userID, entitlements.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertSubscription(ctx context.Context, sub *store.Subscription) error {
	if err := store.PrepareSubscription(sub, time.Now()); err != nil {
		return err
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO subscriptions (
  id, user_id, external_id, customer_id, plan_id, status,
  current_period_start, current_period_end, trial_end, cancel_at_period_end,
  created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (external_id) DO UPDATE SET
  user_id = EXCLUDED.user_id,
  customer_id = EXCLUDED.customer_id,
  plan_id = EXCLUDED.plan_id,
  status = EXCLUDED.status,
  current_period_start = EXCLUDED.current_period_start,
  current_period_end = EXCLUDED.current_period_end,
  trial_end = EXCLUDED.trial_end,
  cancel_at_period_end = EXCLUDED.cancel_at_period_end,
  updated_at = EXCLUDED.updated_at
RETURNING id, created_at
`, sub.ID, sub.UserID, sub.ExternalID, sub.CustomerID, sub.PlanID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd, sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return entitlements.WrapStoreError("upsert_subscription", err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	return nil
}

const subscriptionColumns = `id, user_id, external_id, customer_id, plan_id, status,
  current_period_start, current_period_end, trial_end, cancel_at_period_end,
  created_at, updated_at`

func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]store.Subscription, error) {
	return s.querySubscriptions(ctx, "list_subscriptions", `
SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1
ORDER BY created_at DESC, external_id DESC
`, userID)
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...entitlements.SubscriptionStatus) ([]store.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.querySubscriptions(ctx, "list_subscriptions_by_status", `
SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ANY($1)
ORDER BY created_at DESC, external_id DESC
`, names)
}

func (s *Store) querySubscriptions(ctx context.Context, op, query string, args ...any) ([]store.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, entitlements.WrapStoreError(op, err)
	}
	defer rows.Close()

	var out []store.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, entitlements.WrapStoreError(op, err)
		}
		out = append(out, *sub)
	}
	return out, entitlements.WrapStoreError(op, rows.Err())
}

func (s *Store) GetBalance(ctx context.Context, userID string, feature entitlements.Feature) (int64, error) {
	bal, err := balance(ctx, s.pool, userID, feature)
	return bal, entitlements.WrapStoreError("get_balance", err)
}

func (s *Store) ListBalances(ctx context.Context, userID string) (map[entitlements.Feature]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT feature, remaining FROM usage_balances WHERE user_id = $1`, userID)
	if err != nil {
		return nil, entitlements.WrapStoreError("list_balances", err)
	}
	defer rows.Close()

	out := make(map[entitlements.Feature]int64)
	for rows.Next() {
		var feature string
		var remaining int64
		if err := rows.Scan(&feature, &remaining); err != nil {
			return nil, entitlements.WrapStoreError("list_balances", err)
		}
		out[entitlements.Feature(feature)] = remaining
	}
	return out, entitlements.WrapStoreError("list_balances", rows.Err())
}

func (s *Store) Apply(ctx context.Context, m store.Mutation) (store.ApplyResult, error) {
	results, err := s.ApplyBatch(ctx, []store.Mutation{m})
	if err != nil {
		return store.ApplyResult{}, err
	}
	return results[0], nil
}

func (s *Store) ApplyBatch(ctx context.Context, ms []store.Mutation) ([]store.ApplyResult, error) {
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		results, err := s.applyBatchOnce(ctx, ms)
		if errors.Is(err, errKeyRace) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, entitlements.WrapStoreError("apply", err)
		}
		return results, nil
	}
	return nil, entitlements.WrapStoreError("apply", lastErr)
}

func (s *Store) applyBatchOnce(ctx context.Context, ms []store.Mutation) ([]store.ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]store.ApplyResult, 0, len(ms))
	for _, m := range ms {
		res, err := applyTx(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func applyTx(ctx context.Context, tx pgx.Tx, m store.Mutation) (store.ApplyResult, error) {
	existing, err := scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM usage_events WHERE idempotency_key = $1`, m.IdempotencyKey))
	switch {
	case err == nil:
		current, err := balance(ctx, tx, existing.UserID, existing.Feature)
		if err != nil {
			return store.ApplyResult{}, err
		}
		return store.ApplyResult{Status: store.ApplyDuplicate, Balance: current, Event: existing}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return store.ApplyResult{}, err
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var remaining int64
	switch {
	case m.Kind == entitlements.EventDebit && m.Metered:
		err = tx.QueryRow(ctx, `
UPDATE usage_balances
SET remaining = remaining - $3, updated_at = NOW()
WHERE user_id = $1 AND feature = $2 AND remaining >= $3
RETURNING remaining
`, m.UserID, string(m.Feature), m.Quantity).Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			current, err := balance(ctx, tx, m.UserID, m.Feature)
			if err != nil {
				return store.ApplyResult{}, err
			}
			return store.ApplyResult{Status: store.ApplyInsufficient, Balance: current}, nil
		}
	case m.Kind == entitlements.EventDebit:
		remaining, err = balance(ctx, tx, m.UserID, m.Feature)
	case m.Kind == entitlements.EventCredit:
		err = tx.QueryRow(ctx, `
INSERT INTO usage_balances (user_id, feature, remaining)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, feature) DO UPDATE SET
  remaining = usage_balances.remaining + EXCLUDED.remaining,
  updated_at = NOW()
RETURNING remaining
`, m.UserID, string(m.Feature), m.Quantity).Scan(&remaining)
	default:
		err = tx.QueryRow(ctx, `
INSERT INTO usage_balances (user_id, feature, remaining)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, feature) DO UPDATE SET
  remaining = EXCLUDED.remaining,
  updated_at = NOW()
RETURNING remaining
`, m.UserID, string(m.Feature), m.Quantity).Scan(&remaining)
	}
	if err != nil {
		return store.ApplyResult{}, err
	}

	ev := m.Event(remaining)
	tag, err := tx.Exec(ctx, `
INSERT INTO usage_events (id, user_id, feature, kind, quantity, balance_after, metered, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (idempotency_key) DO NOTHING
`, ev.ID, ev.UserID, string(ev.Feature), string(ev.Kind), ev.Quantity, ev.BalanceAfter, ev.Metered, ev.IdempotencyKey, ev.CreatedAt)
	if err != nil {
		return store.ApplyResult{}, err
	}
	if tag.RowsAffected() == 0 {
		return store.ApplyResult{}, errKeyRace
	}
	return store.ApplyResult{Status: store.ApplyApplied, Balance: remaining, Event: ev}, nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func balance(ctx context.Context, q querier, userID string, feature entitlements.Feature) (int64, error) {
	var remaining int64
	err := q.QueryRow(ctx, `
SELECT COALESCE((SELECT remaining FROM usage_balances WHERE user_id = $1 AND feature = $2), 0)
`, userID, string(feature)).Scan(&remaining)
	return remaining, err
}

const eventColumns = `id, user_id, feature, kind, quantity, balance_after, metered, idempotency_key, created_at`

func (s *Store) GetEventByKey(ctx context.Context, key string) (*store.UsageEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM usage_events WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %q: %w", key, entitlements.ErrNotFound)
	}
	return ev, entitlements.WrapStoreError("get_event", err)
}

func (s *Store) ListEvents(ctx context.Context, userID string, limit int) ([]store.UsageEvent, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+eventColumns+` FROM usage_events WHERE user_id = $1 ORDER BY seq DESC LIMIT $2
`, userID, limitArg)
	if err != nil {
		return nil, entitlements.WrapStoreError("list_events", err)
	}
	defer rows.Close()

	var out []store.UsageEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, entitlements.WrapStoreError("list_events", err)
		}
		out = append(out, *ev)
	}
	return out, entitlements.WrapStoreError("list_events", rows.Err())
}

func scanPlan(row pgx.Row) (entitlements.Plan, error) {
	var p entitlements.Plan
	var limits []byte
	if err := row.Scan(&p.ID, &p.Title, &p.PriceCents, &p.Interval, &limits); err != nil {
		return entitlements.Plan{}, err
	}
	p.Limits = make(map[entitlements.Feature]int64)
	if err := json.Unmarshal(limits, &p.Limits); err != nil {
		return entitlements.Plan{}, fmt.Errorf("decode limits for plan %q: %w", p.ID, err)
	}
	return p, nil
}

func scanUser(row pgx.Row) (*store.User, error) {
	var u store.User
	var trialEndsAt *time.Time
	if err := row.Scan(&u.ID, &u.Email, &u.StripeCustomerID, &u.CreatedAt, &trialEndsAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	if trialEndsAt != nil {
		u.TrialEndsAt = trialEndsAt.UTC()
	}
	return &u, nil
}

func scanSubscription(row pgx.Row) (*store.Subscription, error) {
	var sub store.Subscription
	var status string
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ExternalID, &sub.CustomerID, &sub.PlanID, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = entitlements.SubscriptionStatus(status)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func scanEvent(row pgx.Row) (*store.UsageEvent, error) {
	var ev store.UsageEvent
	var feature, kind string
	err := row.Scan(
		&ev.ID, &ev.UserID, &feature, &kind, &ev.Quantity, &ev.BalanceAfter,
		&ev.Metered, &ev.IdempotencyKey, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Feature = entitlements.Feature(feature)
	ev.Kind = entitlements.EventKind(kind)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ store.Store = (*Store)(nil)
