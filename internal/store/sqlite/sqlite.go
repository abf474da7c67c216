// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// DatabaseFile is the file name created inside the data directory.
const DatabaseFile = "entitlements.db"

// Store persists plans, accounts and the usage ledger in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the entitlement database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, DatabaseFile)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlements db: %w", err)
	}
	// One writer keeps the conditional decrement serialised without relying
	// on SQLite lock upgrades.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id          TEXT PRIMARY KEY,
		title       TEXT NOT NULL DEFAULT '',
		price_cents INTEGER NOT NULL DEFAULT 0,
		billing_interval TEXT NOT NULL DEFAULT '',
		limits      TEXT NOT NULL DEFAULT '{}',
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id                 TEXT PRIMARY KEY,
		email              TEXT NOT NULL DEFAULT '',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		trial_ends_at      INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_users_stripe_customer_id ON users(stripe_customer_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                   TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		external_id          TEXT NOT NULL UNIQUE,
		customer_id          TEXT NOT NULL DEFAULT '',
		plan_id              TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		current_period_start INTEGER,
		current_period_end   INTEGER,
		trial_end            INTEGER,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);

	CREATE TABLE IF NOT EXISTS usage_balances (
		user_id    TEXT NOT NULL,
		feature    TEXT NOT NULL,
		remaining  INTEGER NOT NULL CHECK (remaining >= 0),
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, feature)
	);

	CREATE TABLE IF NOT EXISTS usage_events (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		user_id         TEXT NOT NULL,
		feature         TEXT NOT NULL,
		kind            TEXT NOT NULL,
		quantity        INTEGER NOT NULL,
		balance_after   INTEGER NOT NULL,
		metered         INTEGER NOT NULL DEFAULT 1,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_events_user_id ON usage_events(user_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlements schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return entitlements.WrapStoreError("ping", s.db.PingContext(ctx))
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertPlan(ctx context.Context, plan entitlements.Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	limits, err := json.Marshal(plan.Limits)
	if err != nil {
		return fmt.Errorf("encode plan limits: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, title, price_cents, billing_interval, limits, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			price_cents = excluded.price_cents,
			billing_interval = excluded.billing_interval,
			limits = excluded.limits,
			updated_at = excluded.updated_at`,
		plan.ID, plan.Title, plan.PriceCents, plan.Interval, string(limits), time.Now().UTC().Unix(),
	)
	return entitlements.WrapStoreError("upsert_plan", err)
}

func (s *Store) GetPlan(ctx context.Context, id string) (entitlements.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, price_cents, billing_interval, limits FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlements.Plan{}, fmt.Errorf("plan %q: %w", id, entitlements.ErrNotFound)
	}
	if err != nil {
		return entitlements.Plan{}, entitlements.WrapStoreError("get_plan", err)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]entitlements.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, price_cents, billing_interval, limits FROM plans ORDER BY id`)
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, stripe_customer_id, created_at, trial_ends_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		u.ID, u.Email, u.StripeCustomerID, u.CreatedAt.Unix(), timeUnix(u.TrialEndsAt),
	)
	if err != nil {
		return entitlements.WrapStoreError("create_user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %q already exists: %w", u.ID, entitlements.ErrInvalidInput)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, stripe_customer_id, created_at, trial_ends_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", id, entitlements.ErrNotFound)
	}
	return u, entitlements.WrapStoreError("get_user", err)
}

func (s *Store) GetUserByCustomerID(ctx context.Context, customerID string) (*store.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("customer id is empty: %w", entitlements.ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, email, stripe_customer_id, created_at, trial_ends_at FROM users WHERE stripe_customer_id = ?`, customerID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %q: %w", customerID, entitlements.ErrNotFound)
	}
	return u, entitlements.WrapStoreError("get_user_by_customer", err)
}

func (s *Store) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET stripe_customer_id = ? WHERE id = ?`, strings.TrimSpace(customerID), userID)
	if err != nil {
		return entitlements.WrapStoreError("set_customer_id", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %q: %w", userID, entitlements.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertSubscription(ctx context.Context, sub *store.Subscription) error {
	if err := store.PrepareSubscription(sub, time.Now()); err != nil {
		return err
	}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (
			id, user_id, external_id, customer_id, plan_id, status,
			current_period_start, current_period_end, trial_end, cancel_at_period_end,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			user_id = excluded.user_id,
			customer_id = excluded.customer_id,
			plan_id = excluded.plan_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			trial_end = excluded.trial_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		sub.ID, sub.UserID, sub.ExternalID, sub.CustomerID, sub.PlanID, string(sub.Status),
		nullableTimeUnix(sub.CurrentPeriodStart), nullableTimeUnix(sub.CurrentPeriodEnd), nullableTimeUnix(sub.TrialEnd),
		boolToInt(sub.CancelAtPeriodEnd), sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	).Scan(&sub.ID, &createdAt)
	if err != nil {
		return entitlements.WrapStoreError("upsert_subscription", err)
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	return nil
}

const subscriptionColumns = `id, user_id, external_id, customer_id, plan_id, status,
	current_period_start, current_period_end, trial_end, cancel_at_period_end,
	created_at, updated_at`

func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]store.Subscription, error) {
	return s.querySubscriptions(ctx, "list_subscriptions",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?
		ORDER BY created_at DESC, external_id DESC`, userID)
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...entitlements.SubscriptionStatus) ([]store.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return s.querySubscriptions(ctx, "list_subscriptions_by_status",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC, external_id DESC`, args...)
}

func (s *Store) querySubscriptions(ctx context.Context, op, query string, args ...any) ([]store.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	var remaining int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE((SELECT remaining FROM usage_balances WHERE user_id = ? AND feature = ?), 0)`,
		userID, string(feature)).Scan(&remaining)
	if err != nil {
		return 0, entitlements.WrapStoreError("get_balance", err)
	}
	return remaining, nil
}

func (s *Store) ListBalances(ctx context.Context, userID string) (map[entitlements.Feature]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT feature, remaining FROM usage_balances WHERE user_id = ?`, userID)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, entitlements.WrapStoreError("apply", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]store.ApplyResult, 0, len(ms))
	for _, m := range ms {
		res, err := applyTx(ctx, tx, m)
		if err != nil {
			return nil, entitlements.WrapStoreError("apply", err)
		}
		out = append(out, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, entitlements.WrapStoreError("apply", err)
	}
	return out, nil
}

func applyTx(ctx context.Context, tx *sql.Tx, m store.Mutation) (store.ApplyResult, error) {
	existing, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM usage_events WHERE idempotency_key = ?`, m.IdempotencyKey))
	switch {
	case err == nil:
		balance, err := balanceTx(ctx, tx, existing.UserID, existing.Feature)
		if err != nil {
			return store.ApplyResult{}, err
		}
		return store.ApplyResult{Status: store.ApplyDuplicate, Balance: balance, Event: existing}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return store.ApplyResult{}, err
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	var balance int64
	switch {
	case m.Kind == entitlements.EventDebit && m.Metered:
		err = tx.QueryRowContext(ctx, `
			UPDATE usage_balances
			SET remaining = remaining - ?, updated_at = ?
			WHERE user_id = ? AND feature = ? AND remaining >= ?
			RETURNING remaining`,
			m.Quantity, now.Unix(), m.UserID, string(m.Feature), m.Quantity,
		).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			current, err := balanceTx(ctx, tx, m.UserID, m.Feature)
			if err != nil {
				return store.ApplyResult{}, err
			}
			return store.ApplyResult{Status: store.ApplyInsufficient, Balance: current}, nil
		}
	case m.Kind == entitlements.EventDebit:
		balance, err = balanceTx(ctx, tx, m.UserID, m.Feature)
	case m.Kind == entitlements.EventCredit:
		err = tx.QueryRowContext(ctx, `
			INSERT INTO usage_balances (user_id, feature, remaining, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, feature) DO UPDATE SET
				remaining = usage_balances.remaining + excluded.remaining,
				updated_at = excluded.updated_at
			RETURNING remaining`,
			m.UserID, string(m.Feature), m.Quantity, now.Unix(),
		).Scan(&balance)
	default:
		err = tx.QueryRowContext(ctx, `
			INSERT INTO usage_balances (user_id, feature, remaining, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, feature) DO UPDATE SET
				remaining = excluded.remaining,
				updated_at = excluded.updated_at
			RETURNING remaining`,
			m.UserID, string(m.Feature), m.Quantity, now.Unix(),
		).Scan(&balance)
	}
	if err != nil {
		return store.ApplyResult{}, err
	}

	ev := m.Event(balance)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, feature, kind, quantity, balance_after, metered, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, string(ev.Feature), string(ev.Kind), ev.Quantity, ev.BalanceAfter,
		boolToInt(ev.Metered), ev.IdempotencyKey, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return store.ApplyResult{}, err
	}
	ev.CreatedAt = time.Unix(ev.CreatedAt.Unix(), 0).UTC()
	return store.ApplyResult{Status: store.ApplyApplied, Balance: balance, Event: ev}, nil
}

func balanceTx(ctx context.Context, tx *sql.Tx, userID string, feature entitlements.Feature) (int64, error) {
	var remaining int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE((SELECT remaining FROM usage_balances WHERE user_id = ? AND feature = ?), 0)`,
		userID, string(feature)).Scan(&remaining)
	return remaining, err
}

const eventColumns = `id, user_id, feature, kind, quantity, balance_after, metered, idempotency_key, created_at`

func (s *Store) GetEventByKey(ctx context.Context, key string) (*store.UsageEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM usage_events WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %q: %w", key, entitlements.ErrNotFound)
	}
	return ev, entitlements.WrapStoreError("get_event", err)
}

func (s *Store) ListEvents(ctx context.Context, userID string, limit int) ([]store.UsageEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM usage_events WHERE user_id = ? ORDER BY seq DESC LIMIT ?`, userID, limit)
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

var _ store.Store = (*Store)(nil)
