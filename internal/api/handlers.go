package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/storefront-entitlements/internal/entitlement"
	"github.com/rcourtman/storefront-entitlements/internal/ledger"
	"github.com/rcourtman/storefront-entitlements/internal/logging"
	"github.com/rcourtman/storefront-entitlements/internal/plans"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/internal/subscription"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

const (
	requestBodyLimit  = 64 * 1024
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type checkRequest struct {
	Feature  string `json:"feature"`
	Quantity *int64 `json:"quantity,omitempty"`
}

type commitRequest struct {
	Feature        string `json:"feature"`
	Quantity       *int64 `json:"quantity,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type commitResponse struct {
	Result   entitlements.CommitResult `json:"result"`
	Feature  entitlements.Feature      `json:"feature"`
	Quantity int64                     `json:"quantity"`
}

// HandleCheck answers whether the caller may perform a metered action now.
// No credit is deducted.
func HandleCheck(eval *entitlement.Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		feature, err := entitlements.ParseFeature(req.Feature)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}

		d, err := eval.CheckAndReserve(r.Context(), userID(r), feature, quantityOrOne(req.Quantity))
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		if !d.Allowed {
			entitlements.WriteDenied(w, d)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// HandleCommit records usage after the action succeeded. A rejected commit is
// reported with 409; the caller must not retry the action.
func HandleCommit(recorder *ledger.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commitRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		feature, err := entitlements.ParseFeature(req.Feature)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		key := strings.TrimSpace(req.IdempotencyKey)
		if key == "" {
			key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		}
		qty := quantityOrOne(req.Quantity)

		result, err := recorder.Commit(r.Context(), userID(r), feature, qty, key)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		status := http.StatusOK
		if result == entitlements.Rejected {
			status = http.StatusConflict
		}
		writeJSON(w, status, commitResponse{Result: result, Feature: feature, Quantity: qty})
	}
}

// HandleSummary returns the caller's plan, subscription standing and balances.
func HandleSummary(eval *entitlement.Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := eval.Summarize(r.Context(), userID(r))
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// HandleListPlans lists the plan catalog.
func HandleListPlans(catalog *plans.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := catalog.Plans()
		writeJSON(w, http.StatusOK, map[string]any{
			"plans": list,
			"count": len(list),
		})
	}
}

type createUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type userResponse struct {
	User     *store.User                    `json:"user"`
	Balances map[entitlements.Feature]int64 `json:"balances"`
}

// Onboarding creates users and seeds their trial balances.
type Onboarding struct {
	Accounts      store.AccountStore
	Catalog       *plans.Catalog
	Ledger        *ledger.Ledger
	TrialDuration time.Duration
	Now           func() time.Time
}

// CreateUser creates u with a trial window and seeds trial balances. Calling
// it again for an existing user only re-runs the idempotent seed.
func (o *Onboarding) CreateUser(ctx context.Context, u *store.User) (created bool, balances map[entitlements.Feature]int64, err error) {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	if strings.TrimSpace(u.ID) == "" {
		u.ID = uuid.NewString()
	}
	if u.TrialEndsAt.IsZero() {
		u.TrialEndsAt = subscription.TrialEndsAt(now(), o.TrialDuration)
	}

	createErr := o.Accounts.CreateUser(ctx, u)
	if createErr != nil {
		existing, err := o.Accounts.GetUser(ctx, strings.TrimSpace(u.ID))
		if err != nil || !errors.Is(createErr, entitlements.ErrInvalidInput) {
			return false, nil, createErr
		}
		*u = *existing
	}

	trial, err := o.Catalog.GetPlan(entitlements.PlanTrial)
	if err != nil {
		return false, nil, fmt.Errorf("trial plan: %w", err)
	}
	balances, err = o.Ledger.SeedTrial(ctx, u.ID, trial)
	if err != nil {
		return false, nil, err
	}
	if createErr == nil {
		log.Info().Str("user_id", u.ID).Time("trial_ends_at", u.TrialEndsAt).Msg("User created")
	}
	return createErr == nil, balances, nil
}

// HandleCreateUser registers a dashboard user and starts their trial.
func HandleCreateUser(o *Onboarding) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		u := &store.User{ID: req.ID, Email: req.Email}
		created, balances, err := o.CreateUser(r.Context(), u)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, userResponse{User: u, Balances: balances})
	}
}

type userDetailResponse struct {
	User          *store.User                 `json:"user"`
	State         subscription.EffectiveState `json:"state"`
	Subscriptions []store.Subscription        `json:"subscriptions"`
}

// HandleGetUser returns a user with effective state and subscription history.
func HandleGetUser(accounts store.AccountStore, states *subscription.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		u, err := accounts.GetUser(r.Context(), id)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		state, err := states.EffectiveState(r.Context(), id)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		subs, err := accounts.ListSubscriptions(r.Context(), id)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		if subs == nil {
			subs = []store.Subscription{}
		}
		writeJSON(w, http.StatusOK, userDetailResponse{User: u, State: state, Subscriptions: subs})
	}
}

type setBalanceRequest struct {
	Value          *int64 `json:"value"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type balanceResponse struct {
	UserID  string               `json:"user_id"`
	Feature entitlements.Feature `json:"feature"`
	Balance int64                `json:"balance"`
}

// HandleSetBalance overwrites one feature balance.
func HandleSetBalance(accounts store.AccountStore, catalog *plans.Catalog, l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		feature, err := entitlements.ParseFeature(r.PathValue("feature"))
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		if !catalog.KnownFeature(feature) {
			writeError(r.Context(), w, fmt.Errorf("feature %q: %w", feature, entitlements.ErrUnknownFeature))
			return
		}
		var req setBalanceRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		if req.Value == nil {
			writeError(r.Context(), w, fmt.Errorf("value is required: %w", entitlements.ErrInvalidInput))
			return
		}
		if _, err := accounts.GetUser(r.Context(), id); err != nil {
			writeError(r.Context(), w, err)
			return
		}

		key := strings.TrimSpace(req.IdempotencyKey)
		if key == "" {
			key = "admin-set:" + store.NewEventID()
		}
		bal, err := l.SetBalance(r.Context(), id, feature, *req.Value, key)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		log.Info().
			Str("user_id", id).
			Str("feature", string(feature)).
			Int64("balance", bal).
			Str("idempotency_key", key).
			Msg("Balance set by admin")
		writeJSON(w, http.StatusOK, balanceResponse{UserID: id, Feature: feature, Balance: bal})
	}
}

type resetRequest struct {
	PlanID         string `json:"plan_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type resetResponse struct {
	UserID   string                         `json:"user_id"`
	PlanID   string                         `json:"plan_id"`
	Balances map[entitlements.Feature]int64 `json:"balances"`
}

// HandleReset resets a user's balances to a plan's limits. Without a plan the
// user's effective plan is used.
func HandleReset(states *subscription.Reader, catalog *plans.Catalog, l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req resetRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(r.Context(), w, err)
				return
			}
		}

		state, err := states.EffectiveState(r.Context(), id)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		planID := strings.TrimSpace(req.PlanID)
		if planID == "" {
			planID = state.PlanID
		}
		plan, err := catalog.GetPlan(planID)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}

		key := strings.TrimSpace(req.IdempotencyKey)
		if key == "" {
			key = "admin-reset:" + store.NewEventID()
		}
		balances, err := l.ResetToPlanLimit(r.Context(), id, plan, key)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, resetResponse{UserID: id, PlanID: plan.ID, Balances: balances})
	}
}

// HandleListEvents returns a user's ledger entries, newest first.
func HandleListEvents(accounts store.AccountStore, l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		limit := defaultEventLimit
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(r.Context(), w, fmt.Errorf("limit must be a positive integer: %w", entitlements.ErrInvalidInput))
				return
			}
			limit = min(n, maxEventLimit)
		}
		if _, err := accounts.GetUser(r.Context(), id); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		events, err := l.Events(r.Context(), id, limit)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		if events == nil {
			events = []store.UsageEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"count":  len(events),
		})
	}
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleReadyz returns a handler that checks storage connectivity (readiness probe).
func HandleReadyz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := p.Ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func quantityOrOne(q *int64) int64 {
	if q == nil {
		return 1
	}
	return *q
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v: %w", err, entitlements.ErrInvalidInput)
	}
	return nil
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := entitlements.StatusForError(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(ctx)
		logger.Error().Err(err).Str("code", code).Msg("Request failed")
	}
	entitlements.WriteError(w, err)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode response")
	}
}
