package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/storefront-entitlements/internal/metrics"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

// LimitResolver resolves the limit governing a user's feature right now.
type LimitResolver interface {
	ResolveLimit(ctx context.Context, userID string, feature entitlements.Feature) (planID string, limit int64, err error)
}

// Recorder commits usage after the external action succeeded.
type Recorder struct {
	store  store.LedgerStore
	limits LimitResolver
}

// NewRecorder returns a Recorder writing to ls.
func NewRecorder(ls store.LedgerStore, limits LimitResolver) *Recorder {
	return &Recorder{store: ls, limits: limits}
}

// Commit debits quantity from the balance exactly once per key. Unlimited
// features record the event without touching the balance. A Rejected result
// means the action already happened but could not be charged; callers must
// not retry the action.
func (r *Recorder) Commit(ctx context.Context, userID string, feature entitlements.Feature, quantity int64, key string) (entitlements.CommitResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("idempotency key is required: %w", entitlements.ErrInvalidInput)
	}
	if quantity <= 0 {
		return "", entitlements.ErrInvalidQuantity
	}

	planID, limit, err := r.limits.ResolveLimit(ctx, userID, feature)
	if err != nil {
		return "", err
	}

	res, err := r.store.Apply(ctx, store.Mutation{
		EventID:        store.NewEventID(),
		UserID:         userID,
		Feature:        feature,
		Kind:           entitlements.EventDebit,
		Quantity:       quantity,
		IdempotencyKey: key,
		Metered:        limit != entitlements.Unlimited,
	})
	if err != nil {
		if entitlements.IsStorageUnavailable(err) {
			metrics.StorageErrorsTotal.WithLabelValues("commit").Inc()
		}
		return "", err
	}

	result, err := commitResult(res, userID, feature, entitlements.EventDebit, quantity)
	if err != nil {
		log.Warn().
			Str("user_id", userID).
			Str("feature", string(feature)).
			Str("idempotency_key", key).
			Msg("Idempotency key reused with different parameters")
		return "", err
	}
	metrics.CommitsTotal.WithLabelValues(string(feature), string(result)).Inc()

	switch result {
	case entitlements.Rejected:
		log.Warn().
			Str("user_id", userID).
			Str("feature", string(feature)).
			Str("plan_id", planID).
			Str("idempotency_key", key).
			Int64("quantity", quantity).
			Int64("balance", res.Balance).
			Msg("External action succeeded but credit could not be deducted")
	default:
		log.Debug().
			Str("user_id", userID).
			Str("feature", string(feature)).
			Str("idempotency_key", key).
			Str("result", string(result)).
			Int64("balance", res.Balance).
			Msg("Usage committed")
	}
	return result, nil
}

// Credit adds quantity to the balance once per key. Used for one-time
// purchases.
func (r *Recorder) Credit(ctx context.Context, userID string, feature entitlements.Feature, quantity int64, key string) (entitlements.CommitResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("idempotency key is required: %w", entitlements.ErrInvalidInput)
	}
	if quantity <= 0 {
		return "", entitlements.ErrInvalidQuantity
	}

	res, err := r.store.Apply(ctx, store.Mutation{
		EventID:        store.NewEventID(),
		UserID:         userID,
		Feature:        feature,
		Kind:           entitlements.EventCredit,
		Quantity:       quantity,
		IdempotencyKey: key,
		Metered:        true,
	})
	if err != nil {
		return "", err
	}
	result, err := commitResult(res, userID, feature, entitlements.EventCredit, quantity)
	if err != nil {
		return "", err
	}
	if result == entitlements.Committed {
		metrics.CreditsTotal.WithLabelValues(string(feature)).Add(float64(quantity))
		log.Info().
			Str("user_id", userID).
			Str("feature", string(feature)).
			Str("idempotency_key", key).
			Int64("quantity", quantity).
			Int64("balance", res.Balance).
			Msg("Balance credited")
	}
	return result, nil
}

func commitResult(res store.ApplyResult, userID string, feature entitlements.Feature, kind entitlements.EventKind, quantity int64) (entitlements.CommitResult, error) {
	switch res.Status {
	case store.ApplyApplied:
		return entitlements.Committed, nil
	case store.ApplyInsufficient:
		return entitlements.Rejected, nil
	case store.ApplyDuplicate:
		ev := res.Event
		if ev == nil || ev.UserID != userID || ev.Feature != feature || ev.Kind != kind || ev.Quantity != quantity {
			return "", entitlements.ErrIdempotencyConflict
		}
		return entitlements.AlreadyCommitted, nil
	default:
		return "", fmt.Errorf("unexpected apply status %q", res.Status)
	}
}
