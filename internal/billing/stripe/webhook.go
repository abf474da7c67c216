package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/storefront-entitlements/internal/logging"
	"github.com/rcourtman/storefront-entitlements/internal/metrics"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret string
	syncer *Syncer
	logger zerolog.Logger
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
	Ignored  bool `json:"ignored,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook handler.
func NewWebhookHandler(secret string, syncer *Syncer) *WebhookHandler {
	return &WebhookHandler{
		secret: strings.TrimSpace(secret),
		syncer: syncer,
		logger: logging.New("stripe"),
	}
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if h.secret == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid body"})
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe-Signature header"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("Stripe webhook signature verification failed")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	handled, err := h.handleEvent(r.Context(), event)
	switch {
	case errors.Is(err, entitlements.ErrInvalidInput):
		// Retrying a malformed payload cannot succeed.
		h.logger.Warn().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook event ignored")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: true})
		return
	case err != nil:
		h.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: !handled})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event stripelib.Event) (bool, error) {
	if event.Data == nil {
		return false, fmt.Errorf("event %s has no data: %w", event.ID, entitlements.ErrInvalidInput)
	}

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return false, fmt.Errorf("decode checkout session: %v: %w", err, entitlements.ErrInvalidInput)
		}
		return true, h.syncer.HandleCheckout(ctx, session)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return false, fmt.Errorf("decode subscription: %v: %w", err, entitlements.ErrInvalidInput)
		}
		return true, h.syncer.HandleSubscription(ctx, sub)

	case "invoice.paid":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return false, fmt.Errorf("decode invoice: %v: %w", err, entitlements.ErrInvalidInput)
		}
		return true, h.syncer.HandleInvoicePaid(ctx, inv)

	default:
		h.logger.Info().Str("type", string(event.Type)).Msg("Unhandled Stripe event type")
		return false, nil
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Stripe webhook: failed to encode response")
	}
}
