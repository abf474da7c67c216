// Package api exposes the entitlement core over HTTP.
package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/storefront-entitlements/internal/billing/stripe"
	"github.com/rcourtman/storefront-entitlements/internal/entitlement"
	"github.com/rcourtman/storefront-entitlements/internal/ledger"
	"github.com/rcourtman/storefront-entitlements/internal/plans"
	"github.com/rcourtman/storefront-entitlements/internal/store"
	"github.com/rcourtman/storefront-entitlements/internal/subscription"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	AdminKey      string
	TrialDuration time.Duration
	Version       string
	// TrustedProxies may set X-Forwarded-For for rate limiting.
	TrustedProxies []netip.Prefix

	Store     store.Store
	Catalog   *plans.Catalog
	States    *subscription.Reader
	Evaluator *entitlement.Evaluator
	Ledger    *ledger.Ledger
	Recorder  *ledger.Recorder
	Webhook   *stripe.WebhookHandler // nil when billing is not configured

	Now func() time.Time
}

// NewHandler builds the service's root handler.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return RequestLogging(mux)
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.AdminKey, next)
	}

	// Health / readiness are unauthenticated probes.
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.Store))
	mux.Handle("GET /metrics", adminAuth(promhttp.Handler()))

	if deps.Webhook != nil {
		webhookLimiter := NewRateLimiter(120, time.Minute, deps.TrustedProxies...)
		mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(deps.Webhook))
	}

	// Caller API (identity asserted by the session layer)
	mux.Handle("POST /api/entitlements/check", RequireUser(HandleCheck(deps.Evaluator)))
	mux.Handle("POST /api/usage/commit", RequireUser(HandleCommit(deps.Recorder)))
	mux.Handle("GET /api/entitlements", RequireUser(HandleSummary(deps.Evaluator)))

	// Admin API (key-authenticated)
	onboarding := &Onboarding{
		Accounts:      deps.Store,
		Catalog:       deps.Catalog,
		Ledger:        deps.Ledger,
		TrialDuration: deps.TrialDuration,
		Now:           deps.Now,
	}
	mux.Handle("GET /admin/status", adminAuth(HandleStatus(deps.Catalog, deps.Version)))
	mux.Handle("GET /admin/plans", adminAuth(HandleListPlans(deps.Catalog)))
	mux.Handle("POST /admin/users", adminAuth(HandleCreateUser(onboarding)))
	mux.Handle("GET /admin/users/{id}", adminAuth(HandleGetUser(deps.Store, deps.States)))
	mux.Handle("PUT /admin/users/{id}/balances/{feature}", adminAuth(HandleSetBalance(deps.Store, deps.Catalog, deps.Ledger)))
	mux.Handle("POST /admin/users/{id}/reset", adminAuth(HandleReset(deps.States, deps.Catalog, deps.Ledger)))
	mux.Handle("GET /admin/users/{id}/events", adminAuth(HandleListEvents(deps.Store, deps.Ledger)))
}

// HandleStatus reports the running version and catalog size.
func HandleStatus(catalog *plans.Catalog, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version": version,
			"plans":   len(catalog.Plans()),
		})
	}
}
