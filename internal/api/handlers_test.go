package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/storefront-entitlements/internal/entitlement"
	"github.com/rcourtman/storefront-entitlements/internal/ledger"
	"github.com/rcourtman/storefront-entitlements/internal/logging"
	"github.com/rcourtman/storefront-entitlements/internal/plans"
	"github.com/rcourtman/storefront-entitlements/internal/store/memory"
	"github.com/rcourtman/storefront-entitlements/internal/subscription"
	"github.com/rcourtman/storefront-entitlements/pkg/entitlements"
)

const testAdminKey = "admin-secret"

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type apiFixture struct {
	store   *memory.Store
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	st.SetClock(func() time.Time { return testNow })
	require.NoError(t, plans.Seed(ctx, st, plans.Defaults()))
	catalog := plans.NewCatalog(st)
	require.NoError(t, catalog.Reload(ctx))

	now := func() time.Time { return testNow }
	reader := subscription.NewReader(st, subscription.Options{Now: now})
	l := ledger.New(st)
	eval := entitlement.NewEvaluator(catalog, reader, l)

	return &apiFixture{
		store: st,
		handler: NewHandler(&Deps{
			AdminKey:      testAdminKey,
			TrialDuration: 7 * 24 * time.Hour,
			Version:       "test",
			Store:         st,
			Catalog:       catalog,
			States:        reader,
			Evaluator:     eval,
			Ledger:        l,
			Recorder:      ledger.NewRecorder(st, eval),
			Now:           now,
		}),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{"X-Admin-Key": testAdminKey})
}

func (f *apiFixture) asUser(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{UserIDHeader: user})
}

func (f *apiFixture) createUser(t *testing.T, id string) {
	t.Helper()
	rec := f.admin(t, http.MethodPost, "/admin/users", map[string]string{"id": id, "email": id + "@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCallerRoutesRequireUser(t *testing.T) {
	f := newAPIFixture(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/entitlements/check"},
		{http.MethodPost, "/api/usage/commit"},
		{http.MethodGet, "/api/entitlements"},
	} {
		rec := f.do(t, tc.method, tc.path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestCheck(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{name: "allowed default quantity", body: map[string]any{"feature": "generateProduct"}, wantStatus: http.StatusOK},
		{name: "over balance", body: map[string]any{"feature": "generateProduct", "quantity": 5}, wantStatus: http.StatusForbidden, wantCode: "LIMIT_REACHED"},
		{name: "disabled on trial", body: map[string]any{"feature": "videoGeneration"}, wantStatus: http.StatusForbidden, wantCode: "FEATURE_DISABLED"},
		{name: "unknown feature", body: map[string]any{"feature": "teleport"}, wantStatus: http.StatusBadRequest, wantCode: "unknown_feature"},
		{name: "zero quantity", body: map[string]any{"feature": "generateProduct", "quantity": 0}, wantStatus: http.StatusBadRequest, wantCode: "invalid_quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.asUser(t, http.MethodPost, "/api/entitlements/check", "u1", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				d := decode[entitlements.Decision](t, rec)
				assert.True(t, d.Allowed)
				assert.Equal(t, entitlements.PlanTrial, d.PlanID)
				assert.Equal(t, int64(3), d.Balance)
				return
			}
			resp := decode[entitlements.ErrorResponse](t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}

func TestCheckDoesNotDeduct(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	for i := 0; i < 5; i++ {
		rec := f.asUser(t, http.MethodPost, "/api/entitlements/check", "u1", map[string]any{"feature": "generateProduct"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	bal, err := f.store.GetBalance(context.Background(), "u1", entitlements.FeatureGenerateProduct)
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal)
}

func TestCheckUnknownUser(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.asUser(t, http.MethodPost, "/api/entitlements/check", "ghost", map[string]any{"feature": "generateProduct"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCommit(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	rec := f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct", "idempotency_key": "job-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, entitlements.Committed, decode[commitResponse](t, rec).Result)

	rec = f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct", "idempotency_key": "job-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entitlements.AlreadyCommitted, decode[commitResponse](t, rec).Result)

	rec = f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct", "quantity": 3, "idempotency_key": "job-2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, entitlements.Rejected, decode[commitResponse](t, rec).Result)

	bal, err := f.store.GetBalance(context.Background(), "u1", entitlements.FeatureGenerateProduct)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)
}

func TestCommitUnknownFeature(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	body := map[string]any{"feature": "teleport", "idempotency_key": "job-1"}
	rec := f.asUser(t, http.MethodPost, "/api/entitlements/check", "u1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "unknown_feature")

	_, err := f.store.GetEventByKey(context.Background(), "job-1")
	assert.ErrorIs(t, err, entitlements.ErrNotFound)
}

func TestCommitKeyFromHeader(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	rec := f.do(t, http.MethodPost, "/api/usage/commit", map[string]any{"feature": "imageGeneration"}, map[string]string{
		UserIDHeader:      "u1",
		"Idempotency-Key": "img-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev, err := f.store.GetEventByKey(context.Background(), "img-1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.EventDebit, ev.Kind)
}

func TestCommitRequiresKey(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	rec := f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommitKeyReuseConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	rec := f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct", "idempotency_key": "k"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "imageGeneration", "idempotency_key": "k"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_conflict", decode[entitlements.ErrorResponse](t, rec).Code)
}

func TestMalformedBody(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/entitlements/check", bytes.NewBufferString("{not json"))
	req.Header.Set(UserIDHeader, "u1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummary(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	rec := f.asUser(t, http.MethodGet, "/api/entitlements", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[entitlement.Summary](t, rec)
	assert.Equal(t, entitlements.PlanTrial, summary.State.PlanID)
	assert.True(t, summary.State.IsTrialing)
	assert.Equal(t, 7, summary.State.TrialDaysRemaining)
	assert.NotEmpty(t, summary.Features)
}

func TestStorageFailureIs503(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")
	f.store.FailWith(errors.New("connection refused"))

	rec := f.asUser(t, http.MethodPost, "/api/entitlements/check", "u1", map[string]any{"feature": "generateProduct"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[entitlements.ErrorResponse](t, rec)
	assert.Equal(t, "storage_unavailable", resp.Code)
	assert.NotContains(t, resp.Error, "connection refused")
}

func TestAdminRequiresKey(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/plans", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/plans", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/plans", nil, map[string]string{"Authorization": "Bearer " + testAdminKey})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Plans []entitlements.Plan `json:"plans"`
		Count int                 `json:"count"`
	}](t, rec)
	assert.Equal(t, 4, body.Count)
	assert.Len(t, body.Plans, 4)
}

func TestAdminKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	tests := []struct {
		name       string
		configured string
		header     string
		value      string
		want       int
	}{
		{name: "x_admin_key", configured: testAdminKey, header: "X-Admin-Key", value: testAdminKey, want: http.StatusNoContent},
		{name: "bearer", configured: testAdminKey, header: "Authorization", value: "Bearer " + testAdminKey, want: http.StatusNoContent},
		{name: "prefix_of_key", configured: testAdminKey, header: "X-Admin-Key", value: testAdminKey[:5], want: http.StatusUnauthorized},
		{name: "longer_than_key", configured: testAdminKey, header: "X-Admin-Key", value: testAdminKey + "x", want: http.StatusUnauthorized},
		{name: "missing", configured: testAdminKey, want: http.StatusUnauthorized},
		{name: "admin_disabled", configured: "", header: "X-Admin-Key", value: "", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/plans", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			AdminKeyMiddleware(tt.configured, ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCreateUserIsIdempotent(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.admin(t, http.MethodPost, "/admin/users", map[string]string{"id": "u1", "email": "Owner@Example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[userResponse](t, rec)
	assert.Equal(t, "owner@example.com", created.User.Email)
	assert.True(t, created.User.TrialEndsAt.Equal(testNow.Add(7*24*time.Hour)), "trial ends %s", created.User.TrialEndsAt)
	assert.Equal(t, int64(3), created.Balances[entitlements.FeatureGenerateProduct])

	rec = f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct", "idempotency_key": "job-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.admin(t, http.MethodPost, "/admin/users", map[string]string{"id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bal, err := f.store.GetBalance(context.Background(), "u1", entitlements.FeatureGenerateProduct)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal, "re-seeding must not refill")
}

func TestGetUser(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	rec := f.admin(t, http.MethodGet, "/admin/users/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[userDetailResponse](t, rec)
	assert.Equal(t, "u1", detail.User.ID)
	assert.Equal(t, entitlements.PlanTrial, detail.State.PlanID)
	assert.Empty(t, detail.Subscriptions)

	rec = f.admin(t, http.MethodGet, "/admin/users/ghost", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSetBalance(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	tests := []struct {
		name       string
		path       string
		body       map[string]any
		wantStatus int
		wantBal    int64
	}{
		{name: "set", path: "/admin/users/u1/balances/imageGeneration", body: map[string]any{"value": 10}, wantStatus: http.StatusOK, wantBal: 10},
		{name: "zero", path: "/admin/users/u1/balances/shopTracker", body: map[string]any{"value": 0}, wantStatus: http.StatusOK, wantBal: 0},
		{name: "negative", path: "/admin/users/u1/balances/imageGeneration", body: map[string]any{"value": -1}, wantStatus: http.StatusBadRequest},
		{name: "missing value", path: "/admin/users/u1/balances/imageGeneration", body: map[string]any{}, wantStatus: http.StatusBadRequest},
		{name: "unknown feature", path: "/admin/users/u1/balances/teleport", body: map[string]any{"value": 1}, wantStatus: http.StatusBadRequest},
		{name: "unknown user", path: "/admin/users/ghost/balances/imageGeneration", body: map[string]any{"value": 1}, wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.admin(t, http.MethodPut, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBal, decode[balanceResponse](t, rec).Balance)
			}
		})
	}
}

func TestResetUsesEffectivePlan(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")

	rec := f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct", "idempotency_key": "job-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.admin(t, http.MethodPost, "/admin/users/u1/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[resetResponse](t, rec)
	assert.Equal(t, entitlements.PlanTrial, resp.PlanID)
	assert.Equal(t, int64(3), resp.Balances[entitlements.FeatureGenerateProduct])

	rec = f.admin(t, http.MethodPost, "/admin/users/u1/reset", map[string]string{"plan_id": entitlements.PlanPro, "idempotency_key": "support-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(100), decode[resetResponse](t, rec).Balances[entitlements.FeatureGenerateProduct])

	rec = f.admin(t, http.MethodPost, "/admin/users/u1/reset", map[string]string{"plan_id": "platinum"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "u1")
	for _, key := range []string{"a", "b"} {
		rec := f.asUser(t, http.MethodPost, "/api/usage/commit", "u1", map[string]any{"feature": "generateProduct", "idempotency_key": key})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.admin(t, http.MethodGet, "/admin/users/u1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, body.Count)

	rec = f.admin(t, http.MethodGet, "/admin/users/u1/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.store.FailWith(errors.New("down"))
	rec = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())
}

func TestRequestIDPropagated(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestLoggingAttachesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	h := RequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context()).Output(&buf)
		logger.Info().Msg("inside handler")
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Header.Set("X-Request-ID", "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "api", event["component"])
	assert.Equal(t, "req-42", event["request_id"])
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, send("203.0.113.7:4242", ""))
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// An untrusted peer cannot pick a fresh bucket by forging the header.
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7:4242", "198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.8:4242", ""))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	now := testNow
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		assert.True(t, rl.Allow(fmt.Sprintf("198.51.100.%d", i)))
	}
	require.Len(t, rl.visitors, 50)

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Allow("203.0.113.7"))
	assert.Len(t, rl.visitors, 1)
}

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name      string
		remote    string
		forwarded string
		trusted   []netip.Prefix
		want      string
	}{
		{name: "no_proxies_ignores_header", remote: "203.0.113.7:4242", forwarded: "198.51.100.1", want: "203.0.113.7"},
		{name: "untrusted_peer_ignores_header", remote: "203.0.113.7:4242", forwarded: "198.51.100.1", trusted: proxies, want: "203.0.113.7"},
		{name: "trusted_peer", remote: "10.0.0.5:4242", forwarded: "198.51.100.1", trusted: proxies, want: "198.51.100.1"},
		{name: "skips_trusted_hops", remote: "10.0.0.5:4242", forwarded: "192.0.2.9, 198.51.100.1, 10.0.0.1", trusted: proxies, want: "198.51.100.1"},
		{name: "garbage_hop_falls_back", remote: "10.0.0.5:4242", forwarded: "not-an-ip", trusted: proxies, want: "10.0.0.5"},
		{name: "no_port", remote: "203.0.113.7", want: "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trusted))
		})
	}
}
