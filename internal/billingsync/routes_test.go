package billingsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/schedmate/schedmate/internal/billingsync/paypal"
	"github.com/schedmate/schedmate/internal/billingsync/registry"
	"github.com/schedmate/schedmate/internal/billingsync/sweep"
	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/internal/session"
)

const testServiceKey = "svc-test-key"

type acceptAllVerifier struct{}

func (acceptAllVerifier) Verify(context.Context, paypal.Headers, []byte) error { return nil }

func newTestHandler(t *testing.T, cfg *Config) http.Handler {
	t.Helper()
	if cfg == nil {
		cfg = &Config{ServiceKey: testServiceKey, GraceDays: 3, TrialDays: 7, WebhookTimeout: 5 * time.Second}
	}
	store := registry.NewMemoryRegistry()
	rec := reconcile.New(store, reconcile.WithHistory(store))
	return NewHandler(&Deps{
		Config:     cfg,
		Store:      store,
		Reconciler: rec,
		Sweeper:    sweep.New(store, rec, sweep.Config{}),
		Sessions:   session.NewManager(rec, session.ManagerConfig{}),
		Verifier:   acceptAllVerifier{},
		Version:    "test",
	})
}

func do(t *testing.T, h http.Handler, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-Service-Key", testServiceKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesHealthChecksAreUnauthenticated(t *testing.T) {
	h := newTestHandler(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := do(t, h, http.MethodGet, path, "", false)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s missing X-Request-ID", path)
		}
	}
}

func TestRoutesRequireServiceKey(t *testing.T) {
	h := newTestHandler(t, nil)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/status"},
		{http.MethodGet, "/metrics"},
		{http.MethodPost, "/admin/sweep"},
		{http.MethodGet, "/api/accounts/acct-1/billing"},
		{http.MethodPost, "/api/accounts/acct-1/billing/signup"},
		{http.MethodGet, "/api/accounts/acct-1/billing/history"},
	}
	for _, p := range paths {
		rec := do(t, h, p.method, p.path, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want %d", p.method, p.path, rec.Code, http.StatusUnauthorized)
		}
	}

	if rec := do(t, h, http.MethodGet, "/metrics", "", true); rec.Code != http.StatusOK {
		t.Errorf("/metrics with key status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRoutesAccountLifecycle(t *testing.T) {
	h := newTestHandler(t, nil)

	rec := do(t, h, http.MethodPost, "/api/accounts/acct-1/billing/signup", "", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/accounts/acct-1/billing/subscription", `{"subscription_id":"I-ROUTE"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("link status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/webhooks/paypal",
		`{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-ROUTE","status":"ACTIVE"}}`, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("webhook without headers status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal",
		strings.NewReader(`{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-ROUTE","status":"ACTIVE"}}`))
	req.Header.Set(paypal.HeaderTransmissionID, "tx-1")
	req.Header.Set(paypal.HeaderTransmissionTime, time.Now().UTC().Format(time.RFC3339))
	req.Header.Set(paypal.HeaderCertURL, "https://api.paypal.com/cert")
	req.Header.Set(paypal.HeaderAuthAlgo, "SHA256withRSA")
	req.Header.Set(paypal.HeaderTransmissionSig, "sig")
	whRec := httptest.NewRecorder()
	h.ServeHTTP(whRec, req)
	if whRec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want %d: %s", whRec.Code, http.StatusOK, whRec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/accounts/acct-1/billing", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get billing status = %d, want %d", rec.Code, http.StatusOK)
	}
	var view struct {
		Status string `json:"status"`
		Plan   string `json:"plan"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode billing: %v", err)
	}
	if view.Status != "active" || view.Plan != "pro" {
		t.Errorf("billing = %+v, want active/pro", view)
	}

	rec = do(t, h, http.MethodGet, "/api/accounts/acct-1/billing/features/timeline", "", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"allowed":true`) {
		t.Errorf("feature = %d %s, want allowed", rec.Code, rec.Body.String())
	}
}

func TestRoutesStripeOnlyWhenConfigured(t *testing.T) {
	h := newTestHandler(t, nil)
	if rec := do(t, h, http.MethodPost, "/webhooks/stripe", "{}", false); rec.Code != http.StatusNotFound {
		t.Errorf("unconfigured stripe status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	h = newTestHandler(t, &Config{ServiceKey: testServiceKey, GraceDays: 3, TrialDays: 7, StripeWebhookSecret: "whsec_test"})
	if rec := do(t, h, http.MethodPost, "/webhooks/stripe", "{}", false); rec.Code != http.StatusBadRequest {
		t.Errorf("unsigned stripe status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
