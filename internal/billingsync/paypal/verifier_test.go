package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	errs "github.com/schedmate/schedmate/internal/errors"
)

type fakePayPal struct {
	status      string
	verifyCode  int
	tokenCalls  atomic.Int32
	verifyCalls atomic.Int32
	lastVerify  map[string]json.RawMessage
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		f.verifyCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode verify body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.lastVerify = body
		if f.verifyCode != 0 {
			w.WriteHeader(f.verifyCode)
			_, _ = w.Write([]byte(`{"name":"INTERNAL_SERVICE_ERROR"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"verification_status": f.status})
	})
	return mux
}

func newTestVerifier(t *testing.T, fake *fakePayPal) *Verifier {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewVerifier(Config{
		APIBase:    srv.URL,
		ClientID:   "client-id",
		Secret:     "client-secret",
		WebhookID:  "WH-123",
		HTTPClient: srv.Client(),
	})
}

func testHeaders() Headers {
	return Headers{
		TransmissionID:   "tx-1",
		TransmissionTime: "2026-03-10T12:00:00Z",
		CertURL:          "https://api.paypal.com/cert.pem",
		AuthAlgo:         "SHA256withRSA",
		TransmissionSig:  "sig",
	}
}

func TestVerifySuccess(t *testing.T) {
	fake := &fakePayPal{status: "SUCCESS"}
	v := newTestVerifier(t, fake)

	body := []byte(`{"id":"WH-EVT-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource":{"id":"I-1"}}`)
	if err := v.Verify(context.Background(), testHeaders(), body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.Verify(context.Background(), testHeaders(), body); err != nil {
		t.Fatalf("second Verify: %v", err)
	}

	if got := fake.tokenCalls.Load(); got != 1 {
		t.Fatalf("token calls = %d, want 1 (token should be reused)", got)
	}
	if got := fake.verifyCalls.Load(); got != 2 {
		t.Fatalf("verify calls = %d, want 2", got)
	}

	var webhookID string
	if err := json.Unmarshal(fake.lastVerify["webhook_id"], &webhookID); err != nil || webhookID != "WH-123" {
		t.Fatalf("webhook_id = %q (%v), want WH-123", webhookID, err)
	}
	var event map[string]any
	if err := json.Unmarshal(fake.lastVerify["webhook_event"], &event); err != nil {
		t.Fatalf("webhook_event is not an object: %v", err)
	}
	if event["id"] != "WH-EVT-1" {
		t.Fatalf("webhook_event.id = %v, want WH-EVT-1", event["id"])
	}
	for _, field := range []string{"auth_algo", "cert_url", "transmission_id", "transmission_sig", "transmission_time"} {
		if _, ok := fake.lastVerify[field]; !ok {
			t.Fatalf("verify body missing %s", field)
		}
	}
}

func TestVerifyRejected(t *testing.T) {
	v := newTestVerifier(t, &fakePayPal{status: "FAILURE"})

	err := v.Verify(context.Background(), testHeaders(), []byte(`{"id":"WH-EVT-1"}`))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
	if !errs.IsAuthError(err) {
		t.Fatalf("rejected signature should be an auth error: %v", err)
	}
}

func TestVerifyProviderFailure(t *testing.T) {
	v := newTestVerifier(t, &fakePayPal{verifyCode: http.StatusInternalServerError})

	err := v.Verify(context.Background(), testHeaders(), []byte(`{"id":"WH-EVT-1"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errs.ErrProvider) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if errs.IsAuthError(err) {
		t.Fatalf("provider outage must not look like a rejected signature: %v", err)
	}
}

func TestVerifyClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		rejected bool
	}{
		{"malformed signature fields", http.StatusBadRequest, true},
		{"unprocessable event", http.StatusUnprocessableEntity, true},
		{"credentials rejected", http.StatusUnauthorized, false},
		{"forbidden", http.StatusForbidden, false},
		{"rate limited", http.StatusTooManyRequests, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestVerifier(t, &fakePayPal{verifyCode: tt.code})

			err := v.Verify(context.Background(), testHeaders(), []byte(`{"id":"WH-EVT-1"}`))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrVerificationFailed) && errs.IsAuthError(err); got != tt.rejected {
				t.Fatalf("rejected = %v, want %v (err = %v)", got, tt.rejected, err)
			}
			if !tt.rejected && !errors.Is(err, errs.ErrProvider) {
				t.Fatalf("err = %v, want provider error", err)
			}
		})
	}
}

func TestVerifyNonJSONBody(t *testing.T) {
	fake := &fakePayPal{status: "SUCCESS"}
	v := newTestVerifier(t, fake)

	err := v.Verify(context.Background(), testHeaders(), []byte("not json"))
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
	if fake.verifyCalls.Load() != 0 {
		t.Fatal("non-JSON body should not reach the verification API")
	}
}

func TestHeadersFromRequest(t *testing.T) {
	h := http.Header{}
	h.Set("paypal-transmission-id", "tx-1")
	h.Set("paypal-transmission-time", "2026-03-10T12:00:00Z")
	h.Set("paypal-cert-url", "https://api.paypal.com/cert.pem")
	h.Set("paypal-auth-algo", "SHA256withRSA")
	h.Set("paypal-transmission-sig", "sig")

	got, err := HeadersFromRequest(h)
	if err != nil {
		t.Fatalf("HeadersFromRequest: %v", err)
	}
	if got.TransmissionID != "tx-1" || got.TransmissionSig != "sig" {
		t.Fatalf("unexpected headers: %+v", got)
	}

	h.Del("paypal-transmission-sig")
	if _, err := HeadersFromRequest(h); !errors.Is(err, ErrMissingHeaders) {
		t.Fatalf("err = %v, want ErrMissingHeaders", err)
	}
}
