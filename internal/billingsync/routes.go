package billingsync

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schedmate/schedmate/internal/billingsync/account"
	"github.com/schedmate/schedmate/internal/billingsync/admin"
	"github.com/schedmate/schedmate/internal/billingsync/paypal"
	"github.com/schedmate/schedmate/internal/billingsync/registry"
	"github.com/schedmate/schedmate/internal/billingsync/sweep"
	"github.com/schedmate/schedmate/internal/billingsync/webhook"
	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/internal/session"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Store      registry.Store
	Reconciler *reconcile.Reconciler
	Sweeper    *sweep.Sweeper
	Sessions   *session.Manager
	Verifier   webhook.Verifier // nil builds one from Config
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	cfg := deps.Config
	serviceAuth := func(next http.Handler) http.Handler {
		return admin.ServiceKeyMiddleware(cfg.ServiceKey, next)
	}

	// Health / readiness are unauthenticated.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))

	mux.Handle("/status", serviceAuth(admin.HandleStatus(deps.Store, deps.Version)))
	mux.Handle("/metrics", serviceAuth(promhttp.Handler()))
	mux.Handle("/admin/sweep", serviceAuth(admin.HandleSweep(deps.Sweeper)))

	// Payment webhooks (signature-authenticated)
	webhookOpts := webhook.Options{GraceDays: cfg.GraceDays, Timeout: cfg.WebhookTimeout}
	webhookLimiter := NewRateLimiter(defaultWebhookRateLimit, time.Minute, cfg.TrustProxy)

	verifier := deps.Verifier
	if verifier == nil {
		verifier = paypal.NewVerifier(paypal.Config{
			APIBase:   cfg.PayPalAPIBase,
			ClientID:  cfg.PayPalClientID,
			Secret:    cfg.PayPalSecret,
			WebhookID: cfg.PayPalWebhookID,
		})
	}
	mux.Handle("/webhooks/paypal", webhookLimiter.Middleware(webhook.NewPayPalHandler(verifier, deps.Reconciler, webhookOpts)))
	if cfg.StripeWebhookSecret != "" {
		mux.Handle("/webhooks/stripe", webhookLimiter.Middleware(webhook.NewStripeHandler(cfg.StripeWebhookSecret, deps.Reconciler, webhookOpts)))
	}

	// Account billing API (service-key authenticated; called by the dashboard backend)
	now := deps.Reconciler.Now
	mux.Handle("/api/accounts/{account_id}/billing", serviceAuth(account.HandleGetBilling(deps.Sessions)))
	mux.Handle("/api/accounts/{account_id}/billing/features/{feature}", serviceAuth(account.HandleGetFeature(deps.Sessions)))
	mux.Handle("/api/accounts/{account_id}/billing/signup", serviceAuth(account.HandleSignup(deps.Reconciler, cfg.TrialDays, now)))
	mux.Handle("/api/accounts/{account_id}/billing/subscription", serviceAuth(account.HandleLinkSubscription(deps.Reconciler, now)))
	mux.Handle("/api/accounts/{account_id}/billing/history", serviceAuth(account.HandleListHistory(deps.Store)))
}

// NewHandler builds the service's root handler.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return requestMiddleware(mux)
}
