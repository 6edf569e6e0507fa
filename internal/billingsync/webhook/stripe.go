package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/pkg/billing"
)

const providerStripe = "stripe"

// StripeHandler handles Stripe subscription webhooks under the same
// contract as PayPalHandler.
type StripeHandler struct {
	secret string
	ingest ingest
	opts   Options
}

// NewStripeHandler creates a Stripe webhook HTTP handler.
func NewStripeHandler(secret string, applier Applier, opts Options) *StripeHandler {
	return &StripeHandler{
		secret: secret,
		ingest: ingest{applier: applier},
		opts:   opts,
	}
}

// StripeSubscription is a minimal representation of a Stripe subscription event.
type StripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// StripeInvoice is a minimal representation of a Stripe invoice event.
// Newer API versions move the subscription under parent.subscription_details.
type StripeInvoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the invoice's subscription id.
func (inv *StripeInvoice) SubscriptionID() string {
	if id := strings.TrimSpace(inv.Subscription); id != "" {
		return id
	}
	return strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription)
}

// ServeHTTP verifies the Stripe signature and reconciles the event.
func (h *StripeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() { observe(providerStripe, eventType, status, start) }()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	se, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, h.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Stripe webhook signature rejected")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(se.Type)

	ev, ok, err := stripeEvent(&se, h.opts.graceDays())
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid event payload"})
		return
	}
	if !ok {
		log.Info().
			Str("event_type", eventType).
			Str("event_id", se.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: "unhandled event type"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.timeout())
	defer cancel()

	skipped, err := h.ingest.apply(ctx, ev)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.Join(err, context.DeadlineExceeded)
		}
		status = processingFailed(w, ev, err)
		return
	}
	writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: skipped})
}

// stripeEvent normalizes a verified Stripe event. ok is false for events
// that do not affect billing state.
func stripeEvent(se *stripelib.Event, graceDays int) (event, bool, error) {
	ev := event{
		provider:  providerStripe,
		id:        se.ID,
		eventType: string(se.Type),
	}
	var at time.Time
	if se.Created > 0 {
		at = time.Unix(se.Created, 0).UTC()
	}
	if se.Data == nil {
		return ev, false, nil
	}

	switch se.Type {
	case "customer.subscription.created", "customer.subscription.updated",
		"customer.subscription.resumed", "customer.subscription.paused":
		var sub StripeSubscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return ev, false, fmt.Errorf("decode subscription: %w", err)
		}
		t, ok := stripeSubscriptionTransition(sub.Status, graceDays, at)
		if !ok {
			return ev, false, nil
		}
		ev.subscriptionID = strings.TrimSpace(sub.ID)
		ev.transition = t
		return ev, true, nil

	case "customer.subscription.deleted":
		var sub StripeSubscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return ev, false, fmt.Errorf("decode subscription: %w", err)
		}
		ev.subscriptionID = strings.TrimSpace(sub.ID)
		ev.transition = reconcile.HardExpire(at)
		return ev, true, nil

	case "invoice.payment_failed":
		var inv StripeInvoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return ev, false, fmt.Errorf("decode invoice: %w", err)
		}
		ev.subscriptionID = inv.SubscriptionID()
		ev.transition = reconcile.Suspend(graceDays, at)
		return ev, true, nil
	}
	return ev, false, nil
}

func stripeSubscriptionTransition(status string, graceDays int, at time.Time) (reconcile.Transition, bool) {
	switch stripelib.SubscriptionStatus(strings.TrimSpace(status)) {
	case stripelib.SubscriptionStatusActive, stripelib.SubscriptionStatusTrialing:
		return reconcile.Activate(billing.PlanPro, at), true
	case stripelib.SubscriptionStatusPastDue, stripelib.SubscriptionStatusUnpaid,
		stripelib.SubscriptionStatusPaused:
		return reconcile.Suspend(graceDays, at), true
	case stripelib.SubscriptionStatusCanceled:
		return reconcile.Cancel(graceDays, at), true
	case stripelib.SubscriptionStatusIncompleteExpired:
		return reconcile.HardExpire(at), true
	}
	return reconcile.Transition{}, false
}
