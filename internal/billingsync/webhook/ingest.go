// Package webhook receives payment provider webhooks and turns verified
// subscription events into reconciler transitions.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/billingsync/bsmetrics"
	errs "github.com/schedmate/schedmate/internal/errors"
	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/pkg/billing"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB

	// DefaultTimeout bounds verification plus reconciliation of one delivery.
	DefaultTimeout = 20 * time.Second
)

// Applier applies a transition to a billing record. *reconcile.Reconciler
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, key billing.Key, t reconcile.Transition) (reconcile.Result, error)
}

// Options tunes webhook processing.
type Options struct {
	// GraceDays is the grace window opened by cancellations and payment
	// failures. Zero uses billing.DefaultGraceDays.
	GraceDays int
	// Timeout bounds each delivery. Zero uses DefaultTimeout.
	Timeout time.Duration
}

func (o Options) graceDays() int {
	if o.GraceDays <= 0 {
		return billing.DefaultGraceDays
	}
	return o.GraceDays
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Ignored  string `json:"ignored,omitempty"`
}

// event is a verified provider event normalized for reconciliation.
type event struct {
	provider       string
	id             string
	eventType      string
	subscriptionID string
	transition     reconcile.Transition
}

// ingest applies normalized events. Events whose subscription has no
// billing record are acknowledged and skipped; only store or reconciler
// failures are reported back so the provider redelivers.
type ingest struct {
	applier Applier
}

// apply returns the reason the event was skipped, or "" when it reached
// the reconciler.
func (in ingest) apply(ctx context.Context, ev event) (string, error) {
	logger := log.With().
		Str("provider", ev.provider).
		Str("event_id", ev.id).
		Str("event_type", ev.eventType).
		Str("subscription_id", ev.subscriptionID).
		Logger()

	if ev.subscriptionID == "" {
		logger.Warn().Msg("Webhook event has no subscription id, skipping")
		return "missing subscription id", nil
	}

	t := ev.transition.From("webhook").ForEvent(ev.id, ev.eventType)
	res, err := in.applier.Apply(ctx, billing.SubscriptionKey(ev.subscriptionID), t)
	if errors.Is(err, errs.ErrNotFound) {
		logger.Warn().Msg("No billing record for subscription, skipping webhook event")
		return "unknown subscription", nil
	}
	if err != nil {
		return "", err
	}

	logger.Debug().
		Str("transition", string(t.Kind)).
		Str("outcome", string(res.Outcome)).
		Int("attempts", res.Attempts).
		Msg("Webhook event reconciled")
	return "", nil
}

// processingFailed writes the response for a reconcile failure.
func processingFailed(w http.ResponseWriter, ev event, err error) int {
	msg := "processing failed"
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errs.ErrTimeout) {
		msg = "processing timed out"
	}
	log.Error().Err(err).
		Str("provider", ev.provider).
		Str("event_id", ev.id).
		Str("event_type", ev.eventType).
		Str("subscription_id", ev.subscriptionID).
		Msg("Webhook processing failed")
	writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: msg})
	return http.StatusInternalServerError
}

func observe(provider, eventType string, status int, start time.Time) {
	bsmetrics.WebhookRequestsTotal.WithLabelValues(provider, eventType, strconv.Itoa(status)).Inc()
	bsmetrics.WebhookDuration.WithLabelValues(provider, eventType).Observe(time.Since(start).Seconds())
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billingsync.webhook: encode webhook response")
	}
}
