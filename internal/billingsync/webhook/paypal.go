package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/billingsync/paypal"
	errs "github.com/schedmate/schedmate/internal/errors"
	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/pkg/billing"
)

const providerPayPal = "paypal"

// PayPal event types handled by PayPalHandler.
const (
	PayPalSubscriptionActivated   = "BILLING.SUBSCRIPTION.ACTIVATED"
	PayPalSubscriptionUpdated     = "BILLING.SUBSCRIPTION.UPDATED"
	PayPalSubscriptionReactivated = "BILLING.SUBSCRIPTION.RE-ACTIVATED"
	PayPalSubscriptionCancelled   = "BILLING.SUBSCRIPTION.CANCELLED"
	PayPalSubscriptionSuspended   = "BILLING.SUBSCRIPTION.SUSPENDED"
	PayPalSubscriptionExpired     = "BILLING.SUBSCRIPTION.EXPIRED"
	PayPalPaymentFailed           = "BILLING.SUBSCRIPTION.PAYMENT.FAILED"
	PayPalSaleDenied              = "PAYMENT.SALE.DENIED"
	PayPalSaleRefunded            = "PAYMENT.SALE.REFUNDED"
)

// Verifier checks a PayPal delivery. *paypal.Verifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, h paypal.Headers, body []byte) error
}

// PayPalHandler handles PayPal subscription webhooks.
type PayPalHandler struct {
	verifier Verifier
	ingest   ingest
	opts     Options
}

// NewPayPalHandler creates a PayPal webhook HTTP handler.
func NewPayPalHandler(verifier Verifier, applier Applier, opts Options) *PayPalHandler {
	return &PayPalHandler{
		verifier: verifier,
		ingest:   ingest{applier: applier},
		opts:     opts,
	}
}

// PayPalEvent is the subset of a PayPal webhook event used for billing.
type PayPalEvent struct {
	ID         string `json:"id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Resource   struct {
		ID                 string `json:"id"`
		BillingAgreementID string `json:"billing_agreement_id"`
	} `json:"resource"`
}

// SubscriptionID returns the subscription the event refers to. Sale
// events carry it as the billing agreement id.
func (e *PayPalEvent) SubscriptionID() string {
	if strings.HasPrefix(e.EventType, "PAYMENT.SALE.") {
		return strings.TrimSpace(e.Resource.BillingAgreementID)
	}
	return strings.TrimSpace(e.Resource.ID)
}

// OccurredAt returns the event's create_time, or the zero time when it is
// absent or malformed.
func (e *PayPalEvent) OccurredAt() time.Time {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(e.CreateTime))
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// payPalTransition maps a PayPal event onto a transition. ok is false for
// event types that do not affect billing state.
func payPalTransition(e *PayPalEvent, graceDays int) (t reconcile.Transition, ok bool) {
	at := e.OccurredAt()
	switch e.EventType {
	case PayPalSubscriptionActivated, PayPalSubscriptionUpdated, PayPalSubscriptionReactivated:
		return reconcile.Activate(billing.PlanPro, at), true
	case PayPalSubscriptionCancelled:
		return reconcile.Cancel(graceDays, at), true
	case PayPalSubscriptionSuspended, PayPalPaymentFailed, PayPalSaleDenied, PayPalSaleRefunded:
		return reconcile.Suspend(graceDays, at), true
	case PayPalSubscriptionExpired:
		return reconcile.HardExpire(at), true
	}
	return reconcile.Transition{}, false
}

// ServeHTTP verifies the delivery with PayPal and reconciles the event.
func (h *PayPalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() { observe(providerPayPal, eventType, status, start) }()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	headers, err := paypal.HeadersFromRequest(r.Header)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing PayPal transmission headers"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.timeout())
	defer cancel()

	if err := h.verifier.Verify(ctx, headers, payload); err != nil {
		if errs.IsAuthError(err) {
			log.Warn().Err(err).
				Str("transmission_id", headers.TransmissionID).
				Msg("PayPal webhook signature rejected")
			status = http.StatusBadRequest
			writeJSON(w, status, webhookErrorResponse{Error: "invalid PayPal signature"})
			return
		}
		log.Error().Err(err).
			Str("transmission_id", headers.TransmissionID).
			Msg("PayPal webhook verification unavailable")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "verification failed"})
		return
	}

	var pe PayPalEvent
	if err := json.Unmarshal(payload, &pe); err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid event payload"})
		return
	}
	if pe.EventType != "" {
		eventType = pe.EventType
	}

	t, ok := payPalTransition(&pe, h.opts.graceDays())
	if !ok {
		log.Info().
			Str("event_type", pe.EventType).
			Str("event_id", pe.ID).
			Msg("PayPal webhook ignored (unhandled type)")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: "unhandled event type"})
		return
	}

	ev := event{
		provider:       providerPayPal,
		id:             pe.ID,
		eventType:      pe.EventType,
		subscriptionID: pe.SubscriptionID(),
		transition:     t,
	}
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
