// Package account serves the dashboard's per-account billing API.
package account

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	errs "github.com/schedmate/schedmate/internal/errors"
	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/internal/session"
	"github.com/schedmate/schedmate/pkg/billing"
)

// Applier applies a transition. *reconcile.Reconciler satisfies it.
type Applier interface {
	Apply(ctx context.Context, key billing.Key, t reconcile.Transition) (reconcile.Result, error)
}

type behaviorView struct {
	Operations  billing.OperationClass `json:"operations"`
	ShowWarning bool                   `json:"show_warning"`
	Note        string                 `json:"note"`
}

type billingView struct {
	AccountID      string                  `json:"account_id"`
	Status         billing.Status          `json:"status"`
	Plan           billing.Plan            `json:"plan"`
	TrialEndsAt    *time.Time              `json:"trial_ends_at,omitempty"`
	GraceUntil     *time.Time              `json:"grace_until,omitempty"`
	SubscriptionID string                  `json:"subscription_id,omitempty"`
	Effective      billing.EffectiveStatus `json:"effective"`
	Features       map[string]bool         `json:"features"`
	Behavior       behaviorView            `json:"behavior"`
	// Stale is set when the store could not be read and the view is built
	// from the last known record.
	Stale bool `json:"stale,omitempty"`
}

func newBillingView(rec *billing.Record, eff billing.EffectiveStatus) billingView {
	b := billing.BehaviorFor(rec, eff)
	return billingView{
		AccountID:      rec.AccountID,
		Status:         rec.Status,
		Plan:           rec.Plan,
		TrialEndsAt:    rec.TrialEndsAt,
		GraceUntil:     rec.GraceUntil,
		SubscriptionID: rec.SubscriptionID,
		Effective:      eff,
		Features:       billing.FeatureMap(rec, eff),
		Behavior: behaviorView{
			Operations:  b.Operations,
			ShowWarning: b.ShowWarning,
			Note:        b.Note,
		},
	}
}

func accountIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := strings.TrimSpace(r.PathValue("account_id"))
	if accountID == "" {
		http.Error(w, "missing account_id", http.StatusBadRequest)
		return "", false
	}
	return accountID, true
}

// refreshSession refreshes the account's session, falling back to its last
// known record. ok is false when a response has already been written.
func refreshSession(w http.ResponseWriter, r *http.Request, sessions *session.Manager, accountID string) (*session.Session, bool, bool) {
	sess := sessions.Get(accountID)
	rec, err := sess.Refresh(r.Context())
	if err != nil && rec == nil {
		http.Error(w, "billing status unavailable", http.StatusServiceUnavailable)
		return nil, false, false
	}
	return sess, err != nil, true
}

// HandleGetBilling returns the account's record and effective status.
// Route: GET /api/accounts/{account_id}/billing
func HandleGetBilling(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID, ok := accountIDFromPath(w, r)
		if !ok {
			return
		}

		sess, stale, ok := refreshSession(w, r, sessions, accountID)
		if !ok {
			return
		}
		rec := sess.Record()
		view := newBillingView(rec, sess.EffectiveStatus())
		view.Stale = stale
		encodeJSON(w, http.StatusOK, view)
	}
}

type featureResponse struct {
	Feature string `json:"feature"`
	Allowed bool   `json:"allowed"`
	Known   bool   `json:"known"`
}

// HandleGetFeature answers a single feature gate query.
// Route: GET /api/accounts/{account_id}/billing/features/{feature}
func HandleGetFeature(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID, ok := accountIDFromPath(w, r)
		if !ok {
			return
		}
		feature := strings.TrimSpace(r.PathValue("feature"))
		if feature == "" {
			http.Error(w, "missing feature", http.StatusBadRequest)
			return
		}

		sess, _, ok := refreshSession(w, r, sessions, accountID)
		if !ok {
			return
		}
		encodeJSON(w, http.StatusOK, featureResponse{
			Feature: feature,
			Allowed: sess.Can(feature),
			Known:   billing.IsKnownFeature(feature),
		})
	}
}

type signupResponse struct {
	Created bool        `json:"created"`
	Billing billingView `json:"billing"`
}

// HandleSignup seeds the trial record for a newly registered account. It
// is idempotent: an existing record is returned unchanged.
// Route: POST /api/accounts/{account_id}/billing/signup
func HandleSignup(applier Applier, trialDays int, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID, ok := accountIDFromPath(w, r)
		if !ok {
			return
		}

		res, err := applier.Apply(r.Context(), billing.AccountKey(accountID), reconcile.EnsureExists(trialDays).From("api"))
		if err != nil {
			auditEvent(r, "billing_signup", "failure").
				Err(err).
				Str("account_id", accountID).
				Msg("Billing signup failed")
			writeApplyError(w, err)
			return
		}

		auditEvent(r, "billing_signup", "success").
			Str("account_id", accountID).
			Bool("created", res.Changed()).
			Msg("Billing signup")

		status := http.StatusOK
		if res.Changed() {
			status = http.StatusCreated
		}
		encodeJSON(w, status, signupResponse{
			Created: res.Changed(),
			Billing: newBillingView(res.Record, billing.Evaluate(res.Record, now())),
		})
	}
}

type linkSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// HandleLinkSubscription records the provider subscription id after
// checkout so webhooks can find the account.
// Route: POST /api/accounts/{account_id}/billing/subscription
func HandleLinkSubscription(applier Applier, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID, ok := accountIDFromPath(w, r)
		if !ok {
			return
		}

		var req linkSubscriptionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return
		}
		subscriptionID := strings.TrimSpace(req.SubscriptionID)
		if subscriptionID == "" {
			http.Error(w, "invalid subscription_id", http.StatusBadRequest)
			return
		}

		res, err := applier.Apply(r.Context(), billing.AccountKey(accountID), reconcile.LinkSubscription(subscriptionID).From("api"))
		if err != nil {
			auditEvent(r, "billing_link_subscription", "failure").
				Err(err).
				Str("account_id", accountID).
				Str("subscription_id", subscriptionID).
				Msg("Subscription link failed")
			writeApplyError(w, err)
			return
		}

		auditEvent(r, "billing_link_subscription", "success").
			Str("account_id", accountID).
			Str("subscription_id", subscriptionID).
			Bool("changed", res.Changed()).
			Msg("Subscription linked")
		encodeJSON(w, http.StatusOK, newBillingView(res.Record, billing.Evaluate(res.Record, now())))
	}
}

// HistoryLister lists billing history.
type HistoryLister interface {
	ListHistory(ctx context.Context, accountID string, limit int) ([]billing.HistoryEntry, error)
}

type historyResponse struct {
	Entries []billing.HistoryEntry `json:"entries"`
	Count   int                    `json:"count"`
}

// HandleListHistory returns the account's transition history, newest first.
// Route: GET /api/accounts/{account_id}/billing/history?limit=N
func HandleListHistory(history HistoryLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		accountID, ok := accountIDFromPath(w, r)
		if !ok {
			return
		}

		limit := 0
		if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		entries, err := history.ListHistory(r.Context(), accountID, limit)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []billing.HistoryEntry{}
		}
		encodeJSON(w, http.StatusOK, historyResponse{Entries: entries, Count: len(entries)})
	}
}

func writeApplyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrSubscriptionMismatch):
		http.Error(w, "subscription already linked", http.StatusConflict)
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, "billing record not found", http.StatusNotFound)
	case errors.Is(err, errs.ErrInvalidInput):
		http.Error(w, "invalid request", http.StatusBadRequest)
	case errs.IsRetryableError(err):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "billing store unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
