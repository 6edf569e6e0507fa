package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	errs "github.com/schedmate/schedmate/internal/errors"
	"github.com/schedmate/schedmate/pkg/billing"
)

// Kind names a billing transition.
type Kind string

const (
	KindEnsureExists     Kind = "ensure_exists"
	KindEnsureObserved   Kind = "ensure_observed"
	KindExpireTrial      Kind = "expire_trial"
	KindActivate         Kind = "activate"
	KindCancel           Kind = "cancel"
	KindSuspend          Kind = "suspend"
	KindHardExpire       Kind = "hard_expire"
	KindExpireGrace      Kind = "expire_grace"
	KindLinkSubscription Kind = "link_subscription"
)

// Outcome is the result of deciding a transition against a record.
type Outcome string

const (
	// OutcomeApplied means the record changed and was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the transition did not apply to the current record.
	OutcomeNoop Outcome = "noop"
	// OutcomeStale means the transition was rejected by the ordering guard.
	OutcomeStale Outcome = "stale"
)

// ErrSubscriptionMismatch is returned when linking a subscription id to a
// record that already carries a different one.
var ErrSubscriptionMismatch = errors.New("record is linked to a different subscription")

// Transition is one requested change to a billing record.
type Transition struct {
	Kind Kind

	// Plan is the target plan for Activate.
	Plan billing.Plan
	// GraceDays is the grace window opened by Cancel and Suspend.
	GraceDays int
	// TrialDays is the trial length seeded by EnsureExists.
	TrialDays int
	// SubscriptionID is the provider id for LinkSubscription.
	SubscriptionID string

	// At is the nominal time of the triggering event, used to order
	// provider events. Zero means "now".
	At time.Time

	// Source, EventID and EventType annotate history entries and logs.
	Source    string
	EventID   string
	EventType string
}

// EnsureExists seeds a trial record for a new account when none exists.
func EnsureExists(trialDays int) Transition {
	return Transition{Kind: KindEnsureExists, TrialDays: trialDays}
}

// EnsureObserved materializes the implicit expired/starter record for an
// account observed without one.
func EnsureObserved() Transition {
	return Transition{Kind: KindEnsureObserved}
}

// ExpireTrial persists the expiry of a lapsed trial.
func ExpireTrial() Transition {
	return Transition{Kind: KindExpireTrial}
}

// Activate marks the subscription as paid on plan.
func Activate(plan billing.Plan, at time.Time) Transition {
	return Transition{Kind: KindActivate, Plan: plan, At: at}
}

// Cancel moves the record to cancelled with a grace window.
func Cancel(graceDays int, at time.Time) Transition {
	return Transition{Kind: KindCancel, GraceDays: graceDays, At: at}
}

// Suspend moves the record to past_due with a grace window.
func Suspend(graceDays int, at time.Time) Transition {
	return Transition{Kind: KindSuspend, GraceDays: graceDays, At: at}
}

// HardExpire terminally expires the record.
func HardExpire(at time.Time) Transition {
	return Transition{Kind: KindHardExpire, At: at}
}

// ExpireGrace persists the lapse of an elapsed grace window.
func ExpireGrace() Transition {
	return Transition{Kind: KindExpireGrace}
}

// LinkSubscription records the provider subscription id on an account.
func LinkSubscription(subscriptionID string) Transition {
	return Transition{Kind: KindLinkSubscription, SubscriptionID: strings.TrimSpace(subscriptionID)}
}

// From annotates t with the writer that produced it.
func (t Transition) From(source string) Transition {
	t.Source = source
	return t
}

// ForEvent annotates t with the provider event that produced it.
func (t Transition) ForEvent(eventID, eventType string) Transition {
	t.EventID = eventID
	t.EventType = eventType
	return t
}

// Decide computes the record that results from applying t to cur at now.
// It is pure: the returned record is a fresh copy and cur is never
// modified. A nil cur means no record is stored under key.
func Decide(cur *billing.Record, key billing.Key, t Transition, now time.Time) (*billing.Record, Outcome, error) {
	now = now.UTC()

	switch t.Kind {
	case KindEnsureExists, KindEnsureObserved:
		if cur != nil {
			return nil, OutcomeNoop, nil
		}
		if key.Type != billing.KeyAccountID || key.Value == "" {
			return nil, "", errs.Invalid(string(t.Kind), "records can only be created by account id, got %s", key)
		}
		return seed(key.Value, t, now), OutcomeApplied, nil
	}

	if cur == nil {
		return nil, "", errs.NotFound(string(t.Kind), key.String())
	}

	next := cur.Clone()
	next.UpdatedAt = now
	if t.fromProvider() {
		next.LastEventAt = laterOf(cur.LastEventAt, t.eventTime(now))
	}

	switch t.Kind {
	case KindExpireTrial:
		if !billing.TrialLapsed(cur, now) {
			return nil, OutcomeNoop, nil
		}
		next.Status = billing.StatusExpired
		next.GraceUntil = nil

	case KindActivate:
		next.Status = billing.StatusActive
		next.GraceUntil = nil
		if cur.Plan != billing.PlanOwner {
			plan := t.Plan
			if !billing.IsValidPlan(plan) {
				plan = billing.PlanPro
			}
			next.Plan = plan
		}

	case KindCancel, KindSuspend:
		target := billing.StatusCancelled
		if t.Kind == KindSuspend {
			target = billing.StatusPastDue
		}
		if cur.Status == target {
			return nil, OutcomeNoop, nil
		}
		if cur.Status == billing.StatusExpired || cur.Status == billing.StatusSuspended {
			return nil, OutcomeNoop, nil
		}
		// Only an activation newer than this event protects the record.
		if cur.Status == billing.StatusActive && cur.LastEventAt != nil && cur.LastEventAt.After(t.eventTime(now)) {
			return nil, OutcomeStale, nil
		}
		next.Status = target
		if !cur.Status.InGraceStatus() || cur.GraceUntil == nil {
			graceDays := t.GraceDays
			if graceDays <= 0 {
				graceDays = billing.DefaultGraceDays
			}
			until := now.Add(time.Duration(graceDays) * billing.Day)
			next.GraceUntil = &until
		}

	case KindHardExpire:
		next.Status = billing.StatusExpired
		next.GraceUntil = nil

	case KindExpireGrace:
		if !billing.GraceLapsed(cur, now) {
			return nil, OutcomeNoop, nil
		}
		next.Status = billing.StatusExpired
		next.GraceUntil = nil

	case KindLinkSubscription:
		if t.SubscriptionID == "" {
			return nil, "", errs.Invalid(string(t.Kind), "subscription id is required")
		}
		switch cur.SubscriptionID {
		case t.SubscriptionID:
			return nil, OutcomeNoop, nil
		case "":
			next.SubscriptionID = t.SubscriptionID
		default:
			return nil, "", fmt.Errorf("%w: account %s has %s, got %s",
				ErrSubscriptionMismatch, cur.AccountID, cur.SubscriptionID, t.SubscriptionID)
		}

	default:
		return nil, "", errs.Invalid("decide", "unknown transition %q", t.Kind)
	}

	if billing.SameState(cur, next) && timeEqual(cur.LastEventAt, next.LastEventAt) {
		return nil, OutcomeNoop, nil
	}
	return next, OutcomeApplied, nil
}

// fromProvider reports whether t is driven by a payment provider event.
func (t Transition) fromProvider() bool {
	switch t.Kind {
	case KindActivate, KindCancel, KindSuspend, KindHardExpire:
		return true
	}
	return false
}

// eventTime is the nominal time of t, falling back to now.
// eventTime is truncated to the millisecond precision the stores keep, so a
// redelivered event compares equal to the persisted LastEventAt.
func (t Transition) eventTime(now time.Time) time.Time {
	at := t.At
	if at.IsZero() {
		at = now
	}
	return at.UTC().Truncate(time.Millisecond)
}

func laterOf(stored *time.Time, at time.Time) *time.Time {
	if stored != nil && stored.After(at) {
		ts := *stored
		return &ts
	}
	return &at
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func seed(accountID string, t Transition, now time.Time) *billing.Record {
	rec := &billing.Record{
		AccountID: accountID,
		Plan:      billing.PlanStarter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t.Kind == KindEnsureObserved {
		rec.Status = billing.StatusExpired
		return rec
	}

	trialDays := t.TrialDays
	if trialDays <= 0 {
		trialDays = billing.DefaultTrialDays
	}
	ends := now.Add(time.Duration(trialDays) * billing.Day)
	rec.Status = billing.StatusTrial
	rec.TrialEndsAt = &ends
	return rec
}
