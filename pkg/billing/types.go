// Package billing defines SchedMate's billing contracts: the per-account
// billing record, the effective-status evaluator and the feature gate.
//
// The package is pure. It never touches storage; callers pass a record and
// the current time and get back a derived view. Persisting state changes is
// the reconciler's job.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status is the stored billing lifecycle state of an account.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// Plan is the commercial plan of an account. Owner is a super-plan, not a
// billing status.
type Plan string

const (
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanOwner   Plan = "owner"
)

const (
	// DefaultTrialDays is the trial length granted at signup.
	DefaultTrialDays = 7
	// DefaultGraceDays is the grace window opened by cancellation or a
	// failed payment.
	DefaultGraceDays = 3
)

// Day is the unit used for trial and grace arithmetic.
const Day = 24 * time.Hour

// Record is the single billing record kept per account.
type Record struct {
	AccountID      string     `json:"account_id"`
	Status         Status     `json:"status"`
	Plan           Plan       `json:"plan"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`
	GraceUntil     *time.Time `json:"grace_until,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// LastEventAt is the nominal time of the newest payment provider event
	// applied to the record. It orders late deliveries; UpdatedAt does not.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`

	// Version is the row version used for compare-and-set writes. Zero
	// means the record has never been stored.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.TrialEndsAt = cloneTime(r.TrialEndsAt)
	cp.GraceUntil = cloneTime(r.GraceUntil)
	cp.LastEventAt = cloneTime(r.LastEventAt)
	return &cp
}

// InGraceStatus reports whether the status is one that may carry a grace
// window.
func (s Status) InGraceStatus() bool {
	return s == StatusPastDue || s == StatusCancelled
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusCancelled, StatusExpired, StatusSuspended:
		return true
	default:
		return false
	}
}

// IsValidPlan reports whether p is a known plan.
func IsValidPlan(p Plan) bool {
	switch p {
	case PlanStarter, PlanPro, PlanOwner:
		return true
	default:
		return false
	}
}

// ParsePlan normalizes a plan name. Unknown plans fall back to starter.
func ParsePlan(s string) Plan {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if IsValidPlan(p) {
		return p
	}
	return PlanStarter
}

// KeyType selects which identifier a Key carries.
type KeyType string

const (
	KeyAccountID      KeyType = "account_id"
	KeySubscriptionID KeyType = "subscription_id"
)

// Key addresses a billing record either by account or by the payment
// provider's subscription id. Webhooks only ever know the latter.
type Key struct {
	Type  KeyType
	Value string
}

// AccountKey returns a Key for the given account id.
func AccountKey(accountID string) Key {
	return Key{Type: KeyAccountID, Value: strings.TrimSpace(accountID)}
}

// SubscriptionKey returns a Key for the given provider subscription id.
func SubscriptionKey(subscriptionID string) Key {
	return Key{Type: KeySubscriptionID, Value: strings.TrimSpace(subscriptionID)}
}

func (k Key) String() string {
	return string(k.Type) + "=" + k.Value
}

// Filter selects records for Store.Query.
type Filter struct {
	Statuses []Status
}

// ErrConflict is returned by Store.Upsert when the stored version no longer
// matches the expected one, or when an insert finds an existing row.
var ErrConflict = errors.New("billing record version conflict")

// ErrSubscriptionInUse is returned by Store.Upsert when the record's
// subscription id is already linked to another account.
var ErrSubscriptionInUse = errors.New("subscription id linked to another account")

// Store is the persistence contract for billing records.
//
// Get returns (nil, nil) when no record matches. Upsert writes rec only if
// the stored version equals expectedVersion; an expectedVersion of zero
// means "insert if absent". On success rec.Version holds the new version.
type Store interface {
	Get(ctx context.Context, key Key) (*Record, error)
	Upsert(ctx context.Context, rec *Record, expectedVersion int64) error
	Query(ctx context.Context, filter Filter) ([]*Record, error)
}

// HistoryEntry is one applied transition in an account's billing history.
type HistoryEntry struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Transition string    `json:"transition"`
	Source     string    `json:"source"`
	EventID    string    `json:"event_id,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	Plan       Plan      `json:"plan"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HistoryStore keeps the append-only billing history.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ListHistory(ctx context.Context, accountID string, limit int) ([]HistoryEntry, error)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
