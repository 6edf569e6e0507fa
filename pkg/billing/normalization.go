package billing

import (
	"strings"
	"time"
)

// NormalizeRecord returns a cleaned copy of rec. String fields are trimmed
// and lower-cased where they are enums, timestamps are converted to UTC,
// unknown plans fall back to starter, and the grace invariant is enforced:
// GraceUntil survives only while the status is past_due or cancelled.
func NormalizeRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}

	normalized := rec.Clone()
	normalized.AccountID = strings.TrimSpace(normalized.AccountID)
	normalized.SubscriptionID = strings.TrimSpace(normalized.SubscriptionID)
	normalized.Status = Status(strings.ToLower(strings.TrimSpace(string(normalized.Status))))
	normalized.Plan = ParsePlan(string(normalized.Plan))

	normalized.TrialEndsAt = utcPtr(normalized.TrialEndsAt)
	normalized.GraceUntil = utcPtr(normalized.GraceUntil)
	normalized.LastEventAt = utcPtr(normalized.LastEventAt)
	if !normalized.CreatedAt.IsZero() {
		normalized.CreatedAt = normalized.CreatedAt.UTC()
	}
	if !normalized.UpdatedAt.IsZero() {
		normalized.UpdatedAt = normalized.UpdatedAt.UTC()
	}

	if !normalized.Status.InGraceStatus() {
		normalized.GraceUntil = nil
	}
	return normalized
}

// SameState reports whether a and b carry the same billing state, ignoring
// bookkeeping fields (write timestamps, LastEventAt and version).
func SameState(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccountID == b.AccountID &&
		a.Status == b.Status &&
		a.Plan == b.Plan &&
		a.SubscriptionID == b.SubscriptionID &&
		timePtrEqual(a.TrialEndsAt, b.TrialEndsAt) &&
		timePtrEqual(a.GraceUntil, b.GraceUntil)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
