package billing

import "time"

// EffectiveStatus is the read-time view of a billing record at a given
// instant. It is what the dashboard renders and what the feature gate
// consults.
type EffectiveStatus struct {
	// Status is the effective status. It differs from the stored status only
	// when a trial has lapsed but the expiry has not been persisted yet.
	Status Status `json:"status"`

	Locked  bool `json:"locked"`
	InGrace bool `json:"in_grace"`

	// TrialDaysLeft is nil unless the account is in an unexpired trial with
	// a known end date.
	TrialDaysLeft *int `json:"trial_days_left"`

	GraceUntil *time.Time `json:"grace_until,omitempty"`
}

// ImplicitRecord is the record assumed for an account without a stored row:
// expired on the starter plan.
func ImplicitRecord(accountID string) *Record {
	return &Record{
		AccountID: accountID,
		Status:    StatusExpired,
		Plan:      PlanStarter,
	}
}

// Evaluate derives the effective status of rec at now. It has no side
// effects; a lapsed trial is reported as expired but not persisted.
func Evaluate(rec *Record, now time.Time) EffectiveStatus {
	if rec == nil {
		rec = ImplicitRecord("")
	}

	if rec.Plan == PlanOwner {
		return EffectiveStatus{Status: rec.Status}
	}

	switch rec.Status {
	case StatusTrial:
		if rec.TrialEndsAt != nil && now.After(*rec.TrialEndsAt) {
			return EffectiveStatus{Status: StatusExpired, Locked: true}
		}
		return EffectiveStatus{
			Status:        StatusTrial,
			TrialDaysLeft: trialDaysLeft(rec.TrialEndsAt, now),
		}

	case StatusActive:
		return EffectiveStatus{Status: StatusActive}

	case StatusPastDue, StatusCancelled:
		if rec.GraceUntil != nil && now.Before(*rec.GraceUntil) {
			return EffectiveStatus{
				Status:     rec.Status,
				InGrace:    true,
				GraceUntil: cloneTime(rec.GraceUntil),
			}
		}
		return EffectiveStatus{Status: rec.Status, Locked: true}

	case StatusExpired, StatusSuspended:
		return EffectiveStatus{Status: rec.Status, Locked: true}

	default:
		// Unknown stored status fails closed.
		return EffectiveStatus{Status: rec.Status, Locked: true}
	}
}

// TrialLapsed reports whether rec is a trial whose end date has passed.
func TrialLapsed(rec *Record, now time.Time) bool {
	return rec != nil &&
		rec.Status == StatusTrial &&
		rec.TrialEndsAt != nil &&
		now.After(*rec.TrialEndsAt)
}

// GraceLapsed reports whether rec carries a grace window that has ended.
func GraceLapsed(rec *Record, now time.Time) bool {
	return rec != nil &&
		rec.Status.InGraceStatus() &&
		rec.GraceUntil != nil &&
		!now.Before(*rec.GraceUntil)
}

func trialDaysLeft(endsAt *time.Time, now time.Time) *int {
	if endsAt == nil {
		return nil
	}
	remaining := endsAt.Sub(now)
	days := 0
	if remaining > 0 {
		days = int((remaining + Day - 1) / Day)
	}
	return &days
}
