package billing

// OperationClass categorizes what the dashboard allows in a given state.
type OperationClass string

const (
	OpFull     OperationClass = "full"     // Plan features available
	OpLimited  OperationClass = "limited"  // Trial: starter features only
	OpDegraded OperationClass = "degraded" // Read-only dashboard, upgrade prompt
	OpLocked   OperationClass = "locked"   // Administrative lock, contact support
)

// StateBehavior describes how the dashboard presents an effective state.
type StateBehavior struct {
	// Status is the effective status this behavior applies to.
	Status Status

	// Operations describes what operations are allowed.
	Operations OperationClass

	// ShowWarning indicates whether the UI should show a warning banner.
	ShowWarning bool

	// Note is the user-facing status line.
	Note string
}

// StateBehaviors maps each status to its presentation rules.
var StateBehaviors = map[Status]StateBehavior{
	StatusTrial: {
		Status:      StatusTrial,
		Operations:  OpLimited,
		ShowWarning: false,
		Note:        "You are currently on a free 7-day trial.",
	},
	StatusActive: {
		Status:      StatusActive,
		Operations:  OpFull,
		ShowWarning: false,
		Note:        "Your subscription is active.",
	},
	StatusPastDue: {
		Status:      StatusPastDue,
		Operations:  OpDegraded,
		ShowWarning: true,
		Note:        "Your last payment failed. Please update your payment method.",
	},
	StatusCancelled: {
		Status:      StatusCancelled,
		Operations:  OpDegraded,
		ShowWarning: true,
		Note:        "Your subscription was cancelled. Please upgrade to continue.",
	},
	StatusExpired: {
		Status:      StatusExpired,
		Operations:  OpDegraded,
		ShowWarning: true,
		Note:        "Your subscription has expired. Please upgrade to continue.",
	},
	StatusSuspended: {
		Status:      StatusSuspended,
		Operations:  OpLocked,
		ShowWarning: true,
		Note:        "Your account is suspended. Please contact support.",
	},
}

var graceBehavior = StateBehavior{
	Operations:  OpFull,
	ShowWarning: true,
	Note:        "Payment issue. Grace period active.",
}

// GetBehavior returns the presentation rules for the given status.
// Unknown statuses get the expired behavior.
func GetBehavior(status Status) StateBehavior {
	if b, ok := StateBehaviors[status]; ok {
		return b
	}
	return StateBehaviors[StatusExpired]
}

// BehaviorFor returns the presentation rules for an effective status,
// accounting for grace windows and the owner plan.
func BehaviorFor(rec *Record, eff EffectiveStatus) StateBehavior {
	if rec != nil && rec.Plan == PlanOwner {
		b := StateBehaviors[StatusActive]
		b.Status = eff.Status
		return b
	}
	if eff.InGrace {
		b := graceBehavior
		b.Status = eff.Status
		return b
	}
	return GetBehavior(eff.Status)
}
