package billing

import "sort"

// Gated dashboard features.
const (
	FeatureTimeline      = "timeline"      // Timeline calendar view
	FeatureEditBooking   = "editBooking"   // Edit or reschedule a booking
	FeatureCancelBooking = "cancelBooking" // Cancel a booking
	FeatureAddBooking    = "addBooking"    // Create a booking
	FeatureAnalytics     = "analytics"     // Analytics view
)

// PlanFeatures maps each plan to the features it grants. Features missing
// from a plan's table are denied.
var PlanFeatures = map[Plan]map[string]bool{
	PlanStarter: {
		FeatureTimeline:      false,
		FeatureEditBooking:   false,
		FeatureCancelBooking: false,
		FeatureAddBooking:    false,
		FeatureAnalytics:     false,
	},
	PlanPro: {
		FeatureTimeline:      true,
		FeatureEditBooking:   true,
		FeatureCancelBooking: true,
		FeatureAddBooking:    true,
		FeatureAnalytics:     true,
	},
	PlanOwner: {
		FeatureTimeline:      true,
		FeatureEditBooking:   true,
		FeatureCancelBooking: true,
		FeatureAddBooking:    true,
		FeatureAnalytics:     true,
	},
}

// PlanHasFeature reports whether plan grants feature. Unknown plans and
// unknown features fail closed.
func PlanHasFeature(plan Plan, feature string) bool {
	table, ok := PlanFeatures[plan]
	if !ok {
		return false
	}
	return table[feature]
}

// Features returns every known feature name, sorted.
func Features() []string {
	seen := make(map[string]struct{})
	for _, table := range PlanFeatures {
		for feature := range table {
			seen[feature] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for feature := range seen {
		out = append(out, feature)
	}
	sort.Strings(out)
	return out
}

// IsKnownFeature reports whether feature appears in any plan table.
func IsKnownFeature(feature string) bool {
	for _, table := range PlanFeatures {
		if _, ok := table[feature]; ok {
			return true
		}
	}
	return false
}
