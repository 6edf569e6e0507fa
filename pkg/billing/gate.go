package billing

// Can reports whether feature is available to the account described by rec
// and its effective status.
//
// Precedence: owner plan, then grace (own plan's table), then lock, then
// trial (starter table regardless of plan), then the own plan's table.
func Can(rec *Record, eff EffectiveStatus, feature string) bool {
	if rec == nil {
		return false
	}
	if rec.Plan == PlanOwner {
		return true
	}
	if eff.InGrace {
		return PlanHasFeature(rec.Plan, feature)
	}
	if eff.Locked {
		return false
	}
	if rec.Status == StatusTrial {
		return PlanHasFeature(PlanStarter, feature)
	}
	return PlanHasFeature(rec.Plan, feature)
}

// FeatureMap evaluates every known feature for rec at eff.
func FeatureMap(rec *Record, eff EffectiveStatus) map[string]bool {
	features := Features()
	out := make(map[string]bool, len(features))
	for _, feature := range features {
		out[feature] = Can(rec, eff, feature)
	}
	return out
}
