package domain

// ScopeKey groups decisions for confidence aggregation. The primary scope is
// the proposed action; a sender-qualified scope refines send-adjacent actions.
type ScopeKey string

// ScopeForAction returns the per-action confidence scope.
func ScopeForAction(action Action) ScopeKey {
	return ScopeKey("action=" + string(action))
}

// ConfidenceRecord is a derived, cached success-rate for one scope. It is
// recomputed from the ledger and never hand-edited; staleness is acceptable,
// corruption is not.
type ConfidenceRecord struct {
	Scope     ScopeKey
	Samples   int
	Successes int
	// Confidence is Laplace-smoothed: (Successes+1)/(Samples+2), so it is
	// always inside (0,1).
	Confidence float64
	// Insufficient is true when Samples is below the configured minimum;
	// policy treats such records as confidence 0.
	Insufficient bool
}

// ActionStats is the read-only accuracy view exposed to the CLI.
type ActionStats struct {
	Action    Action
	Total     int
	Approved  int
	Rejected  int
	Corrected int
	// Accuracy is the raw (unsmoothed) approval rate used for reporting and
	// auto-approve suggestions.
	Accuracy float64
}

// CorrectionPattern counts how often one action was corrected into another.
type CorrectionPattern struct {
	Original  Action
	Corrected Action
	Count     int
}
