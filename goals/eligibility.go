package goals

import (
	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// BADGE ELIGIBILITY FILTER
// =============================================================================

// FilterEligible narrows the catalog to badges the patient can still pursue.
//
// A badge is excluded when the patient already owns it and it is single
// unlock, regardless of context. Otherwise it is kept only while the
// patient's value for its metric (0 if untracked) is below MinVal; badges
// without a MinVal are never eligible. Catalog order is preserved.
func FilterEligible(catalog []progression.Badge, owned []progression.PatientBadge, pctx progression.PatientContext) []progression.Badge {
	ownedIDs := make(map[string]bool, len(owned))
	for _, pb := range owned {
		ownedIDs[pb.BadgeID] = true
	}

	out := make([]progression.Badge, 0, len(catalog))
	for _, b := range catalog {
		if ownedIDs[b.ID] && b.IsSingleUnlock() {
			continue
		}
		if b.MinVal == nil {
			continue
		}
		if pctx.Value(b.Metric) < *b.MinVal {
			out = append(out, b)
		}
	}
	return out
}
