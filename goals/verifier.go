package goals

import (
	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// GOAL COMPLETION VERIFIER - threshold evaluation
// =============================================================================

// ThresholdMode selects how MinVal and MaxVal combine when both are set.
type ThresholdMode int

const (
	// ThresholdAnd requires every configured bound to hold.
	ThresholdAnd ThresholdMode = iota
	// ThresholdOverwrite evaluates MinVal, then lets the MaxVal check
	// replace that result. Kept for compatibility with historical grants.
	ThresholdOverwrite
)

func (m ThresholdMode) String() string {
	if m == ThresholdOverwrite {
		return "overwrite"
	}
	return "and"
}

// EvaluateReward reports whether the context satisfies the reward.
// A reward with neither bound never unlocks.
func EvaluateReward(rd progression.RewardDescriptor, pctx progression.PatientContext, mode ThresholdMode) bool {
	v := pctx.Value(rd.Metric)
	if rd.MinVal == nil && rd.MaxVal == nil {
		return false
	}

	switch mode {
	case ThresholdOverwrite:
		unlock := false
		if rd.MinVal != nil {
			unlock = v >= *rd.MinVal
		}
		if rd.MaxVal != nil {
			unlock = v <= *rd.MaxVal
		}
		return unlock
	default:
		if rd.MinVal != nil && v < *rd.MinVal {
			return false
		}
		if rd.MaxVal != nil && v > *rd.MaxVal {
			return false
		}
		return true
	}
}
