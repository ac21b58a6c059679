/*
Package rewards implements the bronze/silver/gold engagement ladder.

PURPOSE:
  A patient earns coupons by completing days of play within a period.
  Each tier unlocks once the number of completed days reaches its
  threshold, and then moves through viewed and accessed as the patient
  interacts with it.

STATE MACHINE (per tier):
  locked -> unlocked -> unlocked+viewed -> unlocked+viewed+accessed
  Every flag is monotonic. Nothing in this package ever clears one.

LADDER:
  Tier     Days   Coupon
  bronze      5   PTMOBR
  silver     10   PTMOGU
  gold       15   PTMOPE

PURE FUNCTIONS (this file):
  UnlockRewards, MarkRewardAsViewed and MarkRewardAsAccessed operate on a
  Ladder value and never touch storage. SendRewardsUnlockedEvent diffs two
  snapshots and notifies once per tier that became unlocked.

SEE ALSO:
  - service.go: Reads days completed, applies per-tier conditional writes
  - progression/store.go: RewardLadderStore contract
*/
package rewards

import (
	"context"
	"fmt"

	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// TIERS
// =============================================================================

const (
	BronzeDays = 5
	SilverDays = 10
	GoldDays   = 15
)

var couponCodes = map[progression.Tier]string{
	progression.TierBronze: "PTMOBR",
	progression.TierSilver: "PTMOGU",
	progression.TierGold:   "PTMOPE",
}

// Tiers returns the ladder tiers in order.
func Tiers() []progression.Tier {
	return []progression.Tier{progression.TierBronze, progression.TierSilver, progression.TierGold}
}

// CouponCode returns the static coupon for tier, or "" for an unknown tier.
func CouponCode(tier progression.Tier) string {
	return couponCodes[tier]
}

// ParseTier validates a tier name.
func ParseTier(s string) (progression.Tier, error) {
	t := progression.Tier(s)
	if _, ok := couponCodes[t]; !ok {
		return "", progression.Invalid("rewardTier", "unknown tier %q", s)
	}
	return t, nil
}

// DefaultLadder returns a fresh, fully locked ladder.
func DefaultLadder() progression.Ladder {
	return progression.Ladder{
		{Tier: progression.TierBronze, UnlockAtDayCompleted: BronzeDays},
		{Tier: progression.TierSilver, UnlockAtDayCompleted: SilverDays},
		{Tier: progression.TierGold, UnlockAtDayCompleted: GoldDays},
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// UnlockRewards unlocks every locked tier whose threshold daysCompleted
// reaches, attaching the tier's coupon. It mutates and returns rewards.
func UnlockRewards(rewards progression.Ladder, daysCompleted int) progression.Ladder {
	for i := range rewards {
		r := &rewards[i]
		if r.IsUnlocked || daysCompleted < r.UnlockAtDayCompleted {
			continue
		}
		r.IsUnlocked = true
		r.CouponCode = CouponCode(r.Tier)
	}
	return rewards
}

// MarkRewardAsViewed sets isViewed on the tier's entry. Absent tiers are a no-op.
func MarkRewardAsViewed(rewards progression.Ladder, tier progression.Tier) progression.Ladder {
	if i := rewards.Find(tier); i >= 0 {
		rewards[i].IsViewed = true
	}
	return rewards
}

// MarkRewardAsAccessed sets isAccessed on the tier's entry. Absent tiers are a no-op.
func MarkRewardAsAccessed(rewards progression.Ladder, tier progression.Tier) progression.Ladder {
	if i := rewards.Find(tier); i >= 0 {
		rewards[i].IsAccessed = true
	}
	return rewards
}

// =============================================================================
// NOTIFICATION DIFF
// =============================================================================

// UnlockedBetween returns the tiers locked in before and unlocked in after.
// The snapshots must have the same length and tier order.
func UnlockedBetween(before, after progression.Ladder) ([]progression.Tier, error) {
	if len(before) != len(after) {
		return nil, &progression.PreconditionError{Reason: "reward ladder length changed between snapshots"}
	}
	var out []progression.Tier
	for i := range after {
		if before[i].Tier != after[i].Tier {
			return nil, &progression.PreconditionError{Reason: "reward ladder order changed between snapshots"}
		}
		if after[i].IsUnlocked && !before[i].IsUnlocked {
			out = append(out, after[i].Tier)
		}
	}
	return out, nil
}

// SendRewardsUnlockedEvent notifies sink once per tier that transitioned to
// unlocked between the two snapshots and returns those tiers. A
// length or order mismatch aborts before anything is sent. A failed
// notification does not stop the others; the failures are joined.
func SendRewardsUnlockedEvent(ctx context.Context, sink progression.NotificationSink, patientID string, before, after progression.Ladder) ([]progression.Tier, error) {
	tiers, err := UnlockedBetween(before, after)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return tiers, nil
	}
	var errs []error
	for _, tier := range tiers {
		if err := sink.RewardUnlocked(ctx, patientID, tier); err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", tier, err))
		}
	}
	return tiers, progression.NotificationFailed("reward unlocked", errs...)
}
