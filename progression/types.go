/*
Package progression provides the core types of the progression and rewards engine.

PURPOSE:
  This package contains the data contracts shared by every part of the engine:
  badge definitions, per-patient metric contexts, goals, badge unlock counters,
  game sessions and the three-tier reward ladder. The rule logic lives in the
  goals and rewards packages; persistence lives behind the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Badge: catalog-defined achievement criterion (metric, threshold, tier, xp)
  - PatientContext: metric name -> value document, one per patient
  - Goal: time-boxed pursuit of one or more badges (RewardDescriptor)
  - PatientBadge: per-(patient, badge) unlock counter
  - GameRecord: one finished game session, carrying cumulative XP
  - Reward / Ladder: the bronze/silver/gold engagement ladder

DESIGN PRINCIPLES:
  1. Badges are immutable from the engine's perspective
  2. Ladder flags are monotonic: never cleared once set
  3. XP uses decimal.Decimal, same as every other quantity in this codebase
  4. Identifiers are plain strings (uuid in the SQL store)

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Collaborator interfaces
  - goals/: Eligibility, generation and verification
  - rewards/: Reward tier engine
*/
package progression

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BADGES
// =============================================================================

type BadgeStatus string

const (
	BadgeActive   BadgeStatus = "active"
	BadgeInactive BadgeStatus = "inactive"
)

type BadgeType string

const (
	BadgeSingleUnlock BadgeType = "single_unlock"
	BadgeRepeatable   BadgeType = "repeatable"
)

// Badge is a catalog entry describing an achievement criterion.
// MinVal and MaxVal are optional bounds on Context[Metric].
type Badge struct {
	ID        string
	Name      string
	Metric    string
	MinVal    *float64
	MaxVal    *float64
	Tier      string
	XP        decimal.Decimal
	Status    BadgeStatus
	BadgeType BadgeType

	// Games explicitly scopes the badge to a set of games. Empty means the
	// scope comes from the metric registry.
	Games []string
}

func (b Badge) IsActive() bool       { return b.Status == BadgeActive }
func (b Badge) IsSingleUnlock() bool { return b.BadgeType == BadgeSingleUnlock }

// PatientBadge counts how many times a patient unlocked a badge.
type PatientBadge struct {
	ID        string
	PatientID string
	BadgeID   string
	Count     int
}

// =============================================================================
// PATIENT CONTEXT
// =============================================================================

// PatientContext maps metric names to their current values.
type PatientContext map[string]float64

// Value returns the metric value, or 0 when the metric was never tracked.
func (c PatientContext) Value(metric string) float64 {
	if c == nil {
		return 0
	}
	return c[metric]
}

func (c PatientContext) Clone() PatientContext {
	out := make(PatientContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MetricUpdate is one observed metric value reported by activity tracking.
type MetricUpdate struct {
	Name  string
	Value float64
}

// =============================================================================
// GOALS
// =============================================================================

type GoalStatus string

// Canonical goal vocabulary. A goal is "open" while pending or in progress.
const (
	GoalPending    GoalStatus = "pending"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalExpired    GoalStatus = "expired"
)

func (s GoalStatus) IsOpen() bool { return s == GoalPending || s == GoalInProgress }

// RewardDescriptor is the badge criterion a goal pursues. ID is the badge id.
type RewardDescriptor struct {
	ID     string          `json:"id"`
	Metric string          `json:"metric"`
	MinVal *float64        `json:"minVal,omitempty"`
	MaxVal *float64        `json:"maxVal,omitempty"`
	Tier   string          `json:"tier"`
	XP     decimal.Decimal `json:"xp"`
}

// DescriptorFor derives a reward descriptor from a badge.
func DescriptorFor(b Badge) RewardDescriptor {
	return RewardDescriptor{
		ID:     b.ID,
		Metric: b.Metric,
		MinVal: copyFloat(b.MinVal),
		MaxVal: copyFloat(b.MaxVal),
		Tier:   b.Tier,
		XP:     b.XP,
	}
}

type Goal struct {
	ID        string
	PatientID string
	Name      string
	Game      string
	Rewards   []RewardDescriptor
	Status    GoalStatus
	CreatedAt time.Time
	ExpiryAt  time.Time
}

// Metrics returns the distinct metrics referenced by the goal's rewards.
func (g Goal) Metrics() []string {
	seen := make(map[string]bool, len(g.Rewards))
	var out []string
	for _, r := range g.Rewards {
		if !seen[r.Metric] {
			seen[r.Metric] = true
			out = append(out, r.Metric)
		}
	}
	return out
}

// =============================================================================
// GAME SESSIONS
// =============================================================================

// GameRecord is a finished game session. TotalXP is the patient's
// cumulative XP as of this session.
type GameRecord struct {
	ID          string
	PatientID   string
	Game        string
	CompletedAt time.Time
	TotalXP     decimal.Decimal
}

// =============================================================================
// REWARD LADDER
// =============================================================================

type Tier string

const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Reward is one rung of the engagement ladder.
type Reward struct {
	Tier                 Tier   `json:"tier"`
	IsUnlocked           bool   `json:"isUnlocked"`
	IsViewed             bool   `json:"isViewed"`
	IsAccessed           bool   `json:"isAccessed"`
	CouponCode           string `json:"couponCode"`
	UnlockAtDayCompleted int    `json:"unlockAtDayCompleted"`
}

// Ladder is the ordered bronze, silver, gold reward list of one patient.
// An empty Ladder means no ladder was configured.
type Ladder []Reward

func (l Ladder) Clone() Ladder {
	if l == nil {
		return nil
	}
	out := make(Ladder, len(l))
	copy(out, l)
	return out
}

// Find returns the index of the tier, or -1.
func (l Ladder) Find(tier Tier) int {
	for i, r := range l {
		if r.Tier == tier {
			return i
		}
	}
	return -1
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v. Convenience for optional thresholds.
func Float(v float64) *float64 { return &v }
