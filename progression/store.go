/*
store.go - Collaborator interfaces

PURPOSE:
  Defines the boundary between the rule logic and everything remote:
  the badge catalog, the per-patient context document, goals, badge
  unlock counters, game sessions, the reward ladder, the stats provider
  and the notification transport.

KEY INTERFACES:
  BadgeCatalog:           Read-only list of active badge definitions
  ContextStore:           Per-patient metric document
  GoalRepository:         Goal CRUD and status transitions
  PatientBadgeRepository: Per-(patient, badge) unlock counters
  GameRepository:         Finished game sessions and cumulative XP
  RewardLadderStore:      Per-tier ladder rows with conditional updates
  StatsProvider:          Days-completed analytics over game sessions
  NotificationSink:       Unlock notifications
  Transactor:             Runs a unit of work atomically

REWARD LADDER WRITES:
  Ladder rows are never rewritten wholesale after provisioning. Each flag
  is set with a conditional update that only succeeds while the flag is
  still false, and reports whether this call performed the transition.
  Two concurrent requests therefore cannot both claim the same unlock.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - progression/store: In-memory for testing and dev

SEE ALSO:
  - store/sqlstore/store.go: Concrete implementation
  - goals/service.go, rewards/service.go: Consumers
*/
package progression

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CATALOG + CONTEXT
// =============================================================================

type BadgeCatalog interface {
	// ActiveBadges returns active badges in catalog order.
	ActiveBadges(ctx context.Context) ([]Badge, error)
}

type ContextStore interface {
	// GetContext returns the patient's context, or (nil, nil) when the
	// patient has none yet.
	GetContext(ctx context.Context, patientID string) (PatientContext, error)

	// SetContext replaces the whole document.
	SetContext(ctx context.Context, patientID string, pctx PatientContext) error
}

// =============================================================================
// GOALS + BADGE COUNTERS + GAMES
// =============================================================================

type GoalRepository interface {
	CreateGoal(ctx context.Context, goal Goal) (Goal, error)

	// MostRecentOpenGoal returns the latest pending or in-progress goal,
	// or (nil, nil) when there is none.
	MostRecentOpenGoal(ctx context.Context, patientID string) (*Goal, error)

	SetGoalStatus(ctx context.Context, goalID string, status GoalStatus) error

	ListGoals(ctx context.Context, patientID string) ([]Goal, error)

	// ExpireGoals moves open goals whose expiry is before asOf to expired.
	ExpireGoals(ctx context.Context, asOf time.Time) (int, error)
}

type PatientBadgeRepository interface {
	// GetPatientBadge returns (nil, nil) when the badge was never unlocked.
	GetPatientBadge(ctx context.Context, patientID, badgeID string) (*PatientBadge, error)

	ListPatientBadges(ctx context.Context, patientID string) ([]PatientBadge, error)

	UpsertPatientBadge(ctx context.Context, patientID, badgeID string, count int) error
}

type GameRepository interface {
	RecordGame(ctx context.Context, game GameRecord) (GameRecord, error)

	// ListGames returns sessions completed in [from, to], oldest first.
	ListGames(ctx context.Context, patientID string, from, to time.Time) ([]GameRecord, error)

	// AddXPToLatestGame credits xp to the patient's most recent game.
	// Returns a NotFoundError when the patient has no game.
	AddXPToLatestGame(ctx context.Context, patientID string, xp decimal.Decimal) (GameRecord, error)
}

// =============================================================================
// REWARD LADDER
// =============================================================================

type RewardLadderStore interface {
	// GetLadder returns the ladder in tier order, or an empty Ladder.
	GetLadder(ctx context.Context, patientID string) (Ladder, error)

	// SaveLadder writes the whole ladder. Used to provision a patient;
	// existing rows are left untouched.
	SaveLadder(ctx context.Context, patientID string, ladder Ladder) error

	// UnlockTier sets isUnlocked and the coupon code if still locked.
	// Returns true when this call performed the transition.
	UnlockTier(ctx context.Context, patientID string, tier Tier, couponCode string) (bool, error)

	MarkTierViewed(ctx context.Context, patientID string, tier Tier) (bool, error)
	MarkTierAccessed(ctx context.Context, patientID string, tier Tier) (bool, error)
}

// =============================================================================
// STATS + NOTIFICATIONS
// =============================================================================

// Completion is the Stats Provider output contract. PerDayGames is keyed
// by local date (YYYY-MM-DD).
type Completion struct {
	DaysCompleted int
	PerDayGames   map[string][]GameRecord
}

type StatsProvider interface {
	MonthlyCompletion(ctx context.Context, patientID string, start, end time.Time, timezone string) (Completion, error)
}

// BadgeUnlock describes one badge grant for notifications.
type BadgeUnlock struct {
	BadgeID string
	Metric  string
	Tier    string
	XP      decimal.Decimal
	Count   int
}

type NotificationSink interface {
	RewardUnlocked(ctx context.Context, patientID string, tier Tier) error
	BadgeUnlocked(ctx context.Context, patientID string, unlock BadgeUnlock) error
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Repositories groups the stores a unit of work may touch.
type Repositories struct {
	Contexts      ContextStore
	Goals         GoalRepository
	PatientBadges PatientBadgeRepository
	Games         GameRepository
}

// Transactor runs fn atomically. If fn returns an error nothing is kept.
type Transactor interface {
	WithTx(ctx context.Context, fn func(Repositories) error) error
}
