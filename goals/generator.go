package goals

import (
	"context"
	"time"

	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// GOAL GENERATOR
// =============================================================================

// DefaultGoalTTL is how long a generated goal stays open.
const DefaultGoalTTL = 24 * time.Hour

// GoalRequest carries everything the generator needs besides the badges.
type GoalRequest struct {
	PatientID string
	Game      string
	Now       time.Time
	TTL       time.Duration
}

// GenerateGoals turns eligible badges into persisted goals for one game.
//
// Badges are walked in catalog order. A badge is skipped when it does not
// apply to the game or when a goal for its metric was already created in
// this call, so no two returned goals share a metric. Each goal carries a
// single reward derived from its badge and expires TTL after Now.
func GenerateGoals(ctx context.Context, repo progression.GoalRepository, reg *Registry, eligible []progression.Badge, req GoalRequest) ([]progression.Goal, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultGoalTTL
	}

	metricsGenerated := make(map[string]bool)
	created := make([]progression.Goal, 0)
	for _, b := range eligible {
		if metricsGenerated[b.Metric] || !reg.BadgeAppliesTo(b, req.Game) {
			continue
		}

		reward := progression.DescriptorFor(b)
		goal := progression.Goal{
			PatientID: req.PatientID,
			Name:      reg.GoalName(req.Game, reward),
			Game:      req.Game,
			Rewards:   []progression.RewardDescriptor{reward},
			Status:    progression.GoalPending,
			CreatedAt: req.Now,
			ExpiryAt:  req.Now.Add(ttl),
		}

		saved, err := repo.CreateGoal(ctx, goal)
		if err != nil {
			return created, progression.External("goal repository", "create goal", err)
		}
		metricsGenerated[b.Metric] = true
		created = append(created, saved)
	}
	return created, nil
}
