package goals

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pointmotion/progression-engine/metrics"
	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// SERVICE - Goal generation, context updates and verification
// =============================================================================

// Stores groups the collaborators the goals service reads and writes.
// Tx is optional; without it verification steps run one by one.
type Stores struct {
	Catalog progression.BadgeCatalog
	progression.Repositories
	Tx progression.Transactor
}

type Service struct {
	Stores    Stores
	Sink      progression.NotificationSink
	Registry  *Registry
	Metrics   *metrics.Recorder
	Log       logrus.FieldLogger
	Now       func() time.Time
	GoalTTL   time.Duration
	Threshold ThresholdMode

	locks *progression.KeyedMutex
}

func NewService(stores Stores, sink progression.NotificationSink, log logrus.FieldLogger) *Service {
	return &Service{
		Stores:   stores,
		Sink:     sink,
		Registry: DefaultRegistry(),
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
		GoalTTL:  DefaultGoalTTL,
		locks:    progression.NewKeyedMutex(),
	}
}

// =============================================================================
// GOAL GENERATION
// =============================================================================

// GenerateGoals creates goals for the patient's next session of game.
// A patient without a context gets no goals.
func (s *Service) GenerateGoals(ctx context.Context, patientID, game string) ([]progression.Goal, error) {
	if patientID == "" {
		return nil, progression.Invalid("patient", "patient id is required")
	}
	if !IsGame(game) {
		return nil, progression.Invalid("gameName", "unknown game %q", game)
	}

	unlock := s.locks.Lock(patientID)
	defer unlock()

	var (
		catalog []progression.Badge
		owned   []progression.PatientBadge
		pctx    progression.PatientContext
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.Stores.Catalog.ActiveBadges(gctx)
		catalog = b
		return progression.External("badge catalog", "active badges", err)
	})
	g.Go(func() error {
		pb, err := s.Stores.PatientBadges.ListPatientBadges(gctx, patientID)
		owned = pb
		return progression.External("patient badges", "list", err)
	})
	g.Go(func() error {
		c, err := s.Stores.Contexts.GetContext(gctx, patientID)
		pctx = c
		return progression.External("context store", "get", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log := s.logger().WithFields(logrus.Fields{"patient_id": patientID, "game": game})
	if pctx == nil {
		log.Debug("no patient context, skipping goal generation")
		return []progression.Goal{}, nil
	}

	eligible := FilterEligible(catalog, owned, pctx)
	created, err := GenerateGoals(ctx, s.Stores.Goals, s.Registry, eligible, GoalRequest{
		PatientID: patientID,
		Game:      game,
		Now:       s.Now(),
		TTL:       s.GoalTTL,
	})
	s.Metrics.GoalsGenerated(game, len(created))
	if err != nil {
		return created, err
	}

	log.WithFields(logrus.Fields{"eligible": len(eligible), "created": len(created)}).Info("goals generated")
	return created, nil
}

func (s *Service) ListGoals(ctx context.Context, patientID string) ([]progression.Goal, error) {
	goals, err := s.Stores.Goals.ListGoals(ctx, patientID)
	if err != nil {
		return nil, progression.External("goal repository", "list goals", err)
	}
	if goals == nil {
		goals = []progression.Goal{}
	}
	return goals, nil
}

// =============================================================================
// CONTEXT UPDATES
// =============================================================================

// UpdatePatientContext folds metric updates into the patient's context and
// moves a pending goal tracking one of those metrics to in progress.
func (s *Service) UpdatePatientContext(ctx context.Context, patientID string, updates []progression.MetricUpdate) (progression.PatientContext, error) {
	if patientID == "" {
		return nil, progression.Invalid("patient", "patient id is required")
	}
	if len(updates) == 0 {
		return nil, progression.Invalid("metrics", "at least one metric is required")
	}

	unlock := s.locks.Lock(patientID)
	defer unlock()

	current, err := s.Stores.Contexts.GetContext(ctx, patientID)
	if err != nil {
		return nil, progression.External("context store", "get", err)
	}
	next, err := s.Registry.Apply(current, updates)
	if err != nil {
		return nil, err
	}
	if err := s.Stores.Contexts.SetContext(ctx, patientID, next); err != nil {
		return nil, progression.External("context store", "set", err)
	}
	s.Metrics.ContextUpdated(len(updates))

	goal, err := s.Stores.Goals.MostRecentOpenGoal(ctx, patientID)
	if err != nil {
		return nil, progression.External("goal repository", "most recent open goal", err)
	}
	if goal != nil && goal.Status == progression.GoalPending && touches(goal, updates) {
		if err := s.Stores.Goals.SetGoalStatus(ctx, goal.ID, progression.GoalInProgress); err != nil {
			return nil, progression.External("goal repository", "set status", err)
		}
	}
	return next, nil
}

func touches(goal *progression.Goal, updates []progression.MetricUpdate) bool {
	for _, m := range goal.Metrics() {
		for _, u := range updates {
			if u.Name == m {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Verification reports what a verification pass granted. Goal is nil when
// there was nothing to verify.
type Verification struct {
	Goal      *progression.Goal
	Unlocked  []progression.RewardDescriptor
	XPAwarded decimal.Decimal
	Game      *progression.GameRecord
}

func (v Verification) Completed() bool { return len(v.Unlocked) > 0 }

// VerifyGoalCompletion re-evaluates the patient's most recent open goal.
//
// For every reward whose threshold holds, the badge counter is incremented,
// the goal is completed and the reward's XP is credited to the latest game.
// A completed goal is never selected again, so a second call is a no-op.
// When the stores support transactions, all grants commit together.
func (s *Service) VerifyGoalCompletion(ctx context.Context, patientID string) (Verification, error) {
	if patientID == "" {
		return Verification{}, progression.Invalid("patient", "patient id is required")
	}

	unlock := s.locks.Lock(patientID)
	defer unlock()

	var (
		result Verification
		grants []progression.BadgeUnlock
	)
	err := s.withRepositories(ctx, func(r progression.Repositories) error {
		result, grants = Verification{XPAwarded: decimal.Zero}, nil

		pctx, err := r.Contexts.GetContext(ctx, patientID)
		if err != nil {
			return progression.External("context store", "get", err)
		}
		if pctx == nil {
			return nil
		}
		goal, err := r.Goals.MostRecentOpenGoal(ctx, patientID)
		if err != nil {
			return progression.External("goal repository", "most recent open goal", err)
		}
		if goal == nil || len(goal.Rewards) == 0 {
			return nil
		}
		result.Goal = goal

		for _, rd := range goal.Rewards {
			if !EvaluateReward(rd, pctx, s.Threshold) {
				continue
			}

			existing, err := r.PatientBadges.GetPatientBadge(ctx, patientID, rd.ID)
			if err != nil {
				return progression.External("patient badges", "get", err)
			}
			count := 0
			if existing != nil {
				count = existing.Count
			}
			if err := r.PatientBadges.UpsertPatientBadge(ctx, patientID, rd.ID, count+1); err != nil {
				return progression.External("patient badges", "upsert", err)
			}

			if goal.Status != progression.GoalCompleted {
				if err := r.Goals.SetGoalStatus(ctx, goal.ID, progression.GoalCompleted); err != nil {
					return progression.External("goal repository", "set status", err)
				}
				goal.Status = progression.GoalCompleted
			}

			game, err := r.Games.AddXPToLatestGame(ctx, patientID, rd.XP)
			if err != nil {
				return progression.External("game repository", "add xp", err)
			}

			result.Unlocked = append(result.Unlocked, rd)
			result.XPAwarded = result.XPAwarded.Add(rd.XP)
			result.Game = &game
			grants = append(grants, progression.BadgeUnlock{
				BadgeID: rd.ID, Metric: rd.Metric, Tier: rd.Tier, XP: rd.XP, Count: count + 1,
			})
		}
		return nil
	})
	if err != nil {
		return Verification{}, err
	}

	if result.Completed() {
		s.Metrics.GoalCompleted()
		s.logger().WithFields(logrus.Fields{
			"patient_id": patientID,
			"goal_id":    result.Goal.ID,
			"unlocked":   len(result.Unlocked),
			"xp":         result.XPAwarded.String(),
		}).Info("goal completed")
	}

	// Grants are committed; every notification is attempted.
	var errs []error
	for _, g := range grants {
		s.Metrics.BadgeUnlocked(g.Tier)
		if s.Sink == nil {
			continue
		}
		if err := s.Sink.BadgeUnlocked(ctx, patientID, g); err != nil {
			s.Metrics.NotifyFailed("badge_unlocked")
			errs = append(errs, fmt.Errorf("badge %s: %w", g.BadgeID, err))
		}
	}
	return result, progression.NotificationFailed("badge unlocked", errs...)
}

func (s *Service) withRepositories(ctx context.Context, fn func(progression.Repositories) error) error {
	if s.Stores.Tx != nil {
		return s.Stores.Tx.WithTx(ctx, fn)
	}
	return fn(s.Stores.Repositories)
}

func (s *Service) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}
