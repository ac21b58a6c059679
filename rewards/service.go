package rewards

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/pointmotion/progression-engine/metrics"
	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// SERVICE - Ladder reads and writes around the pure transitions
// =============================================================================

type Service struct {
	Ladders progression.RewardLadderStore
	Stats   progression.StatsProvider
	Sink    progression.NotificationSink
	Metrics *metrics.Recorder
	Log     logrus.FieldLogger
}

func NewService(ladders progression.RewardLadderStore, stats progression.StatsProvider, sink progression.NotificationSink, log logrus.FieldLogger) *Service {
	return &Service{Ladders: ladders, Stats: stats, Sink: sink, Log: log}
}

// Provision creates the default ladder for a patient. An existing ladder is
// kept as is.
func (s *Service) Provision(ctx context.Context, patientID string) (progression.Ladder, error) {
	if patientID == "" {
		return nil, progression.Invalid("patient", "patient id is required")
	}
	if err := s.Ladders.SaveLadder(ctx, patientID, DefaultLadder()); err != nil {
		return nil, progression.External("reward ladder", "save", err)
	}
	return s.Ladder(ctx, patientID)
}

// Ladder returns the patient's ladder. A patient without one gets an empty ladder.
func (s *Service) Ladder(ctx context.Context, patientID string) (progression.Ladder, error) {
	ladder, err := s.Ladders.GetLadder(ctx, patientID)
	if err != nil {
		return nil, progression.External("reward ladder", "get", err)
	}
	if ladder == nil {
		ladder = progression.Ladder{}
	}
	return ladder, nil
}

// =============================================================================
// UPDATE
// =============================================================================

type UpdateRequest struct {
	PatientID string
	StartDate string
	EndDate   string
	Timezone  string
}

// UpdateResult carries the ladder after the update and the tiers this call
// unlocked. Unlocked is empty when nothing changed.
type UpdateResult struct {
	DaysCompleted int
	Rewards       progression.Ladder
	Unlocked      []progression.Tier
}

// Update unlocks the tiers earned by the days completed in the period.
//
// Each unlock is a conditional write that only succeeds while the tier is
// still locked. Notifications go out only for tiers this call transitioned,
// so concurrent updates notify each tier once.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	if req.PatientID == "" {
		return UpdateResult{}, progression.Invalid("patient", "patient id is required")
	}
	start, err := progression.ParseDate("startDate", req.StartDate)
	if err != nil {
		return UpdateResult{}, err
	}
	end, err := progression.ParseDate("endDate", req.EndDate)
	if err != nil {
		return UpdateResult{}, err
	}
	loc, err := progression.LoadLocation(req.Timezone)
	if err != nil {
		return UpdateResult{}, err
	}
	if _, _, err := progression.DayRange(start, end, loc); err != nil {
		return UpdateResult{}, err
	}

	before, err := s.Ladder(ctx, req.PatientID)
	if err != nil {
		return UpdateResult{}, err
	}
	if len(before) == 0 {
		return UpdateResult{Rewards: before, Unlocked: []progression.Tier{}}, nil
	}

	completion, err := s.Stats.MonthlyCompletion(ctx, req.PatientID, start, end, req.Timezone)
	if err != nil {
		return UpdateResult{}, progression.External("stats provider", "monthly completion", err)
	}

	desired := UnlockRewards(before.Clone(), completion.DaysCompleted)
	persisted := before.Clone()
	for i := range desired {
		if !desired[i].IsUnlocked || before[i].IsUnlocked {
			continue
		}
		won, err := s.Ladders.UnlockTier(ctx, req.PatientID, desired[i].Tier, desired[i].CouponCode)
		if err != nil {
			return UpdateResult{}, progression.External("reward ladder", "unlock tier", err)
		}
		if won {
			persisted[i] = desired[i]
		}
	}

	log := s.logger().WithFields(logrus.Fields{
		"patient_id":     req.PatientID,
		"days_completed": completion.DaysCompleted,
	})

	unlocked, err := SendRewardsUnlockedEvent(ctx, s.Sink, req.PatientID, before, persisted)
	if err != nil && !errors.Is(err, progression.ErrExternalService) {
		return UpdateResult{}, err
	}
	for _, tier := range unlocked {
		s.Metrics.RewardUnlocked(string(tier))
		log.WithField("tier", tier).Info("reward unlocked")
	}
	if unlocked == nil {
		unlocked = []progression.Tier{}
	}
	result := UpdateResult{
		DaysCompleted: completion.DaysCompleted,
		Rewards:       desired,
		Unlocked:      unlocked,
	}
	if err != nil {
		// Unlocks are already persisted; the caller still gets them.
		s.Metrics.NotifyFailed("reward_unlocked")
		log.WithError(err).Warn("reward notification failed")
		return result, err
	}
	return result, nil
}

// =============================================================================
// VIEWED / ACCESSED
// =============================================================================

// MarkViewed flags the tier as viewed. Locked tiers may be marked too.
func (s *Service) MarkViewed(ctx context.Context, patientID, tier string) (progression.Ladder, error) {
	return s.mark(ctx, patientID, tier, s.Ladders.MarkTierViewed, MarkRewardAsViewed)
}

// MarkAccessed flags the tier as accessed. Locked tiers may be marked too.
func (s *Service) MarkAccessed(ctx context.Context, patientID, tier string) (progression.Ladder, error) {
	return s.mark(ctx, patientID, tier, s.Ladders.MarkTierAccessed, MarkRewardAsAccessed)
}

func (s *Service) mark(
	ctx context.Context,
	patientID, tierName string,
	write func(context.Context, string, progression.Tier) (bool, error),
	apply func(progression.Ladder, progression.Tier) progression.Ladder,
) (progression.Ladder, error) {
	if patientID == "" {
		return nil, progression.Invalid("patient", "patient id is required")
	}
	tier, err := ParseTier(tierName)
	if err != nil {
		return nil, err
	}
	ladder, err := s.Ladder(ctx, patientID)
	if err != nil || len(ladder) == 0 {
		return ladder, err
	}
	if _, err := write(ctx, patientID, tier); err != nil {
		return nil, progression.External("reward ladder", "mark tier", err)
	}
	return apply(ladder, tier), nil
}

func (s *Service) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}
