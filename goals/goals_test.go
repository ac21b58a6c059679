package goals_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointmotion/progression-engine/goals"
	"github.com/pointmotion/progression-engine/progression"
	"github.com/pointmotion/progression-engine/progression/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu       sync.Mutex
	badges   []progression.BadgeUnlock
	rewards  []progression.Tier
	err      error
	failOnce bool
}

// fail returns the configured error, clearing it when failOnce is set.
func (s *recordingSink) fail() error {
	err := s.err
	if s.failOnce {
		s.err = nil
	}
	return err
}

func (s *recordingSink) RewardUnlocked(_ context.Context, _ string, tier progression.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards = append(s.rewards, tier)
	return s.fail()
}

func (s *recordingSink) BadgeUnlocked(_ context.Context, _ string, u progression.BadgeUnlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badges = append(s.badges, u)
	return s.fail()
}

func newTestService(t *testing.T, badges ...progression.Badge) (*goals.Service, *store.Memory, *recordingSink) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, b := range badges {
		require.NoError(t, mem.SaveBadge(ctx, b))
	}
	sink := &recordingSink{}
	logger, _ := test.NewNullLogger()
	svc := goals.NewService(goals.Stores{
		Catalog:      mem,
		Repositories: mem.Repositories(),
		Tx:           mem,
	}, sink, logger)
	svc.Now = func() time.Time { return t0 }
	return svc, mem, sink
}

func badge(id, metric string, minVal *float64, bt progression.BadgeType) progression.Badge {
	return progression.Badge{
		ID:        id,
		Name:      id,
		Metric:    metric,
		MinVal:    minVal,
		Tier:      "bronze",
		XP:        decimal.NewFromInt(50),
		Status:    progression.BadgeActive,
		BadgeType: bt,
	}
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestFilterEligible_OwnedSingleUnlockExcluded(t *testing.T) {
	// GIVEN: single_unlock streak badge (minVal 5) already owned, context streak=3
	// WHEN: Filtering
	// THEN: Nothing is eligible even though the context is below minVal

	catalog := []progression.Badge{badge("b1", "streak", progression.Float(5), progression.BadgeSingleUnlock)}
	owned := []progression.PatientBadge{{PatientID: "p1", BadgeID: "b1", Count: 1}}

	got := goals.FilterEligible(catalog, owned, progression.PatientContext{"streak": 3})

	assert.Empty(t, got)
}

func TestFilterEligible_OwnershipByBadgeType(t *testing.T) {
	// GIVEN: single_unlock badge owned, repeatable badge owned, unowned badge
	// WHEN: Filtering against a context below every threshold
	// THEN: Only the owned single_unlock badge is excluded

	catalog := []progression.Badge{
		badge("b1", "streak", progression.Float(5), progression.BadgeSingleUnlock),
		badge("b2", "games_played", progression.Float(10), progression.BadgeRepeatable),
		badge("b3", "beat_boxer_highest_combo", progression.Float(8), progression.BadgeSingleUnlock),
	}
	owned := []progression.PatientBadge{{BadgeID: "b1", Count: 1}, {BadgeID: "b2", Count: 3}}

	got := goals.FilterEligible(catalog, owned, progression.PatientContext{"streak": 1})

	require.Len(t, got, 2)
	assert.Equal(t, "b2", got[0].ID)
	assert.Equal(t, "b3", got[1].ID)
}

func TestFilterEligible_ThresholdAlreadyMet(t *testing.T) {
	// GIVEN: A context at or above the badge's minVal
	// THEN: The badge is not offered

	catalog := []progression.Badge{
		badge("at", "streak", progression.Float(5), progression.BadgeRepeatable),
		badge("above", "games_played", progression.Float(3), progression.BadgeRepeatable),
		badge("below", "beat_boxer_games_played", progression.Float(3), progression.BadgeRepeatable),
	}
	pctx := progression.PatientContext{"streak": 5, "games_played": 4, "beat_boxer_games_played": 2.5}

	got := goals.FilterEligible(catalog, nil, pctx)

	require.Len(t, got, 1)
	assert.Equal(t, "below", got[0].ID)
}

func TestFilterEligible_NoMinValNeverEligible(t *testing.T) {
	b := badge("max-only", "streak", nil, progression.BadgeRepeatable)
	b.MaxVal = progression.Float(3)

	got := goals.FilterEligible([]progression.Badge{b}, nil, progression.PatientContext{})

	assert.Empty(t, got)
}

func TestFilterEligible_MissingMetricTreatedAsZero(t *testing.T) {
	got := goals.FilterEligible(
		[]progression.Badge{badge("b", "streak", progression.Float(1), progression.BadgeRepeatable)},
		nil,
		progression.PatientContext{},
	)
	assert.Len(t, got, 1)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_ApplyFoldsByKind(t *testing.T) {
	reg := goals.DefaultRegistry()
	pctx := progression.PatientContext{"games_played": 2, "beat_boxer_highest_combo": 7, "streak": 4}

	got, err := reg.Apply(pctx, []progression.MetricUpdate{
		{Name: "games_played", Value: 1},
		{Name: "beat_boxer_highest_combo", Value: 5},
		{Name: "streak", Value: 1},
		{Name: "moving_tones_highest_combo", Value: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, 3.0, got["games_played"])
	assert.Equal(t, 7.0, got["beat_boxer_highest_combo"])
	assert.Equal(t, 1.0, got["streak"])
	assert.Equal(t, 3.0, got["moving_tones_highest_combo"])
	assert.Equal(t, 2.0, pctx["games_played"], "input context must not be mutated")
}

func TestRegistry_ApplyRejectsWholeBatch(t *testing.T) {
	reg := goals.DefaultRegistry()

	for name, update := range map[string]progression.MetricUpdate{
		"unknown metric":   {Name: "jumps", Value: 1},
		"negative counter": {Name: "games_played", Value: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Apply(progression.PatientContext{}, []progression.MetricUpdate{
				{Name: "streak", Value: 2},
				update,
			})
			assert.True(t, progression.IsClientError(err))
		})
	}
}

func TestRegistry_BadgeScoping(t *testing.T) {
	reg := goals.DefaultRegistry()

	combo := badge("c", "beat_boxer_highest_combo", progression.Float(5), progression.BadgeRepeatable)
	assert.True(t, reg.BadgeAppliesTo(combo, goals.GameBeatBoxer))
	assert.False(t, reg.BadgeAppliesTo(combo, goals.GameMovingTones))

	streak := badge("s", "streak", progression.Float(5), progression.BadgeRepeatable)
	streak.Games = []string{goals.GameSoundExplorer}
	assert.True(t, reg.BadgeAppliesTo(streak, goals.GameSoundExplorer))
	assert.False(t, reg.BadgeAppliesTo(streak, goals.GameBeatBoxer))

	unknown := badge("u", "jumps", progression.Float(5), progression.BadgeRepeatable)
	assert.False(t, reg.BadgeAppliesTo(unknown, goals.GameBeatBoxer))
}

func TestRegistry_GoalName(t *testing.T) {
	reg := goals.DefaultRegistry()
	rd := progression.RewardDescriptor{Metric: "beat_boxer_highest_combo", MinVal: progression.Float(12)}

	assert.Equal(t, "Reach a 12x combo in Beat Boxer", reg.GoalName(goals.GameBeatBoxer, rd))
	assert.Equal(t, "jumps", reg.GoalName(goals.GameBeatBoxer, progression.RewardDescriptor{Metric: "jumps"}))
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerateGoals_OneGoalPerMetric(t *testing.T) {
	// GIVEN: Two eligible badges on the same metric and one on another
	// WHEN: Generating goals for a game covering both metrics
	// THEN: Exactly one goal per metric, first badge in catalog order wins

	mem := store.NewMemory()
	eligible := []progression.Badge{
		badge("streak-5", "streak", progression.Float(5), progression.BadgeRepeatable),
		badge("streak-10", "streak", progression.Float(10), progression.BadgeRepeatable),
		badge("played-3", "games_played", progression.Float(3), progression.BadgeRepeatable),
		badge("combo", "moving_tones_highest_combo", progression.Float(3), progression.BadgeRepeatable),
	}

	got, err := goals.GenerateGoals(context.Background(), mem, goals.DefaultRegistry(), eligible, goals.GoalRequest{
		PatientID: "p1", Game: goals.GameBeatBoxer, Now: t0,
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "streak-5", got[0].Rewards[0].ID)
	assert.Equal(t, "played-3", got[1].Rewards[0].ID)
	for _, g := range got {
		assert.NotEmpty(t, g.ID)
		assert.Equal(t, progression.GoalPending, g.Status)
		assert.Equal(t, t0.Add(24*time.Hour), g.ExpiryAt)
		assert.Len(t, g.Rewards, 1)
	}
	assert.Equal(t, "Play 5 days in a row", got[0].Name)
}

func TestService_GenerateGoals_NoContextIsNoop(t *testing.T) {
	svc, mem, _ := newTestService(t, badge("b", "streak", progression.Float(5), progression.BadgeRepeatable))

	got, err := svc.GenerateGoals(context.Background(), "p1", goals.GameBeatBoxer)
	require.NoError(t, err)
	assert.Empty(t, got)

	stored, err := mem.ListGoals(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestService_GenerateGoals_UnknownGame(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GenerateGoals(context.Background(), "p1", "chess")
	assert.True(t, progression.IsClientError(err))
}

func TestService_GenerateGoals_SkipsOwnedSingleUnlock(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t,
		badge("once", "streak", progression.Float(5), progression.BadgeSingleUnlock),
		badge("again", "games_played", progression.Float(5), progression.BadgeRepeatable),
	)
	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{"streak": 1}))
	require.NoError(t, mem.UpsertPatientBadge(ctx, "p1", "once", 1))

	got, err := svc.GenerateGoals(ctx, "p1", goals.GameSitStandAchieve)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "again", got[0].Rewards[0].ID)
}

// =============================================================================
// CONTEXT UPDATES
// =============================================================================

func TestService_UpdatePatientContext_PromotesGoal(t *testing.T) {
	// GIVEN: A pending goal tracking streak
	// WHEN: Activity tracking reports a streak value
	// THEN: The goal moves to in_progress and the context is stored

	ctx := context.Background()
	svc, mem, _ := newTestService(t, badge("b", "streak", progression.Float(5), progression.BadgeRepeatable))
	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{}))
	_, err := svc.GenerateGoals(ctx, "p1", goals.GameBeatBoxer)
	require.NoError(t, err)

	pctx, err := svc.UpdatePatientContext(ctx, "p1", []progression.MetricUpdate{{Name: "streak", Value: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3.0, pctx["streak"])

	goal, err := mem.MostRecentOpenGoal(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, goal)
	assert.Equal(t, progression.GoalInProgress, goal.Status)
}

func TestService_UpdatePatientContext_UnrelatedMetricLeavesGoalPending(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t, badge("b", "streak", progression.Float(5), progression.BadgeRepeatable))
	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{}))
	_, err := svc.GenerateGoals(ctx, "p1", goals.GameBeatBoxer)
	require.NoError(t, err)

	_, err = svc.UpdatePatientContext(ctx, "p1", []progression.MetricUpdate{{Name: "games_played", Value: 1}})
	require.NoError(t, err)

	goal, err := mem.MostRecentOpenGoal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, progression.GoalPending, goal.Status)
}

func TestService_UpdatePatientContext_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.UpdatePatientContext(context.Background(), "p1", nil)
	assert.True(t, progression.IsClientError(err))

	_, err = svc.UpdatePatientContext(context.Background(), "", []progression.MetricUpdate{{Name: "streak", Value: 1}})
	assert.True(t, progression.IsClientError(err))
}

// =============================================================================
// VERIFICATION
// =============================================================================

func TestEvaluateReward_ThresholdModes(t *testing.T) {
	rd := progression.RewardDescriptor{Metric: "streak", MinVal: progression.Float(5), MaxVal: progression.Float(10)}

	tests := []struct {
		value     float64
		and       bool
		overwrite bool
	}{
		{value: 3, and: false, overwrite: true},
		{value: 5, and: true, overwrite: true},
		{value: 10, and: true, overwrite: true},
		{value: 12, and: false, overwrite: false},
	}
	for _, tt := range tests {
		pctx := progression.PatientContext{"streak": tt.value}
		assert.Equal(t, tt.and, goals.EvaluateReward(rd, pctx, goals.ThresholdAnd), "and mode at %v", tt.value)
		assert.Equal(t, tt.overwrite, goals.EvaluateReward(rd, pctx, goals.ThresholdOverwrite), "overwrite mode at %v", tt.value)
	}

	assert.False(t, goals.EvaluateReward(progression.RewardDescriptor{Metric: "streak"}, progression.PatientContext{"streak": 1}, goals.ThresholdAnd))
}

func setupOpenGoal(t *testing.T, svc *goals.Service, mem *store.Memory, pctx progression.PatientContext) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{}))
	_, err := mem.RecordGame(ctx, progression.GameRecord{
		PatientID: "p1", Game: goals.GameBeatBoxer, CompletedAt: t0, TotalXP: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	created, err := svc.GenerateGoals(ctx, "p1", goals.GameBeatBoxer)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NoError(t, mem.SetContext(ctx, "p1", pctx))
}

func TestService_VerifyGoalCompletion_ScenarioD(t *testing.T) {
	// GIVEN: A goal with reward {metric: streak, minVal: 5} and context {streak: 6}
	// WHEN: Verifying twice
	// THEN: First call completes the goal, increments the badge and credits XP;
	//       the second call changes nothing

	ctx := context.Background()
	svc, mem, sink := newTestService(t, badge("streak-5", "streak", progression.Float(5), progression.BadgeRepeatable))
	setupOpenGoal(t, svc, mem, progression.PatientContext{"streak": 6})

	res, err := svc.VerifyGoalCompletion(ctx, "p1")
	require.NoError(t, err)
	require.True(t, res.Completed())
	assert.Equal(t, progression.GoalCompleted, res.Goal.Status)
	assert.True(t, res.XPAwarded.Equal(decimal.NewFromInt(50)))
	require.NotNil(t, res.Game)
	assert.True(t, res.Game.TotalXP.Equal(decimal.NewFromInt(150)))

	pb, err := mem.GetPatientBadge(ctx, "p1", "streak-5")
	require.NoError(t, err)
	require.NotNil(t, pb)
	assert.Equal(t, 1, pb.Count)
	require.Len(t, sink.badges, 1)
	assert.Equal(t, 1, sink.badges[0].Count)

	again, err := svc.VerifyGoalCompletion(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, again.Completed())
	assert.Nil(t, again.Goal)

	pb, err = mem.GetPatientBadge(ctx, "p1", "streak-5")
	require.NoError(t, err)
	assert.Equal(t, 1, pb.Count)
	assert.Len(t, sink.badges, 1)
}

func TestService_VerifyGoalCompletion_BelowThreshold(t *testing.T) {
	ctx := context.Background()
	svc, mem, sink := newTestService(t, badge("streak-5", "streak", progression.Float(5), progression.BadgeRepeatable))
	setupOpenGoal(t, svc, mem, progression.PatientContext{"streak": 4})

	res, err := svc.VerifyGoalCompletion(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, res.Completed())
	require.NotNil(t, res.Goal)
	assert.True(t, res.Goal.Status.IsOpen())
	assert.Empty(t, sink.badges)
}

func TestService_VerifyGoalCompletion_NoContextOrGoalIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := newTestService(t)

	res, err := svc.VerifyGoalCompletion(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, res.Goal)

	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{"streak": 9}))
	res, err = svc.VerifyGoalCompletion(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, res.Goal)
}

func TestService_VerifyGoalCompletion_MissingGameRollsBack(t *testing.T) {
	// GIVEN: A satisfied goal but no game record to credit
	// WHEN: Verifying
	// THEN: The error surfaces and neither the badge nor the goal changed

	ctx := context.Background()
	svc, mem, sink := newTestService(t, badge("streak-5", "streak", progression.Float(5), progression.BadgeRepeatable))
	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{}))
	_, err := svc.GenerateGoals(ctx, "p1", goals.GameBeatBoxer)
	require.NoError(t, err)
	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{"streak": 6}))

	_, err = svc.VerifyGoalCompletion(ctx, "p1")
	require.Error(t, err)
	assert.True(t, progression.IsNotFound(err))

	pb, err := mem.GetPatientBadge(ctx, "p1", "streak-5")
	require.NoError(t, err)
	assert.Nil(t, pb)
	goal, err := mem.MostRecentOpenGoal(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, goal)
	assert.Empty(t, sink.badges)
}

func TestService_VerifyGoalCompletion_SinkFailure(t *testing.T) {
	ctx := context.Background()
	svc, mem, sink := newTestService(t, badge("streak-5", "streak", progression.Float(5), progression.BadgeRepeatable))
	sink.err = errors.New("broker down")
	setupOpenGoal(t, svc, mem, progression.PatientContext{"streak": 6})

	res, err := svc.VerifyGoalCompletion(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, progression.ErrExternalService))
	assert.True(t, res.Completed(), "grants are committed before notifying")
}

func TestService_VerifyGoalCompletion_SinkFailureNotifiesEveryGrant(t *testing.T) {
	// GIVEN: A goal with two satisfied rewards and a sink that rejects its
	//        first event
	// WHEN: Verifying the goal
	// THEN: Both grants are committed and both events are attempted; the
	//       error names the failed badge only

	ctx := context.Background()
	svc, mem, sink := newTestService(t)
	sink.err = errors.New("broker down")
	sink.failOnce = true

	_, err := mem.RecordGame(ctx, progression.GameRecord{
		PatientID: "p1", Game: goals.GameBeatBoxer, CompletedAt: t0, TotalXP: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	streak := progression.RewardDescriptor{ID: "streak-5", Metric: "streak", MinVal: progression.Float(5), Tier: "bronze", XP: decimal.NewFromInt(20)}
	played := progression.RewardDescriptor{ID: "played-3", Metric: "games_played", MinVal: progression.Float(3), Tier: "silver", XP: decimal.NewFromInt(30)}
	_, err = mem.CreateGoal(ctx, progression.Goal{
		PatientID: "p1", Name: "double", Game: goals.GameBeatBoxer,
		Rewards:   []progression.RewardDescriptor{streak, played},
		Status:    progression.GoalPending, CreatedAt: t0, ExpiryAt: t0.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, mem.SetContext(ctx, "p1", progression.PatientContext{"streak": 6, "games_played": 4}))

	res, err := svc.VerifyGoalCompletion(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, progression.ErrExternalService))
	assert.Contains(t, err.Error(), "streak-5")
	assert.NotContains(t, err.Error(), "played-3")

	assert.Equal(t, []progression.RewardDescriptor{streak, played}, res.Unlocked)
	assert.True(t, decimal.NewFromInt(50).Equal(res.XPAwarded))
	require.Len(t, sink.badges, 2)
	assert.Equal(t, "played-3", sink.badges[1].BadgeID)

	for _, id := range []string{"streak-5", "played-3"} {
		pb, err := mem.GetPatientBadge(ctx, "p1", id)
		require.NoError(t, err)
		require.NotNil(t, pb, id)
		assert.Equal(t, 1, pb.Count)
	}
}

func TestService_VerifyGoalCompletion_ConcurrentCallsGrantOnce(t *testing.T) {
	ctx := context.Background()
	svc, mem, sink := newTestService(t, badge("streak-5", "streak", progression.Float(5), progression.BadgeRepeatable))
	setupOpenGoal(t, svc, mem, progression.PatientContext{"streak": 6})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.VerifyGoalCompletion(ctx, "p1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pb, err := mem.GetPatientBadge(ctx, "p1", "streak-5")
	require.NoError(t, err)
	assert.Equal(t, 1, pb.Count)
	assert.Len(t, sink.badges, 1)
}
