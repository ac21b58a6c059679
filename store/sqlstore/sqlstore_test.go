package sqlstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointmotion/progression-engine/goals"
	"github.com/pointmotion/progression-engine/progression"
	"github.com/pointmotion/progression-engine/rewards"
	"github.com/pointmotion/progression-engine/stats"
	"github.com/pointmotion/progression-engine/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

// =============================================================================
// CATALOG + CONTEXT
// =============================================================================

func TestBadges_OrderAndUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	b1 := progression.Badge{ID: "b1", Name: "one", Metric: "streak", MinVal: progression.Float(3), Tier: "bronze",
		XP: decimal.NewFromInt(10), Status: progression.BadgeActive, BadgeType: progression.BadgeRepeatable}
	b2 := progression.Badge{ID: "b2", Name: "two", Metric: "beat_boxer_highest_combo", MinVal: progression.Float(5),
		MaxVal: progression.Float(50), Tier: "gold", XP: decimal.RequireFromString("12.5"),
		Status: progression.BadgeActive, BadgeType: progression.BadgeSingleUnlock, Games: []string{"beat_boxer"}}
	b3 := progression.Badge{ID: "b3", Name: "three", Metric: "streak", Tier: "gold",
		XP: decimal.NewFromInt(1), Status: progression.BadgeInactive, BadgeType: progression.BadgeRepeatable}

	for _, b := range []progression.Badge{b1, b2, b3} {
		require.NoError(t, store.SaveBadge(ctx, b))
	}
	b1.Name = "renamed"
	require.NoError(t, store.SaveBadge(ctx, b1))

	got, err := store.ActiveBadges(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "renamed", got[0].Name, "upsert keeps catalog position")
	assert.Equal(t, "b2", got[1].ID)
	assert.Equal(t, 50.0, *got[1].MaxVal)
	assert.True(t, got[1].XP.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, []string{"beat_boxer"}, got[1].Games)
	assert.Nil(t, got[0].MaxVal)
	assert.Nil(t, got[0].Games)
}

func TestContext_GetSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.GetContext(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.SetContext(ctx, "p1", progression.PatientContext{"streak": 2}))
	require.NoError(t, store.SetContext(ctx, "p1", progression.PatientContext{"streak": 4, "games_played": 1}))

	got, err = store.GetContext(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, progression.PatientContext{"streak": 4, "games_played": 1}, got)
}

// =============================================================================
// GOALS
// =============================================================================

func TestGoals_MostRecentOpenAndExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rd := progression.RewardDescriptor{ID: "b1", Metric: "streak", MinVal: progression.Float(5), Tier: "gold", XP: decimal.NewFromInt(20)}
	older, err := store.CreateGoal(ctx, progression.Goal{PatientID: "p1", Name: "older", Game: "beat_boxer",
		Rewards: []progression.RewardDescriptor{rd}, Status: progression.GoalPending, CreatedAt: t0, ExpiryAt: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	newer, err := store.CreateGoal(ctx, progression.Goal{PatientID: "p1", Name: "newer", Game: "beat_boxer",
		Rewards: []progression.RewardDescriptor{rd}, Status: progression.GoalPending, CreatedAt: t0.Add(time.Hour), ExpiryAt: t0.Add(25 * time.Hour)})
	require.NoError(t, err)

	open, err := store.MostRecentOpenGoal(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, newer.ID, open.ID)
	assert.Equal(t, []progression.RewardDescriptor{rd}, open.Rewards)
	assert.Equal(t, t0.Add(time.Hour), open.CreatedAt)

	require.NoError(t, store.SetGoalStatus(ctx, newer.ID, progression.GoalCompleted))
	open, err = store.MostRecentOpenGoal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, open.ID)

	n, err := store.ExpireGoals(ctx, t0.Add(24*time.Hour+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err = store.MostRecentOpenGoal(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, open)

	all, err := store.ListGoals(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, progression.GoalCompleted, all[0].Status)
	assert.Equal(t, progression.GoalExpired, all[1].Status)

	err = store.SetGoalStatus(ctx, "missing", progression.GoalCompleted)
	assert.True(t, progression.IsNotFound(err))
}

func TestGoals_SameTimestampBatchKeepsCreationOrder(t *testing.T) {
	// GIVEN: Three goals created in one generation, sharing created_at,
	//        for two patients interleaved
	// WHEN: Reading the most recent open goal and listing goals
	// THEN: The last created goal wins and the list is newest first,
	//       regardless of the random ids

	ctx := context.Background()
	store := newTestStore(t)

	for round := 0; round < 5; round++ {
		var created []string
		for _, metric := range []string{"streak", "games_played", "beat_boxer_games_played"} {
			rd := progression.RewardDescriptor{ID: metric, Metric: metric, MinVal: progression.Float(5), Tier: "bronze", XP: decimal.NewFromInt(10)}
			g, err := store.CreateGoal(ctx, progression.Goal{PatientID: "p1", Name: metric, Game: "beat_boxer",
				Rewards: []progression.RewardDescriptor{rd}, Status: progression.GoalPending, CreatedAt: t0, ExpiryAt: t0.Add(24 * time.Hour)})
			require.NoError(t, err)
			created = append(created, g.ID)

			_, err = store.CreateGoal(ctx, progression.Goal{PatientID: "p2", Name: metric, Game: "beat_boxer",
				Rewards: []progression.RewardDescriptor{rd}, Status: progression.GoalPending, CreatedAt: t0, ExpiryAt: t0.Add(24 * time.Hour)})
			require.NoError(t, err)
		}

		open, err := store.MostRecentOpenGoal(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, created[2], open.ID)
		assert.Equal(t, "beat_boxer_games_played", open.Name)

		all, err := store.ListGoals(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, all, 3*(round+1))
		assert.Equal(t, []string{created[2], created[1], created[0]}, []string{all[0].ID, all[1].ID, all[2].ID})

		// Close this batch so the next round starts clean.
		for _, id := range created {
			require.NoError(t, store.SetGoalStatus(ctx, id, progression.GoalCompleted))
		}
	}
}

// =============================================================================
// GAMES + XP
// =============================================================================

func TestGames_RecordCarriesXPAndCredits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.AddXPToLatestGame(ctx, "p1", decimal.NewFromInt(5))
	assert.True(t, progression.IsNotFound(err))

	_, err = store.RecordGame(ctx, progression.GameRecord{PatientID: "p1", Game: "beat_boxer", CompletedAt: t0, TotalXP: decimal.NewFromInt(100)})
	require.NoError(t, err)
	second, err := store.RecordGame(ctx, progression.GameRecord{PatientID: "p1", Game: "moving_tones", CompletedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, second.TotalXP.Equal(decimal.NewFromInt(100)))

	credited, err := store.AddXPToLatestGame(ctx, "p1", decimal.RequireFromString("2.5"))
	require.NoError(t, err)
	assert.Equal(t, second.ID, credited.ID)
	assert.True(t, credited.TotalXP.Equal(decimal.RequireFromString("102.5")))

	games, err := store.ListGames(ctx, "p1", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.True(t, games[1].TotalXP.Equal(decimal.RequireFromString("102.5")))
}

// =============================================================================
// REWARD LADDER
// =============================================================================

func TestLadder_ConditionalFlags(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	empty, err := store.GetLadder(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.SaveLadder(ctx, "p1", rewards.DefaultLadder()))

	won, err := store.UnlockTier(ctx, "p1", progression.TierBronze, "PTMOBR")
	require.NoError(t, err)
	assert.True(t, won)
	won, err = store.UnlockTier(ctx, "p1", progression.TierBronze, "OTHER")
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.MarkTierViewed(ctx, "p1", progression.TierGold)
	require.NoError(t, err)
	assert.True(t, won, "viewing is not gated on unlock")

	require.NoError(t, store.SaveLadder(ctx, "p1", rewards.DefaultLadder()), "re-provisioning keeps flags")

	ladder, err := store.GetLadder(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, ladder, 3)
	assert.Equal(t, progression.Reward{Tier: progression.TierBronze, IsUnlocked: true, CouponCode: "PTMOBR", UnlockAtDayCompleted: 5}, ladder[0])
	assert.True(t, ladder[2].IsViewed)
	assert.False(t, ladder[2].IsUnlocked)

	won, err = store.MarkTierAccessed(ctx, "nobody", progression.TierGold)
	require.NoError(t, err)
	assert.False(t, won)
}

// =============================================================================
// SERVICES OVER SQL
// =============================================================================

func TestVerification_RollsBackOnFailedCredit(t *testing.T) {
	// GIVEN: A satisfied goal and no game record for the patient
	// WHEN: Verification fails while crediting XP
	// THEN: The badge counter and goal status are rolled back

	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SaveBadge(ctx, progression.Badge{
		ID: "b1", Name: "streak", Metric: "streak", MinVal: progression.Float(5), Tier: "gold",
		XP: decimal.NewFromInt(20), Status: progression.BadgeActive, BadgeType: progression.BadgeRepeatable,
	}))
	svc := goals.NewService(goals.Stores{Catalog: store, Repositories: store.Repositories(), Tx: store}, nil, nil)
	svc.Now = func() time.Time { return t0 }

	require.NoError(t, store.SetContext(ctx, "p1", progression.PatientContext{}))
	created, err := svc.GenerateGoals(ctx, "p1", goals.GameBeatBoxer)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NoError(t, store.SetContext(ctx, "p1", progression.PatientContext{"streak": 7}))

	_, err = svc.VerifyGoalCompletion(ctx, "p1")
	require.Error(t, err)

	pb, err := store.GetPatientBadge(ctx, "p1", "b1")
	require.NoError(t, err)
	assert.Nil(t, pb)
	open, err := store.MostRecentOpenGoal(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, created[0].ID, open.ID)

	// With a game to credit the same verification commits.
	_, err = store.RecordGame(ctx, progression.GameRecord{PatientID: "p1", Game: "beat_boxer", CompletedAt: t0})
	require.NoError(t, err)
	res, err := svc.VerifyGoalCompletion(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.True(t, res.Game.TotalXP.Equal(decimal.NewFromInt(20)))
}

type countingSink struct {
	mu    sync.Mutex
	tiers []progression.Tier
}

func (s *countingSink) RewardUnlocked(_ context.Context, _ string, tier progression.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = append(s.tiers, tier)
	return nil
}

func (s *countingSink) BadgeUnlocked(context.Context, string, progression.BadgeUnlock) error {
	return nil
}

func TestRewardsUpdate_ConcurrentOverSQLite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sink := &countingSink{}
	svc := rewards.NewService(store, stats.NewProvider(store), sink, nil)
	_, err := svc.Provision(ctx, "p1")
	require.NoError(t, err)
	for d := 1; d <= 10; d++ {
		_, err := store.RecordGame(ctx, progression.GameRecord{
			PatientID: "p1", Game: "beat_boxer", CompletedAt: time.Date(2024, time.March, d, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Update(ctx, rewards.UpdateRequest{PatientID: "p1", StartDate: "2024-03-01", EndDate: "2024-03-31", Timezone: "UTC"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []progression.Tier{progression.TierBronze, progression.TierSilver}, sink.tiers)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sqlstore.Open("oracle", "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, progression.ErrValidation))
}
