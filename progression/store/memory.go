// Package store provides an in-memory implementation of every progression collaborator.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	txMu          sync.Mutex
	badges        []progression.Badge
	contexts      map[string]progression.PatientContext
	goals         []progression.Goal
	patientBadges map[badgeKey]progression.PatientBadge
	games         map[string][]progression.GameRecord
	ladders       map[string]progression.Ladder
}

type badgeKey struct {
	PatientID string
	BadgeID   string
}

func NewMemory() *Memory {
	return &Memory{
		contexts:      make(map[string]progression.PatientContext),
		patientBadges: make(map[badgeKey]progression.PatientBadge),
		games:         make(map[string][]progression.GameRecord),
		ladders:       make(map[string]progression.Ladder),
	}
}

var (
	_ progression.BadgeCatalog           = (*Memory)(nil)
	_ progression.ContextStore           = (*Memory)(nil)
	_ progression.GoalRepository         = (*Memory)(nil)
	_ progression.PatientBadgeRepository = (*Memory)(nil)
	_ progression.GameRepository         = (*Memory)(nil)
	_ progression.RewardLadderStore      = (*Memory)(nil)
	_ progression.Transactor             = (*Memory)(nil)
)

// Repositories returns the memory store as a Repositories bundle.
func (m *Memory) Repositories() progression.Repositories {
	return progression.Repositories{Contexts: m, Goals: m, PatientBadges: m, Games: m}
}

// =============================================================================
// BADGE CATALOG
// =============================================================================

// SaveBadge inserts or replaces a badge, keeping catalog order.
func (m *Memory) SaveBadge(_ context.Context, b progression.Badge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.badges {
		if m.badges[i].ID == b.ID {
			m.badges[i] = b
			return nil
		}
	}
	m.badges = append(m.badges, b)
	return nil
}

func (m *Memory) ActiveBadges(_ context.Context) ([]progression.Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []progression.Badge
	for _, b := range m.badges {
		if b.IsActive() {
			out = append(out, b)
		}
	}
	return out, nil
}

// =============================================================================
// CONTEXT STORE
// =============================================================================

func (m *Memory) GetContext(_ context.Context, patientID string) (progression.PatientContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[patientID]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (m *Memory) SetContext(_ context.Context, patientID string, pctx progression.PatientContext) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.setContext(patientID, pctx)
}

func (m *Memory) setContext(patientID string, pctx progression.PatientContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[patientID] = pctx.Clone()
	return nil
}

// =============================================================================
// GOALS
// =============================================================================

func (m *Memory) CreateGoal(_ context.Context, g progression.Goal) (progression.Goal, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.createGoal(g)
}

func (m *Memory) createGoal(g progression.Goal) (progression.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Rewards = append([]progression.RewardDescriptor(nil), g.Rewards...)
	m.goals = append(m.goals, g)
	return g, nil
}

func (m *Memory) MostRecentOpenGoal(_ context.Context, patientID string) (*progression.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *progression.Goal
	for i := range m.goals {
		g := m.goals[i]
		if g.PatientID != patientID || !g.Status.IsOpen() {
			continue
		}
		// Insertion order is creation order; the last open goal wins.
		c := g
		latest = &c
	}
	return latest, nil
}

func (m *Memory) SetGoalStatus(_ context.Context, goalID string, status progression.GoalStatus) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.setGoalStatus(goalID, status)
}

func (m *Memory) setGoalStatus(goalID string, status progression.GoalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.goals {
		if m.goals[i].ID == goalID {
			m.goals[i].Status = status
			return nil
		}
	}
	return &progression.NotFoundError{Kind: "goal", ID: goalID}
}

func (m *Memory) ListGoals(_ context.Context, patientID string) ([]progression.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []progression.Goal
	for i := len(m.goals) - 1; i >= 0; i-- {
		if m.goals[i].PatientID == patientID {
			out = append(out, m.goals[i])
		}
	}
	return out, nil
}

func (m *Memory) ExpireGoals(_ context.Context, asOf time.Time) (int, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.expireGoals(asOf)
}

func (m *Memory) expireGoals(asOf time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.goals {
		if m.goals[i].Status.IsOpen() && m.goals[i].ExpiryAt.Before(asOf) {
			m.goals[i].Status = progression.GoalExpired
			n++
		}
	}
	return n, nil
}

// =============================================================================
// PATIENT BADGES
// =============================================================================

func (m *Memory) GetPatientBadge(_ context.Context, patientID, badgeID string) (*progression.PatientBadge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.patientBadges[badgeKey{patientID, badgeID}]
	if !ok {
		return nil, nil
	}
	return &pb, nil
}

func (m *Memory) ListPatientBadges(_ context.Context, patientID string) ([]progression.PatientBadge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []progression.PatientBadge
	for k, pb := range m.patientBadges {
		if k.PatientID == patientID {
			out = append(out, pb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BadgeID < out[j].BadgeID })
	return out, nil
}

func (m *Memory) UpsertPatientBadge(_ context.Context, patientID, badgeID string, count int) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.upsertPatientBadge(patientID, badgeID, count)
}

func (m *Memory) upsertPatientBadge(patientID, badgeID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := badgeKey{patientID, badgeID}
	pb, ok := m.patientBadges[k]
	if !ok {
		pb = progression.PatientBadge{ID: uuid.NewString(), PatientID: patientID, BadgeID: badgeID}
	}
	pb.Count = count
	m.patientBadges[k] = pb
	return nil
}

// =============================================================================
// GAMES
// =============================================================================

func (m *Memory) RecordGame(_ context.Context, g progression.GameRecord) (progression.GameRecord, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.recordGame(g)
}

func (m *Memory) recordGame(g progression.GameRecord) (progression.GameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	games := m.games[g.PatientID]
	if g.TotalXP.IsZero() && len(games) > 0 {
		// New sessions carry the cumulative total forward.
		g.TotalXP = games[len(games)-1].TotalXP
	}
	i := sort.Search(len(games), func(i int) bool { return games[i].CompletedAt.After(g.CompletedAt) })
	games = append(games, progression.GameRecord{})
	copy(games[i+1:], games[i:])
	games[i] = g
	m.games[g.PatientID] = games
	return g, nil
}

func (m *Memory) ListGames(_ context.Context, patientID string, from, to time.Time) ([]progression.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []progression.GameRecord
	for _, g := range m.games[patientID] {
		if !g.CompletedAt.Before(from) && !g.CompletedAt.After(to) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Memory) AddXPToLatestGame(_ context.Context, patientID string, xp decimal.Decimal) (progression.GameRecord, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.addXPToLatestGame(patientID, xp)
}

func (m *Memory) addXPToLatestGame(patientID string, xp decimal.Decimal) (progression.GameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	games := m.games[patientID]
	if len(games) == 0 {
		return progression.GameRecord{}, &progression.NotFoundError{Kind: "game record", ID: patientID}
	}
	last := &games[len(games)-1]
	last.TotalXP = last.TotalXP.Add(xp)
	return *last, nil
}

// =============================================================================
// REWARD LADDER
// =============================================================================

func (m *Memory) GetLadder(_ context.Context, patientID string) (progression.Ladder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ladders[patientID].Clone(), nil
}

func (m *Memory) SaveLadder(_ context.Context, patientID string, ladder progression.Ladder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ladders[patientID]; ok {
		return nil
	}
	m.ladders[patientID] = ladder.Clone()
	return nil
}

func (m *Memory) UnlockTier(_ context.Context, patientID string, tier progression.Tier, couponCode string) (bool, error) {
	return m.setFlag(patientID, tier, func(r *progression.Reward) bool {
		if r.IsUnlocked {
			return false
		}
		r.IsUnlocked = true
		r.CouponCode = couponCode
		return true
	})
}

func (m *Memory) MarkTierViewed(_ context.Context, patientID string, tier progression.Tier) (bool, error) {
	return m.setFlag(patientID, tier, func(r *progression.Reward) bool {
		if r.IsViewed {
			return false
		}
		r.IsViewed = true
		return true
	})
}

func (m *Memory) MarkTierAccessed(_ context.Context, patientID string, tier progression.Tier) (bool, error) {
	return m.setFlag(patientID, tier, func(r *progression.Reward) bool {
		if r.IsAccessed {
			return false
		}
		r.IsAccessed = true
		return true
	})
}

func (m *Memory) setFlag(patientID string, tier progression.Tier, apply func(*progression.Reward) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ladder := m.ladders[patientID]
	i := ladder.Find(tier)
	if i < 0 {
		return false, nil
	}
	return apply(&ladder[i]), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a view of the memory store. Transactions are
// serialized with each other and with writes made outside a transaction,
// so a rollback from the snapshot only discards fn's own writes.
func (m *Memory) WithTx(ctx context.Context, fn func(progression.Repositories) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	tx := memoryTx{m}
	if err := fn(progression.Repositories{Contexts: tx, Goals: tx, PatientBadges: tx, Games: tx}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// memoryTx writes without taking txMu, which WithTx already holds.
type memoryTx struct{ *Memory }

func (t memoryTx) SetContext(_ context.Context, patientID string, pctx progression.PatientContext) error {
	return t.setContext(patientID, pctx)
}

func (t memoryTx) CreateGoal(_ context.Context, g progression.Goal) (progression.Goal, error) {
	return t.createGoal(g)
}

func (t memoryTx) SetGoalStatus(_ context.Context, goalID string, status progression.GoalStatus) error {
	return t.setGoalStatus(goalID, status)
}

func (t memoryTx) ExpireGoals(_ context.Context, asOf time.Time) (int, error) {
	return t.expireGoals(asOf)
}

func (t memoryTx) UpsertPatientBadge(_ context.Context, patientID, badgeID string, count int) error {
	return t.upsertPatientBadge(patientID, badgeID, count)
}

func (t memoryTx) RecordGame(_ context.Context, g progression.GameRecord) (progression.GameRecord, error) {
	return t.recordGame(g)
}

func (t memoryTx) AddXPToLatestGame(_ context.Context, patientID string, xp decimal.Decimal) (progression.GameRecord, error) {
	return t.addXPToLatestGame(patientID, xp)
}

type memorySnapshot struct {
	contexts      map[string]progression.PatientContext
	goals         []progression.Goal
	patientBadges map[badgeKey]progression.PatientBadge
	games         map[string][]progression.GameRecord
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := memorySnapshot{
		contexts:      make(map[string]progression.PatientContext, len(m.contexts)),
		goals:         append([]progression.Goal(nil), m.goals...),
		patientBadges: make(map[badgeKey]progression.PatientBadge, len(m.patientBadges)),
		games:         make(map[string][]progression.GameRecord, len(m.games)),
	}
	for k, v := range m.contexts {
		s.contexts[k] = v.Clone()
	}
	for k, v := range m.patientBadges {
		s.patientBadges[k] = v
	}
	for k, v := range m.games {
		s.games[k] = append([]progression.GameRecord(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = s.contexts
	m.goals = s.goals
	m.patientBadges = s.patientBadges
	m.games = s.games
}
