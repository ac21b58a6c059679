/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in progression/ from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ENVELOPE:
  Every response is wrapped:
    {"status": true,  "data": ...}
    {"status": false, "error": {"code": "...", "message": "..."}}
  A no-op still succeeds with an empty payload. Callers inspect the data
  to learn whether anything was granted.

VALIDATION:
  Request types carry validator/v10 tags; decode() runs them and reports
  the first failing field by its JSON name.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pointmotion/progression-engine/goals"
	"github.com/pointmotion/progression-engine/progression"
	"github.com/pointmotion/progression-engine/rewards"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type envelope struct {
	Status bool       `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type GenerateGoalsRequest struct {
	GameName string `json:"gameName" validate:"required"`
}

type MetricRequest struct {
	Name  string   `json:"name" validate:"required"`
	Value *float64 `json:"value" validate:"required"`
}

type UpdateContextRequest struct {
	Metrics []MetricRequest `json:"metrics" validate:"required,min=1,dive"`
}

type RecordGameRequest struct {
	GameName    string     `json:"gameName" validate:"required"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type UpdateRewardsRequest struct {
	StartDate    string `json:"startDate" validate:"required"`
	EndDate      string `json:"endDate" validate:"required"`
	UserTimezone string `json:"userTimezone"`
}

type RewardTierRequest struct {
	RewardTier string `json:"rewardTier" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type GoalDTO struct {
	ID        string                         `json:"id"`
	Name      string                         `json:"name"`
	GameName  string                         `json:"gameName"`
	Status    progression.GoalStatus         `json:"status"`
	Rewards   []progression.RewardDescriptor `json:"rewards"`
	CreatedAt time.Time                      `json:"createdAt"`
	ExpiryAt  time.Time                      `json:"expiryAt"`
}

type VerificationDTO struct {
	Completed bool                           `json:"completed"`
	Goal      *GoalDTO                       `json:"goal,omitempty"`
	Unlocked  []progression.RewardDescriptor `json:"unlocked"`
	XPAwarded decimal.Decimal                `json:"xpAwarded"`
	TotalXP   *decimal.Decimal               `json:"totalXp,omitempty"`
}

type GameDTO struct {
	ID          string          `json:"id"`
	GameName    string          `json:"gameName"`
	CompletedAt time.Time       `json:"completedAt"`
	TotalXP     decimal.Decimal `json:"totalXp"`
}

type BadgeDTO struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Metric    string          `json:"metric"`
	MinVal    *float64        `json:"minVal,omitempty"`
	MaxVal    *float64        `json:"maxVal,omitempty"`
	Tier      string          `json:"tier"`
	XP        decimal.Decimal `json:"xp"`
	BadgeType string          `json:"badgeType"`
	Games     []string        `json:"games,omitempty"`
}

type RewardsUpdateDTO struct {
	DaysCompleted int                `json:"daysCompleted"`
	Rewards       progression.Ladder `json:"rewards"`
	Unlocked      []progression.Tier `json:"unlocked"`
}

type HealthDTO struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toGoalDTO(g progression.Goal) GoalDTO {
	rewards := g.Rewards
	if rewards == nil {
		rewards = []progression.RewardDescriptor{}
	}
	return GoalDTO{
		ID:        g.ID,
		Name:      g.Name,
		GameName:  g.Game,
		Status:    g.Status,
		Rewards:   rewards,
		CreatedAt: g.CreatedAt,
		ExpiryAt:  g.ExpiryAt,
	}
}

func toGoalDTOs(gs []progression.Goal) []GoalDTO {
	out := make([]GoalDTO, 0, len(gs))
	for _, g := range gs {
		out = append(out, toGoalDTO(g))
	}
	return out
}

func toVerificationDTO(v goals.Verification) VerificationDTO {
	dto := VerificationDTO{
		Completed: v.Completed(),
		Unlocked:  v.Unlocked,
		XPAwarded: v.XPAwarded,
	}
	if dto.Unlocked == nil {
		dto.Unlocked = []progression.RewardDescriptor{}
	}
	if v.Goal != nil {
		g := toGoalDTO(*v.Goal)
		dto.Goal = &g
	}
	if v.Game != nil {
		total := v.Game.TotalXP
		dto.TotalXP = &total
	}
	return dto
}

func toGameDTO(g progression.GameRecord) GameDTO {
	return GameDTO{ID: g.ID, GameName: g.Game, CompletedAt: g.CompletedAt, TotalXP: g.TotalXP}
}

func toBadgeDTO(b progression.Badge) BadgeDTO {
	return BadgeDTO{
		ID:        b.ID,
		Name:      b.Name,
		Metric:    b.Metric,
		MinVal:    b.MinVal,
		MaxVal:    b.MaxVal,
		Tier:      b.Tier,
		XP:        b.XP,
		BadgeType: string(b.BadgeType),
		Games:     b.Games,
	}
}

func toRewardsUpdateDTO(res rewards.UpdateResult) RewardsUpdateDTO {
	dto := RewardsUpdateDTO{DaysCompleted: res.DaysCompleted, Rewards: res.Rewards, Unlocked: res.Unlocked}
	if dto.Rewards == nil {
		dto.Rewards = progression.Ladder{}
	}
	if dto.Unlocked == nil {
		dto.Unlocked = []progression.Tier{}
	}
	return dto
}

func ladderOrEmpty(l progression.Ladder) progression.Ladder {
	if l == nil {
		return progression.Ladder{}
	}
	return l
}

func toContextData(c progression.PatientContext) map[string]float64 {
	if c == nil {
		return map[string]float64{}
	}
	return c
}
