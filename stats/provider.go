// Package stats computes days-completed analytics from recorded game sessions.
//
// A day counts as completed when the patient finished at least one game on
// that calendar day in their own timezone. Both ends of the range are
// inclusive.
package stats

import (
	"context"
	"time"

	"github.com/pointmotion/progression-engine/progression"
)

// Provider implements progression.StatsProvider over a GameRepository.
type Provider struct {
	games progression.GameRepository
}

var _ progression.StatsProvider = (*Provider)(nil)

func NewProvider(games progression.GameRepository) *Provider {
	return &Provider{games: games}
}

func (p *Provider) MonthlyCompletion(ctx context.Context, patientID string, start, end time.Time, timezone string) (progression.Completion, error) {
	loc, err := progression.LoadLocation(timezone)
	if err != nil {
		return progression.Completion{}, err
	}
	from, to, err := progression.DayRange(start, end, loc)
	if err != nil {
		return progression.Completion{}, err
	}

	games, err := p.games.ListGames(ctx, patientID, from, to)
	if err != nil {
		return progression.Completion{}, progression.External("game repository", "list games", err)
	}

	perDay := make(map[string][]progression.GameRecord)
	for _, g := range games {
		day := progression.LocalDate(g.CompletedAt, loc)
		perDay[day] = append(perDay[day], g)
	}
	return progression.Completion{DaysCompleted: len(perDay), PerDayGames: perDay}, nil
}
