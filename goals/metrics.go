/*
Package goals implements badge eligibility, goal generation and goal verification.

PURPOSE:
  Turns the badge catalog and a patient's tracked metrics into short-lived
  goals, and grants badge credit and XP once a goal's criterion is met.

FLOW:
  1. Activity tracking reports metric values  -> UpdatePatientContext
  2. A game asks for goals                    -> FilterEligible + GenerateGoals
  3. The game finishes                        -> VerifyGoalCompletion

METRIC REGISTRY (metrics.go):
  Every metric the engine understands is registered with:
  - Kind:     how an observed value folds into the stored one
  - Games:    which games the metric belongs to
  - Template: the goal name shown to the patient
  Adding a metric is one Register call; nothing else branches on metric names.

SEE ALSO:
  - eligibility.go: Badge Eligibility Filter
  - generator.go:   Goal Generator
  - verifier.go:    Goal Completion Verifier
  - service.go:     Orchestration over the collaborator stores
*/
package goals

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pointmotion/progression-engine/progression"
)

// =============================================================================
// GAMES
// =============================================================================

const (
	GameSitStandAchieve = "sit_stand_achieve"
	GameBeatBoxer       = "beat_boxer"
	GameSoundExplorer   = "sound_explorer"
	GameMovingTones     = "moving_tones"
)

var gameTitles = map[string]string{
	GameSitStandAchieve: "Sit Stand Achieve",
	GameBeatBoxer:       "Beat Boxer",
	GameSoundExplorer:   "Sound Explorer",
	GameMovingTones:     "Moving Tones",
}

// Games returns the known game identifiers in a stable order.
func Games() []string {
	return []string{GameSitStandAchieve, GameBeatBoxer, GameSoundExplorer, GameMovingTones}
}

func IsGame(name string) bool {
	_, ok := gameTitles[name]
	return ok
}

func GameTitle(name string) string {
	if t, ok := gameTitles[name]; ok {
		return t
	}
	return name
}

// =============================================================================
// METRIC KINDS
// =============================================================================

// MetricKind selects how an observed value is folded into the context.
type MetricKind string

const (
	// KindCounter adds the observed value to the stored one.
	KindCounter MetricKind = "counter"
	// KindMax keeps the largest value ever observed.
	KindMax MetricKind = "max"
	// KindGauge replaces the stored value.
	KindGauge MetricKind = "gauge"
)

var foldByKind = map[MetricKind]func(current, observed float64) float64{
	KindCounter: func(c, o float64) float64 { return c + o },
	KindMax:     math.Max,
	KindGauge:   func(_, o float64) float64 { return o },
}

// =============================================================================
// REGISTRY
// =============================================================================

// MetricDef describes one trackable metric.
type MetricDef struct {
	Name     string
	Kind     MetricKind
	Games    []string
	Template string
}

// AppliesTo reports whether the metric belongs to game.
func (d MetricDef) AppliesTo(game string) bool {
	for _, g := range d.Games {
		if g == game {
			return true
		}
	}
	return false
}

// GoalName renders the template for a reward. Placeholders: {min}, {max}, {game}.
func (d MetricDef) GoalName(game string, rd progression.RewardDescriptor) string {
	r := strings.NewReplacer(
		"{min}", formatThreshold(rd.MinVal),
		"{max}", formatThreshold(rd.MaxVal),
		"{game}", GameTitle(game),
	)
	return r.Replace(d.Template)
}

type Registry struct {
	defs map[string]MetricDef
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]MetricDef)}
}

// Register adds or replaces a metric definition.
func (r *Registry) Register(def MetricDef) {
	r.defs[def.Name] = def
}

func (r *Registry) Lookup(name string) (MetricDef, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names returns registered metric names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Apply folds updates into a copy of pctx. Unknown metrics are rejected
// before anything is applied.
func (r *Registry) Apply(pctx progression.PatientContext, updates []progression.MetricUpdate) (progression.PatientContext, error) {
	for _, u := range updates {
		def, ok := r.defs[u.Name]
		if !ok {
			return nil, progression.Invalid("metric", "unknown metric %q", u.Name)
		}
		if math.IsNaN(u.Value) || math.IsInf(u.Value, 0) {
			return nil, progression.Invalid("metric", "%q has non-finite value", u.Name)
		}
		if def.Kind == KindCounter && u.Value < 0 {
			return nil, progression.Invalid("metric", "counter %q cannot decrease", u.Name)
		}
	}

	out := pctx.Clone()
	for _, u := range updates {
		def := r.defs[u.Name]
		fold := foldByKind[def.Kind]
		current, seen := out[u.Name]
		if !seen && def.Kind == KindMax {
			out[u.Name] = u.Value
			continue
		}
		out[u.Name] = fold(current, u.Value)
	}
	return out, nil
}

// BadgeAppliesTo scopes a badge to a game: the badge's explicit game set
// when present, otherwise the games registered for its metric.
func (r *Registry) BadgeAppliesTo(b progression.Badge, game string) bool {
	if len(b.Games) > 0 {
		for _, g := range b.Games {
			if g == game {
				return true
			}
		}
		return false
	}
	def, ok := r.defs[b.Metric]
	return ok && def.AppliesTo(game)
}

// GoalName renders the goal name for a reward, falling back to the metric
// name for unregistered metrics.
func (r *Registry) GoalName(game string, rd progression.RewardDescriptor) string {
	def, ok := r.defs[rd.Metric]
	if !ok {
		return rd.Metric
	}
	return def.GoalName(game, rd)
}

// DefaultRegistry returns the metrics tracked by the platform games.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	all := Games()

	r.Register(MetricDef{
		Name: "streak", Kind: KindGauge, Games: all,
		Template: "Play {min} days in a row",
	})
	r.Register(MetricDef{
		Name: "games_played", Kind: KindCounter, Games: all,
		Template: "Play {min} games",
	})
	for _, g := range all {
		r.Register(MetricDef{
			Name: g + "_games_played", Kind: KindCounter, Games: []string{g},
			Template: "Play {game} {min} times",
		})
		r.Register(MetricDef{
			Name: g + "_highest_combo", Kind: KindMax, Games: []string{g},
			Template: "Reach a {min}x combo in {game}",
		})
	}
	return r
}

func formatThreshold(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
