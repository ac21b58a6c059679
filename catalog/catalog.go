/*
Package catalog provides YAML to Go badge catalog conversion.

PURPOSE:
  Badges are managed outside the engine. The catalog is a YAML document
  that ops can edit without a code change; this package validates it and
  turns it into progression.Badge values.

YAML SCHEMA:
  badges:
    - id: 6f1c2d9e-...          # required, unique
      name: Week Streak         # required
      metric: streak            # required, must be a registered metric
      min_val: 7                # optional; badges without it are never offered
      max_val: 30               # optional, >= min_val
      tier: gold                # required
      xp: 100                   # >= 0
      status: active            # active (default) | inactive
      badge_type: repeatable    # repeatable (default) | single_unlock
      games: [beat_boxer]       # optional explicit game scope

USAGE:
  badges, err := catalog.Parse(data, goals.DefaultRegistry())
  err = catalog.Seed(ctx, store, badges)

SEE ALSO:
  - default.yaml: Catalog shipped with the engine
  - goals/metrics.go: Metric registry the catalog is checked against
*/
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pointmotion/progression-engine/goals"
	"github.com/pointmotion/progression-engine/progression"
)

//go:embed default.yaml
var defaultCatalog []byte

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type File struct {
	Badges []BadgeYAML `yaml:"badges"`
}

type BadgeYAML struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Metric    string   `yaml:"metric"`
	MinVal    *float64 `yaml:"min_val,omitempty"`
	MaxVal    *float64 `yaml:"max_val,omitempty"`
	Tier      string   `yaml:"tier"`
	XP        float64  `yaml:"xp"`
	Status    string   `yaml:"status,omitempty"`
	BadgeType string   `yaml:"badge_type,omitempty"`
	Games     []string `yaml:"games,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// Default returns the catalog shipped with the engine.
func Default(reg *goals.Registry) ([]progression.Badge, error) {
	return Parse(defaultCatalog, reg)
}

// Load reads and parses a catalog file.
func Load(path string, reg *goals.Registry) ([]progression.Badge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read badge catalog: %w", err)
	}
	return Parse(data, reg)
}

// Parse decodes a YAML catalog and validates every entry against reg.
func Parse(data []byte, reg *goals.Registry) ([]progression.Badge, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, progression.Invalid("catalog", "malformed YAML: %v", err)
	}

	seen := make(map[string]bool, len(f.Badges))
	badges := make([]progression.Badge, 0, len(f.Badges))
	for i, by := range f.Badges {
		b, err := FromYAML(by, reg)
		if err != nil {
			return nil, fmt.Errorf("badges[%d]: %w", i, err)
		}
		if seen[b.ID] {
			return nil, progression.Invalid(fmt.Sprintf("badges[%d].id", i), "duplicate id %q", b.ID)
		}
		seen[b.ID] = true
		badges = append(badges, b)
	}
	return badges, nil
}

// FromYAML converts and validates one entry.
func FromYAML(by BadgeYAML, reg *goals.Registry) (progression.Badge, error) {
	switch {
	case by.ID == "":
		return progression.Badge{}, progression.Invalid("id", "required")
	case by.Name == "":
		return progression.Badge{}, progression.Invalid("name", "required")
	case by.Tier == "":
		return progression.Badge{}, progression.Invalid("tier", "required")
	case by.XP < 0:
		return progression.Badge{}, progression.Invalid("xp", "must not be negative")
	}
	if _, ok := reg.Lookup(by.Metric); !ok {
		return progression.Badge{}, progression.Invalid("metric", "unknown metric %q", by.Metric)
	}
	if by.MinVal != nil && by.MaxVal != nil && *by.MaxVal < *by.MinVal {
		return progression.Badge{}, progression.Invalid("max_val", "%v is below min_val %v", *by.MaxVal, *by.MinVal)
	}
	for _, g := range by.Games {
		if !goals.IsGame(g) {
			return progression.Badge{}, progression.Invalid("games", "unknown game %q", g)
		}
	}

	status, err := parseStatus(by.Status)
	if err != nil {
		return progression.Badge{}, err
	}
	badgeType, err := parseBadgeType(by.BadgeType)
	if err != nil {
		return progression.Badge{}, err
	}

	return progression.Badge{
		ID:        by.ID,
		Name:      by.Name,
		Metric:    by.Metric,
		MinVal:    by.MinVal,
		MaxVal:    by.MaxVal,
		Tier:      by.Tier,
		XP:        decimal.NewFromFloat(by.XP),
		Status:    status,
		BadgeType: badgeType,
		Games:     by.Games,
	}, nil
}

// ToYAML converts a badge back to its catalog entry.
func ToYAML(b progression.Badge) BadgeYAML {
	return BadgeYAML{
		ID:        b.ID,
		Name:      b.Name,
		Metric:    b.Metric,
		MinVal:    b.MinVal,
		MaxVal:    b.MaxVal,
		Tier:      b.Tier,
		XP:        b.XP.InexactFloat64(),
		Status:    string(b.Status),
		BadgeType: string(b.BadgeType),
		Games:     b.Games,
	}
}

// Marshal renders badges as a catalog document.
func Marshal(badges []progression.Badge) ([]byte, error) {
	f := File{Badges: make([]BadgeYAML, 0, len(badges))}
	for _, b := range badges {
		f.Badges = append(f.Badges, ToYAML(b))
	}
	return yaml.Marshal(f)
}

// =============================================================================
// SEEDING
// =============================================================================

// BadgeWriter is implemented by stores that hold the catalog.
type BadgeWriter interface {
	SaveBadge(ctx context.Context, b progression.Badge) error
}

// Seed writes badges in order, replacing entries with the same id.
func Seed(ctx context.Context, w BadgeWriter, badges []progression.Badge) error {
	for _, b := range badges {
		if err := w.SaveBadge(ctx, b); err != nil {
			return progression.External("badge catalog", "save badge "+b.ID, err)
		}
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseStatus(s string) (progression.BadgeStatus, error) {
	switch s {
	case "", string(progression.BadgeActive):
		return progression.BadgeActive, nil
	case string(progression.BadgeInactive):
		return progression.BadgeInactive, nil
	default:
		return "", progression.Invalid("status", "unknown status %q", s)
	}
}

func parseBadgeType(s string) (progression.BadgeType, error) {
	switch s {
	case "", string(progression.BadgeRepeatable):
		return progression.BadgeRepeatable, nil
	case string(progression.BadgeSingleUnlock):
		return progression.BadgeSingleUnlock, nil
	default:
		return "", progression.Invalid("badge_type", "unknown badge type %q", s)
	}
}
