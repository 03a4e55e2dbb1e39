package rules

import (
	"fmt"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// Op is a strict threshold comparison.
type Op string

const (
	OpLessThan    Op = "<"
	OpGreaterThan Op = ">"
)

// Branch selects the demographic subset a rule belongs to.
type Branch string

const (
	// BranchAny rules run for every demographic.
	BranchAny Branch = ""
	// BranchMotherWithCubs rules run only for the Mother with Cubs profile.
	BranchMotherWithCubs Branch = "mother_with_cubs"
	// BranchNotMotherWithCubs rules run for every other profile.
	BranchNotMotherWithCubs Branch = "not_mother_with_cubs"
)

// Rule is one threshold rule: if Covariate Op Threshold then add Weight,
// otherwise add ElseWeight.
type Rule struct {
	ID         string           `json:"id"`
	Covariate  domain.Covariate `json:"covariate"`
	Op         Op               `json:"op"`
	Threshold  float64          `json:"threshold"`
	Weight     float64          `json:"weight"`
	ElseWeight float64          `json:"elseWeight,omitempty"`

	// Season gates the rule. A gated rule contributes nothing out of season.
	Season domain.Season `json:"season,omitempty"`
	Branch Branch        `json:"branch,omitempty"`
}

// Holds reports whether the rule's condition is true for value.
func (r Rule) Holds(value float64) bool {
	switch r.Op {
	case OpLessThan:
		return value < r.Threshold
	case OpGreaterThan:
		return value > r.Threshold
	default:
		return false
	}
}

// String renders the rule the way it reads in a rule table.
func (r Rule) String() string {
	s := fmt.Sprintf("%s %s %g => %+g", r.Covariate, r.Op, r.Threshold, r.Weight)
	if r.ElseWeight != 0 {
		s += fmt.Sprintf(" else %+g", r.ElseWeight)
	}
	if r.Season != "" {
		s = fmt.Sprintf("[%s] %s", r.Season, s)
	}
	return s
}

func (r Rule) activeFor(d domain.Demographic) bool {
	switch r.Branch {
	case BranchMotherWithCubs:
		return d == domain.DemographicMotherWithCubs
	case BranchNotMotherWithCubs:
		return d != domain.DemographicMotherWithCubs
	default:
		return true
	}
}

// Table is the ordered rule list for one species.
type Table struct {
	Species domain.Species `json:"species"`
	Rules   []Rule         `json:"rules"`
}

// Active returns the rules that run for a demographic, in table order.
func (t Table) Active(d domain.Demographic) []Rule {
	out := make([]Rule, 0, len(t.Rules))
	for _, r := range t.Rules {
		if r.activeFor(d) {
			out = append(out, r)
		}
	}
	return out
}

// Required lists the covariates the active subset reads, in first-use order.
// Season-gated rules count; demographic-excluded rules do not.
func (t Table) Required(d domain.Demographic) []domain.Covariate {
	seen := make(map[domain.Covariate]bool)
	var out []domain.Covariate
	for _, r := range t.Active(d) {
		if !seen[r.Covariate] {
			seen[r.Covariate] = true
			out = append(out, r.Covariate)
		}
	}
	return out
}

// Tables maps each supported species to its rule table.
type Tables map[domain.Species]Table

// Table returns the rule table for species or ErrUnsupportedSpecies.
func (ts Tables) Table(species domain.Species) (Table, error) {
	t, ok := ts[species]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedSpecies, species)
	}
	return t, nil
}

// DefaultTables returns a fresh copy of the built-in species tables.
func DefaultTables() Tables {
	return Tables{
		domain.SpeciesSlothBear: {
			Species: domain.SpeciesSlothBear,
			Rules: []Rule{
				{ID: "sloth_bear.dense_cover", Covariate: domain.CovVegetationIndex, Op: OpGreaterThan, Threshold: 0.5, Weight: 20},
				{ID: "sloth_bear.den_rocks", Covariate: domain.CovRockyOutcrop, Op: OpLessThan, Threshold: 300, Weight: 60, Branch: BranchMotherWithCubs},
				{ID: "sloth_bear.village_avoidance", Covariate: domain.CovVillage, Op: OpLessThan, Threshold: 800, Weight: -40, Branch: BranchMotherWithCubs},
				{ID: "sloth_bear.crop_raiding", Covariate: domain.CovAgriculture, Op: OpLessThan, Threshold: 300, Weight: 30, Branch: BranchNotMotherWithCubs},
				{ID: "sloth_bear.rocky_terrain", Covariate: domain.CovRockyOutcrop, Op: OpLessThan, Threshold: 1000, Weight: 20, Branch: BranchNotMotherWithCubs},
			},
		},
		domain.SpeciesTiger: {
			Species: domain.SpeciesTiger,
			Rules: []Rule{
				{ID: "tiger.dense_cover", Covariate: domain.CovVegetationIndex, Op: OpGreaterThan, Threshold: 0.7, Weight: 40},
				{ID: "tiger.prey_grassland", Covariate: domain.CovGrassland, Op: OpLessThan, Threshold: 500, Weight: 30},
				{ID: "tiger.summer_water", Covariate: domain.CovWater, Op: OpLessThan, Threshold: 500, Weight: 30, Season: domain.SeasonSummer},
			},
		},
		domain.SpeciesLeopard: {
			Species: domain.SpeciesLeopard,
			Rules: []Rule{
				{ID: "leopard.cover", Covariate: domain.CovVegetationIndex, Op: OpGreaterThan, Threshold: 0.4, Weight: 20},
				{ID: "leopard.village_edge", Covariate: domain.CovVillage, Op: OpLessThan, Threshold: 500, Weight: 40},
				{ID: "leopard.rocky_outcrop", Covariate: domain.CovRockyOutcrop, Op: OpLessThan, Threshold: 500, Weight: 20},
			},
		},
		domain.SpeciesElephant: {
			Species: domain.SpeciesElephant,
			Rules: []Rule{
				{ID: "elephant.water", Covariate: domain.CovWater, Op: OpLessThan, Threshold: 1000, Weight: 50},
				{ID: "elephant.steep_slope", Covariate: domain.CovSlopeAngle, Op: OpGreaterThan, Threshold: 30, Weight: -100, ElseWeight: 20},
				{ID: "elephant.winter_crops", Covariate: domain.CovAgriculture, Op: OpLessThan, Threshold: 200, Weight: 40, Season: domain.SeasonWinter},
			},
		},
	}
}
