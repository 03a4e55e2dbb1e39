package rules

import (
	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// MaxRawWeight is the raw accumulation that maps to probability 1.
const MaxRawWeight = 100.0

// Input is everything the scorer reads for one record.
type Input struct {
	Species     domain.Species
	Season      domain.Season
	Demographic domain.Demographic
	Covariates  domain.Covariates
}

// Result is the scorer output for one record.
type Result struct {
	Probability float64
	RawWeight   float64
	Hits        []domain.RuleHit
	// Supported is false when the species has no rule table.
	Supported bool
}

var builtin = DefaultTables()

// Score applies the built-in species tables. See Tables.Score.
func Score(in Input) (Result, error) {
	return builtin.Score(in)
}

// Score accumulates rule weights for in and clamps the total into [0,1].
// An unsupported species scores 0 with Supported == false and no error.
// A missing or non-finite required covariate returns a *domain.CovariateError.
func (ts Tables) Score(in Input) (Result, error) {
	table, ok := ts[in.Species]
	if !ok {
		return Result{}, nil
	}

	if err := in.Covariates.Validate(in.Species, table.Required(in.Demographic)); err != nil {
		return Result{}, err
	}

	res := Result{Supported: true}
	for _, r := range table.Active(in.Demographic) {
		if r.Season != "" && r.Season != in.Season {
			continue
		}
		v, _ := in.Covariates.Get(r.Covariate)
		w := r.ElseWeight
		if r.Holds(v) {
			w = r.Weight
		}
		if w == 0 {
			continue
		}
		res.RawWeight += w
		res.Hits = append(res.Hits, domain.RuleHit{
			RuleID:    r.ID,
			Covariate: string(r.Covariate),
			Weight:    w,
		})
	}
	res.Probability = Probability(res.RawWeight)
	return res, nil
}

// Probability maps a raw accumulation to [0,1].
func Probability(raw float64) float64 {
	switch {
	case raw < 0:
		raw = 0
	case raw > MaxRawWeight:
		raw = MaxRawWeight
	}
	return raw / MaxRawWeight
}
