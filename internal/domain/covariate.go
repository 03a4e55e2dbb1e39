package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Covariate names an environmental feature attached to an incident.
type Covariate string

const (
	CovVegetationIndex Covariate = "vegetation_index"           // NDVI, 0-1
	CovWater           Covariate = "proximity_to_water"         // metres
	CovVillage         Covariate = "proximity_to_village"       // metres
	CovRockyOutcrop    Covariate = "proximity_to_rocky_outcrop" // metres
	CovGrassland       Covariate = "proximity_to_grassland"     // metres
	CovAgriculture     Covariate = "proximity_to_agriculture"   // metres
	CovSlopeAngle      Covariate = "slope_angle"                // degrees
)

// AllCovariates is the fixed covariate set every Feature Provider supplies.
var AllCovariates = []Covariate{
	CovVegetationIndex,
	CovWater,
	CovVillage,
	CovRockyOutcrop,
	CovGrassland,
	CovAgriculture,
	CovSlopeAngle,
}

var (
	// ErrInvalidCovariate means a required covariate is missing or not a finite number.
	ErrInvalidCovariate = errors.New("invalid covariate")

	// ErrUnsupportedSpecies means the species has no rule table.
	ErrUnsupportedSpecies = errors.New("unsupported species")
)

// CovariateError reports which covariates failed validation for a species.
type CovariateError struct {
	Species Species
	Missing []Covariate
	Invalid []Covariate
}

func (e *CovariateError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrInvalidCovariate, e.Species)
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(" missing %v", e.Missing)
	}
	if len(e.Invalid) > 0 {
		msg += fmt.Sprintf(" non-numeric %v", e.Invalid)
	}
	return msg
}

func (e *CovariateError) Unwrap() error { return ErrInvalidCovariate }

// Covariates maps covariate names to values.
type Covariates map[Covariate]float64

// Get returns the value for c and whether it is present and finite.
func (c Covariates) Get(name Covariate) (float64, bool) {
	v, ok := c[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Validate checks that every required covariate is present and finite.
// It returns a *CovariateError (matching ErrInvalidCovariate) on failure.
func (c Covariates) Validate(species Species, required []Covariate) error {
	var cerr CovariateError
	for _, name := range required {
		v, ok := c[name]
		switch {
		case !ok:
			cerr.Missing = append(cerr.Missing, name)
		case math.IsNaN(v) || math.IsInf(v, 0):
			cerr.Invalid = append(cerr.Invalid, name)
		}
	}
	if len(cerr.Missing) == 0 && len(cerr.Invalid) == 0 {
		return nil
	}
	cerr.Species = species
	return &cerr
}

// Clone returns an independent copy.
func (c Covariates) Clone() Covariates {
	out := make(Covariates, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge fills covariates absent from c with values from other.
// Existing values in c are kept.
func (c Covariates) Merge(other Covariates) Covariates {
	out := c.Clone()
	for k, v := range other {
		if _, ok := out.Get(k); !ok {
			out[k] = v
		}
	}
	return out
}

// Names returns the covariate names present, sorted.
func (c Covariates) Names() []Covariate {
	names := make([]Covariate, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Complete reports whether every covariate in AllCovariates is present and finite.
func (c Covariates) Complete() bool {
	for _, name := range AllCovariates {
		if _, ok := c.Get(name); !ok {
			return false
		}
	}
	return true
}
