package domain

import (
	"encoding/json"
	"strings"
)

// Species identifies an animal with a known habitat rule table.
type Species string

const (
	SpeciesSlothBear Species = "Sloth Bear"
	SpeciesTiger     Species = "Tiger"
	SpeciesLeopard   Species = "Leopard"
	SpeciesElephant  Species = "Elephant"
)

// SupportedSpecies lists every species with a rule table, in display order.
var SupportedSpecies = []Species{
	SpeciesSlothBear,
	SpeciesTiger,
	SpeciesElephant,
	SpeciesLeopard,
}

// ParseSpecies normalizes free-text animal labels ("sloth bear", "SLOTH_BEAR")
// to a Species. Unknown labels are returned verbatim with ok == false so the
// caller can still record what was reported.
func ParseSpecies(s string) (Species, bool) {
	key := normalizeLabel(s)
	for _, sp := range SupportedSpecies {
		if normalizeLabel(string(sp)) == key {
			return sp, true
		}
	}
	return Species(strings.TrimSpace(s)), false
}

// Supported reports whether s is the canonical label of a species with a
// rule table.
func (s Species) Supported() bool {
	for _, sp := range SupportedSpecies {
		if sp == s {
			return true
		}
	}
	return false
}

// Season is the time of year an incident occurred.
type Season string

const (
	SeasonSummer  Season = "Summer"
	SeasonMonsoon Season = "Monsoon"
	SeasonWinter  Season = "Winter"
)

// Seasons lists the recognized seasons in calendar order.
var Seasons = []Season{SeasonSummer, SeasonMonsoon, SeasonWinter}

// ParseSeason normalizes a season label. Unrecognized labels yield ok == false
// and are scored without any seasonal bonus.
func ParseSeason(s string) (Season, bool) {
	key := normalizeLabel(s)
	for _, season := range Seasons {
		if normalizeLabel(string(season)) == key {
			return season, true
		}
	}
	return Season(strings.TrimSpace(s)), false
}

// Demographic is the behavioural profile of the animal involved.
type Demographic string

const (
	DemographicGeneral        Demographic = "General"
	DemographicSolitaryMale   Demographic = "Solitary Male"
	DemographicMotherWithCubs Demographic = "Mother with Cubs"
)

// ParseDemographic normalizes a demographic label. An empty label is General.
func ParseDemographic(s string) (Demographic, bool) {
	if strings.TrimSpace(s) == "" {
		return DemographicGeneral, true
	}
	key := normalizeLabel(s)
	for _, d := range []Demographic{DemographicGeneral, DemographicSolitaryMale, DemographicMotherWithCubs} {
		if normalizeLabel(string(d)) == key {
			return d, true
		}
	}
	return Demographic(strings.TrimSpace(s)), false
}

// DemographicOptions returns the profiles that are meaningful for a species.
// Mother with Cubs is only offered for species that den or raise cubs alone.
func DemographicOptions(s Species) []Demographic {
	opts := []Demographic{DemographicGeneral, DemographicSolitaryMale}
	switch s {
	case SpeciesSlothBear, SpeciesTiger, SpeciesLeopard:
		opts = append(opts, DemographicMotherWithCubs)
	}
	return opts
}

// UnmarshalJSON accepts any casing or separator style for the species label.
func (s *Species) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s, _ = ParseSpecies(raw)
	return nil
}

// UnmarshalJSON accepts any casing for the season label.
func (s *Season) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s, _ = ParseSeason(raw)
	return nil
}

// UnmarshalJSON accepts any casing for the demographic label.
func (d *Demographic) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d, _ = ParseDemographic(raw)
	return nil
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
