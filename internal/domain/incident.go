package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidIncident means an incident failed boundary validation.
var ErrInvalidIncident = errors.New("invalid incident")

// Incident represents one observed wildlife-human conflict event.
type Incident struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	Species     Species     `json:"species"`
	Demographic Demographic `json:"demographic"`
	Season      Season      `json:"season"`

	// Location
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Village  string  `json:"village,omitempty"`
	District string  `json:"district"`
	State    string  `json:"state"`

	// Reported details
	OccurredAt    time.Time `json:"occurredAt,omitempty"`
	VictimOutcome string    `json:"victimOutcome,omitempty"`
	Details       string    `json:"details,omitempty"`
	SourceType    string    `json:"sourceType,omitempty"`

	Covariates Covariates `json:"covariates,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Source types mirror where an incident record originated.
const (
	SourceVerified  = "Verified Incident"
	SourceSimulated = "Historical/Simulated"
)

// HasCoordinates reports whether the incident carries a usable location.
// (0, 0) is treated as missing, matching how upstream spreadsheets encode blanks.
func (i *Incident) HasCoordinates() bool {
	return i.Lat != 0 || i.Lon != 0
}

// Validate checks boundary invariants: coordinate ranges and a species label.
func (i *Incident) Validate() error {
	if strings.TrimSpace(string(i.Species)) == "" {
		return fmt.Errorf("%w: species is required", ErrInvalidIncident)
	}
	if i.Lat < -90 || i.Lat > 90 {
		return fmt.Errorf("%w: latitude %.5f out of range [-90,90]", ErrInvalidIncident, i.Lat)
	}
	if i.Lon < -180 || i.Lon > 180 {
		return fmt.Errorf("%w: longitude %.5f out of range [-180,180]", ErrInvalidIncident, i.Lon)
	}
	return nil
}

// SeasonFor derives the Indian season from a calendar month:
// March-June is Summer, July-October Monsoon, November-February Winter.
func SeasonFor(t time.Time) Season {
	switch t.Month() {
	case time.March, time.April, time.May, time.June:
		return SeasonSummer
	case time.July, time.August, time.September, time.October:
		return SeasonMonsoon
	default:
		return SeasonWinter
	}
}

// IncidentRequest is the API request payload for incident assessment.
type IncidentRequest struct {
	ID            string             `json:"id,omitempty"`
	Species       string             `json:"species"`
	Demographic   string             `json:"demographic,omitempty"`
	Season        string             `json:"season,omitempty"`
	Lat           float64            `json:"lat"`
	Lon           float64            `json:"lon"`
	Village       string             `json:"village,omitempty"`
	District      string             `json:"district,omitempty"`
	State         string             `json:"state,omitempty"`
	Date          string             `json:"date,omitempty"` // dd/mm/yyyy or RFC 3339
	VictimOutcome string             `json:"victimOutcome,omitempty"`
	Details       string             `json:"details,omitempty"`
	Covariates    map[string]float64 `json:"covariates,omitempty"`

	// badCovariates holds keys whose JSON value was null or not a number.
	badCovariates []Covariate
}

// UnmarshalJSON decodes the payload. A covariate that is null or not a
// number does not fail the decode; it is recorded and rejected by
// ToIncident so a batch can report it against this record alone.
func (r *IncidentRequest) UnmarshalJSON(data []byte) error {
	type plain IncidentRequest
	aux := struct {
		*plain
		Covariates map[string]json.RawMessage `json:"covariates,omitempty"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.Covariates, r.badCovariates = nil, nil
	if aux.Covariates == nil {
		return nil
	}
	r.Covariates = make(map[string]float64, len(aux.Covariates))
	for k, raw := range aux.Covariates {
		var v float64
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) || json.Unmarshal(raw, &v) != nil {
			r.badCovariates = append(r.badCovariates, Covariate(k))
			continue
		}
		r.Covariates[k] = v
	}
	sort.Slice(r.badCovariates, func(i, j int) bool { return r.badCovariates[i] < r.badCovariates[j] })
	return nil
}

// ToIncident converts a request to an Incident domain object. When no season
// is given it is derived from the date, if any.
func (r *IncidentRequest) ToIncident(tenantID string, now time.Time) (*Incident, error) {
	species, _ := ParseSpecies(r.Species)
	demographic, _ := ParseDemographic(r.Demographic)
	season, _ := ParseSeason(r.Season)

	if len(r.badCovariates) > 0 {
		return nil, &CovariateError{Species: species, Invalid: append([]Covariate(nil), r.badCovariates...)}
	}

	inc := &Incident{
		ID:            r.ID,
		TenantID:      tenantID,
		Species:       species,
		Demographic:   demographic,
		Season:        season,
		Lat:           r.Lat,
		Lon:           r.Lon,
		Village:       r.Village,
		District:      r.District,
		State:         r.State,
		VictimOutcome: r.VictimOutcome,
		Details:       r.Details,
		SourceType:    SourceVerified,
		CreatedAt:     now,
	}

	if r.Date != "" {
		occurred, err := ParseIncidentDate(r.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIncident, err)
		}
		inc.OccurredAt = occurred
		if season == "" {
			inc.Season = SeasonFor(occurred)
		}
	}

	if len(r.Covariates) > 0 {
		inc.Covariates = make(Covariates, len(r.Covariates))
		for k, v := range r.Covariates {
			inc.Covariates[Covariate(k)] = v
		}
	}

	if err := inc.Validate(); err != nil {
		return nil, err
	}
	return inc, nil
}

// ToRequest renders the incident as an API payload. The tenant, source
// type and creation time are not carried.
func (i *Incident) ToRequest() IncidentRequest {
	req := IncidentRequest{
		ID:            i.ID,
		Species:       string(i.Species),
		Demographic:   string(i.Demographic),
		Season:        string(i.Season),
		Lat:           i.Lat,
		Lon:           i.Lon,
		Village:       i.Village,
		District:      i.District,
		State:         i.State,
		VictimOutcome: i.VictimOutcome,
		Details:       i.Details,
	}
	if !i.OccurredAt.IsZero() {
		req.Date = i.OccurredAt.Format(incidentDateLayouts[0])
	}
	if len(i.Covariates) > 0 {
		req.Covariates = make(map[string]float64, len(i.Covariates))
		for k, v := range i.Covariates {
			req.Covariates[string(k)] = v
		}
	}
	return req
}

var incidentDateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"2006-01-02",
	time.RFC3339,
}

// ParseIncidentDate parses the dd/mm/yyyy dates used in incident sheets,
// falling back to ISO formats.
func ParseIncidentDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range incidentDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
