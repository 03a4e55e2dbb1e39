// Package simulate generates synthetic incidents for demos and labelled
// evaluation sets.
package simulate

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// Hotspot is a district where a species is known to come into conflict.
type Hotspot struct {
	District string
	State    string
	Lat      float64
	Lon      float64
}

// Hotspots maps each supported species to the districts bulk data is drawn from.
var Hotspots = map[domain.Species][]Hotspot{
	domain.SpeciesSlothBear: {
		{District: "Koppal", State: "Karnataka", Lat: 15.35, Lon: 76.15},
		{District: "Banaskantha", State: "Gujarat", Lat: 24.30, Lon: 72.20},
		{District: "Balaghat", State: "Madhya Pradesh", Lat: 21.81, Lon: 80.18},
		{District: "Dhenkanal", State: "Odisha", Lat: 20.64, Lon: 85.59},
	},
	domain.SpeciesTiger: {
		{District: "Mysuru", State: "Karnataka", Lat: 12.29, Lon: 76.63},
		{District: "Chandrapur", State: "Maharashtra", Lat: 19.96, Lon: 79.29},
		{District: "Nainital", State: "Uttarakhand", Lat: 29.38, Lon: 79.46},
	},
	domain.SpeciesElephant: {
		{District: "Kodagu", State: "Karnataka", Lat: 12.42, Lon: 75.73},
		{District: "Angul", State: "Odisha", Lat: 20.83, Lon: 85.15},
		{District: "Coimbatore", State: "Tamil Nadu", Lat: 11.01, Lon: 76.95},
	},
	domain.SpeciesLeopard: {
		{District: "Mumbai Suburban", State: "Maharashtra", Lat: 19.07, Lon: 72.87},
		{District: "Mandya", State: "Karnataka", Lat: 12.52, Lon: 76.89},
		{District: "Guwahati", State: "Assam", Lat: 26.14, Lon: 91.73},
	},
}

// Victim outcomes used in generated records.
const (
	OutcomeDeceased = "Deceased"
	OutcomeInjured  = "Injured"
)

const (
	bulkJitter        = 0.1
	pseudoAbsenceSpan = 0.05
	bulkIDOffset      = 1000
)

var (
	bulkStart = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	bulkEnd   = time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
)

// Generator produces reproducible synthetic incidents.
type Generator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	clock clockwork.Clock
}

// NewGenerator creates a generator seeded with seed. A nil clock uses the
// real clock.
func NewGenerator(seed int64, clock clockwork.Clock) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed)), clock: clock}
}

// Bulk generates n incidents spread over species hotspots. Each point is
// the hotspot centre jittered by up to 0.1 degrees, dated between 2020 and
// 2024. Tigers and elephants are fatal 40% of the time, other species 10%.
func (g *Generator) Bulk(n int) []*domain.Incident {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UTC()
	days := int(bulkEnd.Sub(bulkStart).Hours() / 24)
	out := make([]*domain.Incident, 0, n)

	for i := 0; i < n; i++ {
		species := domain.SupportedSpecies[g.rng.Intn(len(domain.SupportedSpecies))]
		spots := Hotspots[species]
		spot := spots[g.rng.Intn(len(spots))]
		occurred := bulkStart.AddDate(0, 0, g.rng.Intn(days+1))

		fatality := 0.1
		if species == domain.SpeciesTiger || species == domain.SpeciesElephant {
			fatality = 0.4
		}
		outcome := OutcomeInjured
		if g.rng.Float64() < fatality {
			outcome = OutcomeDeceased
		}

		out = append(out, &domain.Incident{
			ID:            fmt.Sprintf("SIM-%d", i+bulkIDOffset),
			Species:       species,
			Demographic:   domain.DemographicGeneral,
			Season:        domain.SeasonFor(occurred),
			Lat:           round5(spot.Lat + g.uniform(-bulkJitter, bulkJitter)),
			Lon:           round5(spot.Lon + g.uniform(-bulkJitter, bulkJitter)),
			Village:       "Forest Fringe (Simulated)",
			District:      spot.District,
			State:         spot.State,
			OccurredAt:    occurred,
			VictimOutcome: outcome,
			Details:       "Simulated data based on regional conflict probability",
			SourceType:    domain.SourceSimulated,
			CreatedAt:     now,
		})
	}
	return out
}

// PseudoAbsence returns one nearby point per positive incident, offset by up
// to 0.05 degrees on each axis, standing for a place where no conflict was
// recorded. Species, district and state are copied; covariates are not.
func (g *Generator) PseudoAbsence(positives []*domain.Incident) []*domain.Incident {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UTC()
	out := make([]*domain.Incident, 0, len(positives))
	for _, p := range positives {
		out = append(out, &domain.Incident{
			ID:          "PA-" + p.ID,
			TenantID:    p.TenantID,
			Species:     p.Species,
			Demographic: p.Demographic,
			Season:      p.Season,
			Lat:         p.Lat + g.uniform(-pseudoAbsenceSpan, pseudoAbsenceSpan),
			Lon:         p.Lon + g.uniform(-pseudoAbsenceSpan, pseudoAbsenceSpan),
			District:    p.District,
			State:       p.State,
			SourceType:  domain.SourceSimulated,
			CreatedAt:   now,
		})
	}
	return out
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
