package simulate

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

func hotspotFor(inc *domain.Incident) (Hotspot, bool) {
	for _, h := range Hotspots[inc.Species] {
		if h.District == inc.District {
			return h, true
		}
	}
	return Hotspot{}, false
}

func TestBulk(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	incidents := NewGenerator(42, clock).Bulk(500)
	require.Len(t, incidents, 500)

	seen := map[domain.Species]int{}
	for _, inc := range incidents {
		seen[inc.Species]++

		spot, ok := hotspotFor(inc)
		require.True(t, ok, "district %s is not a %s hotspot", inc.District, inc.Species)
		assert.LessOrEqual(t, math.Abs(inc.Lat-spot.Lat), bulkJitter+1e-5)
		assert.LessOrEqual(t, math.Abs(inc.Lon-spot.Lon), bulkJitter+1e-5)
		assert.Equal(t, spot.State, inc.State)

		assert.False(t, inc.OccurredAt.Before(bulkStart))
		assert.False(t, inc.OccurredAt.After(bulkEnd))
		assert.Equal(t, domain.SeasonFor(inc.OccurredAt), inc.Season)
		assert.Contains(t, []string{OutcomeDeceased, OutcomeInjured}, inc.VictimOutcome)
		assert.Equal(t, domain.SourceSimulated, inc.SourceType)
		assert.Equal(t, clock.Now(), inc.CreatedAt)
		assert.True(t, strings.HasPrefix(inc.ID, "SIM-"))
		require.NoError(t, inc.Validate())
	}
	assert.Len(t, seen, len(domain.SupportedSpecies))
	assert.Equal(t, "SIM-1000", incidents[0].ID)
}

func TestBulkFatalityRates(t *testing.T) {
	incidents := NewGenerator(1, nil).Bulk(4000)

	deceased := map[bool][2]int{}
	for _, inc := range incidents {
		big := inc.Species == domain.SpeciesTiger || inc.Species == domain.SpeciesElephant
		c := deceased[big]
		c[1]++
		if inc.VictimOutcome == OutcomeDeceased {
			c[0]++
		}
		deceased[big] = c
	}

	rate := func(c [2]int) float64 { return float64(c[0]) / float64(c[1]) }
	assert.InDelta(t, 0.4, rate(deceased[true]), 0.05)
	assert.InDelta(t, 0.1, rate(deceased[false]), 0.05)
}

func TestBulkIsReproducible(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := NewGenerator(9, clock).Bulk(20)
	b := NewGenerator(9, clock).Bulk(20)
	assert.Equal(t, a, b)
}

func TestPseudoAbsence(t *testing.T) {
	g := NewGenerator(42, clockwork.NewFakeClock())
	positives := g.Bulk(50)
	negatives := g.PseudoAbsence(positives)
	require.Len(t, negatives, len(positives))

	for i, neg := range negatives {
		pos := positives[i]
		assert.Equal(t, "PA-"+pos.ID, neg.ID)
		assert.Equal(t, pos.Species, neg.Species)
		assert.Equal(t, pos.District, neg.District)
		assert.LessOrEqual(t, math.Abs(neg.Lat-pos.Lat), pseudoAbsenceSpan)
		assert.LessOrEqual(t, math.Abs(neg.Lon-pos.Lon), pseudoAbsenceSpan)
		assert.Empty(t, neg.Covariates)
		assert.Empty(t, neg.VictimOutcome)
	}
}
