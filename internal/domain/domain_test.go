package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecies(t *testing.T) {
	tests := []struct {
		in   string
		want Species
		ok   bool
	}{
		{"Sloth Bear", SpeciesSlothBear, true},
		{"sloth_bear", SpeciesSlothBear, true},
		{"  SLOTH-BEAR ", SpeciesSlothBear, true},
		{"tiger", SpeciesTiger, true},
		{"Elephant", SpeciesElephant, true},
		{"Wolf", Species("Wolf"), false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseSpecies(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestSpeciesJSONNormalizes(t *testing.T) {
	var inc Incident
	require.NoError(t, json.Unmarshal([]byte(`{"species":"sloth bear","season":"summer","demographic":"mother with cubs"}`), &inc))
	assert.Equal(t, SpeciesSlothBear, inc.Species)
	assert.Equal(t, SeasonSummer, inc.Season)
	assert.Equal(t, DemographicMotherWithCubs, inc.Demographic)
}

func TestDemographicOptions(t *testing.T) {
	assert.Contains(t, DemographicOptions(SpeciesTiger), DemographicMotherWithCubs)
	assert.NotContains(t, DemographicOptions(SpeciesElephant), DemographicMotherWithCubs)
	d, ok := ParseDemographic("")
	assert.True(t, ok)
	assert.Equal(t, DemographicGeneral, d)
}

func TestCovariatesValidate(t *testing.T) {
	cov := Covariates{
		CovVegetationIndex: 0.6,
		CovWater:           math.NaN(),
	}
	err := cov.Validate(SpeciesTiger, []Covariate{CovVegetationIndex, CovWater, CovGrassland})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCovariate))

	var cerr *CovariateError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []Covariate{CovGrassland}, cerr.Missing)
	assert.Equal(t, []Covariate{CovWater}, cerr.Invalid)

	cov[CovWater] = 100
	cov[CovGrassland] = math.Inf(1)
	err = cov.Validate(SpeciesTiger, []Covariate{CovWater, CovGrassland})
	assert.ErrorIs(t, err, ErrInvalidCovariate)

	cov[CovGrassland] = 10
	assert.NoError(t, cov.Validate(SpeciesTiger, []Covariate{CovWater, CovGrassland}))
}

func TestCovariatesMergeKeepsExisting(t *testing.T) {
	base := Covariates{CovWater: 10, CovSlopeAngle: math.NaN()}
	merged := base.Merge(Covariates{CovWater: 999, CovSlopeAngle: 12, CovVillage: 300})

	assert.Equal(t, 10.0, merged[CovWater])
	assert.Equal(t, 12.0, merged[CovSlopeAngle])
	assert.Equal(t, 300.0, merged[CovVillage])
	assert.True(t, math.IsNaN(base[CovSlopeAngle]), "merge must not mutate receiver")
	assert.False(t, merged.Complete())
}

func TestIncidentValidate(t *testing.T) {
	inc := &Incident{Species: SpeciesTiger, Lat: 91}
	assert.ErrorIs(t, inc.Validate(), ErrInvalidIncident)

	inc.Lat, inc.Lon = 12.3, -181
	assert.ErrorIs(t, inc.Validate(), ErrInvalidIncident)

	inc.Lon = 76.6
	assert.NoError(t, inc.Validate())
	assert.True(t, inc.HasCoordinates())
}

func TestIncidentRequestDerivesSeason(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := &IncidentRequest{Species: "leopard", Lat: 19.0, Lon: 72.9, Date: "15/12/2023"}

	inc, err := req.ToIncident("tenant-a", now)
	require.NoError(t, err)
	assert.Equal(t, SpeciesLeopard, inc.Species)
	assert.Equal(t, SeasonWinter, inc.Season)
	assert.Equal(t, DemographicGeneral, inc.Demographic)
	assert.Equal(t, "tenant-a", inc.TenantID)

	req.Date = "not a date"
	_, err = req.ToIncident("tenant-a", now)
	assert.ErrorIs(t, err, ErrInvalidIncident)
}

func TestIncidentRequestRejectsNonNumericCovariates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var req IncidentRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"species": "Elephant", "lat": 12.4, "lon": 75.7,
		"covariates": {"slope_angle": "steep", "vegetation_index": null, "proximity_to_water": 300}
	}`), &req), "a bad covariate value does not fail the decode")
	assert.Equal(t, map[string]float64{"proximity_to_water": 300}, req.Covariates)

	_, err := req.ToIncident("tenant-a", now)
	require.ErrorIs(t, err, ErrInvalidCovariate)
	var cerr *CovariateError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, SpeciesElephant, cerr.Species)
	assert.Equal(t, []Covariate{CovSlopeAngle, CovVegetationIndex}, cerr.Invalid)
	assert.Contains(t, err.Error(), "non-numeric")

	var ok IncidentRequest
	require.NoError(t, json.Unmarshal([]byte(`{"species":"Tiger","lat":12.4,"lon":75.7,"covariates":{"proximity_to_water":300}}`), &ok))
	inc, err := ok.ToIncident("tenant-a", now)
	require.NoError(t, err)
	assert.Equal(t, Covariates{CovWater: 300}, inc.Covariates)

	var bare IncidentRequest
	require.NoError(t, json.Unmarshal([]byte(`{"species":"Tiger","lat":12.4,"lon":75.7}`), &bare))
	assert.Nil(t, bare.Covariates)

	assert.Error(t, json.Unmarshal([]byte(`{"species":"Tiger","lat":"north"}`), &bare), "other fields still decode strictly")
}

func TestSeasonFor(t *testing.T) {
	assert.Equal(t, SeasonSummer, SeasonFor(time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, SeasonMonsoon, SeasonFor(time.Date(2024, time.August, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, SeasonWinter, SeasonFor(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]*Assessment{
		{Species: SpeciesTiger, Status: StatusHigh, Probability: 0.8},
		{Species: SpeciesTiger, Status: StatusLow, Probability: 0.2},
		{Species: SpeciesSlothBear, Status: StatusInvalid},
		{Species: "Wolf", Status: StatusUnsupported},
		nil,
	})

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.HighRisk)
	assert.Equal(t, 1, s.Invalid)
	assert.Equal(t, 1, s.Unsupported)
	assert.InDelta(t, 0.5, s.MeanProbability, 1e-9)
	assert.Equal(t, SpeciesTiger, s.TopSpecies()[0])
}

func TestConfigApplyEnv(t *testing.T) {
	env := map[string]string{
		"PUGMARK_PORT":            "9090",
		"PUGMARK_ALERT_THRESHOLD": "0.6",
		"PUGMARK_KAFKA_BROKERS":   "a:9092, b:9092",
		"PUGMARK_KAFKA_TOPIC":     "assessments",
		"PUGMARK_DEBUG":           "true",
	}
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 0.6, cfg.Scoring.AlertThreshold)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Export.KafkaBrokers)
	assert.True(t, cfg.Export.KafkaEnabled())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigApplyEnvRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "PUGMARK_PORT" {
			return "eighty"
		}
		return ""
	})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, ProConfig().Validate())

	cfg := DefaultConfig()
	cfg.Repository.Driver = "mysql"
	cfg.Scoring.AlertThreshold = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
	assert.Contains(t, err.Error(), "alert threshold")
}

func TestIncidentToRequestRoundTrip(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	req := IncidentRequest{
		ID:          "inc-1",
		Species:     "sloth bear",
		Demographic: "mother with cubs",
		Lat:         21.5,
		Lon:         80.1,
		District:    "Balaghat",
		State:       "Madhya Pradesh",
		Date:        "03/11/2022",
		Covariates:  map[string]float64{string(CovSlopeAngle): 12},
	}

	inc, err := req.ToIncident("t1", now)
	require.NoError(t, err)

	back := inc.ToRequest()
	assert.Equal(t, "Sloth Bear", back.Species)
	assert.Equal(t, "Mother with Cubs", back.Demographic)
	assert.Equal(t, "Winter", back.Season)
	assert.Equal(t, "03/11/2022", back.Date)
	assert.Equal(t, req.Covariates, back.Covariates)

	again, err := back.ToIncident("t1", now)
	require.NoError(t, err)
	assert.Equal(t, inc, again)
}
