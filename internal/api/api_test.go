package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-wildlife/pugmark/internal/assess"
	"github.com/opensource-wildlife/pugmark/internal/bus"
	"github.com/opensource-wildlife/pugmark/internal/cache"
	"github.com/opensource-wildlife/pugmark/internal/decision"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/features"
	"github.com/opensource-wildlife/pugmark/internal/geocode"
	"github.com/opensource-wildlife/pugmark/internal/observability"
	"github.com/opensource-wildlife/pugmark/internal/repository"
	"github.com/opensource-wildlife/pugmark/internal/rules"
	"github.com/opensource-wildlife/pugmark/internal/worker"
)

const testTenant = "tenant-001"

var testHabitat = domain.Covariates{
	domain.CovVegetationIndex: 0.8,
	domain.CovWater:           100,
	domain.CovVillage:         2000,
	domain.CovRockyOutcrop:    2000,
	domain.CovGrassland:       100,
	domain.CovAgriculture:     2000,
	domain.CovSlopeAngle:      10,
}

type testEnv struct {
	server  *Server
	bus     *bus.ChannelBus
	service *assess.Service
}

// newTestEnv wires a full community-tier stack on a temp SQLite file.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	channelBus := bus.NewChannelBus(100)
	t.Cleanup(func() { channelBus.Close() })

	engine, err := rules.NewEngine(nil, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	reg := prometheus.NewRegistry()
	svc, err := assess.New(assess.Options{
		Repo:      repo,
		Engine:    engine,
		Processor: decision.NewProcessor(),
		Features:  features.Static{Values: testHabitat},
		Geocoder:  geocode.NewDistrictTable(),
		Bus:       channelBus,
		Metrics:   observability.NewMetricsWithRegistry(reg),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Deps{
		Service: svc,
		Engine:  engine,
		Repo:    repo,
		Cache:   lru,
		Bus:     channelBus,
		Version: "test-v1",
	}, reg)

	return &testEnv{server: server, bus: channelBus, service: svc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, testTenant)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}

	rr := env.do(t, http.MethodGet, "/health", nil)
	var health map[string]any
	decodeBody(t, rr, &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", health["status"])
	}
	if health["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", health["version"])
	}
}

func TestTenantRequired(t *testing.T) {
	env := newTestEnv(t)

	for _, tenant := range []string{"", GlobalTenantID} {
		req := httptest.NewRequest(http.MethodPost, "/assess", strings.NewReader(`{}`))
		if tenant != "" {
			req.Header.Set(TenantIDHeader, tenant)
		}
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("tenant %q: expected 400, got %d", tenant, rr.Code)
		}
	}
}

func TestAssessEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("HighRiskTiger", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assess", domain.IncidentRequest{
			Species: "tiger", Date: "15/04/2023", Lat: 12.29, Lon: 76.63, District: "Mysuru",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace header")
		}

		var resp AssessResponse
		decodeBody(t, rr, &resp)
		if resp.Status != domain.StatusHigh || resp.Probability != 1.0 {
			t.Errorf("expected HIGH 1.0, got %s %.2f", resp.Status, resp.Probability)
		}
		if len(resp.Reasons) != 3 {
			t.Errorf("expected 3 reasons, got %v", resp.Reasons)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version in metadata, got %q", resp.Metadata.Version)
		}

		rr = env.do(t, http.MethodGet, "/assessments/"+resp.AssessmentID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected stored assessment, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodGet, "/incidents/"+resp.IncidentID, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected stored incident, got %d", rr.Code)
		}
	})

	t.Run("UnsupportedSpecies", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assess", domain.IncidentRequest{Species: "Wolf", Lat: 23, Lon: 72})
		var resp AssessResponse
		decodeBody(t, rr, &resp)
		if resp.Status != domain.StatusUnsupported || resp.Probability != 0 {
			t.Errorf("expected UNSUPPORTED 0, got %s %.2f", resp.Status, resp.Probability)
		}
	})

	t.Run("BadInput", func(t *testing.T) {
		cases := []any{
			"{not json",
			domain.IncidentRequest{Species: "Tiger", Lat: 200, Lon: 10},
			domain.IncidentRequest{Lat: 12, Lon: 76},
		}
		for _, body := range cases {
			rr := env.do(t, http.MethodPost, "/assess", body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400 for %v, got %d", body, rr.Code)
			}
		}
	})

	t.Run("NullCovariate", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/assess",
			`{"species":"Tiger","lat":12.3,"lon":76.6,"covariates":{"vegetation_index":null,"proximity_to_grassland":2000,"proximity_to_water":2000}}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for a null covariate, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), "vegetation_index") {
			t.Errorf("expected the covariate named in the error, got %s", rr.Body.String())
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		for _, path := range []string{"/assessments/missing", "/incidents/missing"} {
			rr := env.do(t, http.MethodGet, path, nil)
			if rr.Code != http.StatusNotFound {
				t.Errorf("%s: expected 404, got %d", path, rr.Code)
			}
		}
	})
}

func TestAssessBatchEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/assess/batch", domain.BatchRequest{Incidents: []domain.IncidentRequest{
		{ID: "b1", Species: "Elephant", Season: "Summer", Lat: 12.4, Lon: 75.7},
		{ID: "b2", Species: "Leopard", Date: "not-a-date", Lat: 19, Lon: 72.8},
		{ID: "b3", Species: "Wolf", Lat: 23, Lon: 72},
		{ID: "b4", Species: "Tiger", District: "Kodagu"},
	}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp domain.BatchResponse
	decodeBody(t, rr, &resp)
	want := []domain.AssessmentStatus{domain.StatusHigh, domain.StatusInvalid, domain.StatusUnsupported, domain.StatusHigh}
	if len(resp.Assessments) != len(want) {
		t.Fatalf("expected %d assessments, got %d", len(want), len(resp.Assessments))
	}
	for i, a := range resp.Assessments {
		if a.Status != want[i] {
			t.Errorf("assessment %d: expected %s, got %s (%s)", i, want[i], a.Status, a.Error)
		}
	}
	if resp.Summary.Total != 4 || resp.Summary.HighRisk != 2 || resp.Summary.Invalid != 1 {
		t.Errorf("unexpected summary %+v", resp.Summary)
	}

	rr = env.do(t, http.MethodPost, "/assess/batch", domain.BatchRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty batch, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/assess/batch", `{"incidents":[
		{"id":"c1","species":"Leopard","lat":19.07,"lon":72.87},
		{"id":"c2","species":"Elephant","lat":12.4,"lon":75.7,"covariates":{"slope_angle":"steep"}}
	]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("a non-numeric covariate must not fail the batch, got %d: %s", rr.Code, rr.Body.String())
	}
	var mixed domain.BatchResponse
	decodeBody(t, rr, &mixed)
	if len(mixed.Assessments) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(mixed.Assessments))
	}
	if a := mixed.Assessments[0]; a.IncidentID != "c1" || a.Status != domain.StatusLow {
		t.Errorf("expected c1 LOW, got %s %s (%s)", a.IncidentID, a.Status, a.Error)
	}
	if a := mixed.Assessments[1]; a.IncidentID != "c2" || a.Status != domain.StatusInvalid || !strings.Contains(a.Error, "non-numeric") {
		t.Errorf("expected c2 INVALID for a non-numeric covariate, got %s %s (%s)", a.IncidentID, a.Status, a.Error)
	}

	rr = env.do(t, http.MethodGet, "/incidents?species=elephant&limit=10", nil)
	var list struct {
		Incidents []domain.Incident `json:"incidents"`
		Count     int               `json:"count"`
	}
	decodeBody(t, rr, &list)
	if list.Count != 1 || list.Incidents[0].ID != "b1" {
		t.Errorf("expected only b1, got %+v", list)
	}

	rr = env.do(t, http.MethodGet, "/incidents?limit=-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", rr.Code)
	}
}

func TestImportEndpoint(t *testing.T) {
	env := newTestEnv(t)

	sheet := "Incident-id,Date(dd/mm/yr),Animal,District,State,lat,lon\n" +
		"S1,15/04/2023,Tiger,Mysuru,Karnataka,12.29,76.63\n" +
		"S2,15/04/2023,Leopard,,Karnataka,12.30,76.60\n" +
		"S3,10/12/2022,,Chandrapur,Maharashtra,,\n"

	rr := env.do(t, http.MethodPost, "/incidents/import", sheet)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ImportResponse
	decodeBody(t, rr, &resp)
	if resp.Dropped != 1 {
		t.Errorf("expected 1 dropped row, got %d", resp.Dropped)
	}
	if len(resp.Assessments) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(resp.Assessments))
	}
	if resp.Assessments[0].Status != domain.StatusHigh {
		t.Errorf("expected tiger HIGH, got %s", resp.Assessments[0].Status)
	}
	if resp.Assessments[1].Species != domain.SpeciesSlothBear {
		t.Errorf("expected blank animal to default to Sloth Bear, got %s", resp.Assessments[1].Species)
	}

	rr = env.do(t, http.MethodPost, "/incidents/import", "Animal,lat,lon\nTiger,1,1\n")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a district column, got %d", rr.Code)
	}
}

func TestSubmitIncidentEndpoint(t *testing.T) {
	env := newTestEnv(t)

	received := make(chan domain.IncidentMessage, 1)
	_, err := env.bus.Subscribe(context.Background(), domain.IngestTenant, domain.TopicIncidentIngested,
		func(_ context.Context, msg *domain.Message) error {
			var m domain.IncidentMessage
			if err := bus.DecodeJSON(msg, &m); err != nil {
				return err
			}
			received <- m
			return nil
		})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/incidents", domain.IncidentRequest{Species: "Leopard", Lat: 19, Lon: 72.8})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)

	select {
	case m := <-received:
		if m.Incident.ID != resp["incidentId"] || m.TenantID != testTenant {
			t.Errorf("unexpected message %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("incident was not published")
	}

	rr = env.do(t, http.MethodPost, "/incidents", domain.IncidentRequest{Species: "Leopard", Lat: 100})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestSubmitIncidentAndWait(t *testing.T) {
	env := newTestEnv(t)

	w := worker.NewWorker(env.bus, env.service, nil)
	if err := w.Start(worker.Config{WorkerCount: 1}); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer w.Stop()

	rr := env.do(t, http.MethodPost, "/incidents?wait=true", domain.IncidentRequest{
		ID: "wait-1", Species: "Elephant", Lat: 12.42, Lon: 75.73,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp AssessResponse
	decodeBody(t, rr, &resp)
	if resp.IncidentID != "wait-1" || resp.Status != domain.StatusHigh {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Probability != 0.7 {
		t.Errorf("expected probability 0.7, got %v", resp.Probability)
	}
}

func TestSpeciesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/species", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	var resp struct {
		Species []SpeciesInfo `json:"species"`
	}
	decodeBody(t, rr, &resp)
	if len(resp.Species) != len(domain.SupportedSpecies) {
		t.Fatalf("expected %d species, got %d", len(domain.SupportedSpecies), len(resp.Species))
	}
	for _, s := range resp.Species {
		if len(s.Rules) == 0 {
			t.Errorf("%s: expected rule table", s.Species)
		}
		if s.Species == domain.SpeciesElephant && len(s.Demographics) != 2 {
			t.Errorf("elephant should not offer Mother with Cubs, got %v", s.Demographics)
		}
	}
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/rules", CreateRuleRequest{
		ID: "bad", Name: "Bad", Expression: "proximity_to_water >", Weight: 10, Enabled: true,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid CEL, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/rules", CreateRuleRequest{
		ID: "night-water", Name: "Water hole", Species: "Unicorn", Expression: "true", Enabled: true,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported species, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/rules", CreateRuleRequest{
		ID: "leopard-water", Name: "Leopard near water", Species: "leopard",
		Expression: "proximity_to_water < 500.0", Weight: 40, Enabled: true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/rules/leopard-water", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("rule should not be live before reload, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/rules/reload", nil)
	var reload map[string]any
	decodeBody(t, rr, &reload)
	if reload["count"] != float64(1) {
		t.Errorf("expected 1 rule reloaded, got %v", reload["count"])
	}

	rr = env.do(t, http.MethodGet, "/rules/leopard-water", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected rule after reload, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/assess", domain.IncidentRequest{Species: "Leopard", Lat: 19, Lon: 72.8})
	var resp AssessResponse
	decodeBody(t, rr, &resp)
	if resp.Probability != 0.6 || resp.Status != domain.StatusHigh {
		t.Errorf("expected custom rule to lift leopard to 0.6 HIGH, got %.2f %s", resp.Probability, resp.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/assess", domain.IncidentRequest{Species: "Tiger", Lat: 12.3, Lon: 76.6})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), "pugmark_assessments_total") {
		t.Errorf("expected assessment counter in metrics output")
	}
}
