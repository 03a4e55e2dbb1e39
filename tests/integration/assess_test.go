//go:build integration
// +build integration

// Package integration exercises a running Pugmark server over HTTP.
//
// Every request supplies a full covariate set so scores do not depend on
// which feature provider the server runs with:
//
//	vegetation_index            0.8
//	proximity_to_water          100 m
//	proximity_to_village        2000 m
//	proximity_to_rocky_outcrop  2000 m
//	proximity_to_grassland      100 m
//	proximity_to_agriculture    2000 m
//	slope_angle                 10 degrees
//
// Against that habitat the built-in tables give:
//
//	Tiger (Summer)   1.0  HIGH
//	Tiger (no date)  0.7  HIGH
//	Leopard          0.2  LOW
//	Elephant         0.7  HIGH
//	Sloth Bear       0.2  LOW
//
// Run with: go test -tags=integration -v ./tests/integration/...
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

type testConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig(t *testing.T) testConfig {
	t.Helper()
	baseURL := os.Getenv("PUGMARK_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	cfg := testConfig{BaseURL: baseURL, TenantID: "integration-tenant"}

	resp, err := httpClient.Get(cfg.BaseURL + "/health")
	if err != nil {
		t.Skipf("pugmark not reachable at %s: %v", cfg.BaseURL, err)
	}
	resp.Body.Close()
	return cfg
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Wire types, kept separate from the server packages so the tests only
// depend on the JSON contract.

type incidentRequest struct {
	ID          string             `json:"id,omitempty"`
	Species     string             `json:"species"`
	Demographic string             `json:"demographic,omitempty"`
	Season      string             `json:"season,omitempty"`
	Lat         float64            `json:"lat"`
	Lon         float64            `json:"lon"`
	District    string             `json:"district,omitempty"`
	State       string             `json:"state,omitempty"`
	Date        string             `json:"date,omitempty"`
	Covariates  map[string]float64 `json:"covariates,omitempty"`
}

type assessResponse struct {
	AssessmentID string   `json:"assessmentId"`
	IncidentID   string   `json:"incidentId"`
	Species      string   `json:"species"`
	Status       string   `json:"status"`
	Probability  float64  `json:"probability"`
	Reasons      []string `json:"reasons"`
	Error        string   `json:"error"`
}

type batchResponse struct {
	BatchID     string `json:"batchId"`
	Assessments []struct {
		IncidentID  string  `json:"incidentId"`
		Status      string  `json:"status"`
		Probability float64 `json:"probability"`
		Error       string  `json:"error"`
	} `json:"assessments"`
	Summary struct {
		Total       int `json:"total"`
		HighRisk    int `json:"highRisk"`
		Invalid     int `json:"invalid"`
		Unsupported int `json:"unsupported"`
	} `json:"summary"`
}

func habitat() map[string]float64 {
	return map[string]float64{
		"vegetation_index":           0.8,
		"proximity_to_water":         100,
		"proximity_to_village":       2000,
		"proximity_to_rocky_outcrop": 2000,
		"proximity_to_grassland":     100,
		"proximity_to_agriculture":   2000,
		"slope_angle":                10,
	}
}

func incident(species string) incidentRequest {
	return incidentRequest{
		ID:         "it-" + uuid.NewString(),
		Species:    species,
		Lat:        19.96,
		Lon:        79.29,
		District:   "Chandrapur",
		State:      "Maharashtra",
		Covariates: habitat(),
	}
}

func do(t *testing.T, cfg testConfig, method, path string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, cfg.BaseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Tenant-ID", cfg.TenantID)

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func postJSON(t *testing.T, cfg testConfig, path string, payload any, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	status, data := do(t, cfg, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if out != nil && status < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshal %s: %v (body: %s)", path, err, data)
		}
	}
	return status
}

func assess(t *testing.T, cfg testConfig, req incidentRequest) assessResponse {
	t.Helper()
	var out assessResponse
	if status := postJSON(t, cfg, "/assess", req, &out); status != http.StatusOK {
		t.Fatalf("POST /assess returned %d", status)
	}
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTigerInSummer_HighRisk(t *testing.T) {
	cfg := getTestConfig(t)

	req := incident("Tiger")
	req.Date = "15/04/2023"

	result := assess(t, cfg, req)
	if result.Status != "HIGH" {
		t.Errorf("expected HIGH, got %s", result.Status)
	}
	if !near(result.Probability, 1.0) {
		t.Errorf("expected probability 1.0, got %.2f", result.Probability)
	}
	if len(result.Reasons) == 0 {
		t.Error("expected reasons for a HIGH assessment")
	}
	t.Logf("tiger: status=%s probability=%.2f", result.Status, result.Probability)
}

func TestLeopard_LowRisk(t *testing.T) {
	cfg := getTestConfig(t)

	result := assess(t, cfg, incident("Leopard"))
	if result.Status != "LOW" {
		t.Errorf("expected LOW, got %s", result.Status)
	}
	if !near(result.Probability, 0.2) {
		t.Errorf("expected probability 0.2, got %.2f", result.Probability)
	}
}

func TestUnsupportedSpecies(t *testing.T) {
	cfg := getTestConfig(t)

	result := assess(t, cfg, incident("Wolf"))
	if result.Status != "UNSUPPORTED" {
		t.Errorf("expected UNSUPPORTED, got %s", result.Status)
	}
	if result.Probability != 0 {
		t.Errorf("expected probability 0, got %.2f", result.Probability)
	}
}

func TestInvalidCoordinatesRejected(t *testing.T) {
	cfg := getTestConfig(t)

	req := incident("Tiger")
	req.Lat = 123
	if status := postJSON(t, cfg, "/assess", req, nil); status != http.StatusBadRequest {
		t.Errorf("expected 400 for latitude 123, got %d", status)
	}
}

func TestBatch_FailuresStayInPlace(t *testing.T) {
	cfg := getTestConfig(t)

	bad := incident("Tiger")
	bad.Lat = -91

	payload := map[string]any{"incidents": []incidentRequest{
		incident("Elephant"),
		bad,
		incident("Wolf"),
		incident("Sloth Bear"),
	}}

	var out batchResponse
	if status := postJSON(t, cfg, "/assess/batch", payload, &out); status != http.StatusOK {
		t.Fatalf("POST /assess/batch returned %d", status)
	}
	if len(out.Assessments) != 4 {
		t.Fatalf("expected 4 assessments, got %d", len(out.Assessments))
	}

	want := []string{"HIGH", "INVALID", "UNSUPPORTED", "LOW"}
	for i, a := range out.Assessments {
		if a.Status != want[i] {
			t.Errorf("assessment %d: expected %s, got %s (error %q)", i, want[i], a.Status, a.Error)
		}
	}
	if out.Assessments[1].Error == "" {
		t.Error("expected an error message on the invalid record")
	}
	if out.Summary.Total != 4 || out.Summary.HighRisk != 1 || out.Summary.Invalid != 1 || out.Summary.Unsupported != 1 {
		t.Errorf("unexpected summary: %+v", out.Summary)
	}
}

func TestImportSheet(t *testing.T) {
	cfg := getTestConfig(t)

	var sheet bytes.Buffer
	sheet.WriteString("Incident-id,Date(dd/mm/yr),Animal,District,State,lat,lon\n")
	fmt.Fprintf(&sheet, "it-imp-%s,10/05/2022,Tiger,Chandrapur,Maharashtra,19.96,79.29\n", uuid.NewString())
	sheet.WriteString("it-imp-nodistrict,10/05/2022,Leopard,,Maharashtra,19.96,79.29\n")

	status, data := do(t, cfg, http.MethodPost, "/incidents/import", &sheet, "text/csv")
	if status != http.StatusOK {
		t.Fatalf("POST /incidents/import returned %d: %s", status, data)
	}

	var out struct {
		Assessments []struct {
			Status string `json:"status"`
		} `json:"assessments"`
		Dropped  int    `json:"dropped"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Assessments) != 1 {
		t.Errorf("expected 1 assessment, got %d", len(out.Assessments))
	}
	if out.Dropped != 1 {
		t.Errorf("expected 1 dropped row, got %d", out.Dropped)
	}
	if out.Encoding == "" {
		t.Error("expected the detected encoding to be reported")
	}
}

func TestCustomRule_AppliedAfterReload(t *testing.T) {
	cfg := getTestConfig(t)

	district := "Integration-" + uuid.NewString()[:8]
	rule := map[string]any{
		"id":         "it-rule-" + uuid.NewString()[:8],
		"name":       "Integration district boost",
		"species":    "Leopard",
		"expression": fmt.Sprintf("district == %q", district),
		"weight":     30,
		"enabled":    true,
	}
	if status := postJSON(t, cfg, "/rules", rule, nil); status != http.StatusCreated {
		t.Fatalf("POST /rules returned %d", status)
	}

	var reload struct {
		Count int `json:"count"`
	}
	if status := postJSON(t, cfg, "/rules/reload", struct{}{}, &reload); status != http.StatusOK {
		t.Fatalf("POST /rules/reload returned %d", status)
	}
	if reload.Count < 1 {
		t.Errorf("expected at least one custom rule loaded, got %d", reload.Count)
	}

	req := incident("Leopard")
	req.District = district
	result := assess(t, cfg, req)

	// 20 from the built-in table plus 30 from the rule. 0.5 is not above
	// the alert threshold.
	if !near(result.Probability, 0.5) {
		t.Errorf("expected probability 0.5, got %.2f", result.Probability)
	}
	if result.Status != "LOW" {
		t.Errorf("expected LOW, got %s", result.Status)
	}
}

func TestStoredAssessmentRetrievable(t *testing.T) {
	cfg := getTestConfig(t)

	result := assess(t, cfg, incident("Elephant"))

	status, data := do(t, cfg, http.MethodGet, "/assessments/"+result.AssessmentID, nil, "")
	if status != http.StatusOK {
		t.Fatalf("GET /assessments/%s returned %d: %s", result.AssessmentID, status, data)
	}

	status, _ = do(t, cfg, http.MethodGet, "/incidents/"+result.IncidentID, nil, "")
	if status != http.StatusOK {
		t.Errorf("GET /incidents/%s returned %d", result.IncidentID, status)
	}
}
