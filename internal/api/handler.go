package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-wildlife/pugmark/internal/assess"
	"github.com/opensource-wildlife/pugmark/internal/bus"
	"github.com/opensource-wildlife/pugmark/internal/decision"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/ingest"
	"github.com/opensource-wildlife/pugmark/internal/repository"
	"github.com/opensource-wildlife/pugmark/internal/rules"
)

const (
	// GlobalTenantID is used for rules that apply to all tenants.
	GlobalTenantID = "*"

	// MaxBatchSize caps the number of incidents in one batch request.
	MaxBatchSize = 5000

	maxImportBytes = 32 << 20

	// submitWaitTimeout bounds POST /incidents?wait=true.
	submitWaitTimeout = 15 * time.Second
)

// Deps holds the dependencies for API handlers. Service and Engine are required.
type Deps struct {
	Service *assess.Service
	Engine  *rules.Engine
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Logger  *slog.Logger
	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	service *assess.Service
	engine  *rules.Engine
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	log     *slog.Logger
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		service: deps.Service,
		engine:  deps.Engine,
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		log:     log,
		version: deps.Version,
	}
}

// AssessResponse is the response for POST /assess.
type AssessResponse struct {
	AssessmentID string                  `json:"assessmentId"`
	IncidentID   string                  `json:"incidentId"`
	Species      domain.Species          `json:"species"`
	Status       domain.AssessmentStatus `json:"status"`
	Probability  float64                 `json:"probability"`
	Reasons      []string                `json:"reasons,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Metadata     struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Assess handles POST /assess.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.IncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	inc, err := req.ToIncident(tenantID, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := h.service.Assess(ctx, tenantID, traceID, inc)
	if err != nil {
		h.failAssessment(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.assessResponse(a, traceID, start))
}

func (h *Handler) assessResponse(a *domain.Assessment, traceID string, start time.Time) AssessResponse {
	resp := AssessResponse{
		AssessmentID: a.ID,
		IncidentID:   a.IncidentID,
		Species:      a.Species,
		Status:       a.Status,
		Probability:  a.Probability,
		Reasons:      decision.GetReasons(a),
		Error:        a.Error,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	return resp
}

// AssessBatch handles POST /assess/batch. Malformed records come back as
// INVALID assessments in their original position.
func (h *Handler) AssessBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Incidents) == 0 {
		writeError(w, http.StatusBadRequest, "incidents must not be empty")
		return
	}
	if len(req.Incidents) > MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds "+strconv.Itoa(MaxBatchSize)+" incidents")
		return
	}

	resp, err := h.service.AssessRequests(ctx, GetTenantID(ctx), GetTraceID(ctx), req.Incidents)
	if err != nil {
		h.failAssessment(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ImportResponse is the response for POST /incidents/import.
type ImportResponse struct {
	*domain.BatchResponse
	Encoding  string   `json:"encoding"`
	Dropped   int      `json:"dropped"`
	RowErrors []string `json:"rowErrors,omitempty"`
}

// ImportIncidents handles POST /incidents/import: a CSV incident sheet is
// read and every parsed row is assessed as one batch.
func (h *Handler) ImportIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	result, err := ingest.Read(http.MaxBytesReader(w, r.Body, maxImportBytes), ingest.Options{
		Encoding: r.URL.Query().Get("encoding"),
		TenantID: tenantID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rowErrors := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		rowErrors = append(rowErrors, e.Error())
	}
	if len(result.Records) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     "no assessable rows",
			"dropped":   result.Dropped,
			"rowErrors": rowErrors,
		})
		return
	}
	if len(result.Records) > MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "sheet exceeds "+strconv.Itoa(MaxBatchSize)+" rows")
		return
	}

	incidents := make([]*domain.Incident, len(result.Records))
	for i, rec := range result.Records {
		incidents[i] = rec.Incident
	}
	resp, err := h.service.AssessBatch(ctx, tenantID, GetTraceID(ctx), incidents)
	if err != nil {
		h.failAssessment(w, err)
		return
	}

	h.log.Info("incident sheet imported",
		"tenant_id", tenantID,
		"rows", len(result.Records),
		"dropped", result.Dropped,
		"row_errors", len(rowErrors),
		"encoding", result.Encoding,
	)
	writeJSON(w, http.StatusOK, ImportResponse{
		BatchResponse: resp,
		Encoding:      result.Encoding,
		Dropped:       result.Dropped,
		RowErrors:     rowErrors,
	})
}

// SubmitIncident handles POST /incidents: the incident is validated and
// queued for the async worker.
func (h *Handler) SubmitIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var req domain.IncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if _, err := req.ToIncident(tenantID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	msg := domain.IncidentMessage{TenantID: tenantID, TraceID: GetTraceID(ctx), Incident: req}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		h.submitAndWait(w, r, msg)
		return
	}
	if err := bus.PublishJSON(ctx, h.bus, domain.IngestTenant, domain.TopicIncidentIngested, msg); err != nil {
		h.log.Error("failed to queue incident", "incident_id", req.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue incident")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"incidentId": req.ID,
		"status":     "queued",
	})
}

// submitAndWait queues msg as a bus request and answers with the worker's
// assessment.
func (h *Handler) submitAndWait(w http.ResponseWriter, r *http.Request, msg domain.IncidentMessage) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), submitWaitTimeout)
	defer cancel()

	payload, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode incident")
		return
	}
	data, err := h.bus.Request(ctx, domain.IngestTenant, domain.TopicIncidentIngested, payload)
	if err != nil {
		h.log.Warn("no worker reply", "incident_id", msg.Incident.ID, "error", err)
		writeError(w, http.StatusGatewayTimeout, "no worker replied for incident "+msg.Incident.ID)
		return
	}

	var reply domain.IncidentReply
	if err := json.Unmarshal(data, &reply); err != nil {
		writeError(w, http.StatusBadGateway, "malformed worker reply")
		return
	}
	if reply.Error != "" || reply.Assessment == nil {
		writeError(w, http.StatusUnprocessableEntity, reply.Error)
		return
	}
	writeJSON(w, http.StatusOK, h.assessResponse(reply.Assessment, msg.TraceID, start))
}

func (h *Handler) failAssessment(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assess.ErrNoIncidents):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "assessment cancelled")
	default:
		h.log.Error("assessment failed", "error", err)
		writeError(w, http.StatusInternalServerError, "assessment failed")
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetAssessment retrieves an assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	a, err := h.repo.GetAssessment(ctx, GetTenantID(ctx), id)
	if err != nil {
		h.writeLookupError(w, "assessment", id, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetIncident retrieves an incident by ID.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	inc, err := h.repo.GetIncident(ctx, GetTenantID(ctx), id)
	if err != nil {
		h.writeLookupError(w, "incident", id, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// ListIncidents handles GET /incidents?species=&district=&limit=.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	q := r.URL.Query()
	filter := domain.IncidentFilter{District: q.Get("district")}
	if s := q.Get("species"); s != "" {
		filter.Species, _ = domain.ParseSpecies(s)
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	incidents, err := h.repo.ListIncidents(ctx, GetTenantID(ctx), filter)
	if err != nil {
		h.log.Error("failed to list incidents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	if incidents == nil {
		incidents = []*domain.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// SpeciesInfo describes one supported species for clients.
type SpeciesInfo struct {
	Species      domain.Species       `json:"species"`
	Demographics []domain.Demographic `json:"demographics"`
	Rules        []rules.Rule         `json:"rules"`
}

// ListSpecies returns the supported species with their demographic options
// and rule tables.
func (h *Handler) ListSpecies(w http.ResponseWriter, r *http.Request) {
	tables := h.engine.Tables()
	out := make([]SpeciesInfo, 0, len(domain.SupportedSpecies))
	for _, sp := range domain.SupportedSpecies {
		out = append(out, SpeciesInfo{
			Species:      sp,
			Demographics: domain.DemographicOptions(sp),
			Rules:        tables[sp].Rules,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"species":          out,
		"seasons":          domain.Seasons,
		"highRiskAbove":    domain.HighRiskThreshold,
		"covariates":       domain.AllCovariates,
		"maxRawWeight":     rules.MaxRawWeight,
		"customRulesCount": h.engine.RulesCount(),
	})
}

// ListRules returns all custom rules loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a loaded custom rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a custom rule.
type CreateRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Species     string  `json:"species,omitempty"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule validates a custom rule and saves it globally (tenant "*").
// Call POST /rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}

	cfg := &domain.CustomRuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
		CreatedAt:   time.Now().UTC(),
	}
	if req.Species != "" {
		sp, ok := domain.ParseSpecies(req.Species)
		if !ok {
			writeError(w, http.StatusBadRequest, "unsupported species: "+req.Species)
			return
		}
		cfg.Species = sp
	}

	if err := h.engine.ValidateRule(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}
	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, cfg); err != nil {
		h.log.Error("failed to save rule config", "id", cfg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	h.log.Info("rule created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    cfg,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all custom rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Reload(r.Context(), GlobalTenantID)
	if err != nil {
		h.log.Error("failed to reload rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	h.log.Info("rules reloaded from database", "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	h.log.Error("lookup failed", "kind", kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load "+kind)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
