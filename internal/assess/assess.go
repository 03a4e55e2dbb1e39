// Package assess runs the scoring pipeline shared by the HTTP API and the
// async worker: locate, resolve covariates, persist, score, decide, publish
// and export.
package assess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/opensource-wildlife/pugmark/internal/bus"
	"github.com/opensource-wildlife/pugmark/internal/decision"
	"github.com/opensource-wildlife/pugmark/internal/density"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/features"
	"github.com/opensource-wildlife/pugmark/internal/observability"
	"github.com/opensource-wildlife/pugmark/internal/rules"
)

// ErrNoIncidents means a batch was empty.
var ErrNoIncidents = errors.New("no incidents to assess")

// Options wires the pipeline. Engine and Processor are required; everything
// else is optional.
type Options struct {
	Repo      domain.Repository
	Engine    *rules.Engine
	Processor *decision.Processor
	Features  domain.FeatureProvider
	Geocoder  domain.Geocoder
	Density   *density.Service
	Bus       domain.EventBus
	Exporter  domain.Exporter
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Clock     clockwork.Clock

	// MaxConcurrency bounds parallel geocoding and covariate lookups.
	MaxConcurrency int
}

// Service scores incidents.
type Service struct {
	opts Options
}

// New creates a pipeline.
func New(opts Options) (*Service, error) {
	if opts.Engine == nil || opts.Processor == nil {
		return nil, errors.New("assess: engine and processor are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	return &Service{opts: opts}, nil
}

// Assess scores one incident.
func (s *Service) Assess(ctx context.Context, tenantID, traceID string, inc *domain.Incident) (*domain.Assessment, error) {
	resp, err := s.AssessBatch(ctx, tenantID, traceID, []*domain.Incident{inc})
	if err != nil {
		return nil, err
	}
	return resp.Assessments[0], nil
}

// AssessBatch scores incidents and returns one assessment per incident in
// input order. A failure in one record is reported on its assessment and
// never aborts the batch; only cancellation does.
func (s *Service) AssessBatch(ctx context.Context, tenantID, traceID string, incidents []*domain.Incident) (*domain.BatchResponse, error) {
	if len(incidents) == 0 {
		return nil, ErrNoIncidents
	}
	return s.run(ctx, tenantID, traceID, incidents, make([]error, len(incidents)))
}

// AssessRequests converts API payloads and scores them. A payload that fails
// conversion is reported as an INVALID assessment in its slot.
func (s *Service) AssessRequests(ctx context.Context, tenantID, traceID string, reqs []domain.IncidentRequest) (*domain.BatchResponse, error) {
	if len(reqs) == 0 {
		return nil, ErrNoIncidents
	}
	now := s.opts.Clock.Now().UTC()
	incidents := make([]*domain.Incident, len(reqs))
	inputErrs := make([]error, len(reqs))
	for i := range reqs {
		inc, err := reqs[i].ToIncident(tenantID, now)
		if err != nil {
			species, _ := domain.ParseSpecies(reqs[i].Species)
			inc = &domain.Incident{
				ID:       reqs[i].ID,
				Species:  species,
				District: reqs[i].District,
				State:    reqs[i].State,
			}
			inputErrs[i] = err
		}
		incidents[i] = inc
	}
	return s.run(ctx, tenantID, traceID, incidents, inputErrs)
}

func (s *Service) run(ctx context.Context, tenantID, traceID string, incidents []*domain.Incident, inputErrs []error) (*domain.BatchResponse, error) {
	start := s.opts.Clock.Now()
	batchID := uuid.New().String()
	log := s.opts.Logger.With("tenant_id", tenantID, "batch_id", batchID)

	prepErrs := s.prepare(ctx, tenantID, incidents, inputErrs)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.opts.Metrics.IncIncidents(len(incidents))
	s.persistIncidents(ctx, log, tenantID, incidents, prepErrs)

	results := s.opts.Engine.EvaluateBatch(ctx, tenantID, incidents)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, err := range prepErrs {
		if err != nil {
			results[i] = rules.BatchResult{Err: err}
		}
	}

	assessments := s.opts.Processor.ProcessBatch(ctx, tenantID, batchID, incidents, results, start)
	for _, a := range assessments {
		if traceID != "" {
			a.Metadata["trace_id"] = traceID
		}
		if s.opts.Features != nil {
			a.Metadata["features"] = s.opts.Features.Name()
		}
		s.opts.Metrics.ObserveAssessment(string(a.Species), string(a.Status), a.Probability)
	}

	s.persistAssessments(ctx, log, tenantID, assessments)
	s.publish(ctx, log, tenantID, assessments)
	if s.opts.Exporter != nil {
		// Export failures are logged by the exporter and must not fail scoring.
		_ = s.opts.Exporter.Export(ctx, batchID, assessments)
	}

	elapsed := s.opts.Clock.Since(start)
	s.opts.Metrics.ObserveBatch(len(incidents), elapsed.Seconds())

	summary := domain.Summarize(assessments)
	log.Info("batch assessed",
		"count", summary.Total,
		"high_risk", summary.HighRisk,
		"invalid", summary.Invalid,
		"unsupported", summary.Unsupported,
		"top_species", summary.TopSpecies(),
		"duration_ms", elapsed.Milliseconds(),
	)

	return &domain.BatchResponse{
		BatchID:     batchID,
		Assessments: assessments,
		Summary:     summary,
	}, nil
}

// prepare assigns identity, locates incidents without coordinates and
// resolves covariates. Records with an error in errs are only given an
// identity. The returned slice is errs filled in.
func (s *Service) prepare(ctx context.Context, tenantID string, incidents []*domain.Incident, errs []error) []error {
	now := s.opts.Clock.Now().UTC()

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.opts.MaxConcurrency)

	for i, inc := range incidents {
		if inc == nil {
			errs[i] = fmt.Errorf("%w: nil incident", domain.ErrInvalidIncident)
			continue
		}
		inc.TenantID = tenantID
		if inc.ID == "" {
			inc.ID = uuid.New().String()
		}
		if inc.CreatedAt.IsZero() {
			inc.CreatedAt = now
		}
		if errs[i] != nil {
			continue
		}
		if err := inc.Validate(); err != nil {
			errs[i] = err
			continue
		}
		if !inc.Species.Supported() {
			// Scored as UNSUPPORTED; no lookups needed.
			continue
		}

		wg.Add(1)
		go func(idx int, inc *domain.Incident) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			if err := s.locate(ctx, inc); err != nil {
				errs[idx] = err
				return
			}
			cov, err := features.Resolve(ctx, s.opts.Features, inc)
			if err != nil {
				errs[idx] = err
				return
			}
			inc.Covariates = cov
		}(i, inc)
	}

	wg.Wait()
	return errs
}

// locate fills coordinates from the address when they are missing.
func (s *Service) locate(ctx context.Context, inc *domain.Incident) error {
	if inc.HasCoordinates() || s.opts.Geocoder == nil {
		return nil
	}
	if inc.District == "" && inc.State == "" {
		return nil
	}
	pt, err := s.opts.Geocoder.Geocode(ctx, domain.Address{
		Village:  inc.Village,
		District: inc.District,
		State:    inc.State,
	})
	if err != nil {
		if errors.Is(err, domain.ErrLocationNotFound) {
			// Scoring needs no coordinates when covariates were supplied.
			if inc.Covariates.Complete() {
				return nil
			}
			return fmt.Errorf("%w: %v", domain.ErrInvalidIncident, err)
		}
		return fmt.Errorf("geocode %s: %w", inc.ID, err)
	}
	inc.Lat, inc.Lon = pt.Lat, pt.Lon
	return nil
}

func (s *Service) persistIncidents(ctx context.Context, log *slog.Logger, tenantID string, incidents []*domain.Incident, prepErrs []error) {
	for i, inc := range incidents {
		if inc == nil || (prepErrs[i] != nil && errors.Is(prepErrs[i], domain.ErrInvalidIncident)) {
			continue
		}
		if s.opts.Repo != nil {
			if err := s.opts.Repo.SaveIncident(ctx, tenantID, inc); err != nil {
				log.Error("failed to save incident", "incident_id", inc.ID, "error", err)
			}
		}
		if s.opts.Density != nil {
			if _, err := s.opts.Density.Observe(ctx, tenantID, inc); err != nil {
				log.Warn("failed to record district density", "district", inc.District, "error", err)
			}
		}
	}
}

func (s *Service) persistAssessments(ctx context.Context, log *slog.Logger, tenantID string, assessments []*domain.Assessment) {
	if s.opts.Repo == nil {
		return
	}
	for _, a := range assessments {
		if err := s.opts.Repo.SaveAssessment(ctx, tenantID, a); err != nil {
			log.Error("failed to save assessment", "assessment_id", a.ID, "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, tenantID string, assessments []*domain.Assessment) {
	if s.opts.Bus == nil {
		return
	}
	for _, a := range assessments {
		if err := bus.PublishJSON(ctx, s.opts.Bus, tenantID, domain.TopicAssessmentScored, a); err != nil {
			log.Error("failed to publish assessment", "assessment_id", a.ID, "error", err)
		}
		if decision.ShouldAlert(a) {
			if err := bus.PublishJSON(ctx, s.opts.Bus, tenantID, domain.TopicRiskHigh, a); err != nil {
				log.Error("failed to publish high-risk alert", "assessment_id", a.ID, "error", err)
			}
		}
	}
}

// Reload replaces the engine's custom rules with those stored for tenantID.
func (s *Service) Reload(ctx context.Context, tenantID string) (int, error) {
	if s.opts.Repo == nil {
		return 0, errors.New("repository not available")
	}
	configs, err := s.opts.Repo.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	if err := s.opts.Engine.ReloadRules(configs); err != nil {
		return 0, fmt.Errorf("reload rules: %w", err)
	}
	return len(configs), nil
}
