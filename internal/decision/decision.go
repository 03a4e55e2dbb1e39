// Package decision turns per-record scores into assessments with a risk
// status and aggregates them into batch statistics.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/rules"
)

// EngineVersion is stamped on every assessment.
const EngineVersion = "pugmark-1.0"

// Processor maps scorer output to a final assessment.
type Processor struct {
	// Probability strictly above which an incident is HIGH risk
	AlertThreshold float64

	clock clockwork.Clock
}

// NewProcessor creates a processor with the default 0.5 threshold.
func NewProcessor() *Processor {
	return &Processor{
		AlertThreshold: domain.HighRiskThreshold,
		clock:          clockwork.NewRealClock(),
	}
}

// WithClock swaps the time source. Pass nil to reset to real time.
func (p *Processor) WithClock(c clockwork.Clock) *Processor {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	p.clock = c
	return p
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TenantID  string
	BatchID   string
	TraceID   string
	Incident  *domain.Incident
	Result    rules.Result
	Err       error
	StartTime time.Time
}

// Process builds the assessment for one scored record.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Assessment {
	now := p.clock.Now().UTC()

	a := &domain.Assessment{
		ID:        uuid.New().String(),
		TenantID:  input.TenantID,
		BatchID:   input.BatchID,
		Timestamp: now,
		Metadata: map[string]string{
			"engine": EngineVersion,
		},
	}
	if input.TraceID != "" {
		a.Metadata["trace_id"] = input.TraceID
	}
	if inc := input.Incident; inc != nil {
		a.IncidentID = inc.ID
		a.Species = inc.Species
		a.District = inc.District
		a.State = inc.State
	}
	if !input.StartTime.IsZero() {
		a.ProcessMs = now.Sub(input.StartTime).Milliseconds()
	}

	switch {
	case input.Err != nil:
		a.Status = domain.StatusInvalid
		a.Error = input.Err.Error()
	case !input.Result.Supported:
		a.Status = domain.StatusUnsupported
		a.Error = fmt.Sprintf("%v: %s", domain.ErrUnsupportedSpecies, a.Species)
	default:
		a.Probability = input.Result.Probability
		a.RawWeight = input.Result.RawWeight
		a.Hits = input.Result.Hits
		a.Status = domain.StatusLow
		if a.Probability > p.AlertThreshold {
			a.Status = domain.StatusHigh
		}
	}

	return a
}

// ProcessBatch builds assessments for a scored batch, in input order.
func (p *Processor) ProcessBatch(ctx context.Context, tenantID, batchID string, incidents []*domain.Incident, results []rules.BatchResult, start time.Time) []*domain.Assessment {
	out := make([]*domain.Assessment, len(incidents))
	for i, inc := range incidents {
		var res rules.BatchResult
		if i < len(results) {
			res = results[i]
		}
		out[i] = p.Process(ctx, &DecisionInput{
			TenantID:  tenantID,
			BatchID:   batchID,
			Incident:  inc,
			Result:    res.Result,
			Err:       res.Err,
			StartTime: start,
		})
	}
	return out
}

// ShouldAlert returns true if the assessment should trigger a high-risk event.
func ShouldAlert(a *domain.Assessment) bool {
	return a != nil && a.HighRisk()
}

// GetReasons lists the rules that pushed the score up.
func GetReasons(a *domain.Assessment) []string {
	var reasons []string
	for _, h := range a.Hits {
		if h.Error == "" && h.Weight > 0 {
			reasons = append(reasons, h.RuleID)
		}
	}
	return reasons
}

// IsInputError reports whether err is a per-record input failure rather
// than an infrastructure fault.
func IsInputError(err error) bool {
	return errors.Is(err, domain.ErrInvalidCovariate) ||
		errors.Is(err, domain.ErrInvalidIncident)
}
