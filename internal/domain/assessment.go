package domain

import (
	"sort"
	"time"
)

// HighRiskThreshold is the probability above which an assessment is HIGH.
const HighRiskThreshold = 0.5

// AssessmentStatus is the outcome category of a scored incident.
type AssessmentStatus string

const (
	StatusHigh        AssessmentStatus = "HIGH"
	StatusLow         AssessmentStatus = "LOW"
	StatusInvalid     AssessmentStatus = "INVALID"
	StatusUnsupported AssessmentStatus = "UNSUPPORTED"
)

// RuleHit records one rule that contributed to a score.
type RuleHit struct {
	RuleID    string  `json:"ruleId"`
	Covariate string  `json:"covariate,omitempty"`
	Weight    float64 `json:"weight"`
	Custom    bool    `json:"custom,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Assessment is the scored result for one incident.
type Assessment struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenantId"`
	IncidentID string  `json:"incidentId"`
	BatchID    string  `json:"batchId,omitempty"`
	Species    Species `json:"species"`
	District   string  `json:"district,omitempty"`
	State      string  `json:"state,omitempty"`

	// Probability is clamp(RawWeight, 0, 100) / 100.
	Probability float64          `json:"probability"`
	RawWeight   float64          `json:"rawWeight"`
	Status      AssessmentStatus `json:"status"`
	Hits        []RuleHit        `json:"hits,omitempty"`
	Error       string           `json:"error,omitempty"`

	ProcessMs int64             `json:"processMs"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HighRisk reports whether the assessment crossed the alert threshold.
func (a *Assessment) HighRisk() bool {
	return a.Status == StatusHigh
}

// Summary aggregates a set of assessments into dashboard statistics.
type Summary struct {
	Total           int                      `json:"total"`
	HighRisk        int                      `json:"highRisk"`
	Invalid         int                      `json:"invalid"`
	Unsupported     int                      `json:"unsupported"`
	MeanProbability float64                  `json:"meanProbability"`
	BySpecies       map[Species]int          `json:"bySpecies"`
	ByStatus        map[AssessmentStatus]int `json:"byStatus"`
}

// Summarize computes statistics over assessments. The mean only covers
// records that produced a score (HIGH or LOW).
func Summarize(assessments []*Assessment) Summary {
	s := Summary{
		BySpecies: make(map[Species]int),
		ByStatus:  make(map[AssessmentStatus]int),
	}
	var sum float64
	var scored int
	for _, a := range assessments {
		if a == nil {
			continue
		}
		s.Total++
		s.BySpecies[a.Species]++
		s.ByStatus[a.Status]++
		switch a.Status {
		case StatusHigh:
			s.HighRisk++
			sum += a.Probability
			scored++
		case StatusLow:
			sum += a.Probability
			scored++
		case StatusInvalid:
			s.Invalid++
		case StatusUnsupported:
			s.Unsupported++
		}
	}
	if scored > 0 {
		s.MeanProbability = sum / float64(scored)
	}
	return s
}

// TopSpecies returns species ordered by incident count, most frequent first.
func (s Summary) TopSpecies() []Species {
	out := make([]Species, 0, len(s.BySpecies))
	for sp := range s.BySpecies {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if s.BySpecies[out[i]] != s.BySpecies[out[j]] {
			return s.BySpecies[out[i]] > s.BySpecies[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// BatchRequest is the API request payload for batch assessment.
type BatchRequest struct {
	Incidents []IncidentRequest `json:"incidents"`
}

// BatchResponse is returned by batch assessment, in input order.
type BatchResponse struct {
	BatchID     string        `json:"batchId"`
	Assessments []*Assessment `json:"assessments"`
	Summary     Summary       `json:"summary"`
}
