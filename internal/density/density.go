// Package density measures how many incidents a district has seen recently.
package density

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/rules"
)

// DefaultWindow is the lookback used when none is configured.
const DefaultWindow = 30 * 24 * time.Hour

// Service counts recent incidents per district.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
	clock  clockwork.Clock
}

// NewService creates a new density service.
func NewService(repo domain.Repository, cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		window: window,
		clock:  clockwork.NewRealClock(),
	}
}

// WithClock swaps the time source used for the lookback window.
func (s *Service) WithClock(c clockwork.Clock) *Service {
	s.clock = c
	return s
}

// RecentCount returns the number of stored incidents in district within the window.
// This is the DensityGetter signature expected by the rule engine.
func (s *Service) RecentCount(ctx context.Context, tenantID, district string) (int64, error) {
	if tenantID == "" || strings.TrimSpace(district) == "" {
		return 0, fmt.Errorf("tenantID and district are required")
	}
	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	since := s.clock.Now().Add(-s.window)
	n, err := s.repo.CountIncidentsInDistrict(ctx, tenantID, district, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return int64(n), nil
}

// Observe bumps the windowed ingest counter for the incident's district and
// returns the running count.
func (s *Service) Observe(ctx context.Context, tenantID string, inc *domain.Incident) (int64, error) {
	if s.cache == nil || inc == nil || inc.District == "" {
		return 0, nil
	}
	return s.cache.IncrementCounter(ctx, tenantID, CounterKey(inc.District), s.window)
}

// CounterKey is the cache counter key for a district.
func CounterKey(district string) string {
	return "density:" + strings.ToLower(strings.TrimSpace(district))
}

// Getter returns the density function for the rule engine.
func (s *Service) Getter() rules.DensityGetter {
	return s.RecentCount
}
