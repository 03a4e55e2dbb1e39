package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/observability"
)

// Chain asks each provider in turn and keeps the first value seen for every
// covariate. It stops once the set is complete.
type Chain struct {
	providers []domain.FeatureProvider
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewChain creates a chain over providers. metrics may be nil.
func NewChain(logger *slog.Logger, metrics *observability.Metrics, providers ...domain.FeatureProvider) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{providers: providers, logger: logger, metrics: metrics}
}

// Name joins the provider names.
func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Covariates merges provider results. It fails only when no provider
// returned anything.
func (c *Chain) Covariates(ctx context.Context, inc *domain.Incident) (domain.Covariates, error) {
	out := domain.Covariates{}
	var errs []error

	for _, p := range c.providers {
		if out.Complete() {
			break
		}

		start := time.Now()
		cov, err := p.Covariates(ctx, inc)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.metrics.ObserveFeatureLookup(p.Name(), "error", elapsed)
			c.logger.Warn("feature provider failed",
				"provider", p.Name(),
				"incident_id", inc.ID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}

		outcome := "success"
		if !cov.Complete() {
			outcome = "partial"
		}
		c.metrics.ObserveFeatureLookup(p.Name(), outcome, elapsed)
		out = out.Merge(cov)
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Resolve returns the covariates to score inc with. Values supplied on the
// incident win; the provider fills the rest.
func Resolve(ctx context.Context, p domain.FeatureProvider, inc *domain.Incident) (domain.Covariates, error) {
	supplied := inc.Covariates.Clone()
	if supplied.Complete() || p == nil {
		return supplied, nil
	}

	cov, err := p.Covariates(ctx, inc)
	if err != nil {
		return nil, fmt.Errorf("resolve covariates via %s: %w", p.Name(), err)
	}
	return supplied.Merge(cov), nil
}
