// Package export ships scored assessments to external sinks.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/observability"
)

// Named is implemented by exporters that label their metrics.
type Named interface {
	Name() string
}

// Multi fans a batch out to every exporter. One sink failing does not stop
// the others.
type Multi struct {
	exporters []domain.Exporter
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewMulti creates a fan-out exporter. With no exporters Export is a no-op.
func NewMulti(logger *slog.Logger, metrics *observability.Metrics, exporters ...domain.Exporter) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{exporters: exporters, logger: logger, metrics: metrics}
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.exporters) }

// Export sends assessments to every sink and joins their errors.
func (m *Multi) Export(ctx context.Context, batchID string, assessments []*domain.Assessment) error {
	if len(assessments) == 0 {
		return nil
	}
	var errs []error
	for _, e := range m.exporters {
		if err := e.Export(ctx, batchID, assessments); err != nil {
			name := sinkName(e)
			m.metrics.IncExportError(name)
			m.logger.Error("export failed",
				"sink", name,
				"batch_id", batchID,
				"count", len(assessments),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sinkName(e), err))
		}
	}
	return errors.Join(errs...)
}

func sinkName(e domain.Exporter) string {
	if n, ok := e.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", e)
}
