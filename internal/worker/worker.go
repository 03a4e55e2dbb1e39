// Package worker scores incidents queued on the event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/opensource-wildlife/pugmark/internal/assess"
	"github.com/opensource-wildlife/pugmark/internal/bus"
	"github.com/opensource-wildlife/pugmark/internal/decision"
	"github.com/opensource-wildlife/pugmark/internal/domain"
)

var (
	// ErrAlreadyStarted is returned by Start on a running worker.
	ErrAlreadyStarted = errors.New("worker already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("worker stopped")
)

// Worker consumes TopicIncidentIngested and runs each incident through the
// assessment pipeline.
type Worker struct {
	bus     domain.EventBus
	service *assess.Service
	log     *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	tenants       []string
	stopped       bool
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs restricts processing to these tenants. Empty processes all.
	TenantIDs []string

	// WorkerCount bounds the number of incidents scored concurrently.
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, service *assess.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     b,
		service: service,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to ingested incidents.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscriptions) > 0 {
		return ErrAlreadyStarted
	}
	if w.stopped {
		return ErrStopped
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	w.tenants = slices.Clone(cfg.TenantIDs)
	w.sem = make(chan struct{}, cfg.WorkerCount)

	sub, err := w.bus.Subscribe(w.ctx, domain.IngestTenant, domain.TopicIncidentIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicIncidentIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.log.Info("worker started",
		"topic", domain.TopicIncidentIngested,
		"tenant_count", len(w.tenants),
		"workers", cfg.WorkerCount,
	)
	return nil
}

// handleMessage decodes an incident and scores it on a worker slot. It only
// blocks while every slot is busy.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var m domain.IncidentMessage
	if err := bus.DecodeJSON(msg, &m); err != nil {
		w.log.Error("failed to parse incident message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if m.TenantID == "" {
		w.log.Warn("incident message without tenant", "message_id", msg.ID)
		return fmt.Errorf("message %s: tenant is required", msg.ID)
	}
	if len(w.tenants) > 0 && !slices.Contains(w.tenants, m.TenantID) {
		return nil
	}
	if m.TraceID == "" {
		m.TraceID = msg.ID
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		a, err := w.processIncident(w.ctx, &m)
		if err != nil {
			w.logFailure(&m, err)
		}
		if msg.ReplyTo != "" {
			w.reply(msg, a, err)
		}
	}()
	return nil
}

// processIncident scores one queued incident. Storage, publishing and export
// happen inside the pipeline.
func (w *Worker) processIncident(ctx context.Context, m *domain.IncidentMessage) (*domain.Assessment, error) {
	start := time.Now()

	inc, err := m.Incident.ToIncident(m.TenantID, start.UTC())
	if err != nil {
		return nil, fmt.Errorf("incident %s: %w", m.Incident.ID, err)
	}

	w.log.Debug("processing incident",
		"incident_id", inc.ID,
		"tenant_id", m.TenantID,
		"trace_id", m.TraceID,
	)

	a, err := w.service.Assess(ctx, m.TenantID, m.TraceID, inc)
	if err != nil {
		return nil, err
	}

	w.log.Info("incident processed",
		"incident_id", inc.ID,
		"tenant_id", m.TenantID,
		"status", a.Status,
		"probability", a.Probability,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

// logFailure logs bad payloads at warn level; anything else is an error.
func (w *Worker) logFailure(m *domain.IncidentMessage, err error) {
	level := slog.LevelError
	if decision.IsInputError(err) {
		level = slog.LevelWarn
	}
	w.log.Log(w.ctx, level, "incident processing failed",
		"tenant_id", m.TenantID,
		"incident_id", m.Incident.ID,
		"error", err,
	)
}

// reply answers a synchronous submission.
func (w *Worker) reply(msg *domain.Message, a *domain.Assessment, procErr error) {
	r := domain.IncidentReply{Assessment: a}
	if procErr != nil {
		r.Error = procErr.Error()
	}
	if err := bus.ReplyJSON(w.ctx, w.bus, msg, r); err != nil {
		w.log.Error("failed to reply", "message_id", msg.ID, "error", err)
	}
}

// Stop unsubscribes and waits for in-flight incidents.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.stopped = true
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.log.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	w.wg.Wait()
	w.cancel()

	w.log.Info("worker stopped")
	return errors.Join(errs...)
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Tenants           []string `json:"tenants,omitempty"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Tenants:           slices.Clone(w.tenants),
	}
}
