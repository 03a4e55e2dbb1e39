// Pugmark - Wildlife conflict habitat-suitability scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-wildlife/pugmark/internal/api"
	"github.com/opensource-wildlife/pugmark/internal/assess"
	"github.com/opensource-wildlife/pugmark/internal/bus"
	"github.com/opensource-wildlife/pugmark/internal/cache"
	"github.com/opensource-wildlife/pugmark/internal/decision"
	"github.com/opensource-wildlife/pugmark/internal/density"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/export"
	"github.com/opensource-wildlife/pugmark/internal/features"
	"github.com/opensource-wildlife/pugmark/internal/geocode"
	"github.com/opensource-wildlife/pugmark/internal/observability"
	"github.com/opensource-wildlife/pugmark/internal/repository"
	"github.com/opensource-wildlife/pugmark/internal/rules"
	"github.com/opensource-wildlife/pugmark/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// districtJitter spreads district-centre fills so incidents do not stack.
const districtJitter = 0.01

func main() {
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting pugmark",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"features", cfg.Features.Provider,
		"geocode", cfg.Geocode.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	densitySvc := density.NewService(repo, cacheImpl, cfg.Scoring.DensityWindow)

	engine, err := rules.NewEngine(densitySvc.Getter(), cfg.Scoring.MaxConcurrency)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"species", len(engine.Tables()),
		"custom_rules", engine.RulesCount(),
	)

	processor := decision.NewProcessor()
	processor.AlertThreshold = cfg.Scoring.AlertThreshold

	provider := buildFeatureProvider(cfg, cacheImpl, logger, metrics)
	slog.Info("feature provider initialized", "provider", provider.Name())

	geocoder := buildGeocoder(cfg, cacheImpl, logger, metrics)

	exporter, err := buildExporter(ctx, cfg.Export, logger, metrics)
	if err != nil {
		slog.Error("failed to initialize exporters", "error", err)
		os.Exit(1)
	}
	defer exporter.Close()

	svc, err := assess.New(assess.Options{
		Repo:           repo,
		Engine:         engine,
		Processor:      processor,
		Features:       provider,
		Geocoder:       geocoder,
		Density:        densitySvc,
		Bus:            busImpl,
		Exporter:       exporter,
		Metrics:        metrics,
		Logger:         logger,
		MaxConcurrency: cfg.Scoring.MaxConcurrency,
	})
	if err != nil {
		slog.Error("failed to initialize assessment pipeline", "error", err)
		os.Exit(1)
	}

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc, logger)
		if err := asyncWorker.Start(worker.Config{
			TenantIDs:   cfg.TenantIDs,
			WorkerCount: cfg.WorkerCount,
		}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Service: svc,
		Engine:  engine,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Logger:  logger,
		Version: Version,
	}, nil)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("pugmark is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("pugmark shutdown complete")
}

// loadRulesFromDatabase loads global custom rules into the engine. The
// species tables are built in; custom rules are added via POST /rules.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}
	if len(dbRules) == 0 {
		return nil
	}

	slog.Info("loading custom rules from database", "count", len(dbRules))
	return engine.ReloadRules(dbRules)
}

// buildFeatureProvider returns the covariate source: live OSM distances
// topped up by simulation when configured, behind the covariate cache.
func buildFeatureProvider(cfg *domain.Config, c domain.Cache, logger *slog.Logger, metrics *observability.Metrics) domain.FeatureProvider {
	simulated := features.NewSimulated(cfg.Features.Seed)
	if cfg.Features.Provider != "overpass" {
		return simulated
	}

	providers := []domain.FeatureProvider{features.NewOverpassProvider(cfg.Features, logger)}
	if cfg.Features.SimulatedFallback {
		providers = append(providers, simulated)
	}
	chain := features.NewChain(logger, metrics, providers...)
	return features.NewCached(chain, c, cfg.Cache.CovariateTTL, logger, metrics)
}

// buildGeocoder returns Nominatim lookups (when enabled) with the offline
// district table as backup.
func buildGeocoder(cfg *domain.Config, c domain.Cache, logger *slog.Logger, metrics *observability.Metrics) domain.Geocoder {
	var primary domain.Geocoder
	if cfg.Geocode.Enabled {
		client := geocode.NewClient(cfg.Geocode, logger, geocode.WithMetrics(metrics))
		primary = geocode.NewCachedGeocoder(client, c, cfg.Geocode.CacheTTL, logger, metrics)
	}
	jitter := geocode.NewJitter(cfg.Features.Seed, districtJitter)
	return geocode.NewFallback(primary, geocode.NewDistrictTable(), jitter, logger)
}

func buildExporter(ctx context.Context, cfg domain.ExportConfig, logger *slog.Logger, metrics *observability.Metrics) (*export.Multi, error) {
	var sinks []domain.Exporter
	if cfg.KafkaEnabled() {
		sinks = append(sinks, export.NewKafkaExporter(cfg))
		slog.Info("kafka export enabled", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}
	if cfg.S3Enabled() {
		s3, err := export.NewS3Exporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3)
		slog.Info("s3 export enabled", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	}
	return export.NewMulti(logger, metrics, sinks...), nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 PUGMARK                   |")
	fmt.Println("  |   Wildlife Conflict Habitat Suitability   |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Features: %s\n", cfg.Features.Provider)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assess             - Score one incident")
	fmt.Println("    POST /assess/batch       - Score many incidents")
	fmt.Println("    POST /incidents          - Queue an incident for the worker")
	fmt.Println("    POST /incidents/import   - Score a CSV incident sheet")
	fmt.Println("    GET  /incidents          - List incidents")
	fmt.Println("    GET  /assessments/{id}   - Get assessment by ID")
	fmt.Println("    GET  /species            - Species, demographics and rule tables")
	fmt.Println("    GET  /rules              - List custom rules")
	fmt.Println("    POST /rules              - Create a custom rule")
	fmt.Println("    POST /rules/reload       - Hot-reload custom rules")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println("    GET  /metrics            - Prometheus metrics")
	fmt.Println()
}
