// Gensim writes a labelled incident sheet for benchmarking: simulated
// conflicts around known hotspots (Target 1), optionally merged with a
// verified sheet, plus one pseudo-absence point per conflict (Target 0).
//
// Usage:
//
//	go run ./cmd/gensim -n 500 -verified incidents.csv -out labelled.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/features"
	"github.com/opensource-wildlife/pugmark/internal/ingest"
	"github.com/opensource-wildlife/pugmark/internal/observability"
	"github.com/opensource-wildlife/pugmark/internal/simulate"
)

type options struct {
	count      int
	seed       int64
	verified   string
	encoding   string
	pseudo     bool
	covariates bool
}

func main() {
	var opts options
	flag.IntVar(&opts.count, "n", 500, "Simulated conflicts to generate")
	flag.Int64Var(&opts.seed, "seed", 42, "Random seed")
	flag.StringVar(&opts.verified, "verified", "", "Optional verified incident CSV to include as conflicts")
	flag.StringVar(&opts.encoding, "encoding", ingest.EncodingAuto, "Encoding of the verified CSV")
	flag.BoolVar(&opts.pseudo, "pseudo", true, "Add one pseudo-absence point per conflict")
	flag.BoolVar(&opts.covariates, "covariates", false, "Attach simulated covariates to every row")
	out := flag.String("out", "", "Output path (default stdout)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := observability.NewLogger(os.Stderr, domain.LoggingConfig{Level: *logLevel, Format: "text"})
	slog.SetDefault(logger)

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			slog.Error("failed to create output", "path", *out, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if err := run(context.Background(), w, opts); err != nil {
		slog.Error("generation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, opts options) error {
	gen := simulate.NewGenerator(opts.seed, nil)
	positives := gen.Bulk(opts.count)

	if opts.verified != "" {
		verified, err := readVerified(opts.verified, opts.encoding)
		if err != nil {
			return err
		}
		positives = append(verified, positives...)
	}

	records := make([]ingest.Record, 0, 2*len(positives))
	for _, inc := range positives {
		records = append(records, ingest.Record{Incident: inc, Target: 1, Labeled: true})
	}
	if opts.pseudo {
		for _, inc := range gen.PseudoAbsence(positives) {
			records = append(records, ingest.Record{Incident: inc, Target: 0, Labeled: true})
		}
	}

	if opts.covariates {
		provider := features.NewSimulated(opts.seed)
		for _, rec := range records {
			cov, err := features.Resolve(ctx, provider, rec.Incident)
			if err != nil {
				return fmt.Errorf("covariates for %s: %w", rec.Incident.ID, err)
			}
			rec.Incident.Covariates = cov
		}
	}

	if err := ingest.Write(w, records); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	slog.Info("labelled sheet written",
		"conflicts", len(positives),
		"pseudo_absences", len(records)-len(positives),
		"covariates", opts.covariates,
	)
	return nil
}

// readVerified loads rows with coordinates from a verified incident sheet.
func readVerified(path, encoding string) ([]*domain.Incident, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res, err := ingest.Read(f, ingest.Options{Encoding: encoding})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []*domain.Incident
	for _, rec := range res.Records {
		if rec.Incident.HasCoordinates() {
			out = append(out, rec.Incident)
		}
	}
	slog.Info("verified sheet loaded",
		"path", path,
		"rows", len(out),
		"dropped", res.Dropped,
		"row_errors", len(res.Errors),
		"encoding", res.Encoding,
	)
	return out, nil
}
