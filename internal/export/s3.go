package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// objectPutter is the subset of *s3.Client the exporter needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BatchReport is the JSON document written per batch.
type BatchReport struct {
	BatchID     string               `json:"batchId"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Summary     domain.Summary       `json:"summary"`
	Assessments []*domain.Assessment `json:"assessments"`
}

// S3Exporter writes one report object per batch to an S3-compatible bucket.
type S3Exporter struct {
	client objectPutter
	bucket string
	prefix string
	clock  clockwork.Clock
}

// NewS3Exporter builds a client from the default AWS credential chain.
// S3Endpoint points at MinIO or another S3-compatible store.
func NewS3Exporter(ctx context.Context, cfg domain.ExportConfig) (*S3Exporter, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3UsePathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return newS3Exporter(client, cfg.S3Bucket, cfg.S3Prefix, clockwork.NewRealClock()), nil
}

func newS3Exporter(client objectPutter, bucket, prefix string, clock clockwork.Clock) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, clock: clock}
}

// Name returns the sink name.
func (e *S3Exporter) Name() string { return "s3" }

// Key returns the object key for a batch, partitioned by UTC date.
func (e *S3Exporter) Key(batchID string, at time.Time) string {
	return path.Join(e.prefix, at.UTC().Format("2006/01/02"), batchID+".json")
}

// Export uploads a report for the batch.
func (e *S3Exporter) Export(ctx context.Context, batchID string, assessments []*domain.Assessment) error {
	if len(assessments) == 0 {
		return nil
	}
	now := e.clock.Now()
	report := BatchReport{
		BatchID:     batchID,
		GeneratedAt: now.UTC(),
		Summary:     domain.Summarize(assessments),
		Assessments: assessments,
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("serialize batch report: %w", err)
	}

	key := e.Key(batchID, now)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"batch-id": batchID,
			"count":    fmt.Sprint(len(assessments)),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the S3 client holds no connections that need closing.
func (e *S3Exporter) Close() error { return nil }
