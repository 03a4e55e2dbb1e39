package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/observability"
)

var scoredAt = time.Date(2025, 4, 15, 10, 30, 0, 0, time.UTC)

func sampleAssessments() []*domain.Assessment {
	return []*domain.Assessment{
		{ID: "a-1", TenantID: "t1", IncidentID: "INC-001", Species: domain.SpeciesTiger, Probability: 0.8, Status: domain.StatusHigh, Timestamp: scoredAt},
		{ID: "a-2", TenantID: "t1", IncidentID: "INC-002", Species: domain.SpeciesElephant, Probability: 0.2, Status: domain.StatusLow, Timestamp: scoredAt},
	}
}

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaExporter(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaExporter{writer: w}

	require.NoError(t, k.Export(context.Background(), "batch-1", sampleAssessments()))
	require.Len(t, w.msgs, 2)

	msg := w.msgs[0]
	assert.Equal(t, "INC-001", string(msg.Key))
	assert.Equal(t, "batch-1", header(msg, "batch_id"))
	assert.Equal(t, "t1", header(msg, "tenant_id"))
	assert.Equal(t, "Tiger", header(msg, "species"))
	assert.Equal(t, "HIGH", header(msg, "status"))
	assert.Equal(t, "0.8", header(msg, "probability"))
	assert.Equal(t, "2025-04-15T10:30:00Z", header(msg, "scored_at"))

	var decoded domain.Assessment
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "a-1", decoded.ID)

	require.NoError(t, k.Export(context.Background(), "empty", nil))
	assert.Len(t, w.msgs, 2)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
	assert.Equal(t, "kafka", k.Name())
}

func TestNewKafkaExporter(t *testing.T) {
	k := NewKafkaExporter(domain.ExportConfig{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "pugmark.assessments"})
	w, ok := k.writer.(*kafkago.Writer)
	require.True(t, ok)
	assert.Equal(t, "pugmark.assessments", w.Topic)
	assert.Equal(t, kafkago.RequireAll, w.RequiredAcks)
}

type fakePutter struct {
	mu    sync.Mutex
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Exporter(t *testing.T) {
	putter := &fakePutter{}
	clock := clockwork.NewFakeClockAt(scoredAt)
	e := newS3Exporter(putter, "reports", "pugmark/batches", clock)

	require.NoError(t, e.Export(context.Background(), "batch-7", sampleAssessments()))

	require.NotNil(t, putter.input)
	assert.Equal(t, "reports", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "pugmark/batches/2025/04/15/batch-7.json", aws.ToString(putter.input.Key))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))
	assert.Equal(t, "2", putter.input.Metadata["count"])

	var report BatchReport
	require.NoError(t, json.Unmarshal(putter.body, &report))
	assert.Equal(t, "batch-7", report.BatchID)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.HighRisk)
	assert.Len(t, report.Assessments, 2)

	putter.input = nil
	require.NoError(t, e.Export(context.Background(), "batch-8", nil))
	assert.Nil(t, putter.input)
}

func TestNewS3ExporterRequiresBucket(t *testing.T) {
	_, err := NewS3Exporter(context.Background(), domain.ExportConfig{})
	assert.Error(t, err)
}

// recordingTransport answers every S3 request with 200 and keeps the last one.
type recordingTransport struct {
	mu   sync.Mutex
	last *http.Request
	body string
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.last = req
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		rt.body = string(b)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{`"etag"`}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestS3ExporterWithSDKClient(t *testing.T) {
	rt := &recordingTransport{}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://minio.local")
	})

	e := newS3Exporter(client, "reports", "", clockwork.NewFakeClockAt(scoredAt))
	require.NoError(t, e.Export(context.Background(), "batch-9", sampleAssessments()))

	require.NotNil(t, rt.last)
	assert.Equal(t, http.MethodPut, rt.last.Method)
	assert.Equal(t, "/reports/2025/04/15/batch-9.json", rt.last.URL.Path)
	assert.Contains(t, rt.body, `"batchId":"batch-9"`)
}

type stubExporter struct {
	name  string
	err   error
	calls int
}

func (s *stubExporter) Name() string { return s.name }

func (s *stubExporter) Export(context.Context, string, []*domain.Assessment) error {
	s.calls++
	return s.err
}

func (s *stubExporter) Close() error { return s.err }

func TestMulti(t *testing.T) {
	ok := &stubExporter{name: "ok"}
	bad := &stubExporter{name: "bad", err: errors.New("broker down")}
	metrics := observability.NewMetricsForTesting()
	m := NewMulti(nil, metrics, bad, ok)

	err := m.Export(context.Background(), "b", sampleAssessments())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: broker down")
	assert.Equal(t, 1, ok.calls, "a failing sink does not block the others")
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ExportErrors.WithLabelValues("bad")), 0)

	assert.NoError(t, m.Export(context.Background(), "b", nil))
	assert.Equal(t, 1, ok.calls)

	assert.Error(t, m.Close())
	assert.Equal(t, 2, m.Len())
	assert.NoError(t, NewMulti(nil, nil).Export(context.Background(), "b", sampleAssessments()))
}
