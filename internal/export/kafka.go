package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// messageWriter is the subset of *kafkago.Writer the exporter needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaExporter publishes each assessment as a JSON message keyed by
// incident ID.
type KafkaExporter struct {
	writer messageWriter
}

// NewKafkaExporter creates a producer for the configured topic.
func NewKafkaExporter(cfg domain.ExportConfig) *KafkaExporter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaExporter{writer: w}
}

// Name returns the sink name.
func (k *KafkaExporter) Name() string { return "kafka" }

// Export writes the batch in a single WriteMessages call.
func (k *KafkaExporter) Export(ctx context.Context, batchID string, assessments []*domain.Assessment) error {
	if len(assessments) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(assessments))
	for _, a := range assessments {
		msg, err := serializeToMessage(batchID, a)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

// Close flushes and closes the producer.
func (k *KafkaExporter) Close() error {
	return k.writer.Close()
}

func serializeToMessage(batchID string, a *domain.Assessment) (kafkago.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize assessment %s: %w", a.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(a.IncidentID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "tenant_id", Value: []byte(a.TenantID)},
			{Key: "batch_id", Value: []byte(batchID)},
			{Key: "species", Value: []byte(a.Species)},
			{Key: "status", Value: []byte(a.Status)},
			{Key: "probability", Value: []byte(strconv.FormatFloat(a.Probability, 'f', -1, 64))},
			{Key: "scored_at", Value: []byte(a.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
