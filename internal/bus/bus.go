// Package bus provides event bus implementations for Pugmark.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// ErrNoReplyTo is returned when replying to a message that was not sent
// with Request.
var ErrNoReplyTo = errors.New("message has no reply address")

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// ReplyJSON marshals v and answers msg with it.
func ReplyJSON(ctx context.Context, b domain.EventBus, msg *domain.Message, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply to %s: %w", msg.ID, err)
	}
	return b.Reply(ctx, msg, payload)
}

// DecodeJSON unmarshals a message payload into v.
func DecodeJSON(msg *domain.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return nil
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{"content-type": "application/json"},
		Timestamp: time.Now().UnixNano(),
	}
}
