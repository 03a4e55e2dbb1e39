package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Reply answers a message delivered by Request. Messages without a
	// ReplyTo address cannot be answered.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
	ReplyTo   string            `json:"replyTo,omitempty"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
}

// Topic names for the assessment pipeline.
const (
	TopicIncidentIngested = "pugmark.incident.ingested"
	TopicAssessmentScored = "pugmark.assessment.scored"
	TopicRiskHigh         = "pugmark.risk.high"
)

// IngestTenant is the routing tenant ingested incidents are published under
// so one worker subscription sees every tenant. The real tenant travels in
// IncidentMessage.TenantID.
const IngestTenant = "_global"

// IncidentMessage is the payload published on TopicIncidentIngested.
type IncidentMessage struct {
	TenantID string          `json:"tenantId"`
	TraceID  string          `json:"traceId,omitempty"`
	Incident IncidentRequest `json:"incident"`
}

// IncidentReply answers an IncidentMessage sent as a bus request.
type IncidentReply struct {
	Assessment *Assessment `json:"assessment,omitempty"`
	Error      string      `json:"error,omitempty"`
}
