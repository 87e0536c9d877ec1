// Package eventbus carries billing events between processes: entitlement
// changes published by the state machine and store notifications consumed by
// the worker.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/premiumsync/pkg/observability"
)

// EventConsumer handles specific event types.
type EventConsumer interface {
	// EventTypes returns the routing keys this consumer handles,
	// e.g. ["store.purchase.updated"].
	EventTypes() []string

	// Handle processes the event.
	Handle(ctx context.Context, event *ConsumedEvent) error
}

// ConsumedEvent is the envelope every message on the bus is wrapped in.
type ConsumedEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	RoutingKey    string          `json:"routing_key"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      EventMetadata   `json:"metadata,omitempty"`
}

// EventMetadata contains optional metadata about the event.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

// NewEvent wraps payload in an envelope stamped with the correlation ID
// carried by ctx.
func NewEvent(ctx context.Context, routingKey, aggregateType string, payload any, at time.Time) (*ConsumedEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", routingKey, err)
	}
	return &ConsumedEvent{
		EventID:       uuid.New(),
		AggregateType: aggregateType,
		RoutingKey:    routingKey,
		OccurredAt:    at.UTC(),
		Payload:       body,
		Metadata: EventMetadata{
			CorrelationID: observability.CorrelationIDFromContext(ctx),
		},
	}, nil
}

// Encode serializes the envelope for Publish.
func (e *ConsumedEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a message body. The routing key the message was
// delivered with is used when the envelope carries none.
func DecodeEvent(body []byte, routingKey string) (*ConsumedEvent, error) {
	event := &ConsumedEvent{}
	if err := json.Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if event.RoutingKey == "" {
		event.RoutingKey = routingKey
	}
	return event, nil
}

// Context returns ctx carrying the event's correlation ID, so handler logs
// line up with the publisher's.
func (e *ConsumedEvent) Context(ctx context.Context) context.Context {
	if e.Metadata.CorrelationID == "" {
		return ctx
	}
	return observability.WithCorrelationID(ctx, e.Metadata.CorrelationID)
}

// Consumer defines the interface for consuming events from a message broker.
type Consumer interface {
	// Start begins consuming messages. This is a blocking call.
	Start(ctx context.Context) error

	// RegisterConsumer registers an event consumer.
	RegisterConsumer(consumer EventConsumer)

	// Close closes the consumer connection.
	Close() error
}
