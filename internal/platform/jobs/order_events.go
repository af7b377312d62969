package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/werkstatt-flow/api/internal/domain"
)

type orderEventMessage struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"orderId"`
	Service    string    `json:"service,omitempty"`
	Status     string    `json:"status,omitempty"`
	Previous   string    `json:"previousStatus,omitempty"`
	InvoiceNo  string    `json:"invoiceNumber,omitempty"`
	ActorID    string    `json:"actorId,omitempty"`
	Override   bool      `json:"override,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PubSubOrderEventPublisher publishes order events to a Pub/Sub topic. Messages
// are keyed by order id so subscribers with ordering enabled see them in commit order.
type PubSubOrderEventPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubOrderEventPublisher wraps topic and enables message ordering on it.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("order event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{topic: topic}, nil
}

// Publish blocks until the server acknowledged the event.
func (p *PubSubOrderEventPublisher) Publish(ctx context.Context, event domain.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("order event publisher: not initialised")
	}
	data, err := json.Marshal(orderEventMessage{
		Type:       event.Type,
		OrderID:    event.OrderID,
		Service:    string(event.Service),
		Status:     event.Status,
		Previous:   event.Previous,
		InvoiceNo:  event.InvoiceNo,
		ActorID:    event.ActorID,
		Override:   event.Override,
		OccurredAt: event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := map[string]string{"type": event.Type, "orderId": event.OrderID}
	if event.Service != "" {
		attrs["service"] = string(event.Service)
	}
	if event.Override {
		attrs["override"] = strconv.FormatBool(true)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: event.OrderID,
	})
	if _, err := result.Get(ctx); err != nil {
		p.topic.ResumePublish(event.OrderID)
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}
