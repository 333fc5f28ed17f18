package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/greenbasket/api/internal/services"
)

// orderEventMessage is the wire payload published for order events.
type orderEventMessage struct {
	Type       string         `json:"type"`
	OrderID    string         `json:"orderId"`
	CustomerID string         `json:"customerId,omitempty"`
	FromStatus string         `json:"fromStatus,omitempty"`
	ToStatus   string         `json:"toStatus,omitempty"`
	Trigger    string         `json:"trigger,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PubSubEventPublisher publishes order events to a Pub/Sub topic. Completion events are also
// copied to the notifications topic when one is configured.
type PubSubEventPublisher struct {
	events        *pubsub.Topic
	notifications *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// Option customises the publisher.
type Option func(*PubSubEventPublisher)

// WithNotificationsTopic routes order.completed events to a second topic as well.
func WithNotificationsTopic(topic *pubsub.Topic) Option {
	return func(p *PubSubEventPublisher) {
		p.notifications = topic
	}
}

var _ services.EventPublisher = (*PubSubEventPublisher)(nil)

// NewPubSubEventPublisher constructs a Pub/Sub backed order event publisher. Messages for the same
// order share an ordering key.
func NewPubSubEventPublisher(events *pubsub.Topic, opts ...Option) (*PubSubEventPublisher, error) {
	if events == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	p := &PubSubEventPublisher{
		events:  events,
		marshal: json.Marshal,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.events.EnableMessageOrdering = true
	if p.notifications != nil {
		p.notifications.EnableMessageOrdering = true
	}
	return p, nil
}

// PublishOrderEvent enqueues the event and waits for the server acknowledgement.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.events == nil {
		return errors.New("pubsub event publisher: not initialised")
	}
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		return errors.New("pubsub event publisher: order id is required")
	}

	data, err := p.marshal(orderEventMessage{
		Type:       event.Type,
		OrderID:    orderID,
		CustomerID: event.CustomerID,
		FromStatus: string(event.FromStatus),
		ToStatus:   string(event.ToStatus),
		Trigger:    string(event.Trigger),
		Actor:      string(event.Actor),
		OccurredAt: event.OccurredAt.UTC(),
		Metadata:   event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", orderID)
	setAttr(attrs, "customerId", event.CustomerID)
	setAttr(attrs, "status", string(event.ToStatus))

	if err := publish(ctx, p.events, orderID, data, attrs); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	if p.notifications != nil && event.Type == services.OrderEventCompleted {
		if err := publish(ctx, p.notifications, orderID, data, attrs); err != nil {
			return fmt.Errorf("publish order notification: %w", err)
		}
	}
	return nil
}

// Stop flushes pending messages on both topics.
func (p *PubSubEventPublisher) Stop() {
	if p == nil {
		return
	}
	if p.events != nil {
		p.events.Stop()
	}
	if p.notifications != nil {
		p.notifications.Stop()
	}
}

func publish(ctx context.Context, topic *pubsub.Topic, orderingKey string, data []byte, attrs map[string]string) error {
	result := topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until it is resumed.
		topic.ResumePublish(orderingKey)
		return err
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
