package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/synclune/api/internal/services"
)

const defaultPublishTimeout = 5 * time.Second

// invalidationMessage is the wire payload consumed by cache nodes.
type invalidationMessage struct {
	OrderID    string    `json:"orderId"`
	Keys       []string  `json:"keys"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PubSubInvalidationPublisher fans cache invalidation events out over a Pub/Sub topic. Messages
// for one order share an ordering key so consumers see them in commit order.
type PubSubInvalidationPublisher struct {
	topic   *pubsub.Topic
	timeout time.Duration
	marshal func(any) ([]byte, error)
}

var _ services.InvalidationPublisher = (*PubSubInvalidationPublisher)(nil)

// NewPubSubInvalidationPublisher wraps topic and enables message ordering on it.
func NewPubSubInvalidationPublisher(topic *pubsub.Topic, timeout time.Duration) (*PubSubInvalidationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub invalidation publisher: topic is required")
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	topic.EnableMessageOrdering = true
	return &PubSubInvalidationPublisher{
		topic:   topic,
		timeout: timeout,
		marshal: json.Marshal,
	}, nil
}

// PublishInvalidation blocks until the server acknowledges the message or the timeout elapses.
func (p *PubSubInvalidationPublisher) PublishInvalidation(ctx context.Context, event services.InvalidationEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub invalidation publisher: not initialised")
	}
	if len(event.Keys) == 0 {
		return nil
	}

	data, err := p.marshal(invalidationMessage{
		OrderID:    event.OrderID,
		Keys:       event.Keys,
		Reason:     event.Reason,
		OccurredAt: event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "reason", event.Reason)

	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	orderingKey := strings.TrimSpace(event.OrderID)
	result := p.topic.Publish(publishCtx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(publishCtx); err != nil {
		if orderingKey != "" {
			// A failed publish pauses the ordering key until resumed.
			p.topic.ResumePublish(orderingKey)
		}
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
