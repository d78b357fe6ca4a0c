package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// PubSubChannel publishes notifications to a Pub/Sub topic. Attributes carry
// the routing fields so subscribers can filter without decoding.
type PubSubChannel struct {
	topic *pubsub.Topic
}

// NewPubSub builds a PubSubChannel on topic.
func NewPubSub(topic *pubsub.Topic) (*PubSubChannel, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &PubSubChannel{topic: topic}, nil
}

// Name implements notify.Channel.
func (*PubSubChannel) Name() string { return "realtime" }

// Send implements notify.Channel and returns the server-assigned message id.
func (c *PubSubChannel) Send(ctx context.Context, n domain.Notification) (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"type": string(n.Type)}}
	if n.UserID != "" {
		msg.Attributes["userId"] = n.UserID
	}
	if n.Platform != "" {
		msg.Attributes["platform"] = n.Platform
	}
	id, err := c.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and stops the topic's publish goroutines.
func (c *PubSubChannel) Stop() {
	c.topic.Stop()
}
