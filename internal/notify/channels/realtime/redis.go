// Package realtime pushes notifications to live subscribers over Redis
// pub/sub or a Google Cloud Pub/Sub topic.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/multipublish/internal/domain"
)

// RedisChannel publishes notifications as JSON on a Redis channel.
type RedisChannel struct {
	client  redis.UniversalClient
	channel string
}

// NewRedis builds a RedisChannel publishing on channel.
func NewRedis(client redis.UniversalClient, channel string) (*RedisChannel, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}
	return &RedisChannel{client: client, channel: channel}, nil
}

// Name implements notify.Channel.
func (*RedisChannel) Name() string { return "realtime" }

// Send implements notify.Channel. The returned id is the number of
// subscribers that received the message.
func (c *RedisChannel) Send(ctx context.Context, n domain.Notification) (string, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	receivers, err := c.client.Publish(ctx, c.channel, body).Result()
	if err != nil {
		return "", fmt.Errorf("publish notification: %w", err)
	}
	return strconv.FormatInt(receivers, 10), nil
}
