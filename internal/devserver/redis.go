package devserver

import (
	"encoding/json"

	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

// RedisPublisher mirrors published payloads onto Redis pub/sub channels named
// after their topics, for clients using the redis broker.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = noOpLogger
	}
	return &RedisPublisher{client: client, logger: logger}
}

// Publish encodes payload and publishes it on the topic channel.
func (p *RedisPublisher) Publish(topic string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to encode redis payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := p.client.Publish(topic, encoded).Err(); err != nil {
		p.logger.Warn("redis publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Publishers fans a payload out to several publishers in order.
type Publishers []Publisher

// Publish calls Publish on every member.
func (p Publishers) Publish(topic string, payload any) {
	for _, publisher := range p {
		publisher.Publish(topic, payload)
	}
}
