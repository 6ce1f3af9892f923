package realtime

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const backbonePrefix = "negotiation:"

// RedisBackbone shares room traffic between instances over Redis pub/sub.
type RedisBackbone struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisBackbone(client *redis.Client, logger *zap.Logger) *RedisBackbone {
	return &RedisBackbone{client: client, logger: logger}
}

func (b *RedisBackbone) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, backbonePrefix+channel, payload).Err()
}

func (b *RedisBackbone) Run(ctx context.Context, deliver func(channel string, payload []byte)) error {
	pubsub := b.client.PSubscribe(ctx, backbonePrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.logger.Info("realtime backbone subscribed", zap.String("pattern", backbonePrefix+"*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			deliver(strings.TrimPrefix(msg.Channel, backbonePrefix), []byte(msg.Payload))
		}
	}
}
