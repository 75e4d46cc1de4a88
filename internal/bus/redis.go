package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis carries topics over Redis PUBLISH/SUBSCRIBE. Delivery is at most once:
// payloads published while no subscriber is connected are lost.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, topic, _ string, payload []byte) error {
	err := r.client.Publish(ctx, topic, payload).Err()
	publishedCounter.WithLabelValues("redis", topic, statusLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	ps := r.client.Subscribe(ctx, topic)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	r.logger.Info().Str("topic", topic).Msg("subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			err := h(ctx, []byte(msg.Payload))
			consumedCounter.WithLabelValues("redis", topic, statusLabel(err)).Inc()
			if err != nil {
				r.logger.Error().Err(err).Str("topic", topic).Msg("handler failed")
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
