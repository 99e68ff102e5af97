package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// Redis broadcasts events over a pub/sub channel. Events published while no
// consumer is subscribed are lost; the router tolerates that because a missed
// trigger leaves the record visibly PENDING.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedis(client *redis.Client, channel string, logger *zap.Logger) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		logger:  logging.OrNop(logger).Named("notify.redis"),
	}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, _ string, h Handler) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("dropping undecodable event", zap.Error(err))
				continue
			}
			if err := h(ctx, ev); err != nil {
				r.logger.Warn("event handler failed", zap.String("record_id", ev.RecordID), zap.Error(err))
			}
		}
	}
}

// Close leaves the shared client open; its owner closes it.
func (r *Redis) Close() error {
	return nil
}
