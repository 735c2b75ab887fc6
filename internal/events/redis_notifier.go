package events

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultWakeupChannel is the pub/sub channel used when none is configured.
const DefaultWakeupChannel = "ticketflow:outbox:wakeup"

// RedisNotifier broadcasts outbox wakeups across processes over Redis pub/sub.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisNotifier builds a notifier on an existing client.
func NewRedisNotifier(client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultWakeupChannel
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger.Named("wakeup")}
}

// Notify publishes a wakeup.
func (r *RedisNotifier) Notify(ctx context.Context) error {
	return r.client.Publish(ctx, r.channel, "1").Err()
}

// Subscribe forwards wakeups until ctx ends or the returned func is called.
func (r *RedisNotifier) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sub := r.client.Subscribe(ctx, r.channel)
	out := make(chan struct{}, 1)

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					r.logger.Warn("wakeup subscription closed")
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out, cancel
}
