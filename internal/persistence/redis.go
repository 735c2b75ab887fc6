package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/ticketflow/internal/config"
	"github.com/spec-kit/ticketflow/internal/events"
)

const redisDialTimeout = 3 * time.Second

// Redis carries the client used for dispatcher wakeups.
type Redis struct {
	Client    *redis.Client
	channel   string
	reachable bool
	logger    *zap.Logger
}

// NewRedis builds the client. An unreachable server is not fatal: dispatchers
// still find work by polling.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: redisDialTimeout,
	})
	r := &Redis{Client: client, channel: cfg.WakeupChannel, logger: logger.Named("redis")}

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		r.logger.Warn("unable to reach redis; wakeups limited to this process", zap.String("addr", cfg.Addr), zap.Error(err))
		return r
	}
	r.reachable = true
	r.logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	return r
}

// Notifier returns the cross-process wakeup channel, or a process-local one
// when Redis was unreachable at startup.
func (r *Redis) Notifier() events.Notifier {
	if r == nil || !r.reachable {
		return events.NewInMemoryNotifier()
	}
	return events.NewRedisNotifier(r.Client, r.channel, r.logger)
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}
