package alerting

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/logger"
)

// RedisGate shares the cooldown between gateway replicas. The key expires
// with the window, so no compaction is needed.
type RedisGate struct {
	client *redis.Client
	prefix string
	window time.Duration
}

func NewRedisGate(client *redis.Client, prefix string, window time.Duration) *RedisGate {
	if window <= 0 {
		window = DefaultCooldown
	}
	if prefix == "" {
		prefix = "cooldown:"
	}
	return &RedisGate{client: client, prefix: prefix, window: window}
}

// Admit uses SET NX so that only one caller wins per window. Redis failures
// admit the alert.
func (g *RedisGate) Admit(ctx context.Context, alert data.Alert) bool {
	key := g.prefix + cooldownKey(alert)

	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), g.window).Result()
	if err != nil {
		logger.WithComponent("cooldown").Warn().
			Err(err).
			Str("key", key).
			Msg("redis cooldown check failed, admitting alert")
		return true
	}
	return ok
}
