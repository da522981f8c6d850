package pkg

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/examstack/exam-lifecycle-service/internal/config"
)

// NewRedisClient connects to Redis. Returns nil when no REDIS_URL is
// configured or the server is unreachable; callers degrade to uncached
// operation.
func NewRedisClient(cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info("Redis not configured, caching disabled")
		return nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("Invalid REDIS_URL, caching disabled", "error", err)
		return nil
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, caching disabled", "error", err)
		_ = client.Close()
		return nil
	}

	logger.Info("Redis connection established")
	return client
}
