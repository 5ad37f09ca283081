package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tutor_chat/pkg/logger"
)

type RateLimitRepository interface {
	// Allow инкрементирует счетчик окна и сообщает, не превышен ли лимит.
	// Возвращает также текущее значение счетчика для заголовков ответа.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error)
}

type rateLimitRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewRateLimitRepository(redis *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, log: log}
}

func (r *rateLimitRepository) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	redisKey := fmt.Sprintf("ratelimit:send:%s", key)

	count, err := r.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		r.log.Error("Failed to increment rate limit", "error", err, "key", key)
		return false, 0, err
	}

	// TTL ставим только на первый инкремент окна
	if count == 1 {
		r.redis.Expire(ctx, redisKey, window)
	}

	return count <= int64(limit), count, nil
}
