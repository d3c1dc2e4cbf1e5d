package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenBlacklist 记录已登出的 token，直到它们自然过期。
type TokenBlacklist interface {
	Add(ctx context.Context, tokenString string, ttl time.Duration) error
	Contains(ctx context.Context, tokenString string) (bool, error)
}

type redisTokenBlacklist struct {
	redisClient *redis.Client
}

// NewTokenBlacklist 创建一个基于 Redis 的 TokenBlacklist。
func NewTokenBlacklist(redisClient *redis.Client) TokenBlacklist {
	return &redisTokenBlacklist{redisClient: redisClient}
}

// Add 将 token 加入黑名单，ttl 为 token 的剩余有效期。
func (r *redisTokenBlacklist) Add(ctx context.Context, tokenString string, ttl time.Duration) error {
	if ttl <= 0 {
		// 已经过期的 token 无需拉黑
		return nil
	}
	if err := r.redisClient.Set(ctx, "blacklist:"+tokenString, "true", ttl).Err(); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// Contains 判断 token 是否已被拉黑。
func (r *redisTokenBlacklist) Contains(ctx context.Context, tokenString string) (bool, error) {
	n, err := r.redisClient.Exists(ctx, "blacklist:"+tokenString).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return n > 0, nil
}
