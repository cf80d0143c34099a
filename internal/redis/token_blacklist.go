package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gufta-im/internal/auth"
	"gufta-im/internal/config"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "bl:jti:"

// Connect 根据配置创建 Redis 客户端并 Ping 一次确认可用。
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("无法连接到 Redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// tokenBlacklist 是 auth.TokenBlacklist 的 Redis 实现。
// 每个被吊销的 JTI 对应一个键，TTL 等于令牌剩余的有效期。
type tokenBlacklist struct {
	client *redis.Client
}

// NewTokenBlacklist 创建一个基于 Redis 的黑名单。
func NewTokenBlacklist(client *redis.Client) auth.TokenBlacklist {
	return &tokenBlacklist{client: client}
}

// Add 写入黑名单键；已过期的令牌无需记录。
func (b *tokenBlacklist) Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error {
	ttl := time.Until(originalTokenExpTime)
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, blacklistKeyPrefix+jti, "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 黑名单失败 (jti=%s): %w", jti, err)
	}
	return nil
}

// IsBlacklisted 检查 jti 是否已被吊销。
func (b *tokenBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	err := b.client.Get(ctx, blacklistKeyPrefix+jti).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询 Redis 黑名单失败 (jti=%s): %w", jti, err)
	}
	return true, nil
}
