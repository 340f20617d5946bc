package dedupe

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourjinKR/myFitSync-sub000/internal/config"
)

// Redis 基于 Redis SETNX 的去重缓存
// 多个客户端进程共享同一窗口
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis 创建 Redis 去重缓存
func NewRedis(cfg config.RedisConfig, ttl time.Duration) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return NewRedisWithClient(client, ttl)
}

// NewRedisWithClient 使用已有客户端
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "dedupe"),
	}
}

// Seen 实现 Cache
func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	created, err := r.client.SetNX(ctx, BuildSeenKey(key), 1, r.ttl).Result()
	if err != nil {
		r.logger.Warn("Dedupe lookup failed", "key", key, "error", err)
		return false, err
	}
	return !created, nil
}

// Forget 实现 Cache
func (r *Redis) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, BuildSeenKey(key)).Err()
}

// Ping 检查 Redis 连接
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭连接
func (r *Redis) Close() error {
	return r.client.Close()
}
