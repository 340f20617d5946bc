package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// 注意：这些测试需要一个运行中的 Redis 实例
// 如果没有 Redis，测试将被跳过

func getTestRedisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // 使用测试专用数据库
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("跳过测试：无法连接 Redis: %v", err)
	}

	client.FlushDB(ctx)

	return client
}

func TestRedis_Seen(t *testing.T) {
	client := getTestRedisClient(t)
	cache := NewRedisWithClient(client, time.Minute)
	defer cache.Close()
	ctx := context.Background()

	key := MessageKey(9, 1001)

	seen, err := cache.Seen(ctx, key)
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if seen {
		t.Fatal("first Seen() = true, want false")
	}

	seen, err = cache.Seen(ctx, key)
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if !seen {
		t.Fatal("second Seen() = false, want true")
	}

	ttl, err := client.TTL(ctx, BuildSeenKey(key)).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}
}

func TestRedis_Forget(t *testing.T) {
	client := getTestRedisClient(t)
	cache := NewRedisWithClient(client, time.Minute)
	defer cache.Close()
	ctx := context.Background()

	key := ReadKey(9, 1001, 7)
	if _, err := cache.Seen(ctx, key); err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if err := cache.Forget(ctx, key); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	seen, err := cache.Seen(ctx, key)
	if err != nil {
		t.Fatalf("Seen() error = %v", err)
	}
	if seen {
		t.Error("Seen() after Forget = true, want false")
	}
}

func TestRedis_Ping(t *testing.T) {
	client := getTestRedisClient(t)
	cache := NewRedisWithClient(client, 0)
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if cache.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", cache.ttl, DefaultTTL)
	}
}
