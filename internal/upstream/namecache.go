package upstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NameCache 记录 "请求名 → 上游规范名" 的解析结果，避免重复模糊搜索。
type NameCache interface {
	Get(ctx context.Context, requested string) (string, bool)
	Set(ctx context.Context, requested, canonical string) error
}

// RedisNameCache 基于 Redis 的 NameCache 实现，client 为 nil 时退化为空操作。
type RedisNameCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisNameCache 构造 Redis 名称缓存。
func NewRedisNameCache(client *redis.Client, ttl time.Duration) *RedisNameCache {
	return &RedisNameCache{client: client, ttl: ttl, prefix: "any-index:name:"}
}

// NewRedisClient 根据地址创建客户端并 Ping 一次，失败时关闭连接。
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Key 返回请求名对应的缓存键，请求名按小写规整。
func (c *RedisNameCache) Key(requested string) string {
	return c.prefix + strings.ToLower(requested)
}

// Get 读取缓存，任何错误都视为未命中。
func (c *RedisNameCache) Get(ctx context.Context, requested string) (string, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	value, err := c.client.Get(ctx, c.Key(requested)).Result()
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

// Set 写入缓存，ttl 为 0 时不过期。
func (c *RedisNameCache) Set(ctx context.Context, requested, canonical string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, c.Key(requested), canonical, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.Key(requested), err)
	}
	return nil
}

// Close 释放底层连接。
func (c *RedisNameCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
