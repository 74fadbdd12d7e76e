package redis

import (
	"context"
	"fmt"

	"github.com/kuaigeyun/kuaigeyun-sub011/pkg/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient 创建Redis客户端（不建立连接，首次命令时拨号）
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})
}

// Ping 探活；失败时错误中带上地址，便于启动日志定位
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", client.Options().Addr, err)
	}
	return nil
}

// Close 关闭连接池，nil 安全
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
