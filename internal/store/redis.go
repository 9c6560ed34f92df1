package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient 创建 Redis 客户端并验证连通性
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", addr, err)
	}
	return client, nil
}
