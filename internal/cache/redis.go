package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Relay/internal/errors"
)

// RedisConfig 描述 Redis Tier 2 的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisDurable 使用 Redis 实现 Tier 2。
type RedisDurable struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDurable 连接 Redis 并校验连通性。
func NewRedisDurable(ctx context.Context, cfg RedisConfig) (*RedisDurable, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisDurableFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisDurableFromClient 复用已有的 Redis 客户端。
func NewRedisDurableFromClient(client redis.UniversalClient, prefix string) *RedisDurable {
	return &RedisDurable{client: client, prefix: prefix}
}

func (r *RedisDurable) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Get 实现 Durable。
func (r *RedisDurable) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis 读取失败")
	}
	return value, true, nil
}

// Set 实现 Durable。
func (r *RedisDurable) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis 写入失败")
	}
	return nil
}

// Delete 实现 Durable。
func (r *RedisDurable) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis 删除失败")
	}
	return nil
}

// Ping 用于健康检查。
func (r *RedisDurable) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭客户端。
func (r *RedisDurable) Close() error {
	return r.client.Close()
}

// SetVersion 在一个 MULTI/EXEC 中写入负载与 latest 指针。
func (r *RedisDurable) SetVersion(ctx context.Context, base, version, payload string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(VersionKey(base, version)), payload, ttl)
		pipe.Set(ctx, r.key(LatestKey(base)), version, ttl)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCacheFailure, err, "Redis 写入版本失败")
	}
	return nil
}
