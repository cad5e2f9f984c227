// Package redis 缓存层的 Redis 实现
//
// 承载两类临时状态：节点 Agent 心跳（TTL 过期即离线）和低余额提醒的
// 跨进程去重占位。所有键都带 proxy_market: 命名空间前缀，和同一个
// Redis 上的其他业务隔离。
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"proxy-market/internal/shared/cache"
)

// 确保 Store 满足 Cache 组合接口
var _ cache.Cache = (*Store)(nil)

// keyNamespace 本服务全部缓存键的命名空间前缀
const keyNamespace = "proxy_market:"

const connectTimeout = 5 * time.Second

// Store Redis 缓存存储，实现 cache.Cache
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore 创建 Redis 缓存实例
func NewStore(addr, password string, db int) (*Store, error) {
	return connect(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewStoreFromURL 从连接串创建 Redis 缓存实例
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return connect(redis.NewClient(opts))
}

// connect 验证连通性后包装客户端
func connect(client *redis.Client) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	log.Printf("[cache] connected to redis at %s", client.Options().Addr)
	return &Store{client: client, prefix: keyNamespace}, nil
}

// key 给缓存键加上命名空间前缀
func (s *Store) key(suffix string) string {
	return s.prefix + suffix
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}
