// Package redis 告警节流缓存操作
package redis

import (
	"context"

	"proxy-market/internal/shared/cache"
)

// MarkAlerted 尝试占位，首次占位返回 true
//
// SET NX 保证多实例并发评估同一用户时只有一个实例拿到发送权。
func (s *Store) MarkAlerted(ctx context.Context, kind, subjectID string) (bool, error) {
	key := s.key(cache.KeyAlertThrottle + kind + ":" + subjectID)
	return s.client.SetNX(ctx, key, "1", cache.TTLAlertThrottle).Result()
}

// ClearAlerted 释放占位
func (s *Store) ClearAlerted(ctx context.Context, kind, subjectID string) error {
	key := s.key(cache.KeyAlertThrottle + kind + ":" + subjectID)
	return s.client.Del(ctx, key).Err()
}
