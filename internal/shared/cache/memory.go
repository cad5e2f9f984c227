// Package cache 内存缓存实现
package cache

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// MemoryCache - 进程内 Cache 实现（用于测试和单机部署）
// ============================================================================

// MemoryCache 进程内缓存，带和 Redis 实现一致的 TTL 语义
type MemoryCache struct {
	mu         sync.Mutex
	heartbeats map[string]memoryEntry
	alerts     map[string]time.Time
}

type memoryEntry struct {
	hb        NodeHeartbeat
	expiresAt time.Time
}

// NewMemoryCache 创建内存缓存实例
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		heartbeats: make(map[string]memoryEntry),
		alerts:     make(map[string]time.Time),
	}
}

// Close 关闭缓存
func (c *MemoryCache) Close() error {
	return nil
}

// NodeHeartbeatCache 方法

func (c *MemoryCache) UpdateNodeHeartbeat(ctx context.Context, nodeID string, hb *NodeHeartbeat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hb.UpdatedAt = time.Now()
	c.heartbeats[nodeID] = memoryEntry{hb: *hb, expiresAt: time.Now().Add(TTLNodeHeartbeat)}
	return nil
}

func (c *MemoryCache) GetNodeHeartbeat(ctx context.Context, nodeID string) (*NodeHeartbeat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.heartbeats[nodeID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(c.heartbeats, nodeID)
		return nil, nil
	}
	hb := entry.hb
	return &hb, nil
}

func (c *MemoryCache) DeleteNodeHeartbeat(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.heartbeats, nodeID)
	return nil
}

func (c *MemoryCache) ListOnlineNodes(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var nodeIDs []string
	for id, entry := range c.heartbeats {
		if now.After(entry.expiresAt) {
			delete(c.heartbeats, id)
			continue
		}
		nodeIDs = append(nodeIDs, id)
	}
	return nodeIDs, nil
}

// AlertThrottleCache 方法

func (c *MemoryCache) MarkAlerted(ctx context.Context, kind, subjectID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := kind + ":" + subjectID
	if expiresAt, ok := c.alerts[key]; ok && time.Now().Before(expiresAt) {
		return false, nil
	}
	c.alerts[key] = time.Now().Add(TTLAlertThrottle)
	return true, nil
}

func (c *MemoryCache) ClearAlerted(ctx context.Context, kind, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.alerts, kind+":"+subjectID)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
