// Package notify 测试用通知记录器
package notify

import (
	"context"
	"sync"

	"proxy-market/internal/shared/model"
)

// Notification 一条被记录的通知
type Notification struct {
	Kind      string
	UserID    string
	Available int64
	Threshold int64
	Count     int
}

// Recorder 记录所有通知调用的 Notifier 实现（用于测试）
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// NewRecorder 创建通知记录器
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) LowBalance(ctx context.Context, user *model.User, available, threshold int64) error {
	r.record(Notification{Kind: "low_balance", UserID: user.ID, Available: available, Threshold: threshold})
	return nil
}

func (r *Recorder) InstancesSuspended(ctx context.Context, user *model.User, count int) error {
	r.record(Notification{Kind: "suspended", UserID: user.ID, Count: count})
	return nil
}

func (r *Recorder) InstancesResumed(ctx context.Context, user *model.User, count int) error {
	r.record(Notification{Kind: "resumed", UserID: user.ID, Count: count})
	return nil
}

func (r *Recorder) record(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// Sent 返回已记录通知的副本
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Reset 清空记录
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

var _ Notifier = (*Recorder)(nil)
