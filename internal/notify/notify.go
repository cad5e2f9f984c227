// Package notify 用户通知出口
//
// 生命周期控制器只依赖本接口，投递渠道（Telegram、邮件等）由实现决定。
// 通知失败不应中断业务流程，调用方只记日志。
package notify

import (
	"context"
	"log"

	"proxy-market/internal/shared/model"
)

// Notifier 用户通知接口
type Notifier interface {
	// LowBalance 低余额提醒
	LowBalance(ctx context.Context, user *model.User, available, threshold int64) error
	// InstancesSuspended 余额不足导致实例被停机
	InstancesSuspended(ctx context.Context, user *model.User, count int) error
	// InstancesResumed 余额恢复后实例被拉起
	InstancesResumed(ctx context.Context, user *model.User, count int) error
}

// LogNotifier 仅写日志的通知实现
//
// 没接入真实渠道的部署用它兜底，保证通知内容至少可追溯。
type LogNotifier struct{}

// NewLogNotifier 创建日志通知器
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) LowBalance(ctx context.Context, user *model.User, available, threshold int64) error {
	log.Printf("[notify] low balance: user=%s available=%d threshold=%d", user.ID, available, threshold)
	return nil
}

func (n *LogNotifier) InstancesSuspended(ctx context.Context, user *model.User, count int) error {
	log.Printf("[notify] instances suspended: user=%s count=%d", user.ID, count)
	return nil
}

func (n *LogNotifier) InstancesResumed(ctx context.Context, user *model.User, count int) error {
	log.Printf("[notify] instances resumed: user=%s count=%d", user.ID, count)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
