// Package billing 余额账务与余额驱动的生命周期控制
//
// Service 负责余额变动本身（充值 / 扣费 + 流水），Controller 订阅
// balance_changed 事件驱动停机 / 恢复和低余额提醒。两者只通过事件总线
// 耦合，扣费路径不会因为通知或停机失败而回滚。
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

// Service 余额账务服务
type Service struct {
	store storage.PersistentStore
	bus   *eventbus.Dispatcher
}

// NewService 创建账务服务
func NewService(store storage.PersistentStore, bus *eventbus.Dispatcher) *Service {
	return &Service{store: store, bus: bus}
}

// TopUp 充值：入账、记流水、提交后发 balance_changed
func (s *Service) TopUp(ctx context.Context, userID string, amount int64, note string) (*model.User, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("billing: top-up amount must be positive, got %d", amount)
	}
	return s.apply(ctx, userID, amount, model.TransactionCredit, model.ReasonTopUp, note)
}

// Charge 扣费：出账、记流水、提交后发 balance_changed
//
// 余额允许扣成负数（信用额度 Credit 兜底），停机与否由控制器
// 根据事件里的余额判断，不在扣费路径上做。
func (s *Service) Charge(ctx context.Context, userID string, amount int64, reason model.TransactionReason, note string) (*model.User, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("billing: charge amount must be positive, got %d", amount)
	}
	if reason == "" {
		reason = model.ReasonPurchase
	}
	return s.apply(ctx, userID, -amount, model.TransactionDebit, reason, note)
}

// Adjust 管理员手工调账，delta 带符号
//
// 记 adjustment 流水而不是 top_up：调账不改变低余额提醒的参照系
//（阈值相对最近一次真实充值计算）。
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, note string) (*model.User, error) {
	if delta == 0 {
		return nil, fmt.Errorf("billing: adjustment delta must be non-zero")
	}
	txType := model.TransactionCredit
	if delta < 0 {
		txType = model.TransactionDebit
	}
	return s.apply(ctx, userID, delta, txType, model.ReasonAdjustment, note)
}

// apply 执行一次余额变动，delta 带符号
func (s *Service) apply(ctx context.Context, userID string, delta int64,
	txType model.TransactionType, reason model.TransactionReason, note string) (*model.User, error) {

	var user *model.User
	err := s.bus.Run(ctx, func(ctx context.Context) ([]eventbus.Event, error) {
		var err error
		user, err = s.store.AdjustUserBalance(ctx, userID, delta)
		if err != nil {
			return nil, fmt.Errorf("adjust balance: %w", err)
		}

		amount := delta
		if amount < 0 {
			amount = -amount
		}
		tx := &model.Transaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			Amount:    amount,
			Type:      txType,
			Reason:    reason,
			Note:      note,
			CreatedAt: time.Now(),
		}
		if err := s.store.CreateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("record transaction: %w", err)
		}

		return []eventbus.Event{model.BalanceChangedEvent{
			UserID:     userID,
			Amount:     amount,
			NewBalance: user.Available(),
			Type:       txType,
			Reason:     reason,
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
