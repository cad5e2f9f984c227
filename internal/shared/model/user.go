// Package model 定义核心数据模型
//
// user.go 包含持有余额的用户模型和交易流水模型。
package model

import "time"

// ============================================================================
// TransactionType / TransactionReason - 交易类型
// ============================================================================

// TransactionType 交易方向
type TransactionType string

const (
	// TransactionCredit 入账（充值、退款等）
	TransactionCredit TransactionType = "credit"

	// TransactionDebit 出账（购买、用量结算等）
	TransactionDebit TransactionType = "debit"
)

// TransactionReason 交易业务原因
type TransactionReason string

const (
	// ReasonTopUp 用户充值
	ReasonTopUp TransactionReason = "top_up"

	// ReasonPurchase 购买节点实例
	ReasonPurchase TransactionReason = "purchase"

	// ReasonUsage 按用量结算
	ReasonUsage TransactionReason = "usage"

	// ReasonAdjustment 管理员手工调账
	ReasonAdjustment TransactionReason = "adjustment"
)

// ============================================================================
// User - 持有余额的用户
// ============================================================================

// User 表示持有余额的客户
//
// 字段说明：
//   - Balance：已入账资金
//   - Credit：平台授予的信用额度，可用余额 = Balance + Credit
//   - LowBalanceNotified：低余额提醒的三态滞回标志：
//     nil = 从未评估过，true = 已提醒（静默中），false = 已复位（可再次提醒）。
//     双阈值滞回避免余额在边界附近抖动时反复刷提醒。
type User struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	ChatID             *int64    `json:"chat_id,omitempty" db:"chat_id"`
	Balance            int64     `json:"balance" db:"balance"`
	Credit             int64     `json:"credit" db:"credit"`
	LowBalanceNotified *bool     `json:"low_balance_notified,omitempty" db:"low_balance_notified"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Available 可用余额 = 已入账资金 + 信用额度
func (u *User) Available() int64 {
	return u.Balance + u.Credit
}

// ============================================================================
// Transaction - 交易流水
// ============================================================================

// Transaction 余额变动流水
//
// 低余额提醒的阈值相对于"最近一次充值金额"计算，
// 因此流水按 (user_id, type, reason, created_at) 可查最近充值。
type Transaction struct {
	ID        string            `json:"id" db:"id"`
	UserID    string            `json:"user_id" db:"user_id"`
	Amount    int64             `json:"amount" db:"amount"`
	Type      TransactionType   `json:"type" db:"type"`
	Reason    TransactionReason `json:"reason" db:"reason"`
	Note      string            `json:"note,omitempty" db:"note"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}
