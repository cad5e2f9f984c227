// Package repository 用户与余额相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

const userColumns = `id, name, chat_id, balance, credit, low_balance_notified, created_at, updated_at`

// CreateUser 创建用户
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	query := s.rebind(`
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Name, user.ChatID, user.Balance, user.Credit,
		user.LowBalanceNotified, user.CreatedAt, user.UpdatedAt)
	return err
}

// GetUser 获取用户
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE id = $1`)
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return user, err
}

// AdjustUserBalance 原子调整余额并返回调整后的用户
//
// 余额增减直接在数据库里做（balance = balance + delta），
// 并发的充值和扣费互不覆盖，调整后重读拿到权威值。
func (s *Store) AdjustUserBalance(ctx context.Context, id string, delta int64) (*model.User, error) {
	query := s.rebind(`UPDATE users SET balance = balance + $1,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	result, err := s.db.ExecContext(ctx, query, delta, id)
	if err != nil {
		return nil, err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return nil, storage.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

// SetLowBalanceNotified 更新低余额提醒标记
//
// 标记是三态的：nil 表示从未评估过，指针由滞回逻辑给出。
func (s *Store) SetLowBalanceNotified(ctx context.Context, id string, notified *bool) error {
	query := s.rebind(`UPDATE users SET low_balance_notified = $1,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	result, err := s.db.ExecContext(ctx, query, notified, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.Name, &user.ChatID, &user.Balance, &user.Credit,
		&user.LowBalanceNotified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}
