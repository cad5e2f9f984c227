// Package repository 交易流水相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"proxy-market/internal/shared/model"
)

const transactionColumns = `id, user_id, amount, type, reason, note, created_at`

// CreateTransaction 记录一笔流水
func (s *Store) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	query := s.rebind(`
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.UserID, tx.Amount, tx.Type, tx.Reason, tx.Note, tx.CreatedAt)
	return err
}

// ListTransactionsByUser 列出用户流水（时间倒序，最多 limit 条）
func (s *Store) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*model.Transaction
	for rows.Next() {
		tx := &model.Transaction{}
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.Reason,
			&tx.Note, &tx.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// GetLastTopUp 获取用户最近一笔充值
// 从未充值过返回 (nil, nil)，提醒阈值由调用方兜底
func (s *Store) GetLastTopUp(ctx context.Context, userID string) (*model.Transaction, error) {
	query := s.rebind(`SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = $1 AND type = 'credit' AND reason = 'top_up'
		ORDER BY created_at DESC LIMIT 1`)
	tx := &model.Transaction{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.Reason, &tx.Note, &tx.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}
