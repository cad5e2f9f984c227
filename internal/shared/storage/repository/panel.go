// Package repository 面板相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

const panelColumns = `id, name, url, username, password_encrypted, token, cert_key,
	inbound_port, xray_port, api_port, created_at, updated_at`

// CreatePanel 创建面板
func (s *Store) CreatePanel(ctx context.Context, panel *model.Panel) error {
	query := s.rebind(`
		INSERT INTO panels (` + panelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	_, err := s.db.ExecContext(ctx, query,
		panel.ID, panel.Name, panel.URL, panel.Username, panel.PasswordEncrypted,
		panel.Token, panel.CertKey, panel.InboundPort, panel.XrayPort, panel.APIPort,
		panel.CreatedAt, panel.UpdatedAt)
	return err
}

// GetPanel 获取面板
func (s *Store) GetPanel(ctx context.Context, id string) (*model.Panel, error) {
	query := s.rebind(`SELECT ` + panelColumns + ` FROM panels WHERE id = $1`)
	panel := &model.Panel{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&panel.ID, &panel.Name, &panel.URL, &panel.Username, &panel.PasswordEncrypted,
		&panel.Token, &panel.CertKey, &panel.InboundPort, &panel.XrayPort, &panel.APIPort,
		&panel.CreatedAt, &panel.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return panel, err
}

// ListPanels 列出所有面板
func (s *Store) ListPanels(ctx context.Context) ([]*model.Panel, error) {
	query := `SELECT ` + panelColumns + ` FROM panels ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var panels []*model.Panel
	for rows.Next() {
		panel := &model.Panel{}
		if err := rows.Scan(
			&panel.ID, &panel.Name, &panel.URL, &panel.Username, &panel.PasswordEncrypted,
			&panel.Token, &panel.CertKey, &panel.InboundPort, &panel.XrayPort, &panel.APIPort,
			&panel.CreatedAt, &panel.UpdatedAt); err != nil {
			return nil, err
		}
		panels = append(panels, panel)
	}
	return panels, rows.Err()
}

// UpdatePanelToken 刷新会话令牌
//
// 重新登录拿到新令牌后立即落库，让同一面板上的并发操作直接受益。
func (s *Store) UpdatePanelToken(ctx context.Context, id, token string) error {
	query := s.rebind(`UPDATE panels SET token = $1, updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	result, err := s.db.ExecContext(ctx, query, token, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}
