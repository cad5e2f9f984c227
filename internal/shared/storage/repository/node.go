// Package repository 节点相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

const nodeColumns = `id, name, address, agent_port, agent_api_key, ssh_user, ssh_port, price,
	status, is_enabled, provision_status, provision_error, install_method,
	agent_version, target_agent_version, enroll_token, enroll_token_expires_at,
	last_seen_at, created_at, updated_at, deleted_at`

// CreateNode 创建节点
func (s *Store) CreateNode(ctx context.Context, node *model.Node) error {
	query := s.rebind(`
		INSERT INTO nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`)
	_, err := s.db.ExecContext(ctx, query,
		node.ID, node.Name, node.Address, node.AgentPort, node.AgentAPIKey,
		node.SSHUser, node.SSHPort, node.Price, node.Status, node.IsEnabled,
		node.ProvisionStatus, node.ProvisionError, node.InstallMethod,
		node.AgentVersion, node.TargetAgentVersion, node.EnrollToken, node.EnrollTokenExpiresAt,
		node.LastSeenAt, node.CreatedAt, node.UpdatedAt, node.DeletedAt)
	return err
}

// GetNode 获取节点
func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`)
	node, err := scanNode(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return node, err
}

// ListNodes 列出所有未软删的节点
func (s *Store) ListNodes(ctx context.Context) ([]*model.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ListProvisionCandidates 列出部署循环的候选节点
//
// 候选 = 启用 && 未软删 && (pending/installing，或 ready 但目标版本更新)。
// failed 不在候选之列：失败不自动重试，由 ResetNodeProvision 显式重置。
func (s *Store) ListProvisionCandidates(ctx context.Context) ([]*model.Node, error) {
	query := s.rebind(`
		SELECT ` + nodeColumns + ` FROM nodes
		WHERE is_enabled = ` + s.dialect.BooleanLiteral(true) + `
		  AND deleted_at IS NULL
		  AND (provision_status IN ('pending', 'installing')
		       OR (provision_status = 'ready'
		           AND target_agent_version IS NOT NULL
		           AND target_agent_version != ''
		           AND agent_version != target_agent_version))
		ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// UpdateNodeProvisionStatus 带前置状态条件推进部署状态（CAS）
func (s *Store) UpdateNodeProvisionStatus(ctx context.Context, id string, from, to model.NodeProvisionStatus) error {
	query := s.rebind(`UPDATE nodes SET provision_status = $1, updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $2 AND provision_status = $3`)
	result, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

// SaveNodeProvisionResult 持久化一次部署的结果字段
func (s *Store) SaveNodeProvisionResult(ctx context.Context, node *model.Node) error {
	query := s.rebind(`UPDATE nodes SET provision_status = $1, provision_error = $2,
		agent_version = $3, last_seen_at = $4, status = $5, updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $6`)
	result, err := s.db.ExecContext(ctx, query,
		node.ProvisionStatus, node.ProvisionError, node.AgentVersion, node.LastSeenAt, node.Status, node.ID)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveNodeEnrollToken 持久化注册令牌及过期时间
func (s *Store) SaveNodeEnrollToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	query := s.rebind(`UPDATE nodes SET enroll_token = $1, enroll_token_expires_at = $2,
		updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $3`)
	result, err := s.db.ExecContext(ctx, query, token, expiresAt, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateNodeStatus 更新节点运营状态
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status model.NodeStatus) error {
	query := s.rebind(`UPDATE nodes SET status = $1, updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	result, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ResetNodeProvision 管理员显式重试：failed → pending
func (s *Store) ResetNodeProvision(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE nodes SET provision_status = 'pending', provision_error = '',
		updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $1 AND provision_status = 'failed'`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

// SoftDeleteNode 软删除节点
func (s *Store) SoftDeleteNode(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE nodes SET deleted_at = ` + s.dialect.CurrentTimestamp() + `,
		is_enabled = ` + s.dialect.BooleanLiteral(false) + `, updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $1 AND deleted_at IS NULL`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	node := &model.Node{}
	err := row.Scan(&node.ID, &node.Name, &node.Address, &node.AgentPort, &node.AgentAPIKey,
		&node.SSHUser, &node.SSHPort, &node.Price, &node.Status, &node.IsEnabled,
		&node.ProvisionStatus, &node.ProvisionError, &node.InstallMethod,
		&node.AgentVersion, &node.TargetAgentVersion, &node.EnrollToken, &node.EnrollTokenExpiresAt,
		&node.LastSeenAt, &node.CreatedAt, &node.UpdatedAt, &node.DeletedAt)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func scanNodes(rows *sql.Rows) ([]*model.Node, error) {
	var nodes []*model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
