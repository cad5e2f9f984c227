// Package repository 实例相关的存储操作
//
// 状态转移统一走带前置状态条件的 UPDATE（乐观并发控制）：
// 用户暂停与系统停机可能竞争同一实例，未命中前置条件返回 ErrConflict，
// 调用方据此放弃或重读，不会出现丢失更新。
package repository

import (
	"context"
	"database/sql"

	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

const instanceColumns = `id, user_id, node_id, panel_id, container_id, marzban_node_id,
	status, error_message, inbound_port, xray_port, api_port,
	last_billed_usage, last_billed_at, created_at, updated_at, deleted_at`

// CreateInstance 创建实例
func (s *Store) CreateInstance(ctx context.Context, instance *model.Instance) error {
	query := s.rebind(`
		INSERT INTO instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`)
	_, err := s.db.ExecContext(ctx, query,
		instance.ID, instance.UserID, instance.NodeID, instance.PanelID,
		instance.ContainerID, instance.MarzbanNodeID, instance.Status, instance.ErrorMessage,
		instance.InboundPort, instance.XrayPort, instance.APIPort,
		instance.LastBilledUsage, instance.LastBilledAt,
		instance.CreatedAt, instance.UpdatedAt, instance.DeletedAt)
	return err
}

// GetInstance 获取实例
func (s *Store) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	query := s.rebind(`SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`)
	instance, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return instance, err
}

// ListInstances 列出所有未软删的实例
func (s *Store) ListInstances(ctx context.Context) ([]*model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ListInstancesByUser 列出用户处于指定状态的实例
func (s *Store) ListInstancesByUser(ctx context.Context, userID string, status model.InstanceStatus) ([]*model.Instance, error) {
	query := s.rebind(`SELECT ` + instanceColumns + ` FROM instances
		WHERE user_id = $1 AND status = $2 ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, userID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// CountInstancesByUser 统计用户处于指定状态的实例数
func (s *Store) CountInstancesByUser(ctx context.Context, userID string, status model.InstanceStatus) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM instances WHERE user_id = $1 AND status = $2`)
	var count int
	err := s.db.QueryRowContext(ctx, query, userID, status).Scan(&count)
	return count, err
}

// UpdateInstanceStatus 带前置状态条件的状态转移
func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, from, to model.InstanceStatus) error {
	query := s.rebind(`UPDATE instances SET status = $1, updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $2 AND status = $3`)
	result, err := s.db.ExecContext(ctx, query, to, id, from)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

// BeginInstanceDeletion 任意非终态 → deleting
func (s *Store) BeginInstanceDeletion(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE instances SET status = 'deleting', updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $1 AND status NOT IN ('deleting', 'deleted')`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

// SetInstanceContainer 记录 Fleet Agent 返回的容器 ID
func (s *Store) SetInstanceContainer(ctx context.Context, id, containerID string) error {
	query := s.rebind(`UPDATE instances SET container_id = $1, updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	result, err := s.db.ExecContext(ctx, query, containerID, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetInstanceMarzbanNode 记录控制面分配的节点 ID
//
// 注册重试路径靠该字段判断节点对象是否已创建（check-before-create），
// 所以第一次注册成功后必须先落库再继续后续步骤。
func (s *Store) SetInstanceMarzbanNode(ctx context.Context, id string, marzbanNodeID int64) error {
	query := s.rebind(`UPDATE instances SET marzban_node_id = $1, updated_at = ` + s.dialect.CurrentTimestamp() + ` WHERE id = $2`)
	result, err := s.db.ExecContext(ctx, query, marzbanNodeID, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkInstanceFailed 记录失败状态和错误信息
//
// 编排流程跨多个远程系统，失败必须落在聚合上（调用方可能早已返回），
// 终态实例不再改写。
func (s *Store) MarkInstanceFailed(ctx context.Context, id, message string) error {
	query := s.rebind(`UPDATE instances SET status = 'failed', error_message = $1,
		updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $2 AND status NOT IN ('deleting', 'deleted')`)
	result, err := s.db.ExecContext(ctx, query, message, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

// SoftDeleteInstance deleting → deleted，记录 deleted_at
func (s *Store) SoftDeleteInstance(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE instances SET status = 'deleted', deleted_at = ` + s.dialect.CurrentTimestamp() + `,
		updated_at = ` + s.dialect.CurrentTimestamp() + `
		WHERE id = $1 AND status = 'deleting'`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

func scanInstance(row rowScanner) (*model.Instance, error) {
	instance := &model.Instance{}
	err := row.Scan(&instance.ID, &instance.UserID, &instance.NodeID, &instance.PanelID,
		&instance.ContainerID, &instance.MarzbanNodeID, &instance.Status, &instance.ErrorMessage,
		&instance.InboundPort, &instance.XrayPort, &instance.APIPort,
		&instance.LastBilledUsage, &instance.LastBilledAt,
		&instance.CreatedAt, &instance.UpdatedAt, &instance.DeletedAt)
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func scanInstances(rows *sql.Rows) ([]*model.Instance, error) {
	var instances []*model.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}
