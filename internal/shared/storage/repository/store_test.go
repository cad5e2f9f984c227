// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"testing"
	"time"

	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
	"proxy-market/internal/shared/storage/dbutil"
	sqlitedriver "proxy-market/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.Equal(t, "1", d.BooleanLiteral(true))
	assert.Equal(t, "0", d.BooleanLiteral(false))
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
}

// ============================================================================
// Node 测试
// ============================================================================

func TestNodeCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	node := &model.Node{
		ID:              "node-001",
		Name:            "tokyo-1",
		Address:         "203.0.113.10",
		AgentPort:       8745,
		SSHUser:         "root",
		SSHPort:         22,
		Price:           1500,
		Status:          model.NodeStatusInProgress,
		IsEnabled:       true,
		ProvisionStatus: model.NodeProvisionPending,
		InstallMethod:   model.InstallMethodDocker,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Create
	require.NoError(t, s.CreateNode(ctx, node))

	// Get
	got, err := s.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, node.Address, got.Address)
	assert.Equal(t, model.NodeProvisionPending, got.ProvisionStatus)
	assert.True(t, got.IsEnabled)

	// List
	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	// Get not found
	got, err = s.GetNode(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Soft delete
	require.NoError(t, s.SoftDeleteNode(ctx, node.ID))
	nodes, err = s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 0)

	// 软删后再删应报 NotFound
	assert.ErrorIs(t, s.SoftDeleteNode(ctx, node.ID), storage.ErrNotFound)
}

func TestNodeProvisionStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	node := &model.Node{
		ID: "node-cas", Address: "203.0.113.11", IsEnabled: true,
		Status: model.NodeStatusInProgress, ProvisionStatus: model.NodeProvisionPending,
		InstallMethod: model.InstallMethodDocker, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateNode(ctx, node))

	// pending → installing 正常命中
	require.NoError(t, s.UpdateNodeProvisionStatus(ctx, node.ID,
		model.NodeProvisionPending, model.NodeProvisionInstalling))

	// 第二次同样的 CAS 应该未命中（状态已不是 pending）
	err := s.UpdateNodeProvisionStatus(ctx, node.ID,
		model.NodeProvisionPending, model.NodeProvisionInstalling)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, _ := s.GetNode(ctx, node.ID)
	assert.Equal(t, model.NodeProvisionInstalling, got.ProvisionStatus)
}

func TestListProvisionCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	mk := func(id string, enabled bool, ps model.NodeProvisionStatus, agentVer, targetVer string) *model.Node {
		return &model.Node{
			ID: id, Address: "203.0.113." + id, IsEnabled: enabled,
			Status: model.NodeStatusInProgress, ProvisionStatus: ps,
			InstallMethod: model.InstallMethodDocker,
			AgentVersion:  agentVer, TargetAgentVersion: targetVer,
			CreatedAt: now, UpdatedAt: now,
		}
	}

	require.NoError(t, s.CreateNode(ctx, mk("1", true, model.NodeProvisionPending, "", "")))
	require.NoError(t, s.CreateNode(ctx, mk("2", true, model.NodeProvisionInstalling, "", "")))
	require.NoError(t, s.CreateNode(ctx, mk("3", true, model.NodeProvisionFailed, "", "")))
	require.NoError(t, s.CreateNode(ctx, mk("4", false, model.NodeProvisionPending, "", "")))
	require.NoError(t, s.CreateNode(ctx, mk("5", true, model.NodeProvisionReady, "v1.0.0", "v1.1.0")))
	require.NoError(t, s.CreateNode(ctx, mk("6", true, model.NodeProvisionReady, "v1.1.0", "v1.1.0")))

	candidates, err := s.ListProvisionCandidates(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(candidates))
	for _, n := range candidates {
		ids = append(ids, n.ID)
	}
	// pending、installing、版本落后的 ready 入选；failed、禁用、版本一致的不入选
	assert.ElementsMatch(t, []string{"1", "2", "5"}, ids)
}

func TestResetNodeProvision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	node := &model.Node{
		ID: "node-rst", Address: "203.0.113.20", IsEnabled: true,
		Status: model.NodeStatusInProgress, ProvisionStatus: model.NodeProvisionFailed,
		ProvisionError: "ssh timeout", InstallMethod: model.InstallMethodDocker,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateNode(ctx, node))

	require.NoError(t, s.ResetNodeProvision(ctx, node.ID))
	got, _ := s.GetNode(ctx, node.ID)
	assert.Equal(t, model.NodeProvisionPending, got.ProvisionStatus)
	assert.Empty(t, got.ProvisionError)

	// 非 failed 状态重置应报 Conflict
	assert.ErrorIs(t, s.ResetNodeProvision(ctx, node.ID), storage.ErrConflict)
}

func TestNodeEnrollToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	node := &model.Node{
		ID: "node-tok", Address: "203.0.113.30", IsEnabled: true,
		Status: model.NodeStatusInProgress, ProvisionStatus: model.NodeProvisionPending,
		InstallMethod: model.InstallMethodDocker, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateNode(ctx, node))

	expires := now.Add(15 * time.Minute)
	require.NoError(t, s.SaveNodeEnrollToken(ctx, node.ID, "tok-abc", expires))

	got, _ := s.GetNode(ctx, node.ID)
	assert.Equal(t, "tok-abc", got.EnrollToken)
	require.NotNil(t, got.EnrollTokenExpiresAt)
	assert.True(t, got.EnrollTokenValid(now))
	assert.False(t, got.EnrollTokenValid(now.Add(16*time.Minute)))
}

// ============================================================================
// Panel 测试
// ============================================================================

func TestPanelCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	panel := &model.Panel{
		ID:          "panel-001",
		Name:        "main",
		URL:         "https://panel.example.com",
		Username:    "admin",
		InboundPort: 8080,
		XrayPort:    62050,
		APIPort:     62051,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	require.NoError(t, s.CreatePanel(ctx, panel))

	got, err := s.GetPanel(ctx, panel.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, panel.URL, got.URL)

	panels, err := s.ListPanels(ctx)
	require.NoError(t, err)
	assert.Len(t, panels, 1)

	// Token 刷新
	require.NoError(t, s.UpdatePanelToken(ctx, panel.ID, "jwt-token"))
	got, _ = s.GetPanel(ctx, panel.ID)
	assert.Equal(t, "jwt-token", got.Token)

	assert.ErrorIs(t, s.UpdatePanelToken(ctx, "nonexistent", "x"), storage.ErrNotFound)
}

// ============================================================================
// Instance 测试
// ============================================================================

func newTestInstance(id string, now time.Time) *model.Instance {
	return &model.Instance{
		ID:        id,
		UserID:    "user-001",
		NodeID:    "node-001",
		PanelID:   "panel-001",
		Status:    model.InstanceStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func seedInstanceDeps(t *testing.T, s *Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateNode(ctx, &model.Node{
		ID: "node-001", Address: "203.0.113.10", IsEnabled: true,
		Status: model.NodeStatusActive, ProvisionStatus: model.NodeProvisionReady,
		InstallMethod: model.InstallMethodDocker, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreatePanel(ctx, &model.Panel{
		ID: "panel-001", URL: "https://panel.example.com", CreatedAt: now, UpdatedAt: now,
	}))
}

func TestInstanceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	seedInstanceDeps(t, s, now)

	instance := newTestInstance("inst-001", now)
	require.NoError(t, s.CreateInstance(ctx, instance))

	got, err := s.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.InstanceStatusPending, got.Status)
	assert.Nil(t, got.ContainerID)
	assert.Nil(t, got.MarzbanNodeID)

	got, err = s.GetInstance(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := s.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	count, err := s.CountInstancesByUser(ctx, "user-001", model.InstanceStatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInstanceStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	seedInstanceDeps(t, s, now)

	instance := newTestInstance("inst-cas", now)
	require.NoError(t, s.CreateInstance(ctx, instance))

	// pending → provisioning
	require.NoError(t, s.UpdateInstanceStatus(ctx, instance.ID,
		model.InstanceStatusPending, model.InstanceStatusProvisioning))

	// 前置状态已变，重放应未命中
	err := s.UpdateInstanceStatus(ctx, instance.ID,
		model.InstanceStatusPending, model.InstanceStatusProvisioning)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// provisioning → running
	require.NoError(t, s.UpdateInstanceStatus(ctx, instance.ID,
		model.InstanceStatusProvisioning, model.InstanceStatusRunning))

	got, _ := s.GetInstance(ctx, instance.ID)
	assert.Equal(t, model.InstanceStatusRunning, got.Status)
}

func TestInstanceProvisionFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	seedInstanceDeps(t, s, now)

	instance := newTestInstance("inst-prov", now)
	require.NoError(t, s.CreateInstance(ctx, instance))

	require.NoError(t, s.SetInstanceContainer(ctx, instance.ID, "abcdef123456"))
	require.NoError(t, s.SetInstanceMarzbanNode(ctx, instance.ID, 42))

	got, _ := s.GetInstance(ctx, instance.ID)
	require.NotNil(t, got.ContainerID)
	assert.Equal(t, "abcdef123456", *got.ContainerID)
	require.NotNil(t, got.MarzbanNodeID)
	assert.Equal(t, int64(42), *got.MarzbanNodeID)

	assert.ErrorIs(t, s.SetInstanceContainer(ctx, "nonexistent", "x"), storage.ErrNotFound)
}

func TestInstanceFailureAndDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	seedInstanceDeps(t, s, now)

	instance := newTestInstance("inst-del", now)
	require.NoError(t, s.CreateInstance(ctx, instance))

	// 标记失败
	require.NoError(t, s.MarkInstanceFailed(ctx, instance.ID, "agent unreachable"))
	got, _ := s.GetInstance(ctx, instance.ID)
	assert.Equal(t, model.InstanceStatusFailed, got.Status)
	assert.Equal(t, "agent unreachable", got.ErrorMessage)

	// 进入删除流程
	require.NoError(t, s.BeginInstanceDeletion(ctx, instance.ID))
	got, _ = s.GetInstance(ctx, instance.ID)
	assert.Equal(t, model.InstanceStatusDeleting, got.Status)

	// deleting 状态不可再次进入删除、也不可标记失败
	assert.ErrorIs(t, s.BeginInstanceDeletion(ctx, instance.ID), storage.ErrConflict)
	assert.ErrorIs(t, s.MarkInstanceFailed(ctx, instance.ID, "x"), storage.ErrConflict)

	// deleting → deleted
	require.NoError(t, s.SoftDeleteInstance(ctx, instance.ID))
	got, _ = s.GetInstance(ctx, instance.ID)
	assert.Equal(t, model.InstanceStatusDeleted, got.Status)
	require.NotNil(t, got.DeletedAt)

	// 软删后不再出现在列表
	list, err := s.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestListInstancesByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	seedInstanceDeps(t, s, now)

	a := newTestInstance("inst-a", now)
	a.Status = model.InstanceStatusRunning
	b := newTestInstance("inst-b", now.Add(time.Second))
	b.Status = model.InstanceStatusRunning
	c := newTestInstance("inst-c", now)
	c.Status = model.InstanceStatusPausedBySystem
	d := newTestInstance("inst-d", now)
	d.UserID = "user-other"
	d.Status = model.InstanceStatusRunning

	for _, inst := range []*model.Instance{a, b, c, d} {
		require.NoError(t, s.CreateInstance(ctx, inst))
	}

	running, err := s.ListInstancesByUser(ctx, "user-001", model.InstanceStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "inst-a", running[0].ID)

	paused, err := s.ListInstancesByUser(ctx, "user-001", model.InstanceStatusPausedBySystem)
	require.NoError(t, err)
	assert.Len(t, paused, 1)
}

// ============================================================================
// User / Transaction 测试
// ============================================================================

func TestUserBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	user := &model.User{ID: "user-001", Name: "alice", Balance: 1000, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1000), got.Balance)
	assert.Nil(t, got.LowBalanceNotified)

	// 充值
	got, err = s.AdjustUserBalance(ctx, user.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.Balance)

	// 扣费可使余额为负
	got, err = s.AdjustUserBalance(ctx, user.ID, -2000)
	require.NoError(t, err)
	assert.Equal(t, int64(-500), got.Balance)

	_, err = s.AdjustUserBalance(ctx, "nonexistent", 100)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetLowBalanceNotified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	user := &model.User{ID: "user-lb", Balance: 100, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateUser(ctx, user))

	yes := true
	require.NoError(t, s.SetLowBalanceNotified(ctx, user.ID, &yes))
	got, _ := s.GetUser(ctx, user.ID)
	require.NotNil(t, got.LowBalanceNotified)
	assert.True(t, *got.LowBalanceNotified)

	no := false
	require.NoError(t, s.SetLowBalanceNotified(ctx, user.ID, &no))
	got, _ = s.GetUser(ctx, user.ID)
	require.NotNil(t, got.LowBalanceNotified)
	assert.False(t, *got.LowBalanceNotified)
}

func TestTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	user := &model.User{ID: "user-tx", Balance: 0, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateUser(ctx, user))

	// 从未充值过
	last, err := s.GetLastTopUp(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	txs := []*model.Transaction{
		{ID: "tx-1", UserID: user.ID, Amount: 100000, Type: model.TransactionCredit, Reason: model.ReasonTopUp, CreatedAt: now},
		{ID: "tx-2", UserID: user.ID, Amount: 3000, Type: model.TransactionDebit, Reason: model.ReasonUsage, CreatedAt: now.Add(time.Second)},
		{ID: "tx-3", UserID: user.ID, Amount: 200000, Type: model.TransactionCredit, Reason: model.ReasonTopUp, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, tx := range txs {
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}

	// 最近一笔充值应是 tx-3，扣费不算
	last, err = s.GetLastTopUp(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "tx-3", last.ID)
	assert.Equal(t, int64(200000), last.Amount)

	list, err := s.ListTransactionsByUser(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "tx-3", list[0].ID)

	// limit 截断，保留最新的
	list, err = s.ListTransactionsByUser(ctx, user.ID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "tx-3", list[0].ID)
	assert.Equal(t, "tx-2", list[1].ID)
}
