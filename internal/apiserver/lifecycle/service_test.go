// Package lifecycle 生命周期服务测试
package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"proxy-market/internal/fleetagent"
	"proxy-market/internal/marzban"
	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage/repository"
	sqlitedriver "proxy-market/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeAgent 按容器 ID 脚本化失败的假 Agent
type fakeAgent struct {
	pauseCalls  []string
	resumeCalls []string
	deleteCalls []string

	failPauseFor string // 对该容器的 pause 返回错误
}

func (f *fakeAgent) CreateContainer(ctx context.Context, req *fleetagent.CreateContainerRequest) (string, error) {
	return "unused", nil
}

func (f *fakeAgent) PauseContainer(ctx context.Context, id string) error {
	f.pauseCalls = append(f.pauseCalls, id)
	if id == f.failPauseFor {
		return errors.New("agent unreachable")
	}
	return nil
}

func (f *fakeAgent) ResumeContainer(ctx context.Context, id string) error {
	f.resumeCalls = append(f.resumeCalls, id)
	return nil
}

func (f *fakeAgent) DeleteContainer(ctx context.Context, id string) error {
	f.deleteCalls = append(f.deleteCalls, id)
	return nil
}

func dialerFor(agent *fakeAgent) fleetagent.Dialer {
	return func(address string, port int, apiKey string) fleetagent.API { return agent }
}

func seedUserAndNode(t *testing.T, s *repository.Store, balance int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.CreateNode(ctx, &model.Node{
		ID: "node-1", Name: "osaka-1", Address: "203.0.113.20", AgentPort: 8745,
		AgentAPIKey: "agent-key", IsEnabled: true, Status: model.NodeStatusActive,
		ProvisionStatus: model.NodeProvisionReady, InstallMethod: model.InstallMethodDocker,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreatePanel(ctx, &model.Panel{
		ID: "panel-1", Name: "main", URL: "https://panel.example.com",
		Username: "admin", PasswordEncrypted: "x", Token: "t",
		InboundPort: 8080, XrayPort: 62050, APIPort: 62051,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreateUser(ctx, &model.User{
		ID: "user-1", Name: "alice", Balance: balance, CreatedAt: now, UpdatedAt: now,
	}))
}

func seedInstance(t *testing.T, s *repository.Store, id, containerID string, status model.InstanceStatus) {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	inst := &model.Instance{
		ID: id, UserID: "user-1", NodeID: "node-1", PanelID: "panel-1",
		Status: status, InboundPort: 8080, XrayPort: 62050, APIPort: 62051,
		CreatedAt: now, UpdatedAt: now,
	}
	if containerID != "" {
		inst.ContainerID = &containerID
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
}

func newService(s *repository.Store, agent *fakeAgent, floor int64) *Service {
	return NewService(s, eventbus.New(), dialerFor(agent), nil, floor)
}

// fakePanel 记录节点注销调用的假控制面
type fakePanel struct {
	deleted []int64
	err     error
}

func (f *fakePanel) DeleteNode(ctx context.Context, nodeID int64) error {
	f.deleted = append(f.deleted, nodeID)
	return f.err
}

func newServiceWithPanels(s *repository.Store, agent *fakeAgent, panel *fakePanel, floor int64) *Service {
	dial := func(p *model.Panel) PanelNodeRemover { return panel }
	return NewService(s, eventbus.New(), dialerFor(agent), dial, floor)
}

func TestManualPauseAndResume(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-1", "ctr-1", model.InstanceStatusRunning)
	ctx := context.Background()

	agent := &fakeAgent{}
	svc := newService(s, agent, 10000)

	require.NoError(t, svc.ManuallyPause(ctx, "inst-1"))
	inst, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPausedByUser, inst.Status)
	assert.Equal(t, []string{"ctr-1"}, agent.pauseCalls)

	// 重复暂停不报错也不再调远程
	require.NoError(t, svc.ManuallyPause(ctx, "inst-1"))
	assert.Len(t, agent.pauseCalls, 1)

	require.NoError(t, svc.ManuallyResume(ctx, "inst-1"))
	inst, err = s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, inst.Status)
	assert.Equal(t, []string{"ctr-1"}, agent.resumeCalls)
}

func TestManualPauseRejectsNonRunning(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-1", "", model.InstanceStatusPending)
	ctx := context.Background()

	svc := newService(s, &fakeAgent{}, 10000)
	err := svc.ManuallyPause(ctx, "inst-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot pause")
}

func TestManualResumeRefusedBelowFloor(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 3000) // 低于停机阈值
	seedInstance(t, s, "inst-1", "ctr-1", model.InstanceStatusPausedBySystem)
	ctx := context.Background()

	agent := &fakeAgent{}
	svc := newService(s, agent, 10000)

	err := svc.ManuallyResume(ctx, "inst-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top up first")
	assert.Empty(t, agent.resumeCalls)

	// 充值到阈值之上后允许手动拉起
	_, err = s.AdjustUserBalance(ctx, "user-1", 20000)
	require.NoError(t, err)
	require.NoError(t, svc.ManuallyResume(ctx, "inst-1"))

	inst, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, inst.Status)
}

func TestSuspendAndResumeOwnership(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-running", "ctr-a", model.InstanceStatusRunning)
	seedInstance(t, s, "inst-user-paused", "ctr-b", model.InstanceStatusPausedByUser)
	seedInstance(t, s, "inst-sys-paused", "ctr-c", model.InstanceStatusPausedBySystem)
	ctx := context.Background()

	agent := &fakeAgent{}
	svc := newService(s, agent, 10000)

	// 系统停机只碰 running
	suspended, err := svc.CheckAndSuspend(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, suspended)
	assert.Equal(t, []string{"ctr-a"}, agent.pauseCalls)

	// 系统恢复只碰 paused_by_system，用户暂停的不动
	resumed, err := svc.ResumeSuspended(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, resumed) // ctr-a 刚被停，ctr-c 本来就是系统停的
	assert.ElementsMatch(t, []string{"ctr-a", "ctr-c"}, agent.resumeCalls)

	inst, err := s.GetInstance(ctx, "inst-user-paused")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPausedByUser, inst.Status)
}

func TestSuspendErrorIsolation(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-a", "ctr-a", model.InstanceStatusRunning)
	seedInstance(t, s, "inst-b", "ctr-b", model.InstanceStatusRunning)
	ctx := context.Background()

	agent := &fakeAgent{failPauseFor: "ctr-a"}
	svc := newService(s, agent, 10000)

	suspended, err := svc.CheckAndSuspend(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, suspended)

	instA, err := s.GetInstance(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, instA.Status) // 失败的保持原状

	instB, err := s.GetInstance(ctx, "inst-b")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPausedBySystem, instB.Status)
}

func TestDeleteLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-1", "ctr-1", model.InstanceStatusRunning)
	ctx := context.Background()

	agent := &fakeAgent{}
	svc := newService(s, agent, 10000)

	require.NoError(t, svc.Delete(ctx, "inst-1"))
	inst, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDeleted, inst.Status)
	assert.NotNil(t, inst.DeletedAt)
	assert.Equal(t, []string{"ctr-1"}, agent.deleteCalls)

	// 已删除实例重复删除直接成功
	require.NoError(t, svc.Delete(ctx, "inst-1"))
	assert.Len(t, agent.deleteCalls, 1)
}

func TestDeleteUnregistersPanelNode(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-1", "ctr-1", model.InstanceStatusRunning)
	ctx := context.Background()
	require.NoError(t, s.SetInstanceMarzbanNode(ctx, "inst-1", 42))

	agent := &fakeAgent{}
	panel := &fakePanel{}
	svc := newServiceWithPanels(s, agent, panel, 10000)

	require.NoError(t, svc.Delete(ctx, "inst-1"))
	assert.Equal(t, []int64{42}, panel.deleted)
	assert.Equal(t, []string{"ctr-1"}, agent.deleteCalls)

	inst, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDeleted, inst.Status)
}

func TestDeleteToleratesPanelNodeGone(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-1", "ctr-1", model.InstanceStatusRunning)
	ctx := context.Background()
	require.NoError(t, s.SetInstanceMarzbanNode(ctx, "inst-1", 42))

	// 控制面上节点已不存在，注销当成功
	panel := &fakePanel{err: &marzban.APIError{StatusCode: 404, Body: "not found"}}
	svc := newServiceWithPanels(s, &fakeAgent{}, panel, 10000)

	require.NoError(t, svc.Delete(ctx, "inst-1"))
	inst, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDeleted, inst.Status)
}

func TestDeleteAbortsOnPanelFailure(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-1", "ctr-1", model.InstanceStatusRunning)
	ctx := context.Background()
	require.NoError(t, s.SetInstanceMarzbanNode(ctx, "inst-1", 42))

	panel := &fakePanel{err: &marzban.APIError{StatusCode: 500, Body: "boom"}}
	svc := newServiceWithPanels(s, &fakeAgent{}, panel, 10000)

	require.Error(t, svc.Delete(ctx, "inst-1"))
	inst, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDeleting, inst.Status) // 停在 deleting，可重试

	panel.err = nil
	require.NoError(t, svc.Delete(ctx, "inst-1"))
	inst, err = s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDeleted, inst.Status)
}

func TestDeleteWithoutContainer(t *testing.T) {
	s := newTestStore(t)
	seedUserAndNode(t, s, 50000)
	seedInstance(t, s, "inst-1", "", model.InstanceStatusFailed)
	ctx := context.Background()

	agent := &fakeAgent{}
	svc := newService(s, agent, 10000)

	// 从未创建过容器的失败实例也能删掉，不碰远程
	require.NoError(t, svc.Delete(ctx, "inst-1"))
	inst, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusDeleted, inst.Status)
	assert.Empty(t, agent.deleteCalls)
}
