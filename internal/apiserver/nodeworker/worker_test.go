// Package nodeworker 部署循环测试
package nodeworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"proxy-market/internal/config"
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

func seedNode(t *testing.T, s *repository.Store, id string, status model.NodeProvisionStatus) {
	t.Helper()
	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.CreateNode(context.Background(), &model.Node{
		ID: id, Name: "node-" + id, Address: "203.0.113." + id, AgentPort: 8745,
		AgentAPIKey: "key", SSHUser: "root", SSHPort: 22,
		IsEnabled: true, Status: model.NodeStatusInProgress,
		ProvisionStatus: status, InstallMethod: model.InstallMethodDocker,
		CreatedAt: now, UpdatedAt: now,
	}))
}

// fakeInstaller 按节点 ID 脚本化结果
type fakeInstaller struct {
	installed []string
	failFor   map[string]error
	panicFor  string
	version   string
	onInstall func(node *model.Node)
}

func (f *fakeInstaller) Install(ctx context.Context, node *model.Node) (string, error) {
	f.installed = append(f.installed, node.ID)
	if f.onInstall != nil {
		f.onInstall(node)
	}
	if node.ID == f.panicFor {
		panic("installer blew up")
	}
	if err, ok := f.failFor[node.ID]; ok {
		return "", err
	}
	if f.version == "" {
		return "1.0.0", nil
	}
	return f.version, nil
}

func workerCfg() config.NodeWorkerConfig {
	return config.NodeWorkerConfig{
		PollInterval:   30 * time.Second,
		EnrollTokenTTL: 15 * time.Minute,
		AgentVersion:   "1.0.0",
	}
}

func TestTickProvisionsPendingNodes(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, "1", model.NodeProvisionPending)
	seedNode(t, s, "2", model.NodeProvisionPending)
	ctx := context.Background()

	installer := &fakeInstaller{}
	w := New(s, eventbus.New(), installer, workerCfg())
	w.RunOnce(ctx)

	assert.ElementsMatch(t, []string{"1", "2"}, installer.installed)
	for _, id := range []string{"1", "2"} {
		node, err := s.GetNode(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.NodeProvisionReady, node.ProvisionStatus)
		assert.Equal(t, "1.0.0", node.AgentVersion)
		assert.Equal(t, model.NodeStatusActive, node.Status)
		assert.NotNil(t, node.LastSeenAt)
	}
}

// TestTickIsolatesNodeFailures 中间节点失败不影响其余节点到达终态
func TestTickIsolatesNodeFailures(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, "1", model.NodeProvisionPending)
	seedNode(t, s, "2", model.NodeProvisionPending)
	seedNode(t, s, "3", model.NodeProvisionPending)
	ctx := context.Background()

	installer := &fakeInstaller{failFor: map[string]error{"2": errors.New("ssh unreachable")}}
	w := New(s, eventbus.New(), installer, workerCfg())
	w.RunOnce(ctx)

	node1, _ := s.GetNode(ctx, "1")
	node2, _ := s.GetNode(ctx, "2")
	node3, _ := s.GetNode(ctx, "3")
	assert.Equal(t, model.NodeProvisionReady, node1.ProvisionStatus)
	assert.Equal(t, model.NodeProvisionFailed, node2.ProvisionStatus)
	assert.Contains(t, node2.ProvisionError, "ssh unreachable")
	assert.Equal(t, model.NodeProvisionReady, node3.ProvisionStatus)
}

// TestTickSurvivesInstallerPanic panic 被捕获并按失败落库
func TestTickSurvivesInstallerPanic(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, "1", model.NodeProvisionPending)
	seedNode(t, s, "2", model.NodeProvisionPending)
	ctx := context.Background()

	installer := &fakeInstaller{panicFor: "1"}
	w := New(s, eventbus.New(), installer, workerCfg())
	w.RunOnce(ctx)

	node1, _ := s.GetNode(ctx, "1")
	node2, _ := s.GetNode(ctx, "2")
	assert.Equal(t, model.NodeProvisionFailed, node1.ProvisionStatus)
	assert.Contains(t, node1.ProvisionError, "panic")
	assert.Equal(t, model.NodeProvisionReady, node2.ProvisionStatus)
}

// TestFailedNodesNotRetried failed 节点不进候选，重置后才会被重跑
func TestFailedNodesNotRetried(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, "1", model.NodeProvisionFailed)
	ctx := context.Background()

	installer := &fakeInstaller{}
	w := New(s, eventbus.New(), installer, workerCfg())
	w.RunOnce(ctx)
	assert.Empty(t, installer.installed)

	require.NoError(t, s.ResetNodeProvision(ctx, "1"))
	w.RunOnce(ctx)
	assert.Equal(t, []string{"1"}, installer.installed)
}

// TestEnrollTokenRegenerated 令牌缺失时生成，有效时保留
func TestEnrollTokenRegenerated(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, "1", model.NodeProvisionPending)
	ctx := context.Background()

	var seenToken string
	installer := &fakeInstaller{onInstall: func(node *model.Node) { seenToken = node.EnrollToken }}
	w := New(s, eventbus.New(), installer, workerCfg())
	w.RunOnce(ctx)

	require.NotEmpty(t, seenToken)
	node, err := s.GetNode(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, seenToken, node.EnrollToken)
	require.NotNil(t, node.EnrollTokenExpiresAt)
	assert.True(t, node.EnrollTokenExpiresAt.After(time.Now()))
	assert.True(t, node.EnrollTokenExpiresAt.Before(time.Now().Add(16*time.Minute)))
}

// TestUpgradeCandidate ready 节点目标版本更新时重新部署
func TestUpgradeCandidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.CreateNode(ctx, &model.Node{
		ID: "1", Name: "node-1", Address: "203.0.113.1", AgentPort: 8745,
		AgentAPIKey: "key", IsEnabled: true, Status: model.NodeStatusActive,
		ProvisionStatus: model.NodeProvisionReady, InstallMethod: model.InstallMethodBinary,
		AgentVersion: "1.0.0", TargetAgentVersion: "1.1.0",
		CreatedAt: now, UpdatedAt: now,
	}))

	installer := &fakeInstaller{version: "1.1.0"}
	w := New(s, eventbus.New(), installer, workerCfg())
	w.RunOnce(ctx)

	node, err := s.GetNode(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeProvisionReady, node.ProvisionStatus)
	assert.Equal(t, "1.1.0", node.AgentVersion)

	// 版本追平后不再是候选
	installer.installed = nil
	w.RunOnce(ctx)
	assert.Empty(t, installer.installed)
}

// TestTickStopsBetweenNodesOnCancel ctx 取消后不再处理后续节点
func TestTickStopsBetweenNodesOnCancel(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, "1", model.NodeProvisionPending)
	seedNode(t, s, "2", model.NodeProvisionPending)
	seedNode(t, s, "3", model.NodeProvisionPending)

	ctx, cancel := context.WithCancel(context.Background())
	installer := &fakeInstaller{onInstall: func(node *model.Node) { cancel() }}
	w := New(s, eventbus.New(), installer, workerCfg())
	w.RunOnce(ctx)

	assert.Len(t, installer.installed, 1)
}

// TestNodeProvisionedEventPublished 终态落库后发事件
func TestNodeProvisionedEventPublished(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, "1", model.NodeProvisionPending)
	ctx := context.Background()

	bus := eventbus.New()
	var got []model.NodeProvisionedEvent
	bus.Subscribe(model.EventNodeProvisioned, func(ctx context.Context, ev eventbus.Event) error {
		got = append(got, ev.(model.NodeProvisionedEvent))
		return nil
	})

	w := New(s, bus, &fakeInstaller{}, workerCfg())
	w.RunOnce(ctx)

	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].NodeID)
	assert.Equal(t, model.NodeProvisionReady, got[0].Status)
}
