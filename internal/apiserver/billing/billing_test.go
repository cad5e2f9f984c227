// Package billing 账务与余额驱动控制测试
package billing

import (
	"context"
	"testing"
	"time"

	"proxy-market/internal/apiserver/lifecycle"
	"proxy-market/internal/config"
	"proxy-market/internal/fleetagent"
	"proxy-market/internal/notify"
	"proxy-market/internal/shared/cache"
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

type noopAgent struct{}

func (noopAgent) CreateContainer(ctx context.Context, req *fleetagent.CreateContainerRequest) (string, error) {
	return "unused", nil
}
func (noopAgent) PauseContainer(ctx context.Context, id string) error  { return nil }
func (noopAgent) ResumeContainer(ctx context.Context, id string) error { return nil }
func (noopAgent) DeleteContainer(ctx context.Context, id string) error { return nil }

func noopDialer(address string, port int, apiKey string) fleetagent.API { return noopAgent{} }

// testWorld 一套完整接线：账务服务 + 生命周期 + 控制器挂在同一条总线上
type testWorld struct {
	store    *repository.Store
	bus      *eventbus.Dispatcher
	svc      *Service
	recorder *notify.Recorder
	throttle *cache.MemoryCache
}

func newWorld(t *testing.T, cfg config.BillingConfig) *testWorld {
	t.Helper()
	s := newTestStore(t)
	bus := eventbus.New()
	recorder := notify.NewRecorder()
	throttle := cache.NewMemoryCache()

	lc := lifecycle.NewService(s, bus, noopDialer, nil, cfg.SuspensionFloor)
	ctrl := NewController(s, lc, recorder, throttle, cfg)
	ctrl.Subscribe(bus)

	return &testWorld{
		store:    s,
		bus:      bus,
		svc:      NewService(s, bus),
		recorder: recorder,
		throttle: throttle,
	}
}

func seedUserWithInstance(t *testing.T, s *repository.Store, balance int64, status model.InstanceStatus) {
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
	ctr := "ctr-1"
	require.NoError(t, s.CreateInstance(ctx, &model.Instance{
		ID: "inst-1", UserID: "user-1", NodeID: "node-1", PanelID: "panel-1",
		ContainerID: &ctr, Status: status,
		InboundPort: 8080, XrayPort: 62050, APIPort: 62051,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func defaultBilling() config.BillingConfig {
	return config.BillingConfig{
		CheckInterval:          time.Hour,
		LowBalancePercent:      0.05,
		LowBalanceResetPercent: 0.07,
		DefaultThreshold:       1000,
		SuspensionFloor:        0,
	}
}

// ============================================================================
// 账务服务
// ============================================================================

func TestTopUpAndCharge(t *testing.T) {
	w := newWorld(t, defaultBilling())
	seedUserWithInstance(t, w.store, 0, model.InstanceStatusRunning)
	ctx := context.Background()

	user, err := w.svc.TopUp(ctx, "user-1", 50000, "card payment")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), user.Balance)

	user, err = w.svc.Charge(ctx, "user-1", 20000, model.ReasonPurchase, "buy instance")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), user.Balance)

	txs, err := w.store.ListTransactionsByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	last, err := w.store.GetLastTopUp(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(50000), last.Amount)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	w := newWorld(t, defaultBilling())
	seedUserWithInstance(t, w.store, 1000, model.InstanceStatusRunning)
	ctx := context.Background()

	_, err := w.svc.TopUp(ctx, "user-1", 0, "")
	require.Error(t, err)
	_, err = w.svc.Charge(ctx, "user-1", -5, model.ReasonUsage, "")
	require.Error(t, err)
}

// ============================================================================
// 停机 / 恢复订阅者
// ============================================================================

func TestDebitBelowFloorSuspends(t *testing.T) {
	cfg := defaultBilling()
	cfg.SuspensionFloor = 10000
	w := newWorld(t, cfg)
	seedUserWithInstance(t, w.store, 30000, model.InstanceStatusRunning)
	ctx := context.Background()

	// 扣到 5000，跌破 10000 的停机线
	_, err := w.svc.Charge(ctx, "user-1", 25000, model.ReasonUsage, "")
	require.NoError(t, err)

	inst, err := w.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPausedBySystem, inst.Status)

	var kinds []string
	for _, n := range w.recorder.Sent() {
		kinds = append(kinds, n.Kind)
	}
	assert.Contains(t, kinds, "suspended")
}

func TestDebitAboveFloorLeavesRunning(t *testing.T) {
	cfg := defaultBilling()
	cfg.SuspensionFloor = 10000
	w := newWorld(t, cfg)
	seedUserWithInstance(t, w.store, 30000, model.InstanceStatusRunning)
	ctx := context.Background()

	_, err := w.svc.Charge(ctx, "user-1", 5000, model.ReasonUsage, "")
	require.NoError(t, err)

	inst, err := w.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, inst.Status)
}

func TestCreditResumesSuspended(t *testing.T) {
	cfg := defaultBilling()
	cfg.SuspensionFloor = 10000
	w := newWorld(t, cfg)
	seedUserWithInstance(t, w.store, 2000, model.InstanceStatusPausedBySystem)
	ctx := context.Background()

	// 充到 52000，回到停机线之上
	_, err := w.svc.TopUp(ctx, "user-1", 50000, "")
	require.NoError(t, err)

	inst, err := w.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, inst.Status)

	var kinds []string
	for _, n := range w.recorder.Sent() {
		kinds = append(kinds, n.Kind)
	}
	assert.Contains(t, kinds, "resumed")
}

func TestCreditBelowFloorKeepsSuspended(t *testing.T) {
	cfg := defaultBilling()
	cfg.SuspensionFloor = 10000
	w := newWorld(t, cfg)
	seedUserWithInstance(t, w.store, 1000, model.InstanceStatusPausedBySystem)
	ctx := context.Background()

	// 充 2000 到 3000，仍低于停机线，不拉起
	_, err := w.svc.TopUp(ctx, "user-1", 2000, "")
	require.NoError(t, err)

	inst, err := w.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPausedBySystem, inst.Status)
}

func TestCreditNeverTouchesUserPaused(t *testing.T) {
	cfg := defaultBilling()
	cfg.SuspensionFloor = 10000
	w := newWorld(t, cfg)
	seedUserWithInstance(t, w.store, 2000, model.InstanceStatusPausedByUser)
	ctx := context.Background()

	_, err := w.svc.TopUp(ctx, "user-1", 50000, "")
	require.NoError(t, err)

	inst, err := w.store.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusPausedByUser, inst.Status)
}

// ============================================================================
// 低余额提醒（双阈值滞回）
// ============================================================================

func lowBalanceCount(r *notify.Recorder) int {
	count := 0
	for _, n := range r.Sent() {
		if n.Kind == "low_balance" {
			count++
		}
	}
	return count
}

// TestLowBalanceHysteresisGrid 滞回全流程：
// 最近充值 100000，提醒线 5000，复位线 7000。
func TestLowBalanceHysteresisGrid(t *testing.T) {
	w := newWorld(t, defaultBilling())
	seedUserWithInstance(t, w.store, 0, model.InstanceStatusRunning)
	ctx := context.Background()

	// 建立参照系：余额 100000，随后消费到 10000
	_, err := w.svc.TopUp(ctx, "user-1", 100000, "")
	require.NoError(t, err)
	_, err = w.svc.Charge(ctx, "user-1", 90000, model.ReasonUsage, "")
	require.NoError(t, err)
	require.Equal(t, 0, lowBalanceCount(w.recorder))

	// 10000 → 4000：跌破 5000，恰好一条提醒
	_, err = w.svc.Charge(ctx, "user-1", 6000, model.ReasonUsage, "")
	require.NoError(t, err)
	assert.Equal(t, 1, lowBalanceCount(w.recorder))

	user, err := w.store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, user.LowBalanceNotified)
	assert.True(t, *user.LowBalanceNotified)

	// 4000 → 4999：仍在提醒线下且已标记，不再提醒
	// （调账不改参照系，lastTopUp 保持 100000）
	_, err = w.svc.Adjust(ctx, "user-1", 999, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, 1, lowBalanceCount(w.recorder))

	// 4999 → 7500：越过 7000 复位线，清标志
	_, err = w.svc.Adjust(ctx, "user-1", 2501, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, 1, lowBalanceCount(w.recorder))

	user, err = w.store.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, user.LowBalanceNotified)
	assert.False(t, *user.LowBalanceNotified)

	// 7500 → 4000：再次跌破，恰好再来一条
	_, err = w.svc.Charge(ctx, "user-1", 3500, model.ReasonUsage, "")
	require.NoError(t, err)
	assert.Equal(t, 2, lowBalanceCount(w.recorder))
}

func TestLowBalanceNoAlertWithoutTopUp(t *testing.T) {
	w := newWorld(t, defaultBilling())
	seedUserWithInstance(t, w.store, 3000, model.InstanceStatusRunning)
	ctx := context.Background()

	// 从未充值，没有参照系
	_, err := w.svc.Charge(ctx, "user-1", 2000, model.ReasonUsage, "")
	require.NoError(t, err)
	assert.Equal(t, 0, lowBalanceCount(w.recorder))
}

func TestLowBalanceNoAlertWithoutRunningInstance(t *testing.T) {
	w := newWorld(t, defaultBilling())
	seedUserWithInstance(t, w.store, 0, model.InstanceStatusPausedByUser)
	ctx := context.Background()

	_, err := w.svc.TopUp(ctx, "user-1", 100000, "")
	require.NoError(t, err)
	_, err = w.svc.Charge(ctx, "user-1", 96000, model.ReasonUsage, "")
	require.NoError(t, err)
	assert.Equal(t, 0, lowBalanceCount(w.recorder))
}

func TestLowBalanceThresholdFloor(t *testing.T) {
	cfg := defaultBilling()
	cfg.DefaultThreshold = 8000 // 比例算出的 5000 被下限顶到 8000
	w := newWorld(t, cfg)
	seedUserWithInstance(t, w.store, 0, model.InstanceStatusRunning)
	ctx := context.Background()

	_, err := w.svc.TopUp(ctx, "user-1", 100000, "")
	require.NoError(t, err)
	_, err = w.svc.Charge(ctx, "user-1", 93000, model.ReasonUsage, "")
	require.NoError(t, err)

	// 余额 7000 < 8000 下限，触发提醒
	assert.Equal(t, 1, lowBalanceCount(w.recorder))
	sent := w.recorder.Sent()
	assert.Equal(t, int64(8000), sent[len(sent)-1].Threshold)
}

func TestLowBalanceThrottleDedup(t *testing.T) {
	w := newWorld(t, defaultBilling())
	seedUserWithInstance(t, w.store, 0, model.InstanceStatusRunning)
	ctx := context.Background()

	// 另一个副本已占位
	first, err := w.throttle.MarkAlerted(ctx, cache.AlertLowBalance, "user-1")
	require.NoError(t, err)
	require.True(t, first)

	_, err = w.svc.TopUp(ctx, "user-1", 100000, "")
	require.NoError(t, err)
	_, err = w.svc.Charge(ctx, "user-1", 96000, model.ReasonUsage, "")
	require.NoError(t, err)
	assert.Equal(t, 0, lowBalanceCount(w.recorder))
}
