// Package nodeworker 节点 Agent 部署循环
//
// 单个后台循环按固定间隔扫描候选节点（pending / installing / 待升级），
// 逐个执行部署。tick 内串行处理，天然不会重叠；单节点失败或 panic
// 不影响其余节点，候选列表拉取失败只作废当前 tick。
package nodeworker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"proxy-market/internal/config"
	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

// Installer 把 Fleet Agent 装到节点上的执行器
//
// 实现必须幂等：installing 状态的节点可能是上一轮进程崩溃留下的，
// 会被重新处理。返回实际安装的 Agent 版本。
type Installer interface {
	Install(ctx context.Context, node *model.Node) (version string, err error)
}

// Worker 节点部署循环
type Worker struct {
	store     storage.PersistentStore
	bus       *eventbus.Dispatcher
	installer Installer
	cfg       config.NodeWorkerConfig
}

// New 创建部署循环
func New(store storage.PersistentStore, bus *eventbus.Dispatcher, installer Installer, cfg config.NodeWorkerConfig) *Worker {
	return &Worker{store: store, bus: bus, installer: installer, cfg: cfg}
}

// Run 阻塞运行，直到 ctx 取消
//
// tick 同步执行完才等下一个周期，慢 tick 顺延而不是并发启动。
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[nodeworker] started, poll interval %s", w.cfg.PollInterval)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[nodeworker] stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一个完整 tick
func (w *Worker) RunOnce(ctx context.Context) {
	nodes, err := w.store.ListProvisionCandidates(ctx)
	if err != nil {
		// 只作废本 tick，循环继续
		log.Printf("[nodeworker] list candidates: %v", err)
		return
	}
	if len(nodes) == 0 {
		return
	}
	log.Printf("[nodeworker] tick: %d candidate(s)", len(nodes))

	for _, node := range nodes {
		if ctx.Err() != nil {
			log.Printf("[nodeworker] tick aborted: %v", ctx.Err())
			return
		}
		w.provisionNode(ctx, node)
	}
}

// provisionNode 处理单个节点，panic 被捕获并按部署失败处理
func (w *Worker) provisionNode(ctx context.Context, node *model.Node) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[nodeworker] node %s: panic: %v", node.ID, r)
			w.finish(ctx, node, "", fmt.Errorf("installer panic: %v", r))
		}
	}()

	// 认领：pending → installing。没命中说明并发 tick 已认领或状态已变。
	// installing 的残留节点（上轮崩溃）直接重跑，安装器是幂等的。
	if node.ProvisionStatus == model.NodeProvisionPending || node.ProvisionStatus == model.NodeProvisionReady {
		if err := w.store.UpdateNodeProvisionStatus(ctx, node.ID,
			node.ProvisionStatus, model.NodeProvisionInstalling); err != nil {
			if err == storage.ErrConflict {
				log.Printf("[nodeworker] node %s claimed elsewhere, skipping", node.ID)
				return
			}
			log.Printf("[nodeworker] node %s: claim: %v", node.ID, err)
			return
		}
		node.ProvisionStatus = model.NodeProvisionInstalling
	}

	if err := w.ensureEnrollToken(ctx, node); err != nil {
		w.finish(ctx, node, "", err)
		return
	}

	// 节点没指定目标版本时用全局默认
	if node.TargetAgentVersion == "" {
		node.TargetAgentVersion = w.cfg.AgentVersion
	}

	version, err := w.installer.Install(ctx, node)
	w.finish(ctx, node, version, err)
}

// ensureEnrollToken 注册令牌缺失或过期时重新生成
func (w *Worker) ensureEnrollToken(ctx context.Context, node *model.Node) error {
	now := time.Now()
	if node.EnrollTokenValid(now) {
		return nil
	}
	token := uuid.NewString()
	expiresAt := now.Add(w.cfg.EnrollTokenTTL)
	if err := w.store.SaveNodeEnrollToken(ctx, node.ID, token, expiresAt); err != nil {
		return fmt.Errorf("save enroll token: %w", err)
	}
	node.EnrollToken = token
	node.EnrollTokenExpiresAt = &expiresAt
	log.Printf("[nodeworker] node %s: regenerated enroll token (expires %s)", node.ID, expiresAt.Format(time.RFC3339))
	return nil
}

// finish 落部署终态并发 node_provisioned 事件
func (w *Worker) finish(ctx context.Context, node *model.Node, version string, installErr error) {
	if installErr != nil {
		node.ProvisionStatus = model.NodeProvisionFailed
		node.ProvisionError = installErr.Error()
	} else {
		now := time.Now()
		node.ProvisionStatus = model.NodeProvisionReady
		node.ProvisionError = ""
		node.AgentVersion = version
		node.LastSeenAt = &now
		node.Status = model.NodeStatusActive
	}

	err := w.bus.Run(ctx, func(ctx context.Context) ([]eventbus.Event, error) {
		if err := w.store.SaveNodeProvisionResult(ctx, node); err != nil {
			return nil, err
		}
		return []eventbus.Event{model.NodeProvisionedEvent{
			NodeID:  node.ID,
			Status:  node.ProvisionStatus,
			Message: node.ProvisionError,
		}}, nil
	})
	if err != nil {
		log.Printf("[nodeworker] node %s: save result: %v", node.ID, err)
		return
	}

	if installErr != nil {
		log.Printf("[nodeworker] node %s: provisioning failed: %v", node.ID, installErr)
	} else {
		log.Printf("[nodeworker] node %s: ready (agent %s)", node.ID, version)
	}
}
