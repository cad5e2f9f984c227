package billing

import (
	"context"
	"fmt"
	"log"

	"proxy-market/internal/apiserver/lifecycle"
	"proxy-market/internal/config"
	"proxy-market/internal/notify"
	"proxy-market/internal/shared/cache"
	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
	"proxy-market/internal/shared/storage"
)

// Controller 余额驱动的生命周期控制器
//
// 对同一个 balance_changed 事件挂两个独立订阅者：
//   - 停机 / 恢复：入账拉起系统停机的实例，出账跌破停机线就全停
//   - 低余额提醒：双阈值滞回，余额在边界附近抖动时不会刷提醒
//
// 两个订阅者互不影响，提醒失败不会挡住停机，反之亦然。
type Controller struct {
	store     storage.PersistentStore
	lifecycle *lifecycle.Service
	notifier  notify.Notifier
	throttle  cache.AlertThrottleCache
	cfg       config.BillingConfig
}

// NewController 创建控制器
//
// throttle 可为 nil：单进程部署靠数据库里的滞回标志就够了，
// 多副本部署传 Redis 实现做跨进程去重。
func NewController(store storage.PersistentStore, lc *lifecycle.Service,
	notifier notify.Notifier, throttle cache.AlertThrottleCache, cfg config.BillingConfig) *Controller {
	return &Controller{store: store, lifecycle: lc, notifier: notifier, throttle: throttle, cfg: cfg}
}

// Subscribe 把两个订阅者挂到事件总线
func (c *Controller) Subscribe(bus *eventbus.Dispatcher) {
	bus.Subscribe(model.EventBalanceChanged, c.HandleSuspendResume)
	bus.Subscribe(model.EventBalanceChanged, c.HandleLowBalance)
}

// HandleSuspendResume 停机 / 恢复订阅者
func (c *Controller) HandleSuspendResume(ctx context.Context, ev eventbus.Event) error {
	e, ok := asBalanceChanged(ev)
	if !ok {
		return fmt.Errorf("billing: unexpected event %T", ev)
	}

	switch e.Type {
	case model.TransactionCredit:
		if e.NewBalance < c.lifecycle.SuspensionFloor() {
			return nil // 充了但还不够，维持停机
		}
		resumed, err := c.lifecycle.ResumeSuspended(ctx, e.UserID)
		if err != nil {
			return err
		}
		if resumed > 0 {
			c.notifyUser(ctx, e.UserID, func(user *model.User) error {
				return c.notifier.InstancesResumed(ctx, user, resumed)
			})
		}

	case model.TransactionDebit:
		if e.NewBalance >= c.lifecycle.SuspensionFloor() {
			return nil
		}
		suspended, err := c.lifecycle.CheckAndSuspend(ctx, e.UserID)
		if err != nil {
			return err
		}
		if suspended > 0 {
			c.notifyUser(ctx, e.UserID, func(user *model.User) error {
				return c.notifier.InstancesSuspended(ctx, user, suspended)
			})
		}
	}
	return nil
}

// HandleLowBalance 低余额提醒订阅者
//
// 阈值相对"最近一次充值金额"：threshold = lastTopUp × LowBalancePercent
//（不低于 DefaultThreshold），复位线 = lastTopUp × LowBalanceResetPercent。
// 从未充值的用户没有参照系，不提醒。
func (c *Controller) HandleLowBalance(ctx context.Context, ev eventbus.Event) error {
	e, ok := asBalanceChanged(ev)
	if !ok {
		return fmt.Errorf("billing: unexpected event %T", ev)
	}

	user, err := c.store.GetUser(ctx, e.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("billing: user %s: %w", e.UserID, storage.ErrNotFound)
	}

	lastTopUp, err := c.store.GetLastTopUp(ctx, e.UserID)
	if err != nil {
		return err
	}
	if lastTopUp == nil {
		return nil
	}

	threshold := int64(float64(lastTopUp.Amount) * c.cfg.LowBalancePercent)
	if threshold < c.cfg.DefaultThreshold {
		threshold = c.cfg.DefaultThreshold
	}
	resetThreshold := int64(float64(lastTopUp.Amount) * c.cfg.LowBalanceResetPercent)
	available := user.Available()

	flagged := user.LowBalanceNotified != nil && *user.LowBalanceNotified

	// 余额回到复位线之上：清标志，允许下一次跌破时再提醒
	if flagged && available >= resetThreshold {
		cleared := false
		if err := c.store.SetLowBalanceNotified(ctx, user.ID, &cleared); err != nil {
			return err
		}
		if c.throttle != nil {
			if err := c.throttle.ClearAlerted(ctx, cache.AlertLowBalance, user.ID); err != nil {
				log.Printf("[billing] clear alert throttle for user %s: %v", user.ID, err)
			}
		}
		return nil
	}

	if flagged || available >= threshold {
		return nil
	}

	// 没有在跑的实例就没有消耗，不值得打扰用户
	running, err := c.store.CountInstancesByUser(ctx, e.UserID, model.InstanceStatusRunning)
	if err != nil {
		return err
	}
	if running == 0 {
		return nil
	}

	// 跨进程去重：别的副本已经发过就只补标志
	if c.throttle != nil {
		first, err := c.throttle.MarkAlerted(ctx, cache.AlertLowBalance, user.ID)
		if err != nil {
			log.Printf("[billing] alert throttle for user %s: %v", user.ID, err)
		} else if !first {
			return nil
		}
	}

	if err := c.notifier.LowBalance(ctx, user, available, threshold); err != nil {
		log.Printf("[billing] low balance notification for user %s: %v", user.ID, err)
	}

	notified := true
	return c.store.SetLowBalanceNotified(ctx, user.ID, &notified)
}

// notifyUser 加载用户并投递通知，失败只记日志
func (c *Controller) notifyUser(ctx context.Context, userID string, send func(*model.User) error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil || user == nil {
		log.Printf("[billing] load user %s for notification: %v", userID, err)
		return
	}
	if err := send(user); err != nil {
		log.Printf("[billing] notify user %s: %v", userID, err)
	}
}

func asBalanceChanged(ev eventbus.Event) (model.BalanceChangedEvent, bool) {
	if e, ok := ev.(model.BalanceChangedEvent); ok {
		return e, true
	}
	if p, ok := ev.(*model.BalanceChangedEvent); ok {
		return *p, true
	}
	return model.BalanceChangedEvent{}, false
}
