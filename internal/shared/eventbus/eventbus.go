// Package eventbus 进程内领域事件分发
//
// 提供"持久化提交之后"的事件发布/订阅能力：
//   - 聚合的变更方法返回事件，服务层通过 Run() 先提交持久化闭包，
//     提交成功后再把闭包返回的事件依次分发给订阅者
//   - 订阅者抛错只记录日志并计数，不回滚已提交的状态，
//     也不影响同一事件的其他订阅者
//   - 多个事件按产生顺序分发；同一事件的多个订阅者之间无顺序保证
package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Event 领域事件
//
// 具体事件类型定义在 model 包（聚合归属处），此处只约定最小接口。
type Event interface {
	// EventType 事件类型标识，订阅按该标识注册
	EventType() string

	// AggregateID 事件所属聚合 ID（日志与审计用）
	AggregateID() string
}

// Handler 事件处理函数
type Handler func(ctx context.Context, event Event) error

// Observer 旁路观察者：收到所有事件（监控推送、审计归档用），
// 返回错误同样只记录不传播
type Observer func(ctx context.Context, event Event)

// Dispatcher 进程内事件分发器
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	observers []Observer

	// 失败回调（可选）：订阅者出错时额外上报给运维通道
	onError func(ctx context.Context, event Event, err error)
}

// New 创建分发器
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// Subscribe 注册事件订阅者
func (d *Dispatcher) Subscribe(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
}

// Observe 注册旁路观察者
func (d *Dispatcher) Observe(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// OnError 设置订阅者失败时的上报回调
func (d *Dispatcher) OnError(f func(ctx context.Context, event Event, err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = f
}

// Run 执行一个工作单元并在提交成功后发布事件
//
// commit 闭包负责全部持久化变更并返回待发布的事件；
// 闭包返回错误时不发布任何事件（publish-after-commit 由这里强制，
// 不依赖调用方自觉）。
func (d *Dispatcher) Run(ctx context.Context, commit func(ctx context.Context) ([]Event, error)) error {
	events, err := commit(ctx)
	if err != nil {
		return err
	}
	d.Dispatch(ctx, events...)
	return nil
}

// Dispatch 按顺序分发事件
//
// 订阅者 panic 被捕获并按错误处理；一个订阅者失败不影响后续订阅者。
// 事件此时对应的状态已提交，所以这里只能"尽力通知"，不能失败回滚。
func (d *Dispatcher) Dispatch(ctx context.Context, events ...Event) {
	for _, event := range events {
		if event == nil {
			continue
		}
		d.mu.RLock()
		handlers := append([]Handler(nil), d.handlers[event.EventType()]...)
		observers := append([]Observer(nil), d.observers...)
		onError := d.onError
		d.mu.RUnlock()

		for _, h := range handlers {
			if err := d.invoke(ctx, h, event); err != nil {
				log.Printf("[eventbus] handler failed: event=%s aggregate=%s err=%v",
					event.EventType(), event.AggregateID(), err)
				if onError != nil {
					onError(ctx, event, err)
				}
			}
		}
		for _, o := range observers {
			o(ctx, event)
		}
	}
}

// invoke 调用单个订阅者，把 panic 转换为错误
func (d *Dispatcher) invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, event)
}
