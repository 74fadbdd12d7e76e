package jobs

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

type outboxKey struct{}

// Outbox 请求级事件缓冲：请求成功后才真正入队，失败 / 取消时丢弃
type Outbox struct {
	mu     sync.Mutex
	events []*Event
}

// WithOutbox 为请求安装 outbox
func WithOutbox(ctx context.Context) (context.Context, *Outbox) {
	ob := &Outbox{}
	return context.WithValue(ctx, outboxKey{}, ob), ob
}

func outboxFrom(ctx context.Context) *Outbox {
	ob, _ := ctx.Value(outboxKey{}).(*Outbox)
	return ob
}

func (o *Outbox) add(ev *Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *Outbox) drain() []*Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	evs := o.events
	o.events = nil
	return evs
}

// Len 缓冲中的事件数
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

// Discard 丢弃缓冲，返回丢弃数量
func (o *Outbox) Discard() int {
	return len(o.drain())
}

// Flush 把缓冲事件交给 dispatcher 入队；单个事件失败不影响其余事件
func (o *Outbox) Flush(ctx context.Context, d *Dispatcher) error {
	var errs error
	for _, ev := range o.drain() {
		errs = multierr.Append(errs, d.enqueue(ctx, ev))
	}
	return errs
}
