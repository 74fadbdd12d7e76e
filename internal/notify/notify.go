// Package notify 消息通道驱动：站内信、邮件、短信、推送。
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// ErrNotConfigured 通道未配置；重试无意义
var ErrNotConfigured = errors.New("notification channel not configured")

// Message 已渲染、待投递的消息
type Message struct {
	UUID      string
	TenantID  int64
	Type      domain.MessageType
	Recipient string
	Subject   string
	Content   string
}

// Driver 通道驱动
type Driver interface {
	Send(ctx context.Context, msg *Message) error
}

// DriverFunc 函数适配为 Driver
type DriverFunc func(ctx context.Context, msg *Message) error

func (f DriverFunc) Send(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Registry 按消息类型选择驱动
type Registry struct {
	mu      sync.RWMutex
	drivers map[domain.MessageType]Driver
}

// NewRegistry 创建驱动表，站内信默认可用
func NewRegistry() *Registry {
	r := &Registry{drivers: map[domain.MessageType]Driver{}}
	r.Register(domain.MessageInternal, Internal{})
	return r
}

// Register 注册（或替换）驱动
func (r *Registry) Register(t domain.MessageType, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[t] = d
}

// Driver 取驱动；未注册返回 ErrNotConfigured
func (r *Registry) Driver(t domain.MessageType) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[t]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrNotConfigured)
	}
	return d, nil
}

// Internal 站内信：消息记录本身即投递结果，收件人轮询 inbox 读取
type Internal struct{}

func (Internal) Send(context.Context, *Message) error { return nil }
