// Package jobs 事件驱动的后台任务调度。
//
// 发布时从 context 读取当前租户写入事件；消费时校验租户（存在且 active）
// 后重新安装到 handler 的 context。租户缺失或无效的事件不会调用 handler。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event 任务事件
type Event struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	TenantID    *int64          `json:"tenant_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// Decode 解析事件数据
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return Permanent(errors.New("event has no data"))
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return Permanent(err)
	}
	return nil
}

// Handler 任务处理函数；ctx 已安装事件的租户
type Handler func(ctx context.Context, ev *Event) error

// PermanentError handler 主动声明的永久失败，不再重试
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 包装为永久失败
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent 是否永久失败
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
