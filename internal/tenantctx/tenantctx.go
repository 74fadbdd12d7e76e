// Package tenantctx 在 context.Context 上携带当前租户。
//
// 每个请求 / 每个任务拥有自己的 context，租户 ID 随 context 传递，
// 不存在进程级全局变量。跨异步边界（后台任务）必须显式传递：
// 入队时读取、写入事件数据，出队时重新安装。
package tenantctx

import (
	"context"
	"strconv"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	skipFilterKey
)

// tenantValue 区分"显式清除"与"从未设置"
type tenantValue struct {
	id  int64
	set bool
}

// WithTenant 返回携带租户 ID 的子 context（set）
func WithTenant(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantKey, tenantValue{id: tenantID, set: true})
}

// WithoutTenant 返回清除了租户 ID 的子 context（clear）
func WithoutTenant(ctx context.Context) context.Context {
	return context.WithValue(ctx, tenantKey, tenantValue{})
}

// FromContext 读取当前租户 ID（get）
func FromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(tenantKey).(tenantValue)
	if !ok || !v.set {
		return 0, false
	}
	return v.id, true
}

// Require 读取当前租户 ID；缺失时返回 MissingTenantContext
func Require(ctx context.Context) (int64, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return 0, apperr.ErrMissingTenantContext
	}
	return id, nil
}

// Run 在指定租户下执行 fn（with_tenant）。
// fn 收到的是派生 context，调用方的 context 不受影响，
// 因此无论 fn 正常返回、出错、panic 还是被取消，外层租户保持不变。
func Run(ctx context.Context, tenantID int64, fn func(ctx context.Context) error) error {
	return fn(WithTenant(ctx, tenantID))
}

// WithSkipFilter 平台管理员显式跳过租户过滤（skip_tenant_filter=true）
func WithSkipFilter(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipFilterKey, true)
}

// SkipFilter 是否跳过租户过滤
func SkipFilter(ctx context.Context) bool {
	v, _ := ctx.Value(skipFilterKey).(bool)
	return v
}

// Scope 计算租户作用域查询的过滤条件。
// 返回 (tenantID, filter)：filter=false 表示平台管理员跳过过滤。
// 既没有租户也没有显式跳过时返回 MissingTenantContext。
func Scope(ctx context.Context) (int64, bool, error) {
	if id, ok := FromContext(ctx); ok {
		return id, true, nil
	}
	if SkipFilter(ctx) {
		return 0, false, nil
	}
	return 0, false, apperr.ErrMissingTenantContext
}

// String 日志友好的租户表示
func String(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return strconv.FormatInt(id, 10)
	}
	if SkipFilter(ctx) {
		return "platform"
	}
	return ""
}
