package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
)

// Quota 配额准入：新增用户 / 占用存储前检查 current < max
type Quota struct {
	users        repository.UsersRepository
	tenants      repository.TenantsRepository
	logs         repository.ActivityLogsRepository
	warningRatio float64
	logger       *zap.Logger
}

// NewQuota 创建配额检查器
func NewQuota(store *repository.Store, warningRatio float64, logger *zap.Logger) *Quota {
	if warningRatio <= 0 || warningRatio > 1 {
		warningRatio = 0.9
	}
	return &Quota{
		users:        store.Users,
		tenants:      store.Tenants,
		logs:         store.ActivityLogs,
		warningRatio: warningRatio,
		logger:       logger,
	}
}

// Limits 租户生效的配额：租户字段优先，未设置时取套餐值
func Limits(t *domain.Tenant) (maxUsers, maxStorageMB int) {
	pkg := domain.PackageFor(t.Plan)
	maxUsers, maxStorageMB = t.MaxUsers, t.MaxStorageMB
	if maxUsers <= 0 {
		maxUsers = pkg.MaxUsers
	}
	if maxStorageMB <= 0 {
		maxStorageMB = pkg.MaxStorageMB
	}
	return maxUsers, maxStorageMB
}

// Usage 租户配额使用情况
type Usage struct {
	TenantID     int64 `json:"tenant_id"`
	Users        int   `json:"users"`
	MaxUsers     int   `json:"max_users"`
	StorageMB    int   `json:"storage_mb"`
	MaxStorageMB int   `json:"max_storage_mb"`
}

// Usage 查询使用情况
func (q *Quota) Usage(ctx context.Context, t *domain.Tenant) (*Usage, error) {
	users, err := q.users.CountUsers(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	storage, err := q.tenants.StorageUsage(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	maxUsers, maxStorage := Limits(t)
	return &Usage{TenantID: t.ID, Users: users, MaxUsers: maxUsers, StorageMB: storage, MaxStorageMB: maxStorage}, nil
}

// AdmitUser 新增一个用户前调用
func (q *Quota) AdmitUser(ctx context.Context, t *domain.Tenant) error {
	current, err := q.users.CountUsers(ctx, t.ID)
	if err != nil {
		return err
	}
	limit, _ := Limits(t)
	if current >= limit {
		q.logger.Warn("User quota exceeded",
			zap.Int64("tenant_id", t.ID),
			zap.Int("current", current),
			zap.Int("max", limit),
		)
		return apperr.New(apperr.QuotaExceeded, "user quota exceeded").
			WithDetail("current", current).
			WithDetail("max", limit)
	}
	q.warnIfNear(ctx, t, "users", current+1, limit)
	return nil
}

// ConsumeStorage 占用 deltaMB 存储，超限时返回 QuotaExceeded
func (q *Quota) ConsumeStorage(ctx context.Context, t *domain.Tenant, deltaMB int) (int, error) {
	if deltaMB <= 0 {
		return 0, apperr.New(apperr.Validation, "delta_mb must be positive")
	}
	_, limit := Limits(t)
	used, err := q.tenants.AddStorage(ctx, t.ID, deltaMB, limit)
	if err != nil {
		return 0, err
	}
	q.warnIfNear(ctx, t, "storage_mb", used, limit)
	return used, nil
}

func (q *Quota) warnIfNear(ctx context.Context, t *domain.Tenant, resource string, used, limit int) {
	if limit <= 0 || float64(used) < q.warningRatio*float64(limit) {
		return
	}
	meta, _ := json.Marshal(map[string]any{"resource": resource, "used": used, "max": limit})
	err := q.logs.Append(ctx, &domain.TenantActivityLog{
		TenantID:    t.ID,
		Action:      domain.ActivityQuotaWarning,
		Description: fmt.Sprintf("%s usage %d/%d reached warning threshold", resource, used, limit),
		Metadata:    meta,
	})
	if err != nil {
		q.logger.Warn("Failed to append quota warning", zap.Int64("tenant_id", t.ID), zap.Error(err))
	}
}
