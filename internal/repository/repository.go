// Package repository 平台核心数据访问层。
//
// 每个仓库都有 Postgres 与内存两种实现。租户作用域表的查询通过
// tenantctx.Scope 取得过滤条件，缺少租户上下文时返回 MissingTenantContext；
// 软删除表统一附加 deleted_at IS NULL。
package repository

import (
	"context"
	"time"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/coderule"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// TenantsRepository 租户（平台级数据，不按租户上下文过滤）
type TenantsRepository interface {
	GetTenant(ctx context.Context, id int64) (*domain.Tenant, error)

	// GetTenantForUpdate 在事务内锁定租户行，用于串行化同一租户的配额准入
	GetTenantForUpdate(ctx context.Context, id int64) (*domain.Tenant, error)
	GetTenantByUUID(ctx context.Context, uuid string) (*domain.Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (*domain.Tenant, error)
	ListTenants(ctx context.Context, filter TenantFilters, page, size int) ([]*domain.Tenant, int, error)

	// CreateTenant 创建租户并写入 created 活动日志（同一事务）
	CreateTenant(ctx context.Context, t *domain.Tenant, log *domain.TenantActivityLog) error

	// CreateTenantWithAdmin 组织注册：租户 + 初始组织管理员 + 活动日志（同一事务）
	CreateTenantWithAdmin(ctx context.Context, t *domain.Tenant, admin *domain.User, log *domain.TenantActivityLog) error

	// UpdateTenant 更新名称 / 套餐 / 配额 / settings / 过期时间
	UpdateTenant(ctx context.Context, t *domain.Tenant) error

	// TransitionStatus 状态迁移：仅当当前状态在 from 中时迁移到 to，
	// settings 合并 patch，并在同一事务中追加活动日志。
	TransitionStatus(ctx context.Context, id int64, from []domain.TenantStatus, to domain.TenantStatus,
		patch map[string]any, log *domain.TenantActivityLog) (*domain.Tenant, error)

	// EnsureDefaultTenant 获取或创建默认组织（domain=default）
	EnsureDefaultTenant(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error)

	// StorageUsage 已用存储（MB）
	StorageUsage(ctx context.Context, id int64) (int, error)

	// AddStorage 在不超过 limitMB 的前提下增加已用存储，返回新用量；
	// 超限时返回 QuotaExceeded
	AddStorage(ctx context.Context, id int64, deltaMB, limitMB int) (int, error)
}

// TenantFilters 租户查询过滤器
type TenantFilters struct {
	Status domain.TenantStatus // 可选
	Search string              // 可选，name/domain 模糊匹配
}

// UsersRepository 租户用户。
// 身份查询（登录、令牌校验）显式传入 tenantID；列表类查询走租户上下文。
type UsersRepository interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByTenantAndUsername(ctx context.Context, tenantID int64, username string) (*domain.User, error)

	// FindActiveByUsername 跨租户查找可登录的同名用户（登录消歧）
	FindActiveByUsername(ctx context.Context, username string) ([]*domain.User, error)

	// ListUsers 当前租户的用户
	ListUsers(ctx context.Context, page, size int) ([]*domain.User, int, error)

	CountUsers(ctx context.Context, tenantID int64) (int, error)
	CreateUser(ctx context.Context, u *domain.User) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error

	// DeleteUser 软删除（当前租户）
	DeleteUser(ctx context.Context, id int64) error
}

// PlatformAdminsRepository 平台超级管理员（独立表）
type PlatformAdminsRepository interface {
	GetPlatformAdmin(ctx context.Context, id int64) (*domain.PlatformSuperAdmin, error)
	GetPlatformAdminByUsername(ctx context.Context, username string) (*domain.PlatformSuperAdmin, error)
	CreatePlatformAdmin(ctx context.Context, a *domain.PlatformSuperAdmin) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
}

// InvitationsRepository 邀请码
type InvitationsRepository interface {
	// GetByCode 按邀请码查询（全局唯一，公开校验使用）
	GetByCode(ctx context.Context, code string) (*domain.InvitationCode, error)

	// Use 原子地消耗一次：remaining_uses-1，归零时 is_active=false。
	// 不可用（不存在 / 失效 / 过期 / 用尽）时返回 Validation 错误。
	Use(ctx context.Context, code string, now time.Time) (*domain.InvitationCode, error)

	// 以下走租户上下文
	Create(ctx context.Context, c *domain.InvitationCode) error
	List(ctx context.Context) ([]*domain.InvitationCode, error)
	Deactivate(ctx context.Context, code string) error
}

// CodeRulesRepository 编码规则（租户上下文）
type CodeRulesRepository interface {
	GetByCode(ctx context.Context, code string) (*domain.CodeRule, error)
	GetByUUID(ctx context.Context, uuid string) (*domain.CodeRule, error)
	List(ctx context.Context) ([]*domain.CodeRule, error)
	Create(ctx context.Context, r *domain.CodeRule) error
	Update(ctx context.Context, r *domain.CodeRule) error

	// SoftDelete 软删除，保留序号历史
	SoftDelete(ctx context.Context, uuid string) error

	// SeedSystemRules 写入尚不存在的系统规则（按 code 去重）
	SeedSystemRules(ctx context.Context, tenantID int64, rules []*domain.CodeRule) (int, error)
}

// SequencesRepository 编码序号（租户上下文）
type SequencesRepository interface {
	// Allocate 在 (rule_id, 当前租户, scopeKey) 上原子地分配 n 个连续值
	Allocate(ctx context.Context, ruleID int64, scopeKey string, counter *coderule.Counter, today time.Time, n int) ([]int64, error)

	// Peek 预览下一个值，不修改序号
	Peek(ctx context.Context, ruleID int64, scopeKey string, counter *coderule.Counter, today time.Time) (int64, error)

	// Get 读取序号，不存在时返回 NotFound
	Get(ctx context.Context, ruleID int64, scopeKey string) (*domain.CodeSequence, error)
}

// ActivityLogsRepository 租户活动日志
type ActivityLogsRepository interface {
	Append(ctx context.Context, log *domain.TenantActivityLog) error
	ListByTenant(ctx context.Context, tenantID int64, page, size int) ([]*domain.TenantActivityLog, int, error)
}

// MessageLogsRepository 消息记录（租户上下文）
type MessageLogsRepository interface {
	Create(ctx context.Context, m *domain.MessageLog) error
	GetByUUID(ctx context.Context, uuid string) (*domain.MessageLog, error)

	// UpdateStatus 更新状态；errMsg 非空时记录错误，success 时写 sent_at
	UpdateStatus(ctx context.Context, uuid string, status domain.MessageStatus, content, errMsg string, at time.Time) error

	// ListInbox 收件人的站内消息
	ListInbox(ctx context.Context, recipient string, unreadOnly bool) ([]*domain.MessageLog, error)

	// MarkRead 仅当消息属于 recipient 时标记已读
	MarkRead(ctx context.Context, uuid, recipient string, at time.Time) error
}

// MessageTemplatesRepository 消息模板（租户上下文）
type MessageTemplatesRepository interface {
	GetByCode(ctx context.Context, code string) (*domain.MessageTemplate, error)
	List(ctx context.Context) ([]*domain.MessageTemplate, error)
	Upsert(ctx context.Context, t *domain.MessageTemplate) error
}

// JobAttemptsRepository 任务执行记录
type JobAttemptsRepository interface {
	Record(ctx context.Context, a *domain.JobAttempt) error
	ListByTenant(ctx context.Context, tenantID int64, limit int) ([]*domain.JobAttempt, error)
}

// Store 仓库集合
type Store struct {
	Tenants        TenantsRepository
	Users          UsersRepository
	PlatformAdmins PlatformAdminsRepository
	Invitations    InvitationsRepository
	CodeRules      CodeRulesRepository
	Sequences      SequencesRepository
	ActivityLogs   ActivityLogsRepository
	Messages       MessageLogsRepository
	Templates      MessageTemplatesRepository
	JobAttempts    JobAttemptsRepository
	Tx             TxRunner
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 50
	}
	if size > 500 {
		size = 500
	}
	return page, size
}

// TxRunner 跨仓库事务：fn 内对仓库的调用共享同一事务
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
