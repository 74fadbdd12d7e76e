package domain

import (
	"database/sql"
	"time"
)

// PrincipalKind 主体类型（对应 token 中的 kind）
type PrincipalKind string

const (
	KindRegular  PrincipalKind = "regular"
	KindPlatform PrincipalKind = "platform"
)

// User 租户内用户（对应 users 表）
// 平台超级管理员不在此表，见 PlatformSuperAdmin
type User struct {
	ID       int64  `db:"id"`
	UUID     string `db:"uuid"`
	TenantID int64  `db:"tenant_id"` // NOT NULL

	Username     string         `db:"username"`      // 组织内唯一
	PasswordHash string         `db:"password_hash"` // bcrypt
	Email        sql.NullString `db:"email"`
	FullName     sql.NullString `db:"full_name"`

	IsTenantAdmin bool `db:"is_tenant_admin"`
	IsActive      bool `db:"is_active"`
	// IsReadOnly 体验账户等只读主体
	IsReadOnly bool `db:"is_read_only"`

	DepartmentID sql.NullInt64 `db:"department_id"`
	PositionID   sql.NullInt64 `db:"position_id"`

	LastLogin sql.NullTime `db:"last_login"`
	CreatedAt time.Time    `db:"created_at"`
	DeletedAt sql.NullTime `db:"deleted_at"` // 软删除
}

// PlatformSuperAdmin 平台超级管理员（对应 platform_super_admins 表）
type PlatformSuperAdmin struct {
	ID           int64          `db:"id"`
	UUID         string         `db:"uuid"`
	Username     string         `db:"username"` // 全局唯一
	PasswordHash string         `db:"password_hash"`
	Email        sql.NullString `db:"email"`
	FullName     sql.NullString `db:"full_name"`
	IsActive     bool           `db:"is_active"`
	LastLogin    sql.NullTime   `db:"last_login"`
	CreatedAt    time.Time      `db:"created_at"`
}

// Principal 已认证主体的统一视图（平台管理员 / 组织管理员 / 普通用户）
type Principal struct {
	ID              int64
	UUID            string
	TenantID        *int64 // 平台管理员为 nil
	Username        string
	Email           string
	FullName        string
	IsPlatformAdmin bool
	IsTenantAdmin   bool
	IsActive        bool
	IsReadOnly      bool
}

// Kind token 类型
func (p *Principal) Kind() PrincipalKind {
	if p.IsPlatformAdmin {
		return KindPlatform
	}
	return KindRegular
}

// Valid 三级权限模型的不变量：
// 平台管理员 => 无租户且非组织管理员；组织管理员 => 必有租户
func (p *Principal) Valid() bool {
	if p.IsPlatformAdmin && (p.TenantID != nil || p.IsTenantAdmin) {
		return false
	}
	if p.IsTenantAdmin && p.TenantID == nil {
		return false
	}
	if !p.IsPlatformAdmin && p.TenantID == nil {
		return false
	}
	return true
}

// PrincipalFromUser 租户用户 -> Principal
func PrincipalFromUser(u *User) *Principal {
	tid := u.TenantID
	return &Principal{
		ID:            u.ID,
		UUID:          u.UUID,
		TenantID:      &tid,
		Username:      u.Username,
		Email:         u.Email.String,
		FullName:      u.FullName.String,
		IsTenantAdmin: u.IsTenantAdmin,
		IsActive:      u.IsActive && !u.DeletedAt.Valid,
		IsReadOnly:    u.IsReadOnly,
	}
}

// PrincipalFromPlatformAdmin 平台管理员 -> Principal
func PrincipalFromPlatformAdmin(a *PlatformSuperAdmin) *Principal {
	return &Principal{
		ID:              a.ID,
		UUID:            a.UUID,
		Username:        a.Username,
		Email:           a.Email.String,
		FullName:        a.FullName.String,
		IsPlatformAdmin: true,
		IsActive:        a.IsActive,
	}
}
