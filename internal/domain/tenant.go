package domain

import (
	"encoding/json"
	"time"
)

// TenantStatus 租户状态
type TenantStatus string

const (
	TenantInactive  TenantStatus = "inactive"
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// DefaultTenantDomain 默认组织的 domain（个人注册 / 体验登录使用）
const DefaultTenantDomain = "default"

// Tenant 租户领域模型（对应 tenants 表）
type Tenant struct {
	ID   int64  `db:"id"`   // BIGSERIAL, PRIMARY KEY
	UUID string `db:"uuid"` // UUID, UNIQUE, 对外标识

	Name   string `db:"name"`   // VARCHAR(255), NOT NULL
	Domain string `db:"domain"` // VARCHAR(100), UNIQUE

	Status TenantStatus `db:"status"` // inactive/active/suspended
	Plan   Plan         `db:"plan"`

	// Settings JSONB，存储边界上视为不透明文档
	Settings json.RawMessage `db:"settings"`

	MaxUsers     int        `db:"max_users"`
	MaxStorageMB int        `db:"max_storage_mb"`
	ExpiresAt    *time.Time `db:"expires_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsActive 租户可登录 / 可被任务调度
func (t *Tenant) IsActive() bool {
	return t != nil && t.Status == TenantActive
}

// IsDefault 是否默认组织
func (t *Tenant) IsDefault() bool {
	return t != nil && t.Domain == DefaultTenantDomain
}

// SettingsMap 解析 settings（解析失败返回空 map）
func (t *Tenant) SettingsMap() map[string]any {
	m := map[string]any{}
	if len(t.Settings) > 0 {
		_ = json.Unmarshal(t.Settings, &m)
	}
	return m
}

// SetSetting 写入 settings 中的单个键
func (t *Tenant) SetSetting(key string, value any) {
	m := t.SettingsMap()
	m[key] = value
	b, _ := json.Marshal(m)
	t.Settings = b
}
