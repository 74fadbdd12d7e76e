package domain

import "time"

// InvitationCode 邀请码（对应 invitation_codes 表）
type InvitationCode struct {
	ID            int64      `db:"id"`
	Code          string     `db:"code"` // 全局唯一
	TenantID      int64      `db:"tenant_id"`
	RemainingUses int        `db:"remaining_uses"`
	ExpiresAt     *time.Time `db:"expires_at"`
	IsActive      bool       `db:"is_active"`
	CreatedBy     *int64     `db:"created_by"`
	CreatedAt     time.Time  `db:"created_at"`
}

// Usable 邀请码在 now 时刻是否可用
func (c *InvitationCode) Usable(now time.Time) bool {
	if c == nil || !c.IsActive || c.RemainingUses <= 0 {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}
