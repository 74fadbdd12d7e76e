package httpapi

import (
	"encoding/json"
	"time"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// 对外 JSON 视图（领域模型只带 db 标签）

type tenantView struct {
	ID           int64               `json:"id"`
	UUID         string              `json:"uuid"`
	Name         string              `json:"name"`
	Domain       string              `json:"domain"`
	Status       domain.TenantStatus `json:"status"`
	Plan         domain.Plan         `json:"plan"`
	Settings     json.RawMessage     `json:"settings,omitempty"`
	MaxUsers     int                 `json:"max_users"`
	MaxStorageMB int                 `json:"max_storage_mb"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func toTenantView(t *domain.Tenant) tenantView {
	return tenantView{
		ID: t.ID, UUID: t.UUID, Name: t.Name, Domain: t.Domain, Status: t.Status, Plan: t.Plan,
		Settings: t.Settings, MaxUsers: t.MaxUsers, MaxStorageMB: t.MaxStorageMB, ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

type userView struct {
	ID            int64      `json:"id"`
	UUID          string     `json:"uuid"`
	Username      string     `json:"username"`
	Email         string     `json:"email,omitempty"`
	FullName      string     `json:"full_name,omitempty"`
	IsTenantAdmin bool       `json:"is_tenant_admin"`
	IsActive      bool       `json:"is_active"`
	IsReadOnly    bool       `json:"is_read_only,omitempty"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toUserView(u *domain.User) userView {
	v := userView{
		ID: u.ID, UUID: u.UUID, Username: u.Username, Email: u.Email.String, FullName: u.FullName.String,
		IsTenantAdmin: u.IsTenantAdmin, IsActive: u.IsActive, IsReadOnly: u.IsReadOnly, CreatedAt: u.CreatedAt,
	}
	if u.LastLogin.Valid {
		at := u.LastLogin.Time
		v.LastLogin = &at
	}
	return v
}

type codeRuleView struct {
	UUID        string           `json:"uuid"`
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Components  json.RawMessage  `json:"components"`
	SeqStart    int64            `json:"seq_start"`
	SeqStep     int64            `json:"seq_step"`
	ResetRule   domain.ResetRule `json:"reset_rule"`
	IsActive    bool             `json:"is_active"`
	IsSystem    bool             `json:"is_system"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func toCodeRuleView(r *domain.CodeRule) codeRuleView {
	return codeRuleView{
		UUID: r.UUID, Code: r.Code, Name: r.Name, Description: r.Description, Components: r.Components,
		SeqStart: r.SeqStart, SeqStep: r.SeqStep, ResetRule: r.ResetRule,
		IsActive: r.IsActive, IsSystem: r.IsSystem, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type invitationView struct {
	Code          string     `json:"code"`
	TenantID      int64      `json:"tenant_id"`
	RemainingUses int        `json:"remaining_uses"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedBy     *int64     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toInvitationView(c *domain.InvitationCode) invitationView {
	return invitationView{
		Code: c.Code, TenantID: c.TenantID, RemainingUses: c.RemainingUses, ExpiresAt: c.ExpiresAt,
		IsActive: c.IsActive, CreatedBy: c.CreatedBy, CreatedAt: c.CreatedAt,
	}
}

type activityLogView struct {
	ID          int64                 `json:"id"`
	Action      domain.ActivityAction `json:"action"`
	Description string                `json:"description"`
	OperatorID  *int64                `json:"operator_id,omitempty"`
	Metadata    json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

type jobAttemptView struct {
	EventID    string            `json:"event_id"`
	EventName  string            `json:"event_name"`
	Attempt    int               `json:"attempt"`
	Outcome    domain.JobOutcome `json:"outcome"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type messageView struct {
	UUID         string               `json:"uuid"`
	Type         domain.MessageType   `json:"type"`
	Recipient    string               `json:"recipient"`
	TemplateCode string               `json:"template_code,omitempty"`
	Subject      string               `json:"subject,omitempty"`
	Content      string               `json:"content"`
	Status       domain.MessageStatus `json:"status"`
	SentAt       *time.Time           `json:"sent_at,omitempty"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

func toMessageView(m *domain.MessageLog) messageView {
	v := messageView{
		UUID: m.UUID, Type: m.Type, Recipient: m.Recipient, TemplateCode: m.TemplateCode.String,
		Subject: m.Subject, Content: m.Content, Status: m.Status, Error: m.Error.String, CreatedAt: m.CreatedAt,
	}
	if m.SentAt.Valid {
		at := m.SentAt.Time
		v.SentAt = &at
	}
	return v
}

type templateView struct {
	Code     string             `json:"code"`
	Name     string             `json:"name"`
	Type     domain.MessageType `json:"type"`
	Subject  string             `json:"subject,omitempty"`
	Content  string             `json:"content"`
	IsActive bool               `json:"is_active"`
}

func toTemplateView(t *domain.MessageTemplate) templateView {
	return templateView{Code: t.Code, Name: t.Name, Type: t.Type, Subject: t.Subject, Content: t.Content, IsActive: t.IsActive}
}

// mapViews 列表转换（nil 输出为 []）
func mapViews[T, V any](items []T, f func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, it := range items {
		out = append(out, f(it))
	}
	return out
}
