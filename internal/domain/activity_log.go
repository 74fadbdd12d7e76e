package domain

import (
	"encoding/json"
	"time"
)

// ActivityAction 租户活动类型
type ActivityAction string

const (
	ActivityCreated      ActivityAction = "created"
	ActivityApproved     ActivityAction = "approved"
	ActivityRejected     ActivityAction = "rejected"
	ActivityActivated    ActivityAction = "activated"
	ActivityDeactivated  ActivityAction = "deactivated"
	ActivityQuotaWarning ActivityAction = "quota_warning"
)

// TenantActivityLog 租户活动日志（对应 tenant_activity_logs 表）
type TenantActivityLog struct {
	ID          int64           `db:"id"`
	TenantID    int64           `db:"tenant_id"`
	Action      ActivityAction  `db:"action"`
	Description string          `db:"description"`
	OperatorID  *int64          `db:"operator_id"`
	Metadata    json.RawMessage `db:"metadata"`
	CreatedAt   time.Time       `db:"created_at"`
}
