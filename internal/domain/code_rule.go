package domain

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ResetRule 计数器重置周期
type ResetRule string

const (
	ResetNever   ResetRule = "never"
	ResetDaily   ResetRule = "daily"
	ResetMonthly ResetRule = "monthly"
	ResetYearly  ResetRule = "yearly"
)

// CodeRule 编码规则（对应 code_rules 表）
type CodeRule struct {
	ID       int64  `db:"id"`
	UUID     string `db:"uuid"`
	TenantID int64  `db:"tenant_id"`

	Code        string `db:"code"` // 组织内唯一
	Name        string `db:"name"`
	Description string `db:"description"`

	// Components 有序组件列表（JSONB），由 coderule 包解析
	Components json.RawMessage `db:"components"`

	SeqStart  int64     `db:"seq_start"`
	SeqStep   int64     `db:"seq_step"`
	ResetRule ResetRule `db:"reset_rule"`

	IsActive bool `db:"is_active"`
	IsSystem bool `db:"is_system"` // 系统规则不可删除

	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	DeletedAt sql.NullTime `db:"deleted_at"`
}

// CodeSequence 编码序号（对应 code_sequences 表）
// (rule_id, tenant_id, scope_key) 唯一
type CodeSequence struct {
	RuleID     int64     `db:"rule_id"`
	TenantID   int64     `db:"tenant_id"`
	ScopeKey   string    `db:"scope_key"`
	CurrentSeq int64     `db:"current_seq"`
	ResetDate  time.Time `db:"reset_date"` // DATE
	UpdatedAt  time.Time `db:"updated_at"`
}

// SequenceKey 分配的一致性键
type SequenceKey struct {
	RuleID   int64
	TenantID int64
	ScopeKey string
}
