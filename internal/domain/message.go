package domain

import (
	"database/sql"
	"encoding/json"
	"time"
)

// MessageType 消息类型
type MessageType string

const (
	MessageEmail    MessageType = "email"
	MessageSMS      MessageType = "sms"
	MessageInternal MessageType = "internal"
	MessagePush     MessageType = "push"
)

// ValidMessageType 类型是否合法
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageEmail, MessageSMS, MessageInternal, MessagePush:
		return true
	}
	return false
}

// MessageStatus 消息状态
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSending MessageStatus = "sending"
	MessageSuccess MessageStatus = "success"
	MessageFailed  MessageStatus = "failed"
	MessageRead    MessageStatus = "read"
)

// MessageLog 消息发送记录（对应 message_logs 表）
type MessageLog struct {
	ID           int64           `db:"id"`
	UUID         string          `db:"uuid"`
	TenantID     int64           `db:"tenant_id"`
	Type         MessageType     `db:"type"`
	Recipient    string          `db:"recipient"`
	TemplateCode sql.NullString  `db:"template_code"`
	Subject      string          `db:"subject"`
	Content      string          `db:"content"`
	Variables    json.RawMessage `db:"variables"`
	Status       MessageStatus   `db:"status"`
	SentAt       sql.NullTime    `db:"sent_at"`
	Error        sql.NullString  `db:"error"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// MessageTemplate 消息模板（对应 message_templates 表）
type MessageTemplate struct {
	ID        int64       `db:"id"`
	TenantID  int64       `db:"tenant_id"`
	Code      string      `db:"code"`
	Name      string      `db:"name"`
	Type      MessageType `db:"type"`
	Subject   string      `db:"subject"`
	Content   string      `db:"content"` // {{var}} 占位符
	IsActive  bool        `db:"is_active"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}
