package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// PostgresMessageLogsRepository 消息记录（Postgres）
type PostgresMessageLogsRepository struct {
	pgBase
}

var _ MessageLogsRepository = (*PostgresMessageLogsRepository)(nil)

const messageColumns = `id, uuid::text, tenant_id, type, recipient, template_code, subject, content,
	variables, status, sent_at, error, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.MessageLog, error) {
	var m domain.MessageLog
	var vars []byte
	if err := row.Scan(&m.ID, &m.UUID, &m.TenantID, &m.Type, &m.Recipient, &m.TemplateCode, &m.Subject, &m.Content,
		&vars, &m.Status, &m.SentAt, &m.Error, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Variables = vars
	return &m, nil
}

// Create 创建消息记录（pending）
func (r *PostgresMessageLogsRepository) Create(ctx context.Context, m *domain.MessageLog) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	m.TenantID = tid
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = domain.MessagePending
	}
	err = r.q(ctx).QueryRowContext(ctx, `
		INSERT INTO message_logs (uuid, tenant_id, type, recipient, template_code, subject, content, variables, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		m.UUID, m.TenantID, string(m.Type), m.Recipient, m.TemplateCode, m.Subject, m.Content,
		jsonOrEmpty(m.Variables), string(m.Status),
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	return mapError(err, "message log")
}

// GetByUUID 当前租户内查询
func (r *PostgresMessageLogsRepository) GetByUUID(ctx context.Context, id string) (*domain.MessageLog, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.New(apperr.NotFound, "message log not found")
	}
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return nil, err
	}
	s.eq("uuid", id)
	m, err := scanMessage(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_logs WHERE `+s.sql(), s.args...))
	if err != nil {
		return nil, mapError(err, "message log")
	}
	return m, nil
}

// UpdateStatus 状态迁移
func (r *PostgresMessageLogsRepository) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, content, errMsg string, at time.Time) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	var sentAt sql.NullTime
	if status == domain.MessageSuccess {
		sentAt = sql.NullTime{Time: at, Valid: true}
	}
	var errCol sql.NullString
	if errMsg != "" {
		errCol = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := r.q(ctx).ExecContext(ctx, `
		UPDATE message_logs
		SET status = $3,
		    content = CASE WHEN $4 = '' THEN content ELSE $4 END,
		    error = $5,
		    sent_at = COALESCE($6, sent_at),
		    updated_at = $7
		WHERE uuid = $1 AND tenant_id = $2`,
		id, tid, string(status), content, errCol, sentAt, at)
	if err != nil {
		return mapError(err, "message log")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "message log not found")
	}
	return nil
}

// ListInbox 收件人的站内消息
func (r *PostgresMessageLogsRepository) ListInbox(ctx context.Context, recipient string, unreadOnly bool) ([]*domain.MessageLog, error) {
	tid, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	s := (&scope{}).eq("tenant_id", tid).eq("recipient", recipient).eq("type", string(domain.MessageInternal))
	if unreadOnly {
		s.eq("status", string(domain.MessageSuccess))
	} else {
		p1, p2 := s.arg(string(domain.MessageSuccess)), s.arg(string(domain.MessageRead))
		s.cond("status IN (" + p1 + ", " + p2 + ")")
	}
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message_logs WHERE `+s.sql()+` ORDER BY created_at DESC, id DESC LIMIT 200`, s.args...)
	if err != nil {
		return nil, mapError(err, "message logs")
	}
	defer rows.Close()
	var out []*domain.MessageLog
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapError(err, "message logs")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead 标记已读
func (r *PostgresMessageLogsRepository) MarkRead(ctx context.Context, id, recipient string, at time.Time) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return apperr.New(apperr.NotFound, "message log not found")
	}
	res, err := r.q(ctx).ExecContext(ctx, `
		UPDATE message_logs SET status = 'read', updated_at = $4
		WHERE uuid = $1 AND tenant_id = $2 AND recipient = $3 AND type = 'internal'
		  AND status IN ('success', 'read')`, id, tid, recipient, at)
	if err != nil {
		return mapError(err, "message log")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "message log not found")
	}
	return nil
}

// PostgresMessageTemplatesRepository 消息模板（Postgres）
type PostgresMessageTemplatesRepository struct {
	pgBase
}

var _ MessageTemplatesRepository = (*PostgresMessageTemplatesRepository)(nil)

const templateColumns = `id, tenant_id, code, name, type, subject, content, is_active, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*domain.MessageTemplate, error) {
	var t domain.MessageTemplate
	if err := row.Scan(&t.ID, &t.TenantID, &t.Code, &t.Name, &t.Type, &t.Subject, &t.Content,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByCode 当前租户模板
func (r *PostgresMessageTemplatesRepository) GetByCode(ctx context.Context, code string) (*domain.MessageTemplate, error) {
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return nil, err
	}
	s.eq("code", code)
	t, err := scanTemplate(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM message_templates WHERE `+s.sql(), s.args...))
	if err != nil {
		return nil, mapError(err, "message template")
	}
	return t, nil
}

// List 当前租户模板
func (r *PostgresMessageTemplatesRepository) List(ctx context.Context) ([]*domain.MessageTemplate, error) {
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+templateColumns+` FROM message_templates WHERE `+s.sql()+` ORDER BY code`, s.args...)
	if err != nil {
		return nil, mapError(err, "message templates")
	}
	defer rows.Close()
	var out []*domain.MessageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, mapError(err, "message templates")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Upsert 按 (tenant_id, code) 新建或覆盖
func (r *PostgresMessageTemplatesRepository) Upsert(ctx context.Context, t *domain.MessageTemplate) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	t.TenantID = tid
	err = r.q(ctx).QueryRowContext(ctx, `
		INSERT INTO message_templates (tenant_id, code, name, type, subject, content, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, code) DO UPDATE
		SET name = EXCLUDED.name, type = EXCLUDED.type, subject = EXCLUDED.subject,
		    content = EXCLUDED.content, is_active = EXCLUDED.is_active, updated_at = now()
		RETURNING id, created_at, updated_at`,
		t.TenantID, t.Code, t.Name, string(t.Type), t.Subject, t.Content, t.IsActive,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	return mapError(err, "message template")
}
