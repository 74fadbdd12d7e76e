package repository

import (
	"context"
	"database/sql"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// PostgresActivityLogsRepository 租户活动日志（Postgres）
type PostgresActivityLogsRepository struct {
	pgBase
}

var _ ActivityLogsRepository = (*PostgresActivityLogsRepository)(nil)

// Append 追加日志
func (r *PostgresActivityLogsRepository) Append(ctx context.Context, l *domain.TenantActivityLog) error {
	return mapError(insertActivityLog(ctx, r.q(ctx), l), "tenant activity log")
}

// ListByTenant 按时间倒序
func (r *PostgresActivityLogsRepository) ListByTenant(ctx context.Context, tenantID int64, page, size int) ([]*domain.TenantActivityLog, int, error) {
	page, size = normalizePage(page, size)
	var total int
	if err := r.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_activity_logs WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, mapError(err, "tenant activity logs")
	}
	rows, err := r.q(ctx).QueryContext(ctx, `
		SELECT id, tenant_id, action, description, operator_id, metadata, created_at
		FROM tenant_activity_logs
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, tenantID, size, (page-1)*size)
	if err != nil {
		return nil, 0, mapError(err, "tenant activity logs")
	}
	defer rows.Close()
	var out []*domain.TenantActivityLog
	for rows.Next() {
		var l domain.TenantActivityLog
		var op sql.NullInt64
		var meta []byte
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Action, &l.Description, &op, &meta, &l.CreatedAt); err != nil {
			return nil, 0, mapError(err, "tenant activity logs")
		}
		l.OperatorID = int64Ptr(op)
		l.Metadata = meta
		out = append(out, &l)
	}
	return out, total, rows.Err()
}

// PostgresJobAttemptsRepository 任务执行记录（Postgres）
type PostgresJobAttemptsRepository struct {
	pgBase
}

var _ JobAttemptsRepository = (*PostgresJobAttemptsRepository)(nil)

// Record 写入一次执行记录
func (r *PostgresJobAttemptsRepository) Record(ctx context.Context, a *domain.JobAttempt) error {
	err := r.q(ctx).QueryRowContext(ctx, `
		INSERT INTO job_attempts (event_id, event_name, tenant_id, attempt, outcome, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		a.EventID, a.EventName, nullInt64(a.TenantID), a.Attempt, string(a.Outcome), a.DurationMS, a.Error,
	).Scan(&a.ID, &a.CreatedAt)
	return mapError(err, "job attempt")
}

// ListByTenant 最近的执行记录
func (r *PostgresJobAttemptsRepository) ListByTenant(ctx context.Context, tenantID int64, limit int) ([]*domain.JobAttempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.q(ctx).QueryContext(ctx, `
		SELECT id, event_id, event_name, tenant_id, attempt, outcome, duration_ms, error, created_at
		FROM job_attempts
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, mapError(err, "job attempts")
	}
	defer rows.Close()
	var out []*domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		var tid sql.NullInt64
		if err := rows.Scan(&a.ID, &a.EventID, &a.EventName, &tid, &a.Attempt, &a.Outcome, &a.DurationMS, &a.Error, &a.CreatedAt); err != nil {
			return nil, mapError(err, "job attempts")
		}
		a.TenantID = int64Ptr(tid)
		out = append(out, &a)
	}
	return out, rows.Err()
}
