package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// PostgresInvitationsRepository 邀请码仓库（Postgres）
type PostgresInvitationsRepository struct {
	pgBase
}

var _ InvitationsRepository = (*PostgresInvitationsRepository)(nil)

const invitationColumns = `id, code, tenant_id, remaining_uses, expires_at, is_active, created_by, created_at`

func scanInvitation(row interface{ Scan(...any) error }) (*domain.InvitationCode, error) {
	var c domain.InvitationCode
	var expires sql.NullTime
	var createdBy sql.NullInt64
	if err := row.Scan(&c.ID, &c.Code, &c.TenantID, &c.RemainingUses, &expires, &c.IsActive, &createdBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		v := expires.Time
		c.ExpiresAt = &v
	}
	c.CreatedBy = int64Ptr(createdBy)
	return &c, nil
}

func invalidInvitation() error {
	return apperr.New(apperr.Validation, "invitation code is invalid or exhausted").WithCode(apperr.CodeInvalidInvitation)
}

// GetByCode 按邀请码查询
func (r *PostgresInvitationsRepository) GetByCode(ctx context.Context, code string) (*domain.InvitationCode, error) {
	c, err := scanInvitation(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitation_codes WHERE code = $1`, code))
	if err != nil {
		return nil, mapError(err, "invitation code")
	}
	return c, nil
}

// Use 单条 UPDATE 完成校验与扣减，并发安全
func (r *PostgresInvitationsRepository) Use(ctx context.Context, code string, now time.Time) (*domain.InvitationCode, error) {
	c, err := scanInvitation(r.q(ctx).QueryRowContext(ctx, `
		UPDATE invitation_codes
		SET remaining_uses = remaining_uses - 1,
		    is_active = (remaining_uses - 1) > 0
		WHERE code = $1
		  AND is_active = TRUE
		  AND remaining_uses > 0
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+invitationColumns, code, now))
	if err == sql.ErrNoRows {
		return nil, invalidInvitation()
	}
	if err != nil {
		return nil, mapError(err, "invitation code")
	}
	return c, nil
}

// Create 当前租户创建邀请码
func (r *PostgresInvitationsRepository) Create(ctx context.Context, c *domain.InvitationCode) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	c.TenantID = tid
	err = r.q(ctx).QueryRowContext(ctx, `
		INSERT INTO invitation_codes (code, tenant_id, remaining_uses, expires_at, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		c.Code, c.TenantID, c.RemainingUses, c.ExpiresAt, c.IsActive, nullInt64(c.CreatedBy),
	).Scan(&c.ID, &c.CreatedAt)
	return mapError(err, "invitation code")
}

// List 当前租户的邀请码
func (r *PostgresInvitationsRepository) List(ctx context.Context) ([]*domain.InvitationCode, error) {
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return nil, err
	}
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitation_codes WHERE `+s.sql()+` ORDER BY id DESC`, s.args...)
	if err != nil {
		return nil, mapError(err, "invitation codes")
	}
	defer rows.Close()
	var out []*domain.InvitationCode
	for rows.Next() {
		c, err := scanInvitation(rows)
		if err != nil {
			return nil, mapError(err, "invitation codes")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Deactivate 停用当前租户的邀请码
func (r *PostgresInvitationsRepository) Deactivate(ctx context.Context, code string) error {
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return err
	}
	p := s.arg(code)
	res, err := r.q(ctx).ExecContext(ctx,
		`UPDATE invitation_codes SET is_active = FALSE WHERE code = `+p+` AND `+s.sql(), s.args...)
	if err != nil {
		return mapError(err, "invitation code")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "invitation code not found")
	}
	return nil
}
