package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// PostgresUsersRepository 用户仓库（Postgres）
type PostgresUsersRepository struct {
	pgBase
}

var _ UsersRepository = (*PostgresUsersRepository)(nil)

const userColumns = `id, uuid::text, tenant_id, username, password_hash, email, full_name,
	is_tenant_admin, is_active, is_read_only, department_id, position_id,
	last_login, created_at, deleted_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.UUID, &u.TenantID, &u.Username, &u.PasswordHash, &u.Email, &u.FullName,
		&u.IsTenantAdmin, &u.IsActive, &u.IsReadOnly, &u.DepartmentID, &u.PositionID,
		&u.LastLogin, &u.CreatedAt, &u.DeletedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func insertUser(ctx context.Context, q querier, u *domain.User) error {
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	return q.QueryRowContext(ctx, `
		INSERT INTO users (uuid, tenant_id, username, password_hash, email, full_name,
			is_tenant_admin, is_active, is_read_only, department_id, position_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		u.UUID, u.TenantID, u.Username, u.PasswordHash, u.Email, u.FullName,
		u.IsTenantAdmin, u.IsActive, u.IsReadOnly, u.DepartmentID, u.PositionID,
	).Scan(&u.ID, &u.CreatedAt)
}

// GetUser 按 id 查询（含已软删除，供令牌校验判断）
func (r *PostgresUsersRepository) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "user")
	}
	return u, nil
}

// GetUserByTenantAndUsername 组织内按用户名查询
func (r *PostgresUsersRepository) GetUserByTenantAndUsername(ctx context.Context, tenantID int64, username string) (*domain.User, error) {
	u, err := scanUser(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE tenant_id = $1 AND username = $2 AND deleted_at IS NULL`, tenantID, username))
	if err != nil {
		return nil, mapError(err, "user")
	}
	return u, nil
}

// FindActiveByUsername 跨租户查找（登录消歧）
func (r *PostgresUsersRepository) FindActiveByUsername(ctx context.Context, username string) ([]*domain.User, error) {
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE username = $1 AND is_active = TRUE AND deleted_at IS NULL
		 ORDER BY tenant_id`, username)
	if err != nil {
		return nil, mapError(err, "users")
	}
	defer rows.Close()
	var out []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapError(err, "users")
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListUsers 当前租户用户
func (r *PostgresUsersRepository) ListUsers(ctx context.Context, page, size int) ([]*domain.User, int, error) {
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return nil, 0, err
	}
	s.live("deleted_at")
	page, size = normalizePage(page, size)

	var total int
	if err := r.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE `+s.sql(), s.args...).Scan(&total); err != nil {
		return nil, 0, mapError(err, "users")
	}
	limit, offset := s.arg(size), s.arg((page-1)*size)
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+s.sql()+` ORDER BY id LIMIT `+limit+` OFFSET `+offset, s.args...)
	if err != nil {
		return nil, 0, mapError(err, "users")
	}
	defer rows.Close()
	var out []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, mapError(err, "users")
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// CountUsers 租户有效用户数（配额）
func (r *PostgresUsersRepository) CountUsers(ctx context.Context, tenantID int64) (int, error) {
	var n int
	err := r.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID).Scan(&n)
	return n, mapError(err, "users")
}

// CreateUser 创建用户；(tenant_id, username) 冲突返回 Conflict
func (r *PostgresUsersRepository) CreateUser(ctx context.Context, u *domain.User) error {
	if u.TenantID == 0 {
		return apperr.ErrMissingTenantContext
	}
	return mapError(insertUser(ctx, r.q(ctx), u), "user")
}

// UpdateLastLogin 更新最后登录时间
func (r *PostgresUsersRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.q(ctx).ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
	return mapError(err, "user")
}

// DeleteUser 软删除
func (r *PostgresUsersRepository) DeleteUser(ctx context.Context, id int64) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	res, err := r.q(ctx).ExecContext(ctx,
		`UPDATE users SET deleted_at = now(), is_active = FALSE
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tid)
	if err != nil {
		return mapError(err, "user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

// PostgresPlatformAdminsRepository 平台管理员仓库（Postgres）
type PostgresPlatformAdminsRepository struct {
	pgBase
}

var _ PlatformAdminsRepository = (*PostgresPlatformAdminsRepository)(nil)

const platformAdminColumns = `id, uuid::text, username, password_hash, email, full_name, is_active, last_login, created_at`

func scanPlatformAdmin(row interface{ Scan(...any) error }) (*domain.PlatformSuperAdmin, error) {
	var a domain.PlatformSuperAdmin
	if err := row.Scan(&a.ID, &a.UUID, &a.Username, &a.PasswordHash, &a.Email, &a.FullName,
		&a.IsActive, &a.LastLogin, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetPlatformAdmin 按 id 查询
func (r *PostgresPlatformAdminsRepository) GetPlatformAdmin(ctx context.Context, id int64) (*domain.PlatformSuperAdmin, error) {
	a, err := scanPlatformAdmin(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+platformAdminColumns+` FROM platform_super_admins WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "platform admin")
	}
	return a, nil
}

// GetPlatformAdminByUsername 按用户名查询（全局唯一）
func (r *PostgresPlatformAdminsRepository) GetPlatformAdminByUsername(ctx context.Context, username string) (*domain.PlatformSuperAdmin, error) {
	a, err := scanPlatformAdmin(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+platformAdminColumns+` FROM platform_super_admins WHERE username = $1`, username))
	if err != nil {
		return nil, mapError(err, "platform admin")
	}
	return a, nil
}

// CreatePlatformAdmin 创建平台管理员
func (r *PostgresPlatformAdminsRepository) CreatePlatformAdmin(ctx context.Context, a *domain.PlatformSuperAdmin) error {
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	err := r.q(ctx).QueryRowContext(ctx, `
		INSERT INTO platform_super_admins (uuid, username, password_hash, email, full_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		a.UUID, a.Username, a.PasswordHash, a.Email, a.FullName, a.IsActive,
	).Scan(&a.ID, &a.CreatedAt)
	return mapError(err, "platform admin")
}

// UpdateLastLogin 更新最后登录时间
func (r *PostgresPlatformAdminsRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.q(ctx).ExecContext(ctx, `UPDATE platform_super_admins SET last_login = $2 WHERE id = $1`, id, at)
	return mapError(err, "platform admin")
}
