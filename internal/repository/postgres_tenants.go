package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// PostgresTenantsRepository 租户仓库（Postgres）
type PostgresTenantsRepository struct {
	pgBase
}

var _ TenantsRepository = (*PostgresTenantsRepository)(nil)

const tenantColumns = `id, uuid::text, name, domain, status, plan, settings,
	max_users, max_storage_mb, expires_at, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*domain.Tenant, error) {
	var t domain.Tenant
	var settings []byte
	var expires sql.NullTime
	if err := row.Scan(&t.ID, &t.UUID, &t.Name, &t.Domain, &t.Status, &t.Plan, &settings,
		&t.MaxUsers, &t.MaxStorageMB, &expires, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Settings = settings
	if expires.Valid {
		v := expires.Time
		t.ExpiresAt = &v
	}
	return &t, nil
}

func (r *PostgresTenantsRepository) getBy(ctx context.Context, q querier, column string, v any, lock bool) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE ` + column + ` = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	t, err := scanTenant(q.QueryRowContext(ctx, query, v))
	if err != nil {
		return nil, mapError(err, "tenant")
	}
	return t, nil
}

// GetTenant 按 id 查询
func (r *PostgresTenantsRepository) GetTenant(ctx context.Context, id int64) (*domain.Tenant, error) {
	return r.getBy(ctx, r.q(ctx), "id", id, false)
}

// GetTenantForUpdate SELECT ... FOR UPDATE，需在 InTx 内调用
func (r *PostgresTenantsRepository) GetTenantForUpdate(ctx context.Context, id int64) (*domain.Tenant, error) {
	return r.getBy(ctx, r.q(ctx), "id", id, true)
}

// GetTenantByUUID 按 uuid 查询
func (r *PostgresTenantsRepository) GetTenantByUUID(ctx context.Context, id string) (*domain.Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.New(apperr.NotFound, "tenant not found")
	}
	return r.getBy(ctx, r.q(ctx), "uuid", id, false)
}

// GetTenantByDomain 按 domain 查询
func (r *PostgresTenantsRepository) GetTenantByDomain(ctx context.Context, d string) (*domain.Tenant, error) {
	return r.getBy(ctx, r.q(ctx), "domain", d, false)
}

// ListTenants 分页查询
func (r *PostgresTenantsRepository) ListTenants(ctx context.Context, filter TenantFilters, page, size int) ([]*domain.Tenant, int, error) {
	page, size = normalizePage(page, size)
	s := &scope{}
	if filter.Status != "" {
		s.eq("status", string(filter.Status))
	}
	if filter.Search != "" {
		p := s.arg("%" + filter.Search + "%")
		s.cond(fmt.Sprintf("(name ILIKE %s OR domain ILIKE %s)", p, p))
	}

	var total int
	if err := r.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants WHERE `+s.sql(), s.args...).Scan(&total); err != nil {
		return nil, 0, mapError(err, "tenants")
	}

	limit := s.arg(size)
	offset := s.arg((page - 1) * size)
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE `+s.sql()+
			` ORDER BY id LIMIT `+limit+` OFFSET `+offset, s.args...)
	if err != nil {
		return nil, 0, mapError(err, "tenants")
	}
	defer rows.Close()

	var out []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, 0, mapError(err, "tenants")
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func insertTenant(ctx context.Context, q querier, t *domain.Tenant) error {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TenantInactive
	}
	return q.QueryRowContext(ctx, `
		INSERT INTO tenants (uuid, name, domain, status, plan, settings, max_users, max_storage_mb, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		t.UUID, t.Name, t.Domain, string(t.Status), string(t.Plan), jsonOrEmpty(t.Settings),
		t.MaxUsers, t.MaxStorageMB, t.ExpiresAt,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func insertActivityLog(ctx context.Context, q querier, l *domain.TenantActivityLog) error {
	return q.QueryRowContext(ctx, `
		INSERT INTO tenant_activity_logs (tenant_id, action, description, operator_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		l.TenantID, string(l.Action), l.Description, nullInt64(l.OperatorID), jsonOrEmpty(l.Metadata),
	).Scan(&l.ID, &l.CreatedAt)
}

// CreateTenant 创建租户 + created 日志
func (r *PostgresTenantsRepository) CreateTenant(ctx context.Context, t *domain.Tenant, log *domain.TenantActivityLog) error {
	return r.withTx(ctx, func(q querier) error {
		if err := insertTenant(ctx, q, t); err != nil {
			return mapError(err, "tenant")
		}
		if log != nil {
			log.TenantID = t.ID
			if err := insertActivityLog(ctx, q, log); err != nil {
				return mapError(err, "tenant activity log")
			}
		}
		return nil
	})
}

// CreateTenantWithAdmin 组织注册
func (r *PostgresTenantsRepository) CreateTenantWithAdmin(ctx context.Context, t *domain.Tenant, admin *domain.User, log *domain.TenantActivityLog) error {
	return r.withTx(ctx, func(q querier) error {
		if err := insertTenant(ctx, q, t); err != nil {
			return mapError(err, "tenant")
		}
		admin.TenantID = t.ID
		if err := insertUser(ctx, q, admin); err != nil {
			return mapError(err, "user")
		}
		if log != nil {
			log.TenantID = t.ID
			if err := insertActivityLog(ctx, q, log); err != nil {
				return mapError(err, "tenant activity log")
			}
		}
		return nil
	})
}

// UpdateTenant 更新可编辑字段
func (r *PostgresTenantsRepository) UpdateTenant(ctx context.Context, t *domain.Tenant) error {
	res, err := r.q(ctx).ExecContext(ctx, `
		UPDATE tenants
		SET name = $2, plan = $3, settings = $4, max_users = $5, max_storage_mb = $6,
		    expires_at = $7, updated_at = now()
		WHERE id = $1`,
		t.ID, t.Name, string(t.Plan), jsonOrEmpty(t.Settings), t.MaxUsers, t.MaxStorageMB, t.ExpiresAt)
	if err != nil {
		return mapError(err, "tenant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "tenant not found")
	}
	return nil
}

// TransitionStatus 加行锁检查当前状态后迁移，并写活动日志
func (r *PostgresTenantsRepository) TransitionStatus(ctx context.Context, id int64, from []domain.TenantStatus, to domain.TenantStatus,
	patch map[string]any, log *domain.TenantActivityLog) (*domain.Tenant, error) {
	var out *domain.Tenant
	err := r.withTx(ctx, func(q querier) error {
		t, err := r.getBy(ctx, q, "id", id, true)
		if err != nil {
			return err
		}
		if !statusIn(t.Status, from) {
			return apperr.New(apperr.Conflict, "tenant status %s cannot transition to %s", t.Status, to).
				WithDetail("status", string(t.Status))
		}
		for k, v := range patch {
			t.SetSetting(k, v)
		}
		t.Status = to
		if err := q.QueryRowContext(ctx, `
			UPDATE tenants SET status = $2, settings = $3, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			id, string(to), jsonOrEmpty(t.Settings)).Scan(&t.UpdatedAt); err != nil {
			return mapError(err, "tenant")
		}
		if log != nil {
			log.TenantID = id
			if err := insertActivityLog(ctx, q, log); err != nil {
				return mapError(err, "tenant activity log")
			}
		}
		out = t
		return nil
	})
	return out, err
}

// EnsureDefaultTenant 获取或创建默认组织（并发创建时以已存在者为准）
func (r *PostgresTenantsRepository) EnsureDefaultTenant(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	existing, err := r.GetTenantByDomain(ctx, domain.DefaultTenantDomain)
	if err == nil {
		return existing, nil
	}
	if !apperr.Is(err, apperr.NotFound) {
		return nil, err
	}
	t.Domain = domain.DefaultTenantDomain
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	_, err = r.q(ctx).ExecContext(ctx, `
		INSERT INTO tenants (uuid, name, domain, status, plan, settings, max_users, max_storage_mb)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain) DO NOTHING`,
		t.UUID, t.Name, t.Domain, string(t.Status), string(t.Plan), jsonOrEmpty(t.Settings), t.MaxUsers, t.MaxStorageMB)
	if err != nil {
		return nil, mapError(err, "tenant")
	}
	return r.GetTenantByDomain(ctx, domain.DefaultTenantDomain)
}

// StorageUsage 已用存储
func (r *PostgresTenantsRepository) StorageUsage(ctx context.Context, id int64) (int, error) {
	var used int
	err := r.q(ctx).QueryRowContext(ctx, `SELECT storage_used_mb FROM tenants WHERE id = $1`, id).Scan(&used)
	return used, mapError(err, "tenant")
}

// AddStorage 条件更新，保证不超过上限
func (r *PostgresTenantsRepository) AddStorage(ctx context.Context, id int64, deltaMB, limitMB int) (int, error) {
	var used int
	err := r.q(ctx).QueryRowContext(ctx, `
		UPDATE tenants SET storage_used_mb = storage_used_mb + $2, updated_at = now()
		WHERE id = $1 AND storage_used_mb + $2 <= $3
		RETURNING storage_used_mb`, id, deltaMB, limitMB).Scan(&used)
	if err == sql.ErrNoRows {
		if _, gerr := r.GetTenant(ctx, id); gerr != nil {
			return 0, gerr
		}
		return 0, apperr.New(apperr.QuotaExceeded, "storage quota exceeded").
			WithDetail("limit_mb", limitMB)
	}
	return used, mapError(err, "tenant")
}

func statusIn(s domain.TenantStatus, set []domain.TenantStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
