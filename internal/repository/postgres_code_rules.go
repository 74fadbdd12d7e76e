package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// PostgresCodeRulesRepository 编码规则仓库（Postgres）
type PostgresCodeRulesRepository struct {
	pgBase
}

var _ CodeRulesRepository = (*PostgresCodeRulesRepository)(nil)

const codeRuleColumns = `id, uuid::text, tenant_id, code, name, description, components,
	seq_start, seq_step, reset_rule, is_active, is_system, created_at, updated_at, deleted_at`

func scanCodeRule(row interface{ Scan(...any) error }) (*domain.CodeRule, error) {
	var r domain.CodeRule
	var comps []byte
	if err := row.Scan(&r.ID, &r.UUID, &r.TenantID, &r.Code, &r.Name, &r.Description, &comps,
		&r.SeqStart, &r.SeqStep, &r.ResetRule, &r.IsActive, &r.IsSystem,
		&r.CreatedAt, &r.UpdatedAt, &r.DeletedAt); err != nil {
		return nil, err
	}
	r.Components = comps
	return &r, nil
}

func (r *PostgresCodeRulesRepository) getOne(ctx context.Context, column string, v any) (*domain.CodeRule, error) {
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return nil, err
	}
	s.live("deleted_at")
	s.eq(column, v)
	rule, err := scanCodeRule(r.q(ctx).QueryRowContext(ctx,
		`SELECT `+codeRuleColumns+` FROM code_rules WHERE `+s.sql(), s.args...))
	if err != nil {
		return nil, mapError(err, "code rule")
	}
	return rule, nil
}

// GetByCode 按规则编码查询（当前租户）
func (r *PostgresCodeRulesRepository) GetByCode(ctx context.Context, code string) (*domain.CodeRule, error) {
	return r.getOne(ctx, "code", code)
}

// GetByUUID 按 uuid 查询（当前租户）
func (r *PostgresCodeRulesRepository) GetByUUID(ctx context.Context, id string) (*domain.CodeRule, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.New(apperr.NotFound, "code rule not found")
	}
	return r.getOne(ctx, "uuid", id)
}

// List 当前租户规则
func (r *PostgresCodeRulesRepository) List(ctx context.Context) ([]*domain.CodeRule, error) {
	s, err := tenantScope(ctx, "tenant_id")
	if err != nil {
		return nil, err
	}
	s.live("deleted_at")
	rows, err := r.q(ctx).QueryContext(ctx,
		`SELECT `+codeRuleColumns+` FROM code_rules WHERE `+s.sql()+` ORDER BY code`, s.args...)
	if err != nil {
		return nil, mapError(err, "code rules")
	}
	defer rows.Close()
	var out []*domain.CodeRule
	for rows.Next() {
		rule, err := scanCodeRule(rows)
		if err != nil {
			return nil, mapError(err, "code rules")
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func insertCodeRule(ctx context.Context, q querier, rule *domain.CodeRule) error {
	if rule.UUID == "" {
		rule.UUID = uuid.NewString()
	}
	return q.QueryRowContext(ctx, `
		INSERT INTO code_rules (uuid, tenant_id, code, name, description, components,
			seq_start, seq_step, reset_rule, is_active, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		rule.UUID, rule.TenantID, rule.Code, rule.Name, rule.Description, []byte(rule.Components),
		rule.SeqStart, rule.SeqStep, string(rule.ResetRule), rule.IsActive, rule.IsSystem,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// Create 当前租户新建规则
func (r *PostgresCodeRulesRepository) Create(ctx context.Context, rule *domain.CodeRule) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	rule.TenantID = tid
	return mapError(insertCodeRule(ctx, r.q(ctx), rule), "code rule")
}

// Update 更新规则（code / is_system 不可改）
func (r *PostgresCodeRulesRepository) Update(ctx context.Context, rule *domain.CodeRule) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	err = r.q(ctx).QueryRowContext(ctx, `
		UPDATE code_rules
		SET name = $3, description = $4, components = $5, seq_start = $6, seq_step = $7,
		    reset_rule = $8, is_active = $9, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		RETURNING updated_at`,
		rule.ID, tid, rule.Name, rule.Description, []byte(rule.Components), rule.SeqStart, rule.SeqStep,
		string(rule.ResetRule), rule.IsActive,
	).Scan(&rule.UpdatedAt)
	return mapError(err, "code rule")
}

// SoftDelete 软删除（系统规则不可删除）
func (r *PostgresCodeRulesRepository) SoftDelete(ctx context.Context, id string) error {
	rule, err := r.GetByUUID(ctx, id)
	if err != nil {
		return err
	}
	if rule.IsSystem {
		return apperr.New(apperr.Authorization, "system code rule cannot be deleted").WithDetail("rule_code", rule.Code)
	}
	_, err = r.q(ctx).ExecContext(ctx,
		`UPDATE code_rules SET deleted_at = now(), is_active = FALSE WHERE id = $1 AND tenant_id = $2`,
		rule.ID, rule.TenantID)
	return mapError(err, "code rule")
}

// SeedSystemRules 逐条写入，已存在的 code 跳过
func (r *PostgresCodeRulesRepository) SeedSystemRules(ctx context.Context, tenantID int64, rules []*domain.CodeRule) (int, error) {
	created := 0
	err := r.withTx(ctx, func(q querier) error {
		for _, rule := range rules {
			rule.TenantID = tenantID
			if rule.UUID == "" {
				rule.UUID = uuid.NewString()
			}
			res, err := q.ExecContext(ctx, `
				INSERT INTO code_rules (uuid, tenant_id, code, name, description, components,
					seq_start, seq_step, reset_rule, is_active, is_system)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (tenant_id, code) WHERE deleted_at IS NULL DO NOTHING`,
				rule.UUID, rule.TenantID, rule.Code, rule.Name, rule.Description, []byte(rule.Components),
				rule.SeqStart, rule.SeqStep, string(rule.ResetRule), rule.IsActive, rule.IsSystem)
			if err != nil {
				return mapError(err, "code rule")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created++
			}
		}
		return nil
	})
	return created, err
}
