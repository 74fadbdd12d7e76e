package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/coderule"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
)

// TenantService 租户注册表（平台管理员使用）
type TenantService interface {
	ListTenants(ctx context.Context, filter repository.TenantFilters, page, size int) ([]*domain.Tenant, int, error)
	GetTenant(ctx context.Context, id int64) (*domain.Tenant, error)
	GetTenantByUUID(ctx context.Context, uuid string) (*domain.Tenant, error)
	CreateTenant(ctx context.Context, req CreateTenantRequest, operatorID int64) (*domain.Tenant, error)
	UpdateTenant(ctx context.Context, id int64, req UpdateTenantRequest) (*domain.Tenant, error)

	// 状态机：inactive -> active (Approve)，inactive -> suspended (Reject)，active <-> suspended
	Approve(ctx context.Context, id, operatorID int64) (*domain.Tenant, error)
	Reject(ctx context.Context, id int64, reason string, operatorID int64) (*domain.Tenant, error)
	Activate(ctx context.Context, id, operatorID int64) (*domain.Tenant, error)
	Suspend(ctx context.Context, id int64, reason string, operatorID int64) (*domain.Tenant, error)

	Packages() []domain.Package
	Usage(ctx context.Context, id int64) (*Usage, error)
	ConsumeStorage(ctx context.Context, id int64, deltaMB int) (*Usage, error)
	ActivityLogs(ctx context.Context, id int64, page, size int) ([]*domain.TenantActivityLog, int, error)
	ExportActivityLogs(ctx context.Context, id int64) ([]byte, error)
	JobAttempts(ctx context.Context, id int64, limit int) ([]*domain.JobAttempt, error)
}

type tenantService struct {
	store  *repository.Store
	cache  *TenantCache
	quota  *Quota
	clock  clock.Clock
	logger *zap.Logger
}

// NewTenantService 创建 TenantService
func NewTenantService(store *repository.Store, cache *TenantCache, quota *Quota, c clock.Clock, logger *zap.Logger) TenantService {
	if c == nil {
		c = clock.New()
	}
	return &tenantService{store: store, cache: cache, quota: quota, clock: c, logger: logger}
}

// CreateTenantRequest 平台管理员直接创建租户
type CreateTenantRequest struct {
	Name      string          `json:"name"`
	Domain    string          `json:"domain"`
	Plan      domain.Plan     `json:"plan"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// UpdateTenantRequest 租户更新（字段为 nil 表示不修改）
type UpdateTenantRequest struct {
	Name         *string         `json:"name,omitempty"`
	Plan         *domain.Plan    `json:"plan,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	MaxUsers     *int            `json:"max_users,omitempty"`
	MaxStorageMB *int            `json:"max_storage_mb,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

func (s *tenantService) ListTenants(ctx context.Context, filter repository.TenantFilters, page, size int) ([]*domain.Tenant, int, error) {
	return s.store.Tenants.ListTenants(ctx, filter, page, size)
}

func (s *tenantService) GetTenant(ctx context.Context, id int64) (*domain.Tenant, error) {
	return s.store.Tenants.GetTenant(ctx, id)
}

// GetTenantByUUID 非法 UUID 直接返回校验错误，不下发到存储层
func (s *tenantService) GetTenantByUUID(ctx context.Context, tenantUUID string) (*domain.Tenant, error) {
	if _, err := uuid.Parse(tenantUUID); err != nil {
		return nil, apperr.New(apperr.Validation, "invalid id").WithDetail("field", "id")
	}
	return s.store.Tenants.GetTenantByUUID(ctx, tenantUUID)
}

// CreateTenant 新建租户（inactive），配额取套餐默认值
func (s *tenantService) CreateTenant(ctx context.Context, req CreateTenantRequest, operatorID int64) (*domain.Tenant, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))
	if req.Name == "" {
		return nil, apperr.New(apperr.Validation, "name is required").WithDetail("field", "name")
	}
	if !domainPattern.MatchString(req.Domain) {
		return nil, apperr.New(apperr.Validation, "invalid domain").WithDetail("field", "domain")
	}
	if req.Plan == "" {
		req.Plan = domain.PlanTrial
	}
	if !domain.ValidPlan(req.Plan) {
		return nil, apperr.New(apperr.Validation, "unknown plan %q", req.Plan).WithDetail("field", "plan")
	}
	if len(req.Settings) > 0 && !json.Valid(req.Settings) {
		return nil, apperr.New(apperr.Validation, "settings must be a JSON document").WithDetail("field", "settings")
	}
	pkg := domain.PackageFor(req.Plan)
	t := &domain.Tenant{
		Name:         req.Name,
		Domain:       req.Domain,
		Status:       domain.TenantInactive,
		Plan:         req.Plan,
		Settings:     req.Settings,
		MaxUsers:     pkg.MaxUsers,
		MaxStorageMB: pkg.MaxStorageMB,
		ExpiresAt:    req.ExpiresAt,
	}
	log := &domain.TenantActivityLog{
		Action:      domain.ActivityCreated,
		Description: "平台管理员创建组织：" + req.Name,
		OperatorID:  &operatorID,
	}
	if err := s.store.Tenants.CreateTenant(ctx, t, log); err != nil {
		return nil, err
	}
	s.logger.Info("Tenant created", zap.Int64("tenant_id", t.ID), zap.String("tenant_domain", t.Domain), zap.Int64("operator_id", operatorID))
	return t, nil
}

// UpdateTenant 更新基础信息；修改套餐时配额同步为套餐值（显式传入的配额优先）
func (s *tenantService) UpdateTenant(ctx context.Context, id int64, req UpdateTenantRequest) (*domain.Tenant, error) {
	t, err := s.store.Tenants.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperr.New(apperr.Validation, "name must not be empty").WithDetail("field", "name")
		}
		t.Name = name
	}
	if req.Plan != nil {
		if !domain.ValidPlan(*req.Plan) {
			return nil, apperr.New(apperr.Validation, "unknown plan %q", *req.Plan).WithDetail("field", "plan")
		}
		pkg := domain.PackageFor(*req.Plan)
		t.Plan, t.MaxUsers, t.MaxStorageMB = *req.Plan, pkg.MaxUsers, pkg.MaxStorageMB
	}
	if len(req.Settings) > 0 {
		if !json.Valid(req.Settings) {
			return nil, apperr.New(apperr.Validation, "settings must be a JSON document").WithDetail("field", "settings")
		}
		t.Settings = req.Settings
	}
	if req.MaxUsers != nil {
		if *req.MaxUsers < 0 {
			return nil, apperr.New(apperr.Validation, "max_users must not be negative").WithDetail("field", "max_users")
		}
		t.MaxUsers = *req.MaxUsers
	}
	if req.MaxStorageMB != nil {
		if *req.MaxStorageMB < 0 {
			return nil, apperr.New(apperr.Validation, "max_storage_mb must not be negative").WithDetail("field", "max_storage_mb")
		}
		t.MaxStorageMB = *req.MaxStorageMB
	}
	if req.ExpiresAt != nil {
		t.ExpiresAt = req.ExpiresAt
	}
	if err := s.store.Tenants.UpdateTenant(ctx, t); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, id)
	return s.store.Tenants.GetTenant(ctx, id)
}

func (s *tenantService) transition(ctx context.Context, id int64, from []domain.TenantStatus, to domain.TenantStatus,
	patch map[string]any, action domain.ActivityAction, description string, operatorID int64) (*domain.Tenant, error) {
	log := &domain.TenantActivityLog{
		Action:      action,
		Description: description,
		OperatorID:  &operatorID,
	}
	if len(patch) > 0 {
		log.Metadata, _ = json.Marshal(patch)
	}
	t, err := s.store.Tenants.TransitionStatus(ctx, id, from, to, patch, log)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, id)
	s.logger.Info("Tenant status changed",
		zap.Int64("tenant_id", id),
		zap.String("action", string(action)),
		zap.String("status", string(to)),
		zap.Int64("operator_id", operatorID),
	)
	return t, nil
}

// Approve 审核通过并初始化系统编码规则
func (s *tenantService) Approve(ctx context.Context, id, operatorID int64) (*domain.Tenant, error) {
	t, err := s.transition(ctx, id, []domain.TenantStatus{domain.TenantInactive}, domain.TenantActive,
		map[string]any{"approved_at": s.clock.Now().UTC().Format(time.RFC3339)},
		domain.ActivityApproved, "组织审核通过", operatorID)
	if err != nil {
		return nil, err
	}
	if err := s.initializeTenantData(ctx, t.ID); err != nil {
		// 初始化可重复执行；失败不回滚审核
		s.logger.Error("Tenant data initialization failed", zap.Int64("tenant_id", t.ID), zap.Error(err))
	}
	return t, nil
}

func (s *tenantService) initializeTenantData(ctx context.Context, tenantID int64) error {
	rules := make([]*domain.CodeRule, 0, len(coderule.Presets))
	for _, p := range coderule.Presets {
		rules = append(rules, p.Rule(tenantID))
	}
	n, err := s.store.CodeRules.SeedSystemRules(ctx, tenantID, rules)
	if err != nil {
		return err
	}
	s.logger.Info("Tenant data initialized", zap.Int64("tenant_id", tenantID), zap.Int("code_rules_created", n))
	return nil
}

// Reject 审核拒绝，原因记录在 settings.rejection_reason
func (s *tenantService) Reject(ctx context.Context, id int64, reason string, operatorID int64) (*domain.Tenant, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.Validation, "reason is required").WithDetail("field", "reason")
	}
	return s.transition(ctx, id, []domain.TenantStatus{domain.TenantInactive}, domain.TenantSuspended,
		map[string]any{"rejection_reason": reason},
		domain.ActivityRejected, "组织审核拒绝："+reason, operatorID)
}

func (s *tenantService) Activate(ctx context.Context, id, operatorID int64) (*domain.Tenant, error) {
	return s.transition(ctx, id, []domain.TenantStatus{domain.TenantSuspended}, domain.TenantActive,
		nil, domain.ActivityActivated, "组织已激活", operatorID)
}

// Suspend 停用（软删除同样落到 suspended）
func (s *tenantService) Suspend(ctx context.Context, id int64, reason string, operatorID int64) (*domain.Tenant, error) {
	var patch map[string]any
	desc := "组织已停用"
	if reason = strings.TrimSpace(reason); reason != "" {
		patch = map[string]any{"suspension_reason": reason}
		desc += "：" + reason
	}
	return s.transition(ctx, id, []domain.TenantStatus{domain.TenantActive}, domain.TenantSuspended,
		patch, domain.ActivityDeactivated, desc, operatorID)
}

// Packages 全部套餐（按人数上限排序）
func (s *tenantService) Packages() []domain.Package {
	order := []domain.Plan{domain.PlanTrial, domain.PlanBasic, domain.PlanPro, domain.PlanEnterprise}
	out := make([]domain.Package, 0, len(order))
	for _, p := range order {
		out = append(out, domain.Packages[p])
	}
	return out
}

func (s *tenantService) Usage(ctx context.Context, id int64) (*Usage, error) {
	t, err := s.store.Tenants.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.quota.Usage(ctx, t)
}

func (s *tenantService) ConsumeStorage(ctx context.Context, id int64, deltaMB int) (*Usage, error) {
	t, err := s.store.Tenants.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.quota.ConsumeStorage(ctx, t, deltaMB); err != nil {
		return nil, err
	}
	return s.quota.Usage(ctx, t)
}

func (s *tenantService) ActivityLogs(ctx context.Context, id int64, page, size int) ([]*domain.TenantActivityLog, int, error) {
	if _, err := s.store.Tenants.GetTenant(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.store.ActivityLogs.ListByTenant(ctx, id, page, size)
}

func (s *tenantService) JobAttempts(ctx context.Context, id int64, limit int) ([]*domain.JobAttempt, error) {
	if _, err := s.store.Tenants.GetTenant(ctx, id); err != nil {
		return nil, err
	}
	return s.store.JobAttempts.ListByTenant(ctx, id, limit)
}

var activityLogHeader = []string{"ID", "Action", "Description", "Operator ID", "Metadata", "Created At"}

// ExportActivityLogs 导出活动日志为 xlsx
func (s *tenantService) ExportActivityLogs(ctx context.Context, id int64) ([]byte, error) {
	t, err := s.store.Tenants.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	var logs []*domain.TenantActivityLog
	for page := 1; ; page++ {
		batch, total, err := s.store.ActivityLogs.ListByTenant(ctx, id, page, 500)
		if err != nil {
			return nil, err
		}
		logs = append(logs, batch...)
		if len(batch) == 0 || len(logs) >= total {
			break
		}
	}

	f := excelize.NewFile()
	sheetName := "Activity Logs"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	for col, header := range activityLogHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}
	for i, l := range logs {
		var operator any
		if l.OperatorID != nil {
			operator = *l.OperatorID
		}
		row := []any{l.ID, string(l.Action), l.Description, operator, string(l.Metadata), l.CreatedAt.Format(time.RFC3339)}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(sheetName, "C", "C", 48); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	s.logger.Info("Activity logs exported", zap.Int64("tenant_id", t.ID), zap.Int("rows", len(logs)))
	return buf.Bytes(), nil
}
