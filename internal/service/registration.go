package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// settings 中的组织策略：为 true 时无邀请码的个人注册需要审核
const settingRequireApproval = "require_approval"

var domainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// PersonalRegisterRequest 个人注册
type PersonalRegisterRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Email      string `json:"email,omitempty"`
	FullName   string `json:"full_name,omitempty"`
	TenantID   *int64 `json:"tenant_id,omitempty"`
	InviteCode string `json:"invite_code,omitempty"`
}

// OrganizationRegisterRequest 组织注册
type OrganizationRegisterRequest struct {
	TenantName   string `json:"tenant_name"`
	TenantDomain string `json:"tenant_domain,omitempty"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Email        string `json:"email,omitempty"`
	FullName     string `json:"full_name,omitempty"`
}

// RegisterResponse 注册结果
type RegisterResponse struct {
	UserID           int64               `json:"user_id"`
	TenantID         int64               `json:"tenant_id"`
	TenantUUID       string              `json:"tenant_uuid,omitempty"`
	TenantDomain     string              `json:"tenant_domain,omitempty"`
	TenantStatus     domain.TenantStatus `json:"tenant_status"`
	IsActive         bool                `json:"is_active"`
	RequiresApproval bool                `json:"requires_approval"`
}

// RegisterPersonal 个人注册。
// 邀请码有效时免审核，邀请码消耗与用户创建在同一事务内完成；
// 计数前锁定租户行，并发注册不会越过 max_users。
func (s *authService) RegisterPersonal(ctx context.Context, req PersonalRegisterRequest) (*RegisterResponse, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.InviteCode = strings.ToUpper(strings.TrimSpace(req.InviteCode))
	if err := validateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	var resp *RegisterResponse
	err = s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		var tenant *domain.Tenant
		invited := false
		if req.InviteCode != "" {
			inv, err := s.store.Invitations.Use(ctx, req.InviteCode, s.clock.Now())
			if err != nil {
				return err
			}
			if req.TenantID != nil && *req.TenantID != inv.TenantID {
				return apperr.New(apperr.Validation, "invitation code does not belong to tenant").
					WithCode(apperr.CodeInvalidInvitation)
			}
			tenant, err = s.store.Tenants.GetTenantForUpdate(ctx, inv.TenantID)
			if err != nil {
				return err
			}
			invited = true
		} else if req.TenantID != nil {
			tenant, err = s.store.Tenants.GetTenantForUpdate(ctx, *req.TenantID)
			if err != nil {
				return err
			}
		} else {
			dt, err := s.defaultTenant(ctx)
			if err != nil {
				return err
			}
			if tenant, err = s.store.Tenants.GetTenantForUpdate(ctx, dt.ID); err != nil {
				return err
			}
		}

		if !tenant.IsActive() {
			return apperr.New(apperr.Validation, "tenant is not active").
				WithCode(apperr.CodeTenantInactive).
				WithDetail("tenant_id", tenant.ID)
		}
		if err := s.quota.AdmitUser(ctx, tenant); err != nil {
			return err
		}

		needsApproval := !invited && tenant.SettingsMap()[settingRequireApproval] == true
		u := &domain.User{
			TenantID:     tenant.ID,
			Username:     req.Username,
			PasswordHash: hash,
			Email:        nullString(req.Email),
			FullName:     nullString(req.FullName),
			IsActive:     !needsApproval,
		}
		if err := s.store.Users.CreateUser(ctx, u); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return apperr.New(apperr.Conflict, "username already exists in tenant").WithDetail("field", "username")
			}
			return err
		}
		resp = &RegisterResponse{
			UserID:           u.ID,
			TenantID:         tenant.ID,
			TenantUUID:       tenant.UUID,
			TenantDomain:     tenant.Domain,
			TenantStatus:     tenant.Status,
			IsActive:         u.IsActive,
			RequiresApproval: needsApproval,
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Personal registration failed",
			zap.String("username", req.Username),
			zap.Bool("with_invite_code", req.InviteCode != ""),
			zap.Error(err),
		)
		return nil, err
	}
	s.logger.Info("Personal registration succeeded",
		zap.Int64("user_id", resp.UserID),
		zap.Int64("tenant_id", resp.TenantID),
		zap.Bool("requires_approval", resp.RequiresApproval),
	)
	return resp, nil
}

// RegisterOrganization 组织注册：新组织（inactive，等待平台审核）+ 组织管理员。
// 未提供域名时生成 8 位随机域名，冲突时重试。
func (s *authService) RegisterOrganization(ctx context.Context, req OrganizationRegisterRequest) (*RegisterResponse, error) {
	req.TenantName = strings.TrimSpace(req.TenantName)
	req.TenantDomain = strings.ToLower(strings.TrimSpace(req.TenantDomain))
	req.Username = strings.TrimSpace(req.Username)
	if req.TenantName == "" {
		return nil, apperr.New(apperr.Validation, "tenant_name is required").WithDetail("field", "tenant_name")
	}
	if req.TenantDomain != "" {
		if !domainPattern.MatchString(req.TenantDomain) || req.TenantDomain == domain.DefaultTenantDomain {
			return nil, apperr.New(apperr.Validation, "invalid tenant_domain").WithDetail("field", "tenant_domain")
		}
	}
	if err := validateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	pkg := domain.PackageFor(domain.PlanTrial)
	settings, _ := json.Marshal(map[string]any{
		"description":   "组织注册：" + req.TenantName,
		"registered_by": req.Username,
	})

	generated := req.TenantDomain == ""
	tries := 1
	if generated {
		tries = domainSlugTries
	}
	for i := 0; i < tries; i++ {
		d := req.TenantDomain
		if generated {
			d = randomString(domainSlugLen, slugAlphabet)
		}
		t := &domain.Tenant{
			Name:         req.TenantName,
			Domain:       d,
			Status:       domain.TenantInactive,
			Plan:         domain.PlanTrial,
			Settings:     settings,
			MaxUsers:     pkg.MaxUsers,
			MaxStorageMB: pkg.MaxStorageMB,
		}
		admin := &domain.User{
			Username:      req.Username,
			PasswordHash:  hash,
			Email:         nullString(req.Email),
			FullName:      nullString(req.FullName),
			IsTenantAdmin: true,
			IsActive:      true,
		}
		log := &domain.TenantActivityLog{
			Action:      domain.ActivityCreated,
			Description: "组织注册：" + req.TenantName,
		}
		err := s.store.Tenants.CreateTenantWithAdmin(ctx, t, admin, log)
		if err == nil {
			s.logger.Info("Organization registered",
				zap.Int64("tenant_id", t.ID),
				zap.String("tenant_domain", t.Domain),
				zap.Int64("user_id", admin.ID),
			)
			return &RegisterResponse{
				UserID:           admin.ID,
				TenantID:         t.ID,
				TenantUUID:       t.UUID,
				TenantDomain:     t.Domain,
				TenantStatus:     t.Status,
				IsActive:         admin.IsActive,
				RequiresApproval: true,
			}, nil
		}
		if !apperr.Is(err, apperr.Conflict) {
			return nil, err
		}
		if !generated {
			return nil, apperr.New(apperr.Conflict, "tenant domain %s already exists", d).WithDetail("field", "tenant_domain")
		}
		s.logger.Debug("Generated tenant domain collided, retrying", zap.String("tenant_domain", d))
	}
	return nil, apperr.New(apperr.Internal, "could not generate a unique tenant domain")
}

// CheckTenantResponse 组织域名查询结果
type CheckTenantResponse struct {
	Exists       bool                `json:"exists"`
	TenantID     int64               `json:"tenant_id,omitempty"`
	TenantName   string              `json:"tenant_name,omitempty"`
	TenantDomain string              `json:"tenant_domain,omitempty"`
	TenantStatus domain.TenantStatus `json:"tenant_status,omitempty"`
}

func (s *authService) CheckTenant(ctx context.Context, tenantDomain string) (*CheckTenantResponse, error) {
	tenantDomain = strings.ToLower(strings.TrimSpace(tenantDomain))
	if tenantDomain == "" {
		return nil, apperr.New(apperr.Validation, "domain is required").WithDetail("field", "domain")
	}
	t, err := s.store.Tenants.GetTenantByDomain(ctx, tenantDomain)
	if apperr.Is(err, apperr.NotFound) {
		return &CheckTenantResponse{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &CheckTenantResponse{
		Exists:       true,
		TenantID:     t.ID,
		TenantName:   t.Name,
		TenantDomain: t.Domain,
		TenantStatus: t.Status,
	}, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
