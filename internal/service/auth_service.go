// Package service 平台核心业务服务：认证、租户注册表、邀请码、编码规则、消息。
package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/metrics"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
)

const (
	guestUsername   = "guest"
	minUsernameLen  = 3
	maxUsernameLen  = 50
	domainSlugLen   = 8
	domainSlugTries = 10
)

// AuthService 认证服务接口
type AuthService interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)
	GuestLogin(ctx context.Context, req GuestLoginRequest) (*LoginResponse, error)
	RegisterPersonal(ctx context.Context, req PersonalRegisterRequest) (*RegisterResponse, error)
	RegisterOrganization(ctx context.Context, req OrganizationRegisterRequest) (*RegisterResponse, error)

	// CheckTenant 注册前按域名查询组织是否存在
	CheckTenant(ctx context.Context, tenantDomain string) (*CheckTenantResponse, error)

	Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error)
	Logout(ctx context.Context, claims *auth.Claims) error

	// Authenticate 校验访问令牌并加载主体（授权中间件使用）
	Authenticate(ctx context.Context, accessToken string) (*domain.Principal, *auth.Claims, error)

	// Me 当前主体信息
	Me(ctx context.Context, p *domain.Principal) (*MeResponse, error)
}

type authService struct {
	store   *repository.Store
	tenants *TenantCache
	quota   *Quota
	tokens  *auth.TokenManager
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAuthService 创建 AuthService
func NewAuthService(store *repository.Store, tenants *TenantCache, quota *Quota, tokens *auth.TokenManager,
	c clock.Clock, m *metrics.Metrics, logger *zap.Logger) AuthService {
	if c == nil {
		c = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &authService{
		store:   store,
		tenants: tenants,
		quota:   quota,
		tokens:  tokens,
		clock:   c,
		metrics: m,
		logger:  logger,
	}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	TenantID  *int64 `json:"tenant_id,omitempty"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// GuestLoginRequest 体验登录请求
type GuestLoginRequest struct {
	IPAddress string
	UserAgent string
}

// TenantSummary 登录响应中的组织信息
type TenantSummary struct {
	ID     int64               `json:"id"`
	UUID   string              `json:"uuid"`
	Name   string              `json:"name"`
	Domain string              `json:"domain"`
	Status domain.TenantStatus `json:"status"`
}

func summarize(t *domain.Tenant) TenantSummary {
	return TenantSummary{ID: t.ID, UUID: t.UUID, Name: t.Name, Domain: t.Domain, Status: t.Status}
}

// PrincipalView 对外暴露的主体信息
type PrincipalView struct {
	ID              int64  `json:"id"`
	UUID            string `json:"uuid"`
	Username        string `json:"username"`
	Email           string `json:"email,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	TenantID        *int64 `json:"tenant_id"`
	IsPlatformAdmin bool   `json:"is_platform_admin"`
	IsTenantAdmin   bool   `json:"is_tenant_admin"`
	IsReadOnly      bool   `json:"is_read_only"`
}

func viewOf(p *domain.Principal) *PrincipalView {
	return &PrincipalView{
		ID:              p.ID,
		UUID:            p.UUID,
		Username:        p.Username,
		Email:           p.Email,
		FullName:        p.FullName,
		TenantID:        p.TenantID,
		IsPlatformAdmin: p.IsPlatformAdmin,
		IsTenantAdmin:   p.IsTenantAdmin,
		IsReadOnly:      p.IsReadOnly,
	}
}

// LoginResponse 登录 / 刷新响应。
// RequiresTenantSelection=true 时不签发令牌，客户端携带 tenant_id 重新提交。
type LoginResponse struct {
	AccessToken             string          `json:"access_token,omitempty"`
	RefreshToken            string          `json:"refresh_token,omitempty"`
	TokenType               string          `json:"token_type,omitempty"`
	ExpiresIn               int64           `json:"expires_in,omitempty"`
	User                    *PrincipalView  `json:"user,omitempty"`
	RequiresTenantSelection bool            `json:"requires_tenant_selection"`
	Tenants                 []TenantSummary `json:"tenants,omitempty"`
	DefaultTenantID         *int64          `json:"default_tenant_id,omitempty"`
}

// MeResponse 当前主体
type MeResponse struct {
	User   *PrincipalView `json:"user"`
	Tenant *TenantSummary `json:"tenant,omitempty"`
}

// candidate 登录候选：已通过密码校验的租户用户
type candidate struct {
	user   *domain.User
	tenant *domain.Tenant
}

// Login 用户登录
func (s *authService) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		s.loginFailed(req.Username, req.IPAddress, req.UserAgent, "missing_credentials")
		return nil, apperr.New(apperr.Validation, "username and password are required")
	}

	var users []*domain.User
	if req.TenantID != nil {
		u, err := s.store.Users.GetUserByTenantAndUsername(ctx, *req.TenantID, req.Username)
		switch {
		case err == nil:
			users = []*domain.User{u}
		case apperr.Is(err, apperr.NotFound):
			// 指定组织下不存在时回退到平台管理员
			return s.platformLogin(ctx, req)
		default:
			return nil, err
		}
	} else {
		found, err := s.store.Users.FindActiveByUsername(ctx, req.Username)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return s.platformLogin(ctx, req)
		}
		users = found
	}

	// 先校验密码，避免向未通过认证的请求暴露组织归属
	var matched []candidate
	for _, u := range users {
		if !auth.CheckPassword(u.PasswordHash, req.Password) {
			continue
		}
		t, err := s.store.Tenants.GetTenant(ctx, u.TenantID)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				continue
			}
			return nil, err
		}
		matched = append(matched, candidate{user: u, tenant: t})
	}

	switch {
	case len(matched) == 0:
		s.loginFailed(req.Username, req.IPAddress, req.UserAgent, "invalid_credentials")
		return nil, apperr.InvalidCredentials()
	case len(matched) > 1:
		resp := &LoginResponse{RequiresTenantSelection: true}
		for _, c := range matched {
			resp.Tenants = append(resp.Tenants, summarize(c.tenant))
			if c.tenant.IsDefault() && resp.DefaultTenantID == nil {
				id := c.tenant.ID
				resp.DefaultTenantID = &id
			}
		}
		s.metrics.LoginAttempts.WithLabelValues("tenant_selection").Inc()
		s.logger.Info("User login requires tenant selection",
			zap.String("username", req.Username),
			zap.Int("tenant_count", len(matched)),
			zap.String("ip_address", req.IPAddress),
		)
		return resp, nil
	}

	c := matched[0]
	if !c.user.IsActive || c.user.DeletedAt.Valid {
		s.loginFailed(req.Username, req.IPAddress, req.UserAgent, "user_inactive")
		return nil, apperr.InvalidCredentials()
	}
	if !c.tenant.IsActive() {
		s.loginFailed(req.Username, req.IPAddress, req.UserAgent, "tenant_inactive")
		return nil, apperr.New(apperr.Authorization, "tenant is %s", c.tenant.Status).
			WithCode(apperr.CodeTenantInactive).
			WithDetail("tenant_id", c.tenant.ID)
	}
	return s.completeLogin(ctx, domain.PrincipalFromUser(c.user), c.tenant, req.IPAddress, req.UserAgent)
}

func (s *authService) platformLogin(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	a, err := s.store.PlatformAdmins.GetPlatformAdminByUsername(ctx, req.Username)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			s.loginFailed(req.Username, req.IPAddress, req.UserAgent, "user_not_found")
			return nil, apperr.InvalidCredentials()
		}
		return nil, err
	}
	if !auth.CheckPassword(a.PasswordHash, req.Password) {
		s.loginFailed(req.Username, req.IPAddress, req.UserAgent, "invalid_credentials")
		return nil, apperr.InvalidCredentials()
	}
	if !a.IsActive {
		s.loginFailed(req.Username, req.IPAddress, req.UserAgent, "user_inactive")
		return nil, apperr.InvalidCredentials()
	}
	return s.completeLogin(ctx, domain.PrincipalFromPlatformAdmin(a), nil, req.IPAddress, req.UserAgent)
}

func (s *authService) completeLogin(ctx context.Context, p *domain.Principal, t *domain.Tenant, ip, ua string) (*LoginResponse, error) {
	pair, err := s.tokens.Issue(p)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var uerr error
	if p.IsPlatformAdmin {
		uerr = s.store.PlatformAdmins.UpdateLastLogin(ctx, p.ID, now)
	} else {
		uerr = s.store.Users.UpdateLastLogin(ctx, p.ID, now)
	}
	if uerr != nil {
		s.logger.Warn("Failed to update last login", zap.Int64("principal_id", p.ID), zap.Error(uerr))
	}

	resp := &LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		User:         viewOf(p),
	}
	fields := []zap.Field{
		zap.Int64("principal_id", p.ID),
		zap.String("username", p.Username),
		zap.String("kind", string(p.Kind())),
		zap.String("ip_address", ip),
		zap.String("user_agent", ua),
	}
	if t != nil {
		resp.Tenants = []TenantSummary{summarize(t)}
		id := t.ID
		resp.DefaultTenantID = &id
		fields = append(fields, zap.Int64("tenant_id", t.ID))
	}
	s.metrics.LoginAttempts.WithLabelValues("success").Inc()
	s.logger.Info("User login succeeded", fields...)
	return resp, nil
}

func (s *authService) loginFailed(username, ip, ua, reason string) {
	s.metrics.LoginAttempts.WithLabelValues("failure").Inc()
	s.logger.Warn("User login failed",
		zap.String("username", username),
		zap.String("ip_address", ip),
		zap.String("user_agent", ua),
		zap.String("reason", reason),
	)
}

// GuestLogin 体验登录：默认组织下的只读 guest 账户
func (s *authService) GuestLogin(ctx context.Context, req GuestLoginRequest) (*LoginResponse, error) {
	t, err := s.defaultTenant(ctx)
	if err != nil {
		return nil, err
	}
	u, err := s.store.Users.GetUserByTenantAndUsername(ctx, t.ID, guestUsername)
	if apperr.Is(err, apperr.NotFound) {
		u, err = s.createGuest(ctx, t)
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, apperr.New(apperr.Authentication, "guest account is disabled")
	}
	return s.completeLogin(ctx, domain.PrincipalFromUser(u), t, req.IPAddress, req.UserAgent)
}

func (s *authService) createGuest(ctx context.Context, t *domain.Tenant) (*domain.User, error) {
	// guest 口令不可登录，仅占位
	hash, err := auth.HashPassword(randomString(24, slugAlphabet))
	if err != nil {
		return nil, err
	}
	u := &domain.User{
		TenantID:     t.ID,
		Username:     guestUsername,
		PasswordHash: hash,
		FullName:     sql.NullString{String: "体验用户", Valid: true},
		IsActive:     true,
		IsReadOnly:   true,
	}
	if err := s.store.Users.CreateUser(ctx, u); err != nil {
		if apperr.Is(err, apperr.Conflict) {
			// 并发创建
			return s.store.Users.GetUserByTenantAndUsername(ctx, t.ID, guestUsername)
		}
		return nil, err
	}
	s.logger.Info("Guest account created", zap.Int64("tenant_id", t.ID), zap.Int64("user_id", u.ID))
	return u, nil
}

func (s *authService) defaultTenant(ctx context.Context) (*domain.Tenant, error) {
	return s.store.Tenants.EnsureDefaultTenant(ctx, &domain.Tenant{
		Name:         "默认组织",
		Status:       domain.TenantActive,
		Plan:         domain.PlanBasic,
		Settings:     []byte(`{"description":"系统默认组织，用于个人注册","is_default":true}`),
		MaxUsers:     1000,
		MaxStorageMB: 10240,
	})
}

// Refresh 用刷新令牌换发新令牌对，旧刷新令牌作废
func (s *authService) Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error) {
	claims, err := s.tokens.Parse(ctx, refreshToken, auth.RefreshToken)
	if err != nil {
		return nil, err
	}
	p, t, err := s.loadPrincipal(ctx, claims)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.Reissue(p, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Revoke(ctx, claims); err != nil {
		s.logger.Warn("Failed to revoke refresh token", zap.Int64("principal_id", p.ID), zap.Error(err))
	}
	resp := &LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
		User:         viewOf(p),
	}
	if t != nil {
		resp.Tenants = []TenantSummary{summarize(t)}
	}
	return resp, nil
}

// Logout 注销：访问令牌加入黑名单，同时吊销整个会话（含刷新令牌）
func (s *authService) Logout(ctx context.Context, claims *auth.Claims) error {
	if err := s.tokens.Revoke(ctx, claims); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "failed to revoke token")
	}
	if err := s.tokens.RevokeSession(ctx, claims); err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "failed to revoke session")
	}
	s.logger.Info("User logged out", zap.Int64("principal_id", claims.PrincipalID))
	return nil
}

// Authenticate 令牌 -> 主体；主体缺失 / 停用返回 401，组织归属或状态不符返回 403
func (s *authService) Authenticate(ctx context.Context, accessToken string) (*domain.Principal, *auth.Claims, error) {
	claims, err := s.tokens.Parse(ctx, accessToken, auth.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	p, _, err := s.loadPrincipal(ctx, claims)
	if err != nil {
		return nil, nil, err
	}
	return p, claims, nil
}

func (s *authService) loadPrincipal(ctx context.Context, claims *auth.Claims) (*domain.Principal, *domain.Tenant, error) {
	if claims.Kind == domain.KindPlatform {
		a, err := s.store.PlatformAdmins.GetPlatformAdmin(ctx, claims.PrincipalID)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return nil, nil, apperr.New(apperr.Authentication, "principal not found")
			}
			return nil, nil, err
		}
		if !a.IsActive {
			return nil, nil, apperr.New(apperr.Authentication, "principal is inactive")
		}
		return domain.PrincipalFromPlatformAdmin(a), nil, nil
	}

	tid, ok := claims.Tenant()
	if !ok {
		return nil, nil, apperr.New(apperr.Authentication, "token has no tenant")
	}
	u, err := s.store.Users.GetUser(ctx, claims.PrincipalID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil, apperr.New(apperr.Authentication, "principal not found")
		}
		return nil, nil, err
	}
	if !u.IsActive || u.DeletedAt.Valid {
		return nil, nil, apperr.New(apperr.Authentication, "principal is inactive")
	}
	if u.TenantID != tid {
		return nil, nil, apperr.New(apperr.Authorization, "principal does not belong to tenant")
	}
	t, err := s.tenants.GetTenant(ctx, tid)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil, apperr.New(apperr.Authorization, "tenant not found")
		}
		return nil, nil, err
	}
	if !t.IsActive() {
		return nil, nil, apperr.New(apperr.Authorization, "tenant is %s", t.Status).WithCode(apperr.CodeTenantInactive)
	}
	return domain.PrincipalFromUser(u), t, nil
}

// Me 当前主体信息
func (s *authService) Me(ctx context.Context, p *domain.Principal) (*MeResponse, error) {
	resp := &MeResponse{User: viewOf(p)}
	if p.TenantID != nil {
		t, err := s.tenants.GetTenant(ctx, *p.TenantID)
		if err != nil {
			return nil, err
		}
		sum := summarize(t)
		resp.Tenant = &sum
	}
	return resp, nil
}

const (
	slugAlphabet       = "abcdefghijklmnopqrstuvwxyz0123456789"
	invitationAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// randomString 拒绝采样：丢弃 >= limit 的字节，每个字符等概率
func randomString(n int, alphabet string) string {
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, alphabet[int(c)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}

func validateUsername(username string) error {
	n := len([]rune(username))
	if n < minUsernameLen || n > maxUsernameLen {
		return apperr.New(apperr.Validation, "username must be %d-%d characters", minUsernameLen, maxUsernameLen).
			WithDetail("field", "username")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return apperr.New(apperr.Validation, "username must not contain whitespace").WithDetail("field", "username")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < auth.MinPasswordLength {
		return apperr.New(apperr.Validation, "password must be at least %d characters", auth.MinPasswordLength).
			WithDetail("field", "password")
	}
	return nil
}
