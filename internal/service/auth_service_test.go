package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

func TestLogin_TenantDisambiguation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.tenant(t, "Tenant A", "tenant-a", domain.TenantActive)
	b := f.tenant(t, "Tenant B", "tenant-b", domain.TenantActive)
	require.Equal(t, int64(1), a.ID)
	require.Equal(t, int64(2), b.ID)
	f.user(t, a.ID, "alice", "pw")
	f.user(t, b.ID, "alice", "pw")

	resp, err := f.auth.Login(ctx, LoginRequest{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, resp.RequiresTenantSelection)
	assert.Empty(t, resp.AccessToken)
	require.Len(t, resp.Tenants, 2)
	ids := []int64{resp.Tenants[0].ID, resp.Tenants[1].ID}
	assert.ElementsMatch(t, []int64{1, 2}, ids)

	tid := int64(1)
	resp, err = f.auth.Login(ctx, LoginRequest{Username: "alice", Password: "pw", TenantID: &tid})
	require.NoError(t, err)
	assert.False(t, resp.RequiresTenantSelection)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	require.NotNil(t, resp.DefaultTenantID)
	assert.Equal(t, int64(1), *resp.DefaultTenantID)

	claims, err := f.tokens.Parse(ctx, resp.AccessToken, auth.AccessToken)
	require.NoError(t, err)
	got, ok := claims.Tenant()
	assert.True(t, ok)
	assert.Equal(t, int64(1), got)
	assert.Equal(t, domain.KindRegular, claims.Kind)
}

func TestLogin_SingleMatchIssuesToken(t *testing.T) {
	f := newFixture(t)
	tn := f.tenant(t, "A", "tenant-a", domain.TenantActive)
	u := f.user(t, tn.ID, "bob", "secret1")

	resp, err := f.auth.Login(context.Background(), LoginRequest{Username: "bob", Password: "secret1"})
	require.NoError(t, err)
	assert.False(t, resp.RequiresTenantSelection)
	require.NotNil(t, resp.User)
	assert.Equal(t, u.ID, resp.User.ID)

	stored, err := f.repos.Users.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastLogin.Valid)
	assert.True(t, stored.LastLogin.Time.Equal(f.clock.Now()))
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	active := f.tenant(t, "A", "tenant-a", domain.TenantActive)
	inactive := f.tenant(t, "B", "tenant-b", domain.TenantInactive)
	f.user(t, active.ID, "carol", "secret1")
	f.user(t, inactive.ID, "dave", "secret1")

	_, err := f.auth.Login(ctx, LoginRequest{Username: "nobody", Password: "secret1"})
	assert.Equal(t, apperr.CodeInvalidCredentials, codeOf(err))

	_, err = f.auth.Login(ctx, LoginRequest{Username: "carol", Password: "wrong-password"})
	assert.Equal(t, apperr.CodeInvalidCredentials, codeOf(err))

	_, err = f.auth.Login(ctx, LoginRequest{Username: "dave", Password: "secret1"})
	require.Error(t, err)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeTenantInactive, codeOf(err))

	_, err = f.auth.Login(ctx, LoginRequest{Username: "", Password: "x"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func codeOf(err error) string {
	e, ok := apperr.As(err)
	if !ok {
		return ""
	}
	return e.ErrorCode()
}

func TestLogin_PlatformAdminFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn := f.tenant(t, "A", "tenant-a", domain.TenantActive)
	f.platformAdmin(t, "root", "rootpass")

	resp, err := f.auth.Login(ctx, LoginRequest{Username: "root", Password: "rootpass"})
	require.NoError(t, err)
	assert.True(t, resp.User.IsPlatformAdmin)
	assert.Nil(t, resp.User.TenantID)

	// 指定租户下不存在时回退到平台管理员
	resp, err = f.auth.Login(ctx, LoginRequest{Username: "root", Password: "rootpass", TenantID: &tn.ID})
	require.NoError(t, err)
	claims, err := f.tokens.Parse(ctx, resp.AccessToken, auth.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.KindPlatform, claims.Kind)
	assert.Nil(t, claims.TenantID)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn := f.tenant(t, "A", "tenant-a", domain.TenantActive)
	f.user(t, tn.ID, "erin", "secret1")

	resp, err := f.auth.Login(ctx, LoginRequest{Username: "erin", Password: "secret1"})
	require.NoError(t, err)

	p, claims, err := f.auth.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "erin", p.Username)
	assert.Equal(t, tn.ID, *p.TenantID)

	// 刷新令牌不能当访问令牌用
	_, _, err = f.auth.Authenticate(ctx, resp.RefreshToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))

	// 停用租户后拒绝（缓存随状态迁移失效）
	_, err = f.tenants.Suspend(ctx, tn.ID, "overdue", 99)
	require.NoError(t, err)
	_, _, err = f.auth.Authenticate(ctx, resp.AccessToken)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))

	// 注销后拒绝
	_, err = f.tenants.Activate(ctx, tn.ID, 99)
	require.NoError(t, err)
	require.NoError(t, f.auth.Logout(ctx, claims))
	_, _, err = f.auth.Authenticate(ctx, resp.AccessToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
	_, err = f.auth.Refresh(ctx, resp.RefreshToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err), "refresh token is revoked with the session")
}

func TestLogout_AfterRefreshRevokesChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn := f.tenant(t, "A", "tenant-a", domain.TenantActive)
	f.user(t, tn.ID, "hank", "secret1")

	resp, err := f.auth.Login(ctx, LoginRequest{Username: "hank", Password: "secret1"})
	require.NoError(t, err)
	refreshed, err := f.auth.Refresh(ctx, resp.RefreshToken)
	require.NoError(t, err)

	_, claims, err := f.auth.Authenticate(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.auth.Logout(ctx, claims))

	_, err = f.auth.Refresh(ctx, refreshed.RefreshToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
	_, _, err = f.auth.Authenticate(ctx, resp.AccessToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestAuthenticate_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn := f.tenant(t, "A", "tenant-a", domain.TenantActive)
	f.user(t, tn.ID, "frank", "secret1")

	resp, err := f.auth.Login(ctx, LoginRequest{Username: "frank", Password: "secret1"})
	require.NoError(t, err)

	f.clock.Add(59 * time.Minute)
	_, _, err = f.auth.Authenticate(ctx, resp.AccessToken)
	require.NoError(t, err)

	f.clock.Add(2 * time.Minute)
	_, _, err = f.auth.Authenticate(ctx, resp.AccessToken)
	assert.Equal(t, apperr.CodeTokenExpired, codeOf(err))
}

func TestRefresh_RotatesRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn := f.tenant(t, "A", "tenant-a", domain.TenantActive)
	f.user(t, tn.ID, "gina", "secret1")

	resp, err := f.auth.Login(ctx, LoginRequest{Username: "gina", Password: "secret1"})
	require.NoError(t, err)

	f.clock.Add(2 * time.Hour)
	refreshed, err := f.auth.Refresh(ctx, resp.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, resp.AccessToken, refreshed.AccessToken)

	p, _, err := f.auth.Authenticate(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "gina", p.Username)

	_, err = f.auth.Refresh(ctx, resp.RefreshToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err), "old refresh token must be revoked")
}

func TestGuestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.auth.GuestLogin(ctx, GuestLoginRequest{})
	require.NoError(t, err)
	assert.True(t, first.User.IsReadOnly)

	second, err := f.auth.GuestLogin(ctx, GuestLoginRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID)

	dt, err := f.repos.Tenants.GetTenantByDomain(ctx, domain.DefaultTenantDomain)
	require.NoError(t, err)
	assert.Equal(t, dt.ID, *second.User.TenantID)
	assert.True(t, dt.IsActive())

	me, err := f.auth.Me(ctx, &domain.Principal{ID: second.User.ID, TenantID: &dt.ID, Username: guestUsername, IsReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultTenantDomain, me.Tenant.Domain)
}

func TestRegisterPersonal_InvitationExhaustion(t *testing.T) {
	f := newFixture(t)
	tn := f.tenant(t, "Invited", "invited", domain.TenantActive)
	invSvc := NewInvitationService(f.repos, f.clock, zapNop())

	tctx := tenantCtx(tn.ID)
	inv, err := invSvc.Create(tctx, CreateInvitationRequest{RemainingUses: 2}, 1)
	require.NoError(t, err)
	assert.Len(t, inv.Code, 8)

	ctx := context.Background()
	for _, name := range []string{"user-one", "user-two"} {
		resp, err := f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: name, Password: "secret1", InviteCode: inv.Code})
		require.NoError(t, err)
		assert.Equal(t, tn.ID, resp.TenantID)
		assert.True(t, resp.IsActive)
	}

	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "user-three", Password: "secret1", InviteCode: inv.Code})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	stored, err := f.repos.Invitations.GetByCode(ctx, inv.Code)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Zero(t, stored.RemainingUses)

	v, err := invSvc.Verify(ctx, inv.Code)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestRegisterPersonal_DefaultTenantAndPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "solo", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TenantActive, resp.TenantStatus)
	assert.Equal(t, domain.DefaultTenantDomain, resp.TenantDomain)
	assert.True(t, resp.IsActive)

	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "solo", Password: "secret1"})
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	strict := f.tenant(t, "Strict", "strict", domain.TenantActive)
	strict.SetSetting(settingRequireApproval, true)
	require.NoError(t, f.repos.Tenants.UpdateTenant(ctx, strict))
	resp, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "pending", Password: "secret1", TenantID: &strict.ID})
	require.NoError(t, err)
	assert.False(t, resp.IsActive)
	assert.True(t, resp.RequiresApproval)

	inactive := f.tenant(t, "Closed", "closed", domain.TenantInactive)
	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "late", Password: "secret1", TenantID: &inactive.ID})
	assert.Equal(t, apperr.CodeTenantInactive, codeOf(err))

	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "x", Password: "secret1"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "shortpw", Password: "123"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestRegisterPersonal_UserQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn := f.tenant(t, "Tiny", "tiny", domain.TenantActive)
	tn.MaxUsers = 2
	require.NoError(t, f.repos.Tenants.UpdateTenant(ctx, tn))

	_, err := f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "first", Password: "secret1", TenantID: &tn.ID})
	require.NoError(t, err)
	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "second", Password: "secret1", TenantID: &tn.ID})
	require.NoError(t, err)
	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "third", Password: "secret1", TenantID: &tn.ID})
	assert.Equal(t, apperr.QuotaExceeded, apperr.KindOf(err))

	logs, _, err := f.repos.ActivityLogs.ListByTenant(ctx, tn.ID, 1, 50)
	require.NoError(t, err)
	var warnings int
	for _, l := range logs {
		if l.Action == domain.ActivityQuotaWarning {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings, "only the second user crosses the warning threshold")
}

func TestRegisterOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.auth.RegisterOrganization(ctx, OrganizationRegisterRequest{
		TenantName: "Acme", Username: "acme-admin", Password: "secret1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TenantInactive, resp.TenantStatus)
	assert.Len(t, resp.TenantDomain, 8)
	assert.True(t, resp.RequiresApproval)

	admin, err := f.repos.Users.GetUser(ctx, resp.UserID)
	require.NoError(t, err)
	assert.True(t, admin.IsTenantAdmin)
	p := domain.PrincipalFromUser(admin)
	assert.True(t, p.Valid())

	// 未审核的组织不能登录
	_, err = f.auth.Login(ctx, LoginRequest{Username: "acme-admin", Password: "secret1"})
	assert.Equal(t, apperr.CodeTenantInactive, codeOf(err))

	_, err = f.tenants.Approve(ctx, resp.TenantID, 1)
	require.NoError(t, err)
	login, err := f.auth.Login(ctx, LoginRequest{Username: "acme-admin", Password: "secret1"})
	require.NoError(t, err)
	assert.True(t, login.User.IsTenantAdmin)

	_, err = f.auth.RegisterOrganization(ctx, OrganizationRegisterRequest{
		TenantName: "Dup", TenantDomain: resp.TenantDomain, Username: "other", Password: "secret1",
	})
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	_, err = f.auth.RegisterOrganization(ctx, OrganizationRegisterRequest{
		TenantName: "Bad", TenantDomain: "Not A Domain!", Username: "other", Password: "secret1",
	})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestRandomString_Uniform(t *testing.T) {
	counts := map[rune]int{}
	for i := 0; i < 4000; i++ {
		for _, c := range randomString(36, slugAlphabet) {
			counts[c]++
		}
	}
	require.Len(t, counts, len(slugAlphabet))
	// 每个字符期望 4000 次；取模偏差会让前 4 个字符接近 4500
	for c, n := range counts {
		assert.InDelta(t, 4000, n, 300, "char %q", c)
	}
}
