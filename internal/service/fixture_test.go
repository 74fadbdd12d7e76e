package service

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/store"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

type fixture struct {
	repos   *repository.Store
	clock   *clock.Mock
	kv      *store.MemoryKV
	tokens  *auth.TokenManager
	cache   *TenantCache
	quota   *Quota
	auth    AuthService
	tenants TenantService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.NewMock()
	c.Set(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	repos := repository.NewMemoryStore()
	kv := store.NewMemoryKV(c)
	logger := zap.NewNop()
	tokens := auth.NewTokenManager("test-secret", time.Hour, 24*time.Hour, c, kv)
	cache := NewTenantCache(repos.Tenants, kv, logger)
	quota := NewQuota(repos, 0.9, logger)
	return &fixture{
		repos:   repos,
		clock:   c,
		kv:      kv,
		tokens:  tokens,
		cache:   cache,
		quota:   quota,
		auth:    NewAuthService(repos, cache, quota, tokens, c, nil, logger),
		tenants: NewTenantService(repos, cache, quota, c, logger),
	}
}

func (f *fixture) tenant(t *testing.T, name, dom string, status domain.TenantStatus) *domain.Tenant {
	t.Helper()
	tn := &domain.Tenant{Name: name, Domain: dom, Status: status, Plan: domain.PlanBasic}
	require.NoError(t, f.repos.Tenants.CreateTenant(context.Background(), tn, nil))
	return tn
}

func quickHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func (f *fixture) user(t *testing.T, tenantID int64, username, password string) *domain.User {
	t.Helper()
	u := &domain.User{TenantID: tenantID, Username: username, PasswordHash: quickHash(t, password), IsActive: true}
	require.NoError(t, f.repos.Users.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) platformAdmin(t *testing.T, username, password string) *domain.PlatformSuperAdmin {
	t.Helper()
	a := &domain.PlatformSuperAdmin{Username: username, PasswordHash: quickHash(t, password), IsActive: true}
	require.NoError(t, f.repos.PlatformAdmins.CreatePlatformAdmin(context.Background(), a))
	return a
}

func tenantCtx(id int64) context.Context {
	return tenantctx.WithTenant(context.Background(), id)
}

func zapNop() *zap.Logger { return zap.NewNop() }
