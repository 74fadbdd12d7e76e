package service

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/store"
)

func TestRegisterPersonal_FailureKeepsInvitation(t *testing.T) {
	f := newFixture(t)
	tn := f.tenant(t, "Invited", "invited", domain.TenantActive)
	f.user(t, tn.ID, "taken", "secret1")
	invSvc := NewInvitationService(f.repos, f.clock, zapNop())

	inv, err := invSvc.Create(tenantCtx(tn.ID), CreateInvitationRequest{RemainingUses: 1}, 1)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "taken", Password: "secret1", InviteCode: inv.Code})
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	stored, err := f.repos.Invitations.GetByCode(ctx, inv.Code)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
	assert.Equal(t, 1, stored.RemainingUses)

	resp, err := f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "fresh", Password: "secret1", InviteCode: inv.Code})
	require.NoError(t, err)
	assert.Equal(t, tn.ID, resp.TenantID)
}

func TestRegisterPersonal_QuotaFailureCreatesNoUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn := f.tenant(t, "Tiny", "tiny", domain.TenantActive)
	tn.MaxUsers = 1
	require.NoError(t, f.repos.Tenants.UpdateTenant(ctx, tn))
	f.user(t, tn.ID, "first", "secret1")

	_, err := f.auth.RegisterPersonal(ctx, PersonalRegisterRequest{Username: "second", Password: "secret1", TenantID: &tn.ID})
	assert.Equal(t, apperr.QuotaExceeded, apperr.KindOf(err))

	n, err := f.repos.Users.CountUsers(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

var registrationTenantCols = []string{"id", "uuid", "name", "domain", "status", "plan", "settings",
	"max_users", "max_storage_mb", "expires_at", "created_at", "updated_at"}

func newPostgresAuth(t *testing.T) (sqlmock.Sqlmock, AuthService) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := clock.NewMock()
	logger := zap.NewNop()
	repos := repository.NewPostgresStore(db, logger, 3)
	kv := store.NewMemoryKV(c)
	tokens := auth.NewTokenManager("test-secret", time.Hour, 24*time.Hour, c, kv)
	cache := NewTenantCache(repos.Tenants, kv, logger)
	quota := NewQuota(repos, 0.9, logger)
	return mock, NewAuthService(repos, cache, quota, tokens, c, nil, logger)
}

func TestRegisterPersonal_LocksTenantBeforeCounting(t *testing.T) {
	mock, svc := newPostgresAuth(t)
	now := time.Now()
	tenantID := int64(5)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM tenants WHERE id = \$1 FOR UPDATE`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows(registrationTenantCols).AddRow(
			tenantID, "2b1f7c5e-0d9a-4c31-8f3a-7d2a0e6b9c11", "Acme", "acme", "active", "basic", []byte(`{}`),
			50, 5120, nil, now, now,
		))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE tenant_id = \$1`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(77), now))
	mock.ExpectCommit()

	resp, err := svc.RegisterPersonal(context.Background(), PersonalRegisterRequest{
		Username: "newcomer", Password: "secret1", TenantID: &tenantID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), resp.UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterPersonal_AtLimitRollsBack(t *testing.T) {
	mock, svc := newPostgresAuth(t)
	now := time.Now()
	tenantID := int64(5)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM tenants WHERE id = \$1 FOR UPDATE`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows(registrationTenantCols).AddRow(
			tenantID, "2b1f7c5e-0d9a-4c31-8f3a-7d2a0e6b9c11", "Acme", "acme", "active", "basic", []byte(`{}`),
			2, 5120, nil, now, now,
		))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := svc.RegisterPersonal(context.Background(), PersonalRegisterRequest{
		Username: "newcomer", Password: "secret1", TenantID: &tenantID,
	})
	assert.Equal(t, apperr.QuotaExceeded, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
