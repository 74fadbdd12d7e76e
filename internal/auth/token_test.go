package auth

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/store"
)

func newManager(t *testing.T) (*TokenManager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return NewTokenManager("test-secret", time.Hour, 24*time.Hour, mock, store.NewMemoryKV(mock)), mock
}

func tenantUser() *domain.Principal {
	tid := int64(7)
	return &domain.Principal{ID: 3, TenantID: &tid, Username: "alice", IsActive: true}
}

func TestIssueAndParse(t *testing.T) {
	m, _ := newManager(t)
	pair, err := m.Issue(tenantUser())
	require.NoError(t, err)
	assert.Equal(t, int64(3600), pair.ExpiresIn)

	claims, err := m.Parse(context.Background(), pair.AccessToken, AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(3), claims.PrincipalID)
	tid, ok := claims.Tenant()
	assert.True(t, ok)
	assert.Equal(t, int64(7), tid)
	assert.Equal(t, domain.KindRegular, claims.Kind)

	_, err = m.Parse(context.Background(), pair.AccessToken, RefreshToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
	_, err = m.Parse(context.Background(), pair.RefreshToken, RefreshToken)
	assert.NoError(t, err)
}

func TestParse_ExpiryBoundary(t *testing.T) {
	m, mock := newManager(t)
	pair, err := m.Issue(tenantUser())
	require.NoError(t, err)

	mock.Add(time.Hour - time.Second)
	_, err = m.Parse(context.Background(), pair.AccessToken, AccessToken)
	require.NoError(t, err)

	mock.Add(time.Second)
	_, err = m.Parse(context.Background(), pair.AccessToken, AccessToken)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeTokenExpired, e.ErrorCode())
}

func TestParse_BadSignature(t *testing.T) {
	m, mock := newManager(t)
	other := NewTokenManager("another-secret", time.Hour, 0, mock, nil)
	pair, err := other.Issue(tenantUser())
	require.NoError(t, err)

	_, err = m.Parse(context.Background(), pair.AccessToken, AccessToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
	_, err = m.Parse(context.Background(), "not-a-token", AccessToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestPlatformToken(t *testing.T) {
	m, _ := newManager(t)
	pair, err := m.Issue(&domain.Principal{ID: 1, IsPlatformAdmin: true, IsActive: true})
	require.NoError(t, err)
	claims, err := m.Parse(context.Background(), pair.AccessToken, AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.KindPlatform, claims.Kind)
	_, ok := claims.Tenant()
	assert.False(t, ok)
}

func TestRevoke(t *testing.T) {
	m, _ := newManager(t)
	pair, err := m.Issue(tenantUser())
	require.NoError(t, err)
	ctx := context.Background()
	claims, err := m.Parse(ctx, pair.AccessToken, AccessToken)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, claims))
	_, err = m.Parse(ctx, pair.AccessToken, AccessToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
}

func TestRevokeSession_CoversRefreshToken(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	pair, err := m.Issue(tenantUser())
	require.NoError(t, err)
	access, err := m.Parse(ctx, pair.AccessToken, AccessToken)
	require.NoError(t, err)
	refresh, err := m.Parse(ctx, pair.RefreshToken, RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, access.SessionID)
	assert.Equal(t, access.SessionID, refresh.SessionID)

	// 刷新后的令牌沿用同一会话
	next, err := m.Reissue(tenantUser(), refresh.SessionID)
	require.NoError(t, err)

	other, err := m.Issue(tenantUser())
	require.NoError(t, err)

	require.NoError(t, m.RevokeSession(ctx, access))
	_, err = m.Parse(ctx, pair.RefreshToken, RefreshToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
	_, err = m.Parse(ctx, next.AccessToken, AccessToken)
	assert.Equal(t, apperr.Authentication, apperr.KindOf(err))
	_, err = m.Parse(ctx, other.RefreshToken, RefreshToken)
	assert.NoError(t, err, "other sessions are unaffected")
}

func TestPasswords(t *testing.T) {
	_, err := HashPassword("123")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	h, err := HashPassword("secret-pw")
	require.NoError(t, err)
	assert.True(t, CheckPassword(h, "secret-pw"))
	assert.False(t, CheckPassword(h, "wrong"))
}
