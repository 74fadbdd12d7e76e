// Package auth 令牌签发 / 校验、密码哈希与令牌黑名单。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/store"
)

// TokenType access / refresh
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

// Claims 令牌载荷
type Claims struct {
	PrincipalID int64                `json:"principal_id"`
	TenantID    *int64               `json:"tenant_id,omitempty"`
	Kind        domain.PrincipalKind `json:"kind"`
	Type        TokenType            `json:"typ"`

	// SessionID 同一次登录签发的令牌（含刷新后的）共享，注销时整体吊销
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Tenant 令牌中的租户（平台令牌为 0,false）
func (c *Claims) Tenant() (int64, bool) {
	if c.TenantID == nil {
		return 0, false
	}
	return *c.TenantID, true
}

// TokenPair 登录 / 刷新结果
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	ExpiresIn        int64 // 秒
}

// TokenManager HS256 令牌管理
type TokenManager struct {
	secret          []byte
	ttl             time.Duration
	refreshTTL      time.Duration
	clock           clock.Clock
	blacklist       store.KV
	blacklistPrefix string
	sessionPrefix   string
}

// NewTokenManager 创建令牌管理器；blacklist 可为 nil（不支持注销）
func NewTokenManager(secret string, ttl, refreshTTL time.Duration, c clock.Clock, blacklist store.KV) *TokenManager {
	if c == nil {
		c = clock.New()
	}
	if refreshTTL <= 0 {
		refreshTTL = ttl * 7
	}
	return &TokenManager{
		secret:          []byte(secret),
		ttl:             ttl,
		refreshTTL:      refreshTTL,
		clock:           c,
		blacklist:       blacklist,
		blacklistPrefix: "auth:blacklist:",
		sessionPrefix:   "auth:session:",
	}
}

// RandomSecret 未配置 JWT_SECRET 时使用的进程级随机密钥
func RandomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// TTL 访问令牌有效期
func (m *TokenManager) TTL() time.Duration { return m.ttl }

func (m *TokenManager) sign(p *domain.Principal, typ TokenType, ttl time.Duration, sessionID string) (string, time.Time, error) {
	now := m.clock.Now()
	exp := now.Add(ttl)
	claims := Claims{
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		Kind:        p.Kind(),
		Type:        typ,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(p.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.Internal, err, "failed to sign token")
	}
	return s, exp, nil
}

// Issue 为主体签发访问令牌 + 刷新令牌，开启新会话
func (m *TokenManager) Issue(p *domain.Principal) (*TokenPair, error) {
	return m.Reissue(p, "")
}

// Reissue 在已有会话下签发新令牌对；sessionID 为空时开启新会话
func (m *TokenManager) Reissue(p *domain.Principal, sessionID string) (*TokenPair, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	access, exp, err := m.sign(p, AccessToken, m.ttl, sessionID)
	if err != nil {
		return nil, err
	}
	refresh, rexp, err := m.sign(p, RefreshToken, m.refreshTTL, sessionID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        exp,
		RefreshExpiresAt: rexp,
		ExpiresIn:        int64(m.ttl / time.Second),
	}, nil
}

// Parse 校验签名与过期时间，并检查令牌类型与黑名单
func (m *TokenManager) Parse(ctx context.Context, tokenString string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.Authentication, "token expired").WithCode(apperr.CodeTokenExpired)
		}
		return nil, apperr.Wrap(apperr.Authentication, err, "invalid token")
	}
	if claims.Type != want {
		return nil, apperr.New(apperr.Authentication, "invalid token type")
	}
	if claims.Kind != domain.KindRegular && claims.Kind != domain.KindPlatform {
		return nil, apperr.New(apperr.Authentication, "invalid token kind")
	}
	if claims.Kind == domain.KindPlatform && claims.TenantID != nil {
		return nil, apperr.New(apperr.Authentication, "invalid token")
	}
	if err := m.checkRevoked(ctx, m.blacklistPrefix+claims.ID, claims.ID); err != nil {
		return nil, err
	}
	if err := m.checkRevoked(ctx, m.sessionPrefix+claims.SessionID, claims.SessionID); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *TokenManager) checkRevoked(ctx context.Context, key, id string) error {
	if m.blacklist == nil || id == "" {
		return nil
	}
	revoked, err := m.blacklist.Exists(ctx, key)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "token blacklist unavailable")
	}
	if revoked {
		return apperr.New(apperr.Authentication, "token revoked")
	}
	return nil
}

// Revoke 把令牌加入黑名单，直到其自然过期
func (m *TokenManager) Revoke(ctx context.Context, claims *Claims) error {
	if m.blacklist == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(m.clock.Now())
	if ttl <= 0 {
		return nil
	}
	return m.blacklist.Set(ctx, m.blacklistPrefix+claims.ID, "1", ttl)
}

// RevokeSession 吊销令牌所属会话，会话内的访问令牌和刷新令牌都失效。
// 会话内最晚签发的令牌不会晚于 now+refreshTTL 过期，黑名单保留同样时长。
func (m *TokenManager) RevokeSession(ctx context.Context, claims *Claims) error {
	if m.blacklist == nil || claims.SessionID == "" {
		return nil
	}
	return m.blacklist.Set(ctx, m.sessionPrefix+claims.SessionID, "1", m.refreshTTL)
}
