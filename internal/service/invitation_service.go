package service

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
)

const (
	invitationCodeLen   = 8
	invitationCodeTries = 5
	maxInvitationUses   = 10000
)

// InvitationService 邀请码
type InvitationService interface {
	// Create 在当前租户下生成邀请码
	Create(ctx context.Context, req CreateInvitationRequest, creatorID int64) (*domain.InvitationCode, error)
	List(ctx context.Context) ([]*domain.InvitationCode, error)
	Deactivate(ctx context.Context, code string) error

	// Verify 公开校验，不消耗次数
	Verify(ctx context.Context, code string) (*VerifyInvitationResponse, error)
}

type invitationService struct {
	store  *repository.Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewInvitationService 创建 InvitationService
func NewInvitationService(store *repository.Store, c clock.Clock, logger *zap.Logger) InvitationService {
	if c == nil {
		c = clock.New()
	}
	return &invitationService{store: store, clock: c, logger: logger}
}

// CreateInvitationRequest 创建邀请码
type CreateInvitationRequest struct {
	RemainingUses int        `json:"remaining_uses"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// VerifyInvitationResponse 校验结果
type VerifyInvitationResponse struct {
	Valid         bool       `json:"valid"`
	TenantID      int64      `json:"tenant_id,omitempty"`
	TenantName    string     `json:"tenant_name,omitempty"`
	RemainingUses int        `json:"remaining_uses,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (s *invitationService) Create(ctx context.Context, req CreateInvitationRequest, creatorID int64) (*domain.InvitationCode, error) {
	if req.RemainingUses <= 0 || req.RemainingUses > maxInvitationUses {
		return nil, apperr.New(apperr.Validation, "remaining_uses must be between 1 and %d", maxInvitationUses).
			WithDetail("field", "remaining_uses")
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.clock.Now()) {
		return nil, apperr.New(apperr.Validation, "expires_at must be in the future").WithDetail("field", "expires_at")
	}
	for i := 0; i < invitationCodeTries; i++ {
		c := &domain.InvitationCode{
			Code:          randomString(invitationCodeLen, invitationAlphabet),
			RemainingUses: req.RemainingUses,
			ExpiresAt:     req.ExpiresAt,
			IsActive:      true,
			CreatedBy:     &creatorID,
		}
		err := s.store.Invitations.Create(ctx, c)
		if err == nil {
			s.logger.Info("Invitation code created",
				zap.Int64("tenant_id", c.TenantID),
				zap.Int64("created_by", creatorID),
				zap.Int("remaining_uses", c.RemainingUses),
			)
			return c, nil
		}
		if !apperr.Is(err, apperr.Conflict) {
			return nil, err
		}
	}
	return nil, apperr.New(apperr.Internal, "could not generate a unique invitation code")
}

func (s *invitationService) List(ctx context.Context) ([]*domain.InvitationCode, error) {
	return s.store.Invitations.List(ctx)
}

func (s *invitationService) Deactivate(ctx context.Context, code string) error {
	return s.store.Invitations.Deactivate(ctx, strings.ToUpper(strings.TrimSpace(code)))
}

// Verify 不存在 / 失效 / 过期 / 用尽 都返回 valid=false
func (s *invitationService) Verify(ctx context.Context, code string) (*VerifyInvitationResponse, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, apperr.New(apperr.Validation, "code is required").WithDetail("field", "code")
	}
	inv, err := s.store.Invitations.GetByCode(ctx, code)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return &VerifyInvitationResponse{Valid: false}, nil
		}
		return nil, err
	}
	if !inv.Usable(s.clock.Now()) {
		return &VerifyInvitationResponse{Valid: false}, nil
	}
	resp := &VerifyInvitationResponse{
		Valid:         true,
		TenantID:      inv.TenantID,
		RemainingUses: inv.RemainingUses,
		ExpiresAt:     inv.ExpiresAt,
	}
	t, err := s.store.Tenants.GetTenant(ctx, inv.TenantID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive() {
		return &VerifyInvitationResponse{Valid: false}, nil
	}
	resp.TenantName = t.Name
	return resp, nil
}
