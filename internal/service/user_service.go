package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

// UserService 组织内用户管理（当前租户）
type UserService interface {
	ListUsers(ctx context.Context, page, size int) ([]*domain.User, int, error)

	// DeleteUser 软删除；不能删除自己
	DeleteUser(ctx context.Context, id, currentUserID int64) error
}

type userService struct {
	store  *repository.Store
	logger *zap.Logger
}

// NewUserService 创建 UserService
func NewUserService(store *repository.Store, logger *zap.Logger) UserService {
	return &userService{store: store, logger: logger}
}

func (s *userService) ListUsers(ctx context.Context, page, size int) ([]*domain.User, int, error) {
	return s.store.Users.ListUsers(ctx, page, size)
}

func (s *userService) DeleteUser(ctx context.Context, id, currentUserID int64) error {
	tenantID, err := tenantctx.Require(ctx)
	if err != nil {
		return err
	}
	if id == currentUserID {
		return apperr.New(apperr.Validation, "cannot delete the current user")
	}
	if err := s.store.Users.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.logger.Info("User deleted",
		zap.Int64("tenant_id", tenantID),
		zap.Int64("user_id", id),
		zap.Int64("operator_id", currentUserID),
	)
	return nil
}
