package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/store"
)

const tenantCacheTTL = 30 * time.Second

// TenantCache 租户读缓存（每个请求都要校验租户状态）。
// 状态迁移后由 TenantService 失效对应条目。
type TenantCache struct {
	repo   repository.TenantsRepository
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
}

// NewTenantCache kv 为 nil 时直接读库
func NewTenantCache(repo repository.TenantsRepository, kv store.KV, logger *zap.Logger) *TenantCache {
	return &TenantCache{repo: repo, kv: kv, ttl: tenantCacheTTL, logger: logger}
}

func tenantCacheKey(id int64) string {
	return "tenant:" + strconv.FormatInt(id, 10)
}

// GetTenant 先查缓存，未命中回源
func (c *TenantCache) GetTenant(ctx context.Context, id int64) (*domain.Tenant, error) {
	if c.kv != nil {
		raw, err := c.kv.Get(ctx, tenantCacheKey(id))
		switch {
		case err == nil:
			var t domain.Tenant
			if jerr := json.Unmarshal([]byte(raw), &t); jerr == nil {
				return &t, nil
			}
		case !errors.Is(err, store.ErrMiss):
			// 缓存不可用时降级为直接读库
			c.logger.Warn("Tenant cache read failed", zap.Int64("tenant_id", id), zap.Error(err))
		}
	}
	t, err := c.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.kv != nil {
		if b, err := json.Marshal(t); err == nil {
			if err := c.kv.Set(ctx, tenantCacheKey(id), string(b), c.ttl); err != nil {
				c.logger.Warn("Tenant cache write failed", zap.Int64("tenant_id", id), zap.Error(err))
			}
		}
	}
	return t, nil
}

// Invalidate 删除缓存条目
func (c *TenantCache) Invalidate(ctx context.Context, id int64) {
	if c.kv == nil {
		return
	}
	if err := c.kv.Del(ctx, tenantCacheKey(id)); err != nil {
		c.logger.Warn("Tenant cache invalidate failed", zap.Int64("tenant_id", id), zap.Error(err))
	}
}
