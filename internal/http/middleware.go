package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/jobs"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

type ctxKey int

const (
	requestInfoKey ctxKey = iota
	principalKey
	claimsKey
)

// requestInfo 由外层中间件创建、认证中间件填充，用于日志
type requestInfo struct {
	mu          sync.Mutex
	tenantID    *int64
	principalID int64
}

func (i *requestInfo) set(p *domain.Principal) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tenantID, i.principalID = p.TenantID, p.ID
}

func requestFields(r *http.Request) []zap.Field {
	fields := []zap.Field{zap.String("method", r.Method), zap.String("path", r.URL.Path)}
	info, _ := r.Context().Value(requestInfoKey).(*requestInfo)
	if info == nil {
		return fields
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	tenant := "none"
	if info.tenantID != nil {
		tenant = strconv.FormatInt(*info.tenantID, 10)
	}
	return append(fields, zap.String("tenant_id", tenant), zap.Int64("principal_id", info.principalID))
}

func principalFrom(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(principalKey).(*domain.Principal)
	return p
}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wrote {
		w.status, w.wrote = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status, w.wrote = http.StatusOK, true
	}
	return w.ResponseWriter.Write(b)
}

// observe 最外层：panic 恢复、访问日志、HTTP 指标
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		rec := &statusRecorder{ResponseWriter: w}
		r = r.WithContext(context.WithValue(r.Context(), requestInfoKey, &requestInfo{}))

		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error("Panic recovered",
					append(requestFields(r), zap.Any("panic", v), zap.Stack("stack"))...)
				if !rec.wrote {
					writeJSON(rec, http.StatusInternalServerError, ErrorResult{
						Error:     ErrorBody{Code: string(apperr.Internal), Message: internalMessage},
						Timestamp: s.timestamp(),
					})
				}
			}
			if !rec.wrote {
				rec.status = http.StatusOK
			}
			elapsed := s.clock.Since(start)
			s.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPLatency.WithLabelValues(r.Method).Observe(elapsed.Seconds())
			s.logger.Debug("HTTP request",
				append(requestFields(r), zap.Int("status", rec.status), zap.Duration("duration", elapsed))...)
		}()
		next.ServeHTTP(rec, r)
	})
}

// withOutbox 请求内发布的事件先缓冲；仅 2xx 且请求未取消时投递
func (s *Server) withOutbox(next http.Handler) http.Handler {
	if s.dispatcher == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ob := jobs.WithOutbox(r.Context())
		rec, ok := w.(*statusRecorder)
		if !ok {
			rec = &statusRecorder{ResponseWriter: w}
		}
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		if !rec.wrote {
			status = http.StatusOK
		}
		if status < 200 || status > 299 || ctx.Err() != nil {
			if n := ob.Discard(); n > 0 {
				s.logger.Info("Discarded buffered events", append(requestFields(r), zap.Int("events", n), zap.Int("status", status))...)
			}
			return
		}
		if err := ob.Flush(context.WithoutCancel(ctx), s.dispatcher); err != nil {
			s.logger.Error("Failed to flush buffered events", append(requestFields(r), zap.Error(err))...)
		}
	})
}

// access 路由访问级别
type access int

const (
	accessAuthenticated access = iota // 任意已登录主体
	accessTenant                      // 租户用户；只读主体仅允许 GET
	accessTenantAdmin                 // 租户管理员
	accessPlatform                    // 平台超级管理员
)

// protect 认证并按访问级别授权；租户令牌安装租户上下文，平台路由安装 skip_tenant_filter
func (s *Server) protect(level access, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.fail(w, r, apperr.New(apperr.Authentication, "missing bearer token"))
			return
		}
		ctx := tenantctx.WithoutTenant(r.Context())
		p, claims, err := s.auth.Authenticate(ctx, token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if info, _ := ctx.Value(requestInfoKey).(*requestInfo); info != nil {
			info.set(p)
		}

		switch level {
		case accessPlatform:
			if p.Kind() != domain.KindPlatform {
				s.fail(w, r, apperr.New(apperr.Authorization, "platform administrator required"))
				return
			}
			ctx = tenantctx.WithSkipFilter(ctx)
		case accessTenant, accessTenantAdmin:
			if p.TenantID == nil {
				s.fail(w, r, apperr.New(apperr.Authorization, "tenant account required"))
				return
			}
			if p.IsReadOnly && r.Method != http.MethodGet && r.Method != http.MethodHead {
				s.fail(w, r, apperr.New(apperr.Authorization, "account is read-only").WithCode(apperr.CodeReadOnly))
				return
			}
			if level == accessTenantAdmin && !p.IsTenantAdmin {
				s.fail(w, r, apperr.New(apperr.Authorization, "tenant administrator required"))
				return
			}
		}
		if tid, ok := claims.Tenant(); ok {
			ctx = tenantctx.WithTenant(ctx, tid)
		}
		ctx = context.WithValue(ctx, principalKey, p)
		ctx = context.WithValue(ctx, claimsKey, claims)
		h(w, r.WithContext(ctx))
	}
}

// ipLimiter 按客户端 IP 限流（登录 / 注册）
type ipLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

const maxLimiterEntries = 10000

func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &ipLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		entries: map[string]*rate.Limiter{},
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= maxLimiterEntries {
			l.entries = map[string]*rate.Limiter{}
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.entries[ip] = lim
	}
	return lim.AllowN(now, 1)
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r), s.clock.Now()) {
			w.Header().Set("Retry-After", "60")
			s.fail(w, r, apperr.New(apperr.RateLimit, "too many requests"))
			return
		}
		h(w, r)
	}
}
