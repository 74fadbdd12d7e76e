package httpapi

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/jobs"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/metrics"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
)

// Services HTTP 层依赖的业务服务
type Services struct {
	Auth        service.AuthService
	Tenants     service.TenantService
	CodeRules   service.CodeRuleService
	Invitations service.InvitationService
	Users       service.UserService
	Messages    service.MessageService
	Tasks       service.ScheduledTaskService
}

// HealthCheck 依赖探活
type HealthCheck func(ctx context.Context) error

// Options 可选组件
type Options struct {
	// Dispatcher 非 nil 时启用请求级 outbox
	Dispatcher         *jobs.Dispatcher
	Metrics            *metrics.Metrics
	Gatherer           prometheus.Gatherer
	Health             map[string]HealthCheck
	LoginRatePerMinute int
	Clock              clock.Clock
	Logger             *zap.Logger
}

// Server 平台 HTTP API
type Server struct {
	auth        service.AuthService
	tenants     service.TenantService
	codeRules   service.CodeRuleService
	invitations service.InvitationService
	users       service.UserService
	messages    service.MessageService
	tasks       service.ScheduledTaskService

	dispatcher *jobs.Dispatcher
	metrics    *metrics.Metrics
	health     map[string]HealthCheck
	limiter    *ipLimiter
	clock      clock.Clock
	logger     *zap.Logger

	mux     *http.ServeMux
	handler http.Handler
}

// NewServer 创建 Server 并注册全部路由
func NewServer(svc Services, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		auth:        svc.Auth,
		tenants:     svc.Tenants,
		codeRules:   svc.CodeRules,
		invitations: svc.Invitations,
		users:       svc.Users,
		messages:    svc.Messages,
		tasks:       svc.Tasks,
		dispatcher:  opts.Dispatcher,
		metrics:     opts.Metrics,
		health:      opts.Health,
		limiter:     newIPLimiter(opts.LoginRatePerMinute),
		clock:       opts.Clock,
		logger:      opts.Logger,
		mux:         http.NewServeMux(),
	}
	s.registerRoutes(opts.Gatherer)
	s.handler = s.observe(s.withOutbox(s.mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, h)
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.handle("GET /healthz", s.Health)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// auth
	s.handle("POST /auth/login", s.rateLimited(s.Login))
	s.handle("POST /auth/register/personal", s.rateLimited(s.RegisterPersonal))
	s.handle("POST /auth/register/organization", s.rateLimited(s.RegisterOrganization))
	s.handle("GET /auth/register/check-tenant", s.rateLimited(s.CheckTenant))
	s.handle("POST /auth/guest-login", s.rateLimited(s.GuestLogin))
	s.handle("POST /auth/refresh", s.Refresh)
	s.handle("GET /auth/me", s.protect(accessAuthenticated, s.Me))
	s.handle("POST /auth/logout", s.protect(accessAuthenticated, s.Logout))
	s.handle("GET /packages", s.Packages)

	// tenants（平台管理员）
	s.handle("GET /tenants", s.protect(accessPlatform, s.ListTenants))
	s.handle("POST /tenants", s.protect(accessPlatform, s.CreateTenant))
	s.handle("GET /tenants/{id}", s.protect(accessPlatform, s.GetTenant))
	s.handle("PUT /tenants/{id}", s.protect(accessPlatform, s.UpdateTenant))
	s.handle("DELETE /tenants/{id}", s.protect(accessPlatform, s.DeleteTenant))
	s.handle("POST /tenants/{id}/approve", s.protect(accessPlatform, s.ApproveTenant))
	s.handle("POST /tenants/{id}/reject", s.protect(accessPlatform, s.RejectTenant))
	s.handle("POST /tenants/{id}/activate", s.protect(accessPlatform, s.ActivateTenant))
	s.handle("POST /tenants/{id}/suspend", s.protect(accessPlatform, s.SuspendTenant))
	s.handle("GET /tenants/{id}/usage", s.protect(accessPlatform, s.TenantUsage))
	s.handle("POST /tenants/{id}/storage", s.protect(accessPlatform, s.ConsumeStorage))
	s.handle("GET /tenants/{id}/activity-logs", s.protect(accessPlatform, s.ActivityLogs))
	s.handle("GET /tenants/{id}/activity-logs/export", s.protect(accessPlatform, s.ExportActivityLogs))
	s.handle("GET /tenants/{id}/job-attempts", s.protect(accessPlatform, s.JobAttempts))

	// code rules
	s.handle("GET /code-rules", s.protect(accessTenant, s.ListCodeRules))
	s.handle("POST /code-rules", s.protect(accessTenantAdmin, s.CreateCodeRule))
	s.handle("GET /code-rules/{uuid}", s.protect(accessTenant, s.GetCodeRule))
	s.handle("PUT /code-rules/{uuid}", s.protect(accessTenantAdmin, s.UpdateCodeRule))
	s.handle("DELETE /code-rules/{uuid}", s.protect(accessTenantAdmin, s.DeleteCodeRule))
	s.handle("POST /code-rules/generate", s.protect(accessTenant, s.GenerateCode))
	s.handle("POST /code-rules/test-generate", s.protect(accessTenant, s.TestGenerateCode))
	s.handle("POST /code-rules/generate-serials", s.protect(accessTenant, s.GenerateSerials))

	// invitation codes
	s.handle("GET /invitation-codes", s.protect(accessTenantAdmin, s.ListInvitations))
	s.handle("POST /invitation-codes", s.protect(accessTenantAdmin, s.CreateInvitation))
	s.handle("DELETE /invitation-codes/{code}", s.protect(accessTenantAdmin, s.DeactivateInvitation))
	s.handle("POST /invitation-codes/verify", s.rateLimited(s.VerifyInvitation))

	// users（当前租户）
	s.handle("GET /users", s.protect(accessTenantAdmin, s.ListUsers))
	s.handle("DELETE /users/{id}", s.protect(accessTenantAdmin, s.DeleteUser))

	// messages
	s.handle("POST /messages/send", s.protect(accessTenant, s.SendMessage))
	s.handle("GET /messages/inbox", s.protect(accessTenant, s.Inbox))
	s.handle("GET /messages/templates", s.protect(accessTenant, s.ListTemplates))
	s.handle("POST /messages/templates", s.protect(accessTenantAdmin, s.UpsertTemplate))
	s.handle("GET /messages/{uuid}", s.protect(accessTenant, s.GetMessage))
	s.handle("POST /messages/{uuid}/read", s.protect(accessTenant, s.MarkRead))

	// events
	s.handle("POST /materials/updated-events", s.protect(accessTenant, s.MaterialUpdated))
	s.handle("POST /scheduled-tasks/run", s.protect(accessTenantAdmin, s.RunScheduledTask))
}
