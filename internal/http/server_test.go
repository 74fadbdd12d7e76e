package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/auth"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/jobs"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/notify"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/store"
)

type recordingQueue struct {
	mu     sync.Mutex
	events []*jobs.Event
}

func (q *recordingQueue) Enqueue(_ context.Context, ev *jobs.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ string, _ []string, _ func(context.Context, *jobs.Event)) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.events))
	for i, ev := range q.events {
		out[i] = ev.Name
	}
	return out
}

type testEnv struct {
	t      *testing.T
	srv    *Server
	repos  *repository.Store
	clock  *clock.Mock
	queue  *recordingQueue
	tenant *domain.Tenant
}

type envOptions struct {
	loginRate int
	health    map[string]HealthCheck
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	c := clock.NewMock()
	c.Set(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	logger := zap.NewNop()
	repos := repository.NewMemoryStore()
	kv := store.NewMemoryKV(c)
	tokens := auth.NewTokenManager("test-secret", time.Hour, 24*time.Hour, c, kv)
	cache := service.NewTenantCache(repos.Tenants, kv, logger)
	quota := service.NewQuota(repos, 0.9, logger)

	q := &recordingQueue{}
	d := jobs.NewDispatcher(jobs.Config{}, q, cache, repos.JobAttempts, c, nil, logger)
	messages := service.NewMessageService(repos, d, notify.NewRegistry(), c, nil, logger)
	tasks := service.NewScheduledTaskService(d, logger)
	messages.RegisterHandlers(d)
	tasks.RegisterHandlers(d)

	srv := NewServer(Services{
		Auth:        service.NewAuthService(repos, cache, quota, tokens, c, nil, logger),
		Tenants:     service.NewTenantService(repos, cache, quota, c, logger),
		CodeRules:   service.NewCodeRuleService(repos, c, time.UTC, nil, logger),
		Invitations: service.NewInvitationService(repos, c, logger),
		Users:       service.NewUserService(repos, logger),
		Messages:    messages,
		Tasks:       tasks,
	}, Options{
		Dispatcher:         d,
		Health:             o.health,
		LoginRatePerMinute: o.loginRate,
		Clock:              c,
		Logger:             logger,
	})

	tn := &domain.Tenant{Name: "Acme", Domain: "acme", Status: domain.TenantActive, Plan: domain.PlanBasic, MaxUsers: 10, MaxStorageMB: 100}
	require.NoError(t, repos.Tenants.CreateTenant(context.Background(), tn, nil))
	return &testEnv{t: t, srv: srv, repos: repos, clock: c, queue: q, tenant: tn}
}

func hash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func (e *testEnv) user(username string, admin bool) {
	e.t.Helper()
	u := &domain.User{TenantID: e.tenant.ID, Username: username, PasswordHash: hash(e.t, "secret1"), IsActive: true, IsTenantAdmin: admin}
	require.NoError(e.t, e.repos.Users.CreateUser(context.Background(), u))
}

func (e *testEnv) platformAdmin(username string) {
	e.t.Helper()
	a := &domain.PlatformSuperAdmin{Username: username, PasswordHash: hash(e.t, "secret1"), IsActive: true}
	require.NoError(e.t, e.repos.PlatformAdmins.CreatePlatformAdmin(context.Background(), a))
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(e.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorBody      `json:"error"`
	Timestamp string          `json:"timestamp"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	env := decode(t, rec)
	require.True(t, env.Success, rec.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (e *testEnv) login(username string, tenantID *int64) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/auth/login", "", map[string]any{"username": username, "password": "secret1", "tenant_id": tenantID})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeData[service.LoginResponse](e.t, rec)
	require.NotEmpty(e.t, resp.AccessToken)
	return resp.AccessToken
}

func TestHealthz(t *testing.T) {
	healthy := newTestEnv(t, envOptions{health: map[string]HealthCheck{
		"db": func(context.Context) error { return nil },
	}})
	rec := healthy.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"db": "ok"}, decodeData[healthResult](t, rec).Checks)

	down := newTestEnv(t, envOptions{health: map[string]HealthCheck{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec = down.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decode(t, rec)
	assert.False(t, env.Success)

	rec = down.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginMeLogout(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.user("alice", false)

	rec := e.do(http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decode(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(apperr.Authentication), env.Error.Code)
	assert.NotEmpty(t, env.Timestamp)

	rec = e.do(http.MethodPost, "/auth/login", "", map[string]any{"username": "alice", "password": "wrong-pw"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperr.CodeInvalidCredentials, decode(t, rec).Error.Code)

	token := e.login("alice", nil)
	rec = e.do(http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	me := decodeData[service.MeResponse](t, rec)
	assert.Equal(t, "alice", me.User.Username)
	require.NotNil(t, me.Tenant)
	assert.Equal(t, e.tenant.ID, me.Tenant.ID)

	rec = e.do(http.MethodPost, "/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(http.MethodGet, "/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	rec := e.do(http.MethodPost, "/auth/login", "", `{"username":`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(apperr.Validation), decode(t, rec).Error.Code)
}

func TestPlatformRoutes(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.user("alice", true)
	e.platformAdmin("root")
	userToken := e.login("alice", nil)
	rootToken := e.login("root", nil)

	rec := e.do(http.MethodGet, "/tenants", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPost, "/tenants", rootToken, map[string]any{"name": "Beta", "domain": "beta", "plan": "professional"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[tenantView](t, rec)
	assert.Equal(t, domain.TenantInactive, created.Status)
	base := "/tenants/" + strconv.FormatInt(created.ID, 10)

	rec = e.do(http.MethodPost, base+"/approve", rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.TenantActive, decodeData[tenantView](t, rec).Status)

	rec = e.do(http.MethodPost, base+"/approve", rootToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(http.MethodGet, "/tenants/"+created.UUID, rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, created.ID, decodeData[tenantView](t, rec).ID)

	rec = e.do(http.MethodGet, "/auth/register/check-tenant?domain=BETA", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check := decodeData[service.CheckTenantResponse](t, rec)
	assert.True(t, check.Exists)
	assert.Equal(t, created.ID, check.TenantID)
	rec = e.do(http.MethodGet, "/auth/register/check-tenant?domain=nope", "", nil)
	assert.False(t, decodeData[service.CheckTenantResponse](t, rec).Exists)

	rec = e.do(http.MethodGet, "/tenants?search=bet", rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeData[pageResult[tenantView]](t, rec)
	assert.Equal(t, 1, page.Total)

	rec = e.do(http.MethodPost, base+"/storage", rootToken, map[string]any{"delta_mb": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 10, decodeData[service.Usage](t, rec).StorageMB)

	rec = e.do(http.MethodGet, base+"/activity-logs/export", rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())

	rec = e.do(http.MethodDelete, base, rootToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TenantSuspended, decodeData[tenantView](t, rec).Status)

	rec = e.do(http.MethodGet, "/tenants/abc", rootToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = e.do(http.MethodGet, "/tenants/"+uuid.NewString(), rootToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(http.MethodGet, "/tenants/9999", rootToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 平台令牌不能访问租户接口
	rec = e.do(http.MethodGet, "/code-rules", rootToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSuspendedTenantTokenRejected(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.user("alice", false)
	e.platformAdmin("root")
	token := e.login("alice", nil)
	rootToken := e.login("root", nil)

	rec := e.do(http.MethodPost, "/tenants/"+strconv.FormatInt(e.tenant.ID, 10)+"/suspend", rootToken, map[string]string{"reason": "overdue"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodGet, "/code-rules", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperr.CodeTenantInactive, decode(t, rec).Error.Code)
}

const poComponents = `[{"type":"fixed_text","order":0,"text":"PO"},{"type":"date","order":1,"format":"YYYYMMDD"},{"type":"auto_counter","order":2,"digits":4,"reset_cycle":"daily"}]`

func TestCodeRuleEndpoints(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.user("admin", true)
	e.user("clerk", false)
	adminToken := e.login("admin", nil)
	clerkToken := e.login("clerk", nil)

	rule := map[string]any{"code": "PO_CODE", "name": "采购单号", "components": json.RawMessage(poComponents)}
	rec := e.do(http.MethodPost, "/code-rules", clerkToken, rule)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(http.MethodPost, "/code-rules", adminToken, rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[codeRuleView](t, rec)

	rec = e.do(http.MethodPost, "/code-rules/test-generate", clerkToken, map[string]string{"rule_code": "PO_CODE"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PO202603010001", decodeData[service.GenerateCodeResponse](t, rec).Code)

	for _, want := range []string{"PO202603010001", "PO202603010002"} {
		rec = e.do(http.MethodPost, "/code-rules/generate", clerkToken, map[string]string{"rule_code": "PO_CODE"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, want, decodeData[service.GenerateCodeResponse](t, rec).Code)
	}

	rec = e.do(http.MethodPost, "/code-rules/generate-serials", clerkToken, map[string]any{"rule_code": "PO_CODE", "count": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"PO202603010003", "PO202603010004"}, decodeData[service.GenerateSerialsResponse](t, rec).Codes)

	rec = e.do(http.MethodPost, "/code-rules/generate", clerkToken, map[string]string{"rule_code": "NOPE"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperr.CodeRuleNotFound, decode(t, rec).Error.Code)

	rec = e.do(http.MethodGet, "/code-rules/"+created.UUID, clerkToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(http.MethodDelete, "/code-rules/"+created.UUID, adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(http.MethodGet, "/code-rules", clerkToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeData[[]codeRuleView](t, rec))
}

func TestGuestIsReadOnly(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	rec := e.do(http.MethodPost, "/auth/guest-login", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := decodeData[service.LoginResponse](t, rec).AccessToken

	rec = e.do(http.MethodGet, "/code-rules", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(http.MethodPost, "/code-rules/generate", token, map[string]string{"rule_code": "WORK_ORDER_CODE"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperr.CodeReadOnly, decode(t, rec).Error.Code)
}

func TestInvitationEndpoints(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.user("admin", true)
	token := e.login("admin", nil)

	rec := e.do(http.MethodPost, "/invitation-codes", token, map[string]int{"remaining_uses": 1})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeData[invitationView](t, rec)
	assert.Len(t, inv.Code, 8)

	rec = e.do(http.MethodPost, "/invitation-codes/verify", "", map[string]string{"code": inv.Code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeData[service.VerifyInvitationResponse](t, rec).Valid)

	rec = e.do(http.MethodPost, "/auth/register/personal", "", map[string]any{"username": "bob", "password": "secret1", "invite_code": inv.Code})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decodeData[service.RegisterResponse](t, rec)
	assert.Equal(t, e.tenant.ID, reg.TenantID)
	assert.True(t, reg.IsActive)

	rec = e.do(http.MethodPost, "/invitation-codes/verify", "", map[string]string{"code": inv.Code})
	assert.False(t, decodeData[service.VerifyInvitationResponse](t, rec).Valid)
	rec = e.do(http.MethodPost, "/auth/register/personal", "", map[string]any{"username": "carol", "password": "secret1", "invite_code": inv.Code})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestUserEndpoints(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.user("admin", true)
	e.user("bob", false)
	other := &domain.Tenant{Name: "Other", Domain: "other", Status: domain.TenantActive, Plan: domain.PlanBasic, MaxUsers: 10}
	require.NoError(t, e.repos.Tenants.CreateTenant(context.Background(), other, nil))
	require.NoError(t, e.repos.Users.CreateUser(context.Background(), &domain.User{TenantID: other.ID, Username: "eve", PasswordHash: "x", IsActive: true}))

	adminToken := e.login("admin", nil)
	bobToken := e.login("bob", nil)

	rec := e.do(http.MethodGet, "/users", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodGet, "/users", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeData[pageResult[userView]](t, rec)
	require.Equal(t, 2, page.Total)
	ids := map[string]int64{}
	for _, u := range page.Items {
		ids[u.Username] = u.ID
	}
	assert.NotContains(t, ids, "eve")

	rec = e.do(http.MethodDelete, "/users/"+strconv.FormatInt(ids["admin"], 10), adminToken, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do(http.MethodDelete, "/users/"+strconv.FormatInt(ids["bob"], 10), adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 已删除用户的令牌失效
	rec = e.do(http.MethodGet, "/auth/me", bobToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/users", adminToken, nil)
	assert.Equal(t, 1, decodeData[pageResult[userView]](t, rec).Total)
}

func TestOutboxFlushedOnlyOnSuccess(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.user("alice", false)
	token := e.login("alice", nil)

	rec := e.do(http.MethodPost, "/messages/send", token, map[string]string{"type": "internal", "recipient": "bob", "content": "hi"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{service.EventMessageSend}, e.queue.names())

	// handler 发布事件后失败：事件被丢弃
	e.srv.handle("POST /test/publish-then-fail", e.srv.protect(accessTenant, func(w http.ResponseWriter, r *http.Request) {
		_, err := e.srv.dispatcher.Publish(r.Context(), service.EventMessageSend, map[string]string{"message_uuid": "x"})
		require.NoError(t, err)
		e.srv.fail(w, r, apperr.New(apperr.Conflict, "boom"))
	}))
	rec = e.do(http.MethodPost, "/test/publish-then-fail", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, e.queue.names(), 1)

	rec = e.do(http.MethodPost, "/materials/updated-events", token, map[string]any{"material_id": 5, "subscribers": []string{"bob"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{service.EventMessageSend, service.EventMaterialUpdated}, e.queue.names())
}

func TestUnexpectedErrorsAreHidden(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.srv.handle("GET /test/internal", func(w http.ResponseWriter, r *http.Request) {
		e.srv.fail(w, r, errors.New("pq: password authentication failed for user postgres"))
	})
	e.srv.handle("GET /test/panic", func(http.ResponseWriter, *http.Request) {
		panic("nil map")
	})

	for _, path := range []string{"/test/internal", "/test/panic"} {
		rec := e.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		env := decode(t, rec)
		require.NotNil(t, env.Error, path)
		assert.Equal(t, internalMessage, env.Error.Message, path)
		assert.NotContains(t, rec.Body.String(), "postgres")
	}
}

func TestLoginRateLimit(t *testing.T) {
	e := newTestEnv(t, envOptions{loginRate: 2})
	e.user("alice", false)

	body := map[string]any{"username": "alice", "password": "secret1"}
	for i := 0; i < 2; i++ {
		rec := e.do(http.MethodPost, "/auth/login", "", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := e.do(http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(apperr.RateLimit), decode(t, rec).Error.Code)

	// 令牌桶按时钟补充
	e.clock.Add(time.Minute)
	rec = e.do(http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusOK, rec.Code)
}
