package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/coderule"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

// memoryDB 内存存储（DB 未启用时使用）。
// 所有仓库共享一把锁，单个仓库方法即为原子操作；InTx 串行执行，出错时恢复到事务开始时的快照。
type memoryDB struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	now  func() time.Time

	nextID int64

	tenants        map[int64]*domain.Tenant
	storageUsed    map[int64]int
	users          map[int64]*domain.User
	platformAdmins map[int64]*domain.PlatformSuperAdmin
	invitations    map[string]*domain.InvitationCode
	codeRules      map[int64]*domain.CodeRule
	sequences      map[domain.SequenceKey]*domain.CodeSequence
	activityLogs   []*domain.TenantActivityLog
	messages       map[string]*domain.MessageLog
	templates      map[string]*domain.MessageTemplate // tenant:code
	jobAttempts    []*domain.JobAttempt
}

// NewMemoryStore 创建全部内存仓库
func NewMemoryStore() *Store {
	m := &memoryDB{
		now:            time.Now,
		tenants:        map[int64]*domain.Tenant{},
		storageUsed:    map[int64]int{},
		users:          map[int64]*domain.User{},
		platformAdmins: map[int64]*domain.PlatformSuperAdmin{},
		invitations:    map[string]*domain.InvitationCode{},
		codeRules:      map[int64]*domain.CodeRule{},
		sequences:      map[domain.SequenceKey]*domain.CodeSequence{},
		messages:       map[string]*domain.MessageLog{},
		templates:      map[string]*domain.MessageTemplate{},
	}
	return &Store{
		Tenants:        &MemoryTenantsRepo{m},
		Users:          &MemoryUsersRepo{m},
		PlatformAdmins: &MemoryPlatformAdminsRepo{m},
		Invitations:    &MemoryInvitationsRepo{m},
		CodeRules:      &MemoryCodeRulesRepo{m},
		Sequences:      &MemorySequencesRepo{m},
		ActivityLogs:   &MemoryActivityLogsRepo{m},
		Messages:       &MemoryMessageLogsRepo{m},
		Templates:      &MemoryMessageTemplatesRepo{m},
		JobAttempts:    &MemoryJobAttemptsRepo{m},
		Tx:             &memoryTx{m},
	}
}

func (m *memoryDB) id() int64 {
	m.nextID++
	return m.nextID
}

// matchTenant 租户作用域过滤；filter=false 表示平台管理员跳过
func matchTenant(ctx context.Context, rowTenant int64) (bool, error) {
	tid, filter, err := scopeOf(ctx)
	if err != nil {
		return false, err
	}
	return !filter || rowTenant == tid, nil
}

type memoryTx struct{ m *memoryDB }

// InTx 串行执行；fn 返回错误或 panic 时回滚。
// 快照覆盖整个内存库，事务期间其他协程的非事务写入在回滚时一并丢弃。
func (t *memoryTx) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.m.txMu.Lock()
	defer t.m.txMu.Unlock()

	snap := t.m.snapshot()
	committed := false
	defer func() {
		if !committed {
			t.m.restore(snap)
		}
	}()
	if err = fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		return err
	}
	committed = true
	return nil
}

type memorySnapshot struct {
	tenants        map[int64]*domain.Tenant
	storageUsed    map[int64]int
	users          map[int64]*domain.User
	platformAdmins map[int64]*domain.PlatformSuperAdmin
	invitations    map[string]*domain.InvitationCode
	codeRules      map[int64]*domain.CodeRule
	sequences      map[domain.SequenceKey]*domain.CodeSequence
	activityLogs   int
	messages       map[string]*domain.MessageLog
	templates      map[string]*domain.MessageTemplate
	jobAttempts    int
}

func cloneRows[K comparable, V any](src map[K]*V) map[K]*V {
	out := make(map[K]*V, len(src))
	for k, v := range src {
		c := *v
		out[k] = &c
	}
	return out
}

func (m *memoryDB) snapshot() *memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	used := make(map[int64]int, len(m.storageUsed))
	for k, v := range m.storageUsed {
		used[k] = v
	}
	tenants := make(map[int64]*domain.Tenant, len(m.tenants))
	for k, v := range m.tenants {
		tenants[k] = cloneTenant(v)
	}
	rules := make(map[int64]*domain.CodeRule, len(m.codeRules))
	for k, v := range m.codeRules {
		rules[k] = cloneRule(v)
	}
	return &memorySnapshot{
		tenants:        tenants,
		storageUsed:    used,
		users:          cloneRows(m.users),
		platformAdmins: cloneRows(m.platformAdmins),
		invitations:    cloneRows(m.invitations),
		codeRules:      rules,
		sequences:      cloneRows(m.sequences),
		activityLogs:   len(m.activityLogs),
		messages:       cloneRows(m.messages),
		templates:      cloneRows(m.templates),
		jobAttempts:    len(m.jobAttempts),
	}
}

// restore 日志类切片只追加，按长度截断即可；nextID 不回退
func (m *memoryDB) restore(s *memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants = s.tenants
	m.storageUsed = s.storageUsed
	m.users = s.users
	m.platformAdmins = s.platformAdmins
	m.invitations = s.invitations
	m.codeRules = s.codeRules
	m.sequences = s.sequences
	m.messages = s.messages
	m.templates = s.templates
	if s.activityLogs < len(m.activityLogs) {
		m.activityLogs = append([]*domain.TenantActivityLog(nil), m.activityLogs[:s.activityLogs]...)
	}
	if s.jobAttempts < len(m.jobAttempts) {
		m.jobAttempts = append([]*domain.JobAttempt(nil), m.jobAttempts[:s.jobAttempts]...)
	}
}

type memTxKey struct{}

// ========== tenants ==========

// MemoryTenantsRepo 租户（内存）
type MemoryTenantsRepo struct{ m *memoryDB }

var _ TenantsRepository = (*MemoryTenantsRepo)(nil)

func cloneTenant(t *domain.Tenant) *domain.Tenant {
	c := *t
	c.Settings = append([]byte(nil), t.Settings...)
	return &c
}

func (r *MemoryTenantsRepo) GetTenant(_ context.Context, id int64) (*domain.Tenant, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	t, ok := r.m.tenants[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "tenant not found")
	}
	return cloneTenant(t), nil
}

// GetTenantForUpdate InTx 已串行化，无需额外加锁
func (r *MemoryTenantsRepo) GetTenantForUpdate(ctx context.Context, id int64) (*domain.Tenant, error) {
	return r.GetTenant(ctx, id)
}

func (r *MemoryTenantsRepo) find(pred func(*domain.Tenant) bool) (*domain.Tenant, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, t := range r.m.tenants {
		if pred(t) {
			return cloneTenant(t), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "tenant not found")
}

func (r *MemoryTenantsRepo) GetTenantByUUID(_ context.Context, id string) (*domain.Tenant, error) {
	return r.find(func(t *domain.Tenant) bool { return t.UUID == id })
}

func (r *MemoryTenantsRepo) GetTenantByDomain(_ context.Context, d string) (*domain.Tenant, error) {
	return r.find(func(t *domain.Tenant) bool { return t.Domain == d })
}

func (r *MemoryTenantsRepo) ListTenants(_ context.Context, filter TenantFilters, page, size int) ([]*domain.Tenant, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	page, size = normalizePage(page, size)
	search := strings.ToLower(filter.Search)
	all := make([]*domain.Tenant, 0, len(r.m.tenants))
	for _, t := range r.m.tenants {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Name), search) && !strings.Contains(strings.ToLower(t.Domain), search) {
			continue
		}
		all = append(all, cloneTenant(t))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, page, size), len(all), nil
}

func paginate[T any](all []T, page, size int) []T {
	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func (r *MemoryTenantsRepo) insertLocked(t *domain.Tenant) error {
	for _, e := range r.m.tenants {
		if e.Domain == t.Domain {
			return apperr.New(apperr.Conflict, "tenant domain already exists").WithDetail("domain", t.Domain)
		}
	}
	now := r.m.now()
	t.ID = r.m.id()
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TenantInactive
	}
	t.Settings = jsonOrEmpty(t.Settings)
	t.CreatedAt, t.UpdatedAt = now, now
	r.m.tenants[t.ID] = cloneTenant(t)
	return nil
}

func (m *memoryDB) appendLogLocked(l *domain.TenantActivityLog) {
	l.ID = m.id()
	l.CreatedAt = m.now()
	l.Metadata = jsonOrEmpty(l.Metadata)
	c := *l
	m.activityLogs = append(m.activityLogs, &c)
}

func (r *MemoryTenantsRepo) CreateTenant(_ context.Context, t *domain.Tenant, log *domain.TenantActivityLog) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.insertLocked(t); err != nil {
		return err
	}
	if log != nil {
		log.TenantID = t.ID
		r.m.appendLogLocked(log)
	}
	return nil
}

func (r *MemoryTenantsRepo) CreateTenantWithAdmin(_ context.Context, t *domain.Tenant, admin *domain.User, log *domain.TenantActivityLog) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.insertLocked(t); err != nil {
		return err
	}
	admin.TenantID = t.ID
	if err := (&MemoryUsersRepo{r.m}).insertLocked(admin); err != nil {
		delete(r.m.tenants, t.ID)
		return err
	}
	if log != nil {
		log.TenantID = t.ID
		r.m.appendLogLocked(log)
	}
	return nil
}

func (r *MemoryTenantsRepo) UpdateTenant(_ context.Context, t *domain.Tenant) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.tenants[t.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "tenant not found")
	}
	e.Name, e.Plan, e.Settings = t.Name, t.Plan, jsonOrEmpty(t.Settings)
	e.MaxUsers, e.MaxStorageMB, e.ExpiresAt = t.MaxUsers, t.MaxStorageMB, t.ExpiresAt
	e.UpdatedAt = r.m.now()
	return nil
}

func (r *MemoryTenantsRepo) TransitionStatus(_ context.Context, id int64, from []domain.TenantStatus, to domain.TenantStatus,
	patch map[string]any, log *domain.TenantActivityLog) (*domain.Tenant, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tenants[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "tenant not found")
	}
	if !statusIn(t.Status, from) {
		return nil, apperr.New(apperr.Conflict, "tenant status %s cannot transition to %s", t.Status, to).
			WithDetail("status", string(t.Status))
	}
	for k, v := range patch {
		t.SetSetting(k, v)
	}
	t.Status = to
	t.UpdatedAt = r.m.now()
	if log != nil {
		log.TenantID = id
		r.m.appendLogLocked(log)
	}
	return cloneTenant(t), nil
}

func (r *MemoryTenantsRepo) EnsureDefaultTenant(_ context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, e := range r.m.tenants {
		if e.Domain == domain.DefaultTenantDomain {
			return cloneTenant(e), nil
		}
	}
	t.Domain = domain.DefaultTenantDomain
	if err := r.insertLocked(t); err != nil {
		return nil, err
	}
	return cloneTenant(t), nil
}

func (r *MemoryTenantsRepo) StorageUsage(_ context.Context, id int64) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if _, ok := r.m.tenants[id]; !ok {
		return 0, apperr.New(apperr.NotFound, "tenant not found")
	}
	return r.m.storageUsed[id], nil
}

func (r *MemoryTenantsRepo) AddStorage(_ context.Context, id int64, deltaMB, limitMB int) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.tenants[id]; !ok {
		return 0, apperr.New(apperr.NotFound, "tenant not found")
	}
	used := r.m.storageUsed[id] + deltaMB
	if used > limitMB {
		return 0, apperr.New(apperr.QuotaExceeded, "storage quota exceeded").WithDetail("limit_mb", limitMB)
	}
	r.m.storageUsed[id] = used
	return used, nil
}

// ========== users ==========

// MemoryUsersRepo 用户（内存）
type MemoryUsersRepo struct{ m *memoryDB }

var _ UsersRepository = (*MemoryUsersRepo)(nil)

func (r *MemoryUsersRepo) insertLocked(u *domain.User) error {
	if u.TenantID == 0 {
		return apperr.ErrMissingTenantContext
	}
	for _, e := range r.m.users {
		if e.TenantID == u.TenantID && e.Username == u.Username && !e.DeletedAt.Valid {
			return apperr.New(apperr.Conflict, "user already exists").WithDetail("username", u.Username)
		}
	}
	u.ID = r.m.id()
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	u.CreatedAt = r.m.now()
	c := *u
	r.m.users[u.ID] = &c
	return nil
}

func (r *MemoryUsersRepo) GetUser(_ context.Context, id int64) (*domain.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	c := *u
	return &c, nil
}

func (r *MemoryUsersRepo) GetUserByTenantAndUsername(_ context.Context, tenantID int64, username string) (*domain.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, u := range r.m.users {
		if u.TenantID == tenantID && u.Username == username && !u.DeletedAt.Valid {
			c := *u
			return &c, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "user not found")
}

func (r *MemoryUsersRepo) FindActiveByUsername(_ context.Context, username string) ([]*domain.User, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.User
	for _, u := range r.m.users {
		if u.Username == username && u.IsActive && !u.DeletedAt.Valid {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (r *MemoryUsersRepo) ListUsers(ctx context.Context, page, size int) ([]*domain.User, int, error) {
	if _, _, err := scopeOf(ctx); err != nil {
		return nil, 0, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	page, size = normalizePage(page, size)
	var all []*domain.User
	for _, u := range r.m.users {
		if ok, _ := matchTenant(ctx, u.TenantID); ok && !u.DeletedAt.Valid {
			c := *u
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, page, size), len(all), nil
}

func (r *MemoryUsersRepo) CountUsers(_ context.Context, tenantID int64) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	n := 0
	for _, u := range r.m.users {
		if u.TenantID == tenantID && !u.DeletedAt.Valid {
			n++
		}
	}
	return n, nil
}

func (r *MemoryUsersRepo) CreateUser(_ context.Context, u *domain.User) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.insertLocked(u)
}

func (r *MemoryUsersRepo) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if u, ok := r.m.users[id]; ok {
		u.LastLogin.Time, u.LastLogin.Valid = at, true
	}
	return nil
}

func (r *MemoryUsersRepo) DeleteUser(ctx context.Context, id int64) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok || u.TenantID != tid || u.DeletedAt.Valid {
		return apperr.New(apperr.NotFound, "user not found")
	}
	u.DeletedAt.Time, u.DeletedAt.Valid = r.m.now(), true
	u.IsActive = false
	return nil
}

// ========== platform admins ==========

// MemoryPlatformAdminsRepo 平台管理员（内存）
type MemoryPlatformAdminsRepo struct{ m *memoryDB }

var _ PlatformAdminsRepository = (*MemoryPlatformAdminsRepo)(nil)

func (r *MemoryPlatformAdminsRepo) GetPlatformAdmin(_ context.Context, id int64) (*domain.PlatformSuperAdmin, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.platformAdmins[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "platform admin not found")
	}
	c := *a
	return &c, nil
}

func (r *MemoryPlatformAdminsRepo) GetPlatformAdminByUsername(_ context.Context, username string) (*domain.PlatformSuperAdmin, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, a := range r.m.platformAdmins {
		if a.Username == username {
			c := *a
			return &c, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "platform admin not found")
}

func (r *MemoryPlatformAdminsRepo) CreatePlatformAdmin(_ context.Context, a *domain.PlatformSuperAdmin) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, e := range r.m.platformAdmins {
		if e.Username == a.Username {
			return apperr.New(apperr.Conflict, "platform admin already exists")
		}
	}
	a.ID = r.m.id()
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	a.CreatedAt = r.m.now()
	c := *a
	r.m.platformAdmins[a.ID] = &c
	return nil
}

func (r *MemoryPlatformAdminsRepo) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if a, ok := r.m.platformAdmins[id]; ok {
		a.LastLogin.Time, a.LastLogin.Valid = at, true
	}
	return nil
}

// ========== invitations ==========

// MemoryInvitationsRepo 邀请码（内存）
type MemoryInvitationsRepo struct{ m *memoryDB }

var _ InvitationsRepository = (*MemoryInvitationsRepo)(nil)

func (r *MemoryInvitationsRepo) GetByCode(_ context.Context, code string) (*domain.InvitationCode, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.invitations[code]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "invitation code not found")
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryInvitationsRepo) Use(_ context.Context, code string, now time.Time) (*domain.InvitationCode, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.invitations[code]
	if !ok || !c.Usable(now) {
		return nil, invalidInvitation()
	}
	c.RemainingUses--
	if c.RemainingUses == 0 {
		c.IsActive = false
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryInvitationsRepo) Create(ctx context.Context, c *domain.InvitationCode) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.invitations[c.Code]; ok {
		return apperr.New(apperr.Conflict, "invitation code already exists")
	}
	c.TenantID = tid
	c.ID = r.m.id()
	c.CreatedAt = r.m.now()
	cp := *c
	r.m.invitations[c.Code] = &cp
	return nil
}

func (r *MemoryInvitationsRepo) List(ctx context.Context) ([]*domain.InvitationCode, error) {
	if _, _, err := scopeOf(ctx); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.InvitationCode
	for _, c := range r.m.invitations {
		if ok, _ := matchTenant(ctx, c.TenantID); ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *MemoryInvitationsRepo) Deactivate(ctx context.Context, code string) error {
	if _, _, err := scopeOf(ctx); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.invitations[code]
	if !ok {
		return apperr.New(apperr.NotFound, "invitation code not found")
	}
	if match, _ := matchTenant(ctx, c.TenantID); !match {
		return apperr.New(apperr.NotFound, "invitation code not found")
	}
	c.IsActive = false
	return nil
}

// ========== code rules ==========

// MemoryCodeRulesRepo 编码规则（内存）
type MemoryCodeRulesRepo struct{ m *memoryDB }

var _ CodeRulesRepository = (*MemoryCodeRulesRepo)(nil)

func cloneRule(r *domain.CodeRule) *domain.CodeRule {
	c := *r
	c.Components = append([]byte(nil), r.Components...)
	return &c
}

func (r *MemoryCodeRulesRepo) find(ctx context.Context, pred func(*domain.CodeRule) bool) (*domain.CodeRule, error) {
	if _, _, err := scopeOf(ctx); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, rule := range r.m.codeRules {
		if ok, _ := matchTenant(ctx, rule.TenantID); ok && !rule.DeletedAt.Valid && pred(rule) {
			return cloneRule(rule), nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "code rule not found")
}

func (r *MemoryCodeRulesRepo) GetByCode(ctx context.Context, code string) (*domain.CodeRule, error) {
	return r.find(ctx, func(rule *domain.CodeRule) bool { return rule.Code == code })
}

func (r *MemoryCodeRulesRepo) GetByUUID(ctx context.Context, id string) (*domain.CodeRule, error) {
	return r.find(ctx, func(rule *domain.CodeRule) bool { return rule.UUID == id })
}

func (r *MemoryCodeRulesRepo) List(ctx context.Context) ([]*domain.CodeRule, error) {
	if _, _, err := scopeOf(ctx); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.CodeRule
	for _, rule := range r.m.codeRules {
		if ok, _ := matchTenant(ctx, rule.TenantID); ok && !rule.DeletedAt.Valid {
			out = append(out, cloneRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *MemoryCodeRulesRepo) insertLocked(rule *domain.CodeRule) (bool, error) {
	for _, e := range r.m.codeRules {
		if e.TenantID == rule.TenantID && e.Code == rule.Code && !e.DeletedAt.Valid {
			return false, apperr.New(apperr.Conflict, "code rule already exists").WithDetail("rule_code", rule.Code)
		}
	}
	now := r.m.now()
	rule.ID = r.m.id()
	if rule.UUID == "" {
		rule.UUID = uuid.NewString()
	}
	rule.CreatedAt, rule.UpdatedAt = now, now
	r.m.codeRules[rule.ID] = cloneRule(rule)
	return true, nil
}

func (r *MemoryCodeRulesRepo) Create(ctx context.Context, rule *domain.CodeRule) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	rule.TenantID = tid
	_, err = r.insertLocked(rule)
	return err
}

func (r *MemoryCodeRulesRepo) Update(ctx context.Context, rule *domain.CodeRule) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.codeRules[rule.ID]
	if !ok || e.TenantID != tid || e.DeletedAt.Valid {
		return apperr.New(apperr.NotFound, "code rule not found")
	}
	e.Name, e.Description = rule.Name, rule.Description
	e.Components = append([]byte(nil), rule.Components...)
	e.SeqStart, e.SeqStep, e.ResetRule, e.IsActive = rule.SeqStart, rule.SeqStep, rule.ResetRule, rule.IsActive
	e.UpdatedAt = r.m.now()
	rule.UpdatedAt = e.UpdatedAt
	return nil
}

func (r *MemoryCodeRulesRepo) SoftDelete(ctx context.Context, id string) error {
	rule, err := r.GetByUUID(ctx, id)
	if err != nil {
		return err
	}
	if rule.IsSystem {
		return apperr.New(apperr.Authorization, "system code rule cannot be deleted").WithDetail("rule_code", rule.Code)
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e := r.m.codeRules[rule.ID]
	e.DeletedAt.Time, e.DeletedAt.Valid = r.m.now(), true
	e.IsActive = false
	return nil
}

func (r *MemoryCodeRulesRepo) SeedSystemRules(_ context.Context, tenantID int64, rules []*domain.CodeRule) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	created := 0
	for _, rule := range rules {
		rule.TenantID = tenantID
		ok, err := r.insertLocked(rule)
		if apperr.Is(err, apperr.Conflict) {
			continue
		}
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// ========== sequences ==========

// MemorySequencesRepo 编码序号（内存）；分配在写锁内完成，按键线性一致
type MemorySequencesRepo struct{ m *memoryDB }

var _ SequencesRepository = (*MemorySequencesRepo)(nil)

func (r *MemorySequencesRepo) Allocate(ctx context.Context, ruleID int64, scopeKey string, counter *coderule.Counter, today time.Time, n int) ([]int64, error) {
	tid, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, apperr.New(apperr.Validation, "allocation count must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := domain.SequenceKey{RuleID: ruleID, TenantID: tid, ScopeKey: scopeKey}

	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	seq, exists := r.m.sequences[key]
	var current int64
	var resetDate time.Time
	if exists {
		current, resetDate = seq.CurrentSeq, seq.ResetDate
	}
	next, nextReset, values := counter.NextValues(current, resetDate, exists, today, n)
	if !exists {
		seq = &domain.CodeSequence{RuleID: ruleID, TenantID: tid, ScopeKey: scopeKey}
		r.m.sequences[key] = seq
	}
	seq.CurrentSeq, seq.ResetDate, seq.UpdatedAt = next, nextReset, r.m.now()
	return values, nil
}

func (r *MemorySequencesRepo) Peek(ctx context.Context, ruleID int64, scopeKey string, counter *coderule.Counter, today time.Time) (int64, error) {
	seq, err := r.Get(ctx, ruleID, scopeKey)
	if apperr.Is(err, apperr.NotFound) {
		return counter.Peek(0, today, false, today), nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Peek(seq.CurrentSeq, seq.ResetDate, true, today), nil
}

func (r *MemorySequencesRepo) Get(ctx context.Context, ruleID int64, scopeKey string) (*domain.CodeSequence, error) {
	tid, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	seq, ok := r.m.sequences[domain.SequenceKey{RuleID: ruleID, TenantID: tid, ScopeKey: scopeKey}]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "code sequence not found")
	}
	c := *seq
	return &c, nil
}

// SetSequence 直接设置序号（测试 / 数据迁移）
func (r *MemorySequencesRepo) SetSequence(seq domain.CodeSequence) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c := seq
	r.m.sequences[domain.SequenceKey{RuleID: seq.RuleID, TenantID: seq.TenantID, ScopeKey: seq.ScopeKey}] = &c
}

// ========== activity logs ==========

// MemoryActivityLogsRepo 活动日志（内存）
type MemoryActivityLogsRepo struct{ m *memoryDB }

var _ ActivityLogsRepository = (*MemoryActivityLogsRepo)(nil)

func (r *MemoryActivityLogsRepo) Append(_ context.Context, l *domain.TenantActivityLog) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.appendLogLocked(l)
	return nil
}

func (r *MemoryActivityLogsRepo) ListByTenant(_ context.Context, tenantID int64, page, size int) ([]*domain.TenantActivityLog, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	page, size = normalizePage(page, size)
	var all []*domain.TenantActivityLog
	for i := len(r.m.activityLogs) - 1; i >= 0; i-- {
		l := r.m.activityLogs[i]
		if l.TenantID == tenantID {
			c := *l
			all = append(all, &c)
		}
	}
	return paginate(all, page, size), len(all), nil
}

// ========== messages ==========

// MemoryMessageLogsRepo 消息记录（内存）
type MemoryMessageLogsRepo struct{ m *memoryDB }

var _ MessageLogsRepository = (*MemoryMessageLogsRepo)(nil)

func (r *MemoryMessageLogsRepo) Create(ctx context.Context, msg *domain.MessageLog) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	msg.TenantID = tid
	msg.ID = r.m.id()
	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = domain.MessagePending
	}
	msg.Variables = jsonOrEmpty(msg.Variables)
	now := r.m.now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	c := *msg
	r.m.messages[msg.UUID] = &c
	return nil
}

func (r *MemoryMessageLogsRepo) GetByUUID(ctx context.Context, id string) (*domain.MessageLog, error) {
	if _, _, err := scopeOf(ctx); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	msg, ok := r.m.messages[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "message log not found")
	}
	if match, _ := matchTenant(ctx, msg.TenantID); !match {
		return nil, apperr.New(apperr.NotFound, "message log not found")
	}
	c := *msg
	return &c, nil
}

func (r *MemoryMessageLogsRepo) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, content, errMsg string, at time.Time) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	msg, ok := r.m.messages[id]
	if !ok || msg.TenantID != tid {
		return apperr.New(apperr.NotFound, "message log not found")
	}
	msg.Status = status
	if content != "" {
		msg.Content = content
	}
	msg.Error.String, msg.Error.Valid = errMsg, errMsg != ""
	if status == domain.MessageSuccess {
		msg.SentAt.Time, msg.SentAt.Valid = at, true
	}
	msg.UpdatedAt = at
	return nil
}

func (r *MemoryMessageLogsRepo) ListInbox(ctx context.Context, recipient string, unreadOnly bool) ([]*domain.MessageLog, error) {
	tid, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.MessageLog
	for _, msg := range r.m.messages {
		if msg.TenantID != tid || msg.Recipient != recipient || msg.Type != domain.MessageInternal {
			continue
		}
		if msg.Status == domain.MessageSuccess || (!unreadOnly && msg.Status == domain.MessageRead) {
			c := *msg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *MemoryMessageLogsRepo) MarkRead(ctx context.Context, id, recipient string, at time.Time) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	msg, ok := r.m.messages[id]
	if !ok || msg.TenantID != tid || msg.Recipient != recipient || msg.Type != domain.MessageInternal ||
		(msg.Status != domain.MessageSuccess && msg.Status != domain.MessageRead) {
		return apperr.New(apperr.NotFound, "message log not found")
	}
	msg.Status = domain.MessageRead
	msg.UpdatedAt = at
	return nil
}

// MemoryMessageTemplatesRepo 消息模板（内存）
type MemoryMessageTemplatesRepo struct{ m *memoryDB }

var _ MessageTemplatesRepository = (*MemoryMessageTemplatesRepo)(nil)

func templateKey(tenantID int64, code string) string {
	return strings.Join([]string{formatInt(tenantID), code}, ":")
}

func (r *MemoryMessageTemplatesRepo) GetByCode(ctx context.Context, code string) (*domain.MessageTemplate, error) {
	tid, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	t, ok := r.m.templates[templateKey(tid, code)]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "message template not found")
	}
	c := *t
	return &c, nil
}

func (r *MemoryMessageTemplatesRepo) List(ctx context.Context) ([]*domain.MessageTemplate, error) {
	if _, _, err := scopeOf(ctx); err != nil {
		return nil, err
	}
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*domain.MessageTemplate
	for _, t := range r.m.templates {
		if ok, _ := matchTenant(ctx, t.TenantID); ok {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *MemoryMessageTemplatesRepo) Upsert(ctx context.Context, t *domain.MessageTemplate) error {
	tid, err := requireTenant(ctx)
	if err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t.TenantID = tid
	key := templateKey(tid, t.Code)
	now := r.m.now()
	if e, ok := r.m.templates[key]; ok {
		t.ID, t.CreatedAt = e.ID, e.CreatedAt
	} else {
		t.ID, t.CreatedAt = r.m.id(), now
	}
	t.UpdatedAt = now
	c := *t
	r.m.templates[key] = &c
	return nil
}

// ========== job attempts ==========

// MemoryJobAttemptsRepo 任务执行记录（内存）
type MemoryJobAttemptsRepo struct{ m *memoryDB }

var _ JobAttemptsRepository = (*MemoryJobAttemptsRepo)(nil)

func (r *MemoryJobAttemptsRepo) Record(_ context.Context, a *domain.JobAttempt) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a.ID = r.m.id()
	a.CreatedAt = r.m.now()
	c := *a
	r.m.jobAttempts = append(r.m.jobAttempts, &c)
	return nil
}

func (r *MemoryJobAttemptsRepo) ListByTenant(_ context.Context, tenantID int64, limit int) ([]*domain.JobAttempt, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*domain.JobAttempt
	for i := len(r.m.jobAttempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := r.m.jobAttempts[i]
		if a.TenantID != nil && *a.TenantID == tenantID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}
