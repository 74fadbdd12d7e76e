package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/coderule"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

func TestMemoryAllocate_ConcurrentDistinctConsecutive(t *testing.T) {
	store := NewMemoryStore()
	ctx := tenantctx.WithTenant(context.Background(), 1)
	counter := &coderule.Counter{Digits: 4, InitialValue: 100, Step: 5, ResetCycle: domain.ResetNever}
	today := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	const workers = 64
	var wg sync.WaitGroup
	results := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vals, err := store.Sequences.Allocate(ctx, 1, "", counter, today, 1)
			assert.NoError(t, err)
			results <- vals[0]
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for v := range results {
		assert.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
	}
	require.Len(t, seen, workers)
	for i := 0; i < workers; i++ {
		assert.True(t, seen[100+int64(i)*5])
	}
}

func TestMemoryAllocate_ScopesAndTenantsIndependent(t *testing.T) {
	store := NewMemoryStore()
	counter := &coderule.Counter{Digits: 4, InitialValue: 1, Step: 1, ResetCycle: domain.ResetDaily}
	today := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := tenantctx.WithTenant(context.Background(), 1)
	t2 := tenantctx.WithTenant(context.Background(), 2)

	alloc := func(ctx context.Context, scope string) int64 {
		vals, err := store.Sequences.Allocate(ctx, 9, scope, counter, today, 1)
		require.NoError(t, err)
		return vals[0]
	}
	assert.Equal(t, int64(1), alloc(t1, "mat-17"))
	assert.Equal(t, int64(1), alloc(t1, "mat-18"))
	assert.Equal(t, int64(2), alloc(t1, "mat-17"))
	assert.Equal(t, int64(1), alloc(t2, "mat-17"))
	assert.Equal(t, int64(2), alloc(t1, "mat-18"))
	assert.Equal(t, int64(3), alloc(t1, "mat-17"))
}

func TestMemoryPeek_NoStateChange(t *testing.T) {
	store := NewMemoryStore()
	ctx := tenantctx.WithTenant(context.Background(), 1)
	counter := &coderule.Counter{Digits: 4, InitialValue: 1, Step: 1, ResetCycle: domain.ResetNever}
	today := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	store.Sequences.(*MemorySequencesRepo).SetSequence(domain.CodeSequence{
		RuleID: 3, TenantID: 1, CurrentSeq: 42, ResetDate: today,
	})
	v, err := store.Sequences.Peek(ctx, 3, "", counter, today)
	require.NoError(t, err)
	assert.Equal(t, int64(43), v)

	vals, err := store.Sequences.Allocate(ctx, 3, "", counter, today, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{43}, vals)
}

func TestMemoryInvitation_Exhaustion(t *testing.T) {
	store := NewMemoryStore()
	ctx := tenantctx.WithTenant(context.Background(), 1)
	now := time.Now()
	require.NoError(t, store.Invitations.Create(ctx, &domain.InvitationCode{Code: "INV00001", RemainingUses: 2, IsActive: true}))

	_, err := store.Invitations.Use(context.Background(), "INV00001", now)
	require.NoError(t, err)
	c, err := store.Invitations.Use(context.Background(), "INV00001", now)
	require.NoError(t, err)
	assert.False(t, c.IsActive)

	_, err = store.Invitations.Use(context.Background(), "INV00001", now)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	stored, err := store.Invitations.GetByCode(context.Background(), "INV00001")
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, 0, stored.RemainingUses)
}

func TestMemoryCodeRules_TenantIsolationAndSoftDelete(t *testing.T) {
	store := NewMemoryStore()
	t1 := tenantctx.WithTenant(context.Background(), 1)
	t2 := tenantctx.WithTenant(context.Background(), 2)

	rule := &domain.CodeRule{Code: "X", Name: "x", Components: []byte(`[{"type":"fixed_text","text":"X"}]`), IsActive: true}
	require.NoError(t, store.CodeRules.Create(t1, rule))

	_, err := store.CodeRules.GetByCode(t2, "X")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	got, err := store.CodeRules.GetByCode(t1, "X")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TenantID)

	dup := &domain.CodeRule{Code: "X", Name: "x", Components: rule.Components}
	assert.Equal(t, apperr.Conflict, apperr.KindOf(store.CodeRules.Create(t1, dup)))

	require.NoError(t, store.CodeRules.SoftDelete(t1, rule.UUID))
	_, err = store.CodeRules.GetByCode(t1, "X")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	n, err := store.CodeRules.SeedSystemRules(context.Background(), 1, []*domain.CodeRule{coderule.Presets[0].Rule(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sys, err := store.CodeRules.GetByCode(t1, coderule.Presets[0].Code)
	require.NoError(t, err)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(store.CodeRules.SoftDelete(t1, sys.UUID)))

	n, err = store.CodeRules.SeedSystemRules(context.Background(), 1, []*domain.CodeRule{coderule.Presets[0].Rule(1)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryTenants_TransitionAndDefault(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tenant := &domain.Tenant{Name: "Acme", Domain: "acme", Plan: domain.PlanBasic}
	admin := &domain.User{Username: "boss", IsTenantAdmin: true, IsActive: true}
	require.NoError(t, store.Tenants.CreateTenantWithAdmin(ctx, tenant, admin,
		&domain.TenantActivityLog{Action: domain.ActivityCreated}))
	assert.Equal(t, domain.TenantInactive, tenant.Status)
	assert.Equal(t, tenant.ID, admin.TenantID)

	got, err := store.Tenants.TransitionStatus(ctx, tenant.ID,
		[]domain.TenantStatus{domain.TenantInactive}, domain.TenantActive, nil,
		&domain.TenantActivityLog{Action: domain.ActivityApproved})
	require.NoError(t, err)
	assert.True(t, got.IsActive())

	_, err = store.Tenants.TransitionStatus(ctx, tenant.ID,
		[]domain.TenantStatus{domain.TenantInactive}, domain.TenantActive, nil, nil)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	logs, total, err := store.ActivityLogs.ListByTenant(ctx, tenant.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, domain.ActivityApproved, logs[0].Action)

	d1, err := store.Tenants.EnsureDefaultTenant(ctx, &domain.Tenant{Name: "默认组织", Status: domain.TenantActive})
	require.NoError(t, err)
	d2, err := store.Tenants.EnsureDefaultTenant(ctx, &domain.Tenant{Name: "other"})
	require.NoError(t, err)
	assert.Equal(t, d1.ID, d2.ID)

	dupe := &domain.Tenant{Name: "Acme2", Domain: "acme"}
	assert.Equal(t, apperr.Conflict, apperr.KindOf(store.Tenants.CreateTenant(ctx, dupe, nil)))
}

func TestMemoryStorageQuota(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := &domain.Tenant{Name: "Acme", Domain: "acme"}
	require.NoError(t, store.Tenants.CreateTenant(ctx, tenant, nil))

	used, err := store.Tenants.AddStorage(ctx, tenant.ID, 60, 100)
	require.NoError(t, err)
	assert.Equal(t, 60, used)
	_, err = store.Tenants.AddStorage(ctx, tenant.ID, 50, 100)
	assert.Equal(t, apperr.QuotaExceeded, apperr.KindOf(err))
	used, err = store.Tenants.StorageUsage(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, used)
}

func TestMemoryInTx_RollbackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := tenantctx.WithTenant(context.Background(), 1)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Invitations.Create(ctx, &domain.InvitationCode{Code: "ROLLBACK", RemainingUses: 1, IsActive: true}))

	boom := apperr.New(apperr.Conflict, "boom")
	err := store.Tx.InTx(context.Background(), func(ctx context.Context) error {
		if _, err := store.Invitations.Use(ctx, "ROLLBACK", now); err != nil {
			return err
		}
		if err := store.ActivityLogs.Append(ctx, &domain.TenantActivityLog{TenantID: 1, Action: domain.ActivityQuotaWarning}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	inv, err := store.Invitations.GetByCode(context.Background(), "ROLLBACK")
	require.NoError(t, err)
	assert.True(t, inv.IsActive)
	assert.Equal(t, 1, inv.RemainingUses)
	logs, total, err := store.ActivityLogs.ListByTenant(context.Background(), 1, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, logs)

	require.NoError(t, store.Tx.InTx(context.Background(), func(ctx context.Context) error {
		_, err := store.Invitations.Use(ctx, "ROLLBACK", now)
		return err
	}))
	inv, err = store.Invitations.GetByCode(context.Background(), "ROLLBACK")
	require.NoError(t, err)
	assert.False(t, inv.IsActive)
}
