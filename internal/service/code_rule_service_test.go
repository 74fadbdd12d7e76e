package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/coderule"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
)

const poComponents = `[
	{"type":"fixed_text","order":0,"text":"PO"},
	{"type":"date","order":1,"format":"YYYYMMDD"},
	{"type":"auto_counter","order":2,"digits":4,"reset_cycle":"daily","initial_value":1}
]`

func newCodeRuleFixture(t *testing.T) (*fixture, CodeRuleService, context.Context) {
	t.Helper()
	f := newFixture(t)
	tn := f.tenant(t, "Maker", "maker", domain.TenantActive)
	svc := NewCodeRuleService(f.repos, f.clock, time.UTC, nil, zapNop())
	ctx := tenantCtx(tn.ID)
	one := int64(1)
	_, err := svc.Create(ctx, CodeRuleRequest{
		Code:       "PO_CODE",
		Name:       "采购单号",
		Components: json.RawMessage(poComponents),
		SeqStep:    &one,
	})
	require.NoError(t, err)
	return f, svc, ctx
}

func TestGenerate_DailyReset(t *testing.T) {
	f, svc, ctx := newCodeRuleFixture(t)

	first, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	require.NoError(t, err)
	assert.Equal(t, "PO202603010001", first.Code)

	second, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	require.NoError(t, err)
	assert.Equal(t, "PO202603010002", second.Code)

	f.clock.Add(24 * time.Hour)
	next, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	require.NoError(t, err)
	assert.Equal(t, "PO202603020001", next.Code)
}

func TestGenerate_ScopeIsolation(t *testing.T) {
	_, svc, ctx := newCodeRuleFixture(t)

	var got17, got18 []string
	for i := 0; i < 3; i++ {
		a, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE", ScopeKey: "mat-17"})
		require.NoError(t, err)
		got17 = append(got17, a.Code)
		b, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE", ScopeKey: "mat-18"})
		require.NoError(t, err)
		got18 = append(got18, b.Code)
	}
	want := []string{"PO202603010001", "PO202603010002", "PO202603010003"}
	assert.Equal(t, want, got17)
	assert.Equal(t, want, got18)
}

func TestTestGenerate_HasNoEffect(t *testing.T) {
	f, svc, ctx := newCodeRuleFixture(t)
	rule, err := f.repos.CodeRules.GetByCode(ctx, "PO_CODE")
	require.NoError(t, err)

	seqRepo := f.repos.Sequences.(*repository.MemorySequencesRepo)
	seqRepo.SetSequence(domain.CodeSequence{
		RuleID:     rule.ID,
		TenantID:   rule.TenantID,
		CurrentSeq: 42,
		ResetDate:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	preview, err := svc.TestGenerate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	require.NoError(t, err)
	assert.Equal(t, "PO202603010043", preview.Code)
	require.NotNil(t, preview.Counter)
	assert.Equal(t, int64(43), *preview.Counter)

	again, err := svc.TestGenerate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	require.NoError(t, err)
	assert.Equal(t, preview.Code, again.Code)

	real, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	require.NoError(t, err)
	assert.Equal(t, "PO202603010043", real.Code)
}

func TestGenerate_ConcurrentWorkersAreGapFree(t *testing.T) {
	_, svc, ctx := newCodeRuleFixture(t)
	const workers = 50

	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
			if !assert.NoError(t, err) {
				return
			}
			n, err := strconv.ParseInt(resp.Code[len(resp.Code)-4:], 10, 64)
			assert.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers)
	for i := int64(1); i <= workers; i++ {
		assert.True(t, seen[i], "missing counter %d", i)
	}
}

func TestGenerateSerials(t *testing.T) {
	_, svc, ctx := newCodeRuleFixture(t)

	resp, err := svc.GenerateSerials(ctx, GenerateSerialsRequest{RuleCode: "PO_CODE", ScopeKey: "lot", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"PO202603010001", "PO202603010002", "PO202603010003"}, resp.Codes)

	next, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE", ScopeKey: "lot"})
	require.NoError(t, err)
	assert.Equal(t, "PO202603010004", next.Code)

	_, err = svc.GenerateSerials(ctx, GenerateSerialsRequest{RuleCode: "PO_CODE", Count: 0})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestGenerate_FormFieldAndNoCounter(t *testing.T) {
	_, svc, ctx := newCodeRuleFixture(t)
	_, err := svc.Create(ctx, CodeRuleRequest{
		Code: "LABEL",
		Name: "标签",
		Components: json.RawMessage(`[
			{"type":"literal","order":0,"text":"L-"},
			{"type":"variable","order":1,"field":"warehouse","default":"XX"},
			{"type":"date","order":2,"format":"YYMM"}
		]`),
	})
	require.NoError(t, err)

	a, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "LABEL", Context: map[string]any{"warehouse": "SH"}})
	require.NoError(t, err)
	assert.Equal(t, "L-SH2603", a.Code)
	assert.Nil(t, a.Counter)

	b, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "LABEL"})
	require.NoError(t, err)
	assert.Equal(t, "L-XX2603", b.Code)
}

func TestGenerate_Errors(t *testing.T) {
	_, svc, ctx := newCodeRuleFixture(t)

	_, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "MISSING"})
	assert.Equal(t, apperr.CodeRuleNotFound, codeOf(err))

	_, err = svc.Generate(context.Background(), GenerateCodeRequest{RuleCode: "PO_CODE"})
	assert.Equal(t, apperr.MissingTenantContext, apperr.KindOf(err))

	rule, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, rule, 1)
	off := false
	_, err = svc.Update(ctx, rule[0].UUID, CodeRuleRequest{IsActive: &off})
	require.NoError(t, err)
	_, err = svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	assert.Equal(t, apperr.CodeRuleNotFound, codeOf(err))

	_, err = svc.Create(ctx, CodeRuleRequest{
		Code: "TWO_COUNTERS",
		Name: "bad",
		Components: json.RawMessage(`[
			{"type":"auto_counter","order":0,"digits":3},
			{"type":"auto_counter","order":1,"digits":3}
		]`),
	})
	assert.Equal(t, apperr.CodeConfiguration, codeOf(err))

	_, err = svc.Create(ctx, CodeRuleRequest{Code: "lower case", Name: "bad", Components: json.RawMessage(poComponents)})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = svc.Update(ctx, rule[0].UUID, CodeRuleRequest{Code: "RENAMED"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestDeleteRule(t *testing.T) {
	f, svc, ctx := newCodeRuleFixture(t)

	rules, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	tid := rules[0].TenantID
	require.NoError(t, svc.Delete(ctx, rules[0].UUID))
	_, err = svc.Get(ctx, rules[0].UUID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	_, err = svc.Generate(ctx, GenerateCodeRequest{RuleCode: "PO_CODE"})
	assert.Equal(t, apperr.CodeRuleNotFound, codeOf(err))

	seeded := make([]*domain.CodeRule, 0, len(coderule.Presets))
	for _, p := range coderule.Presets {
		seeded = append(seeded, p.Rule(tid))
	}
	n, err := f.repos.CodeRules.SeedSystemRules(context.Background(), tid, seeded)
	require.NoError(t, err)
	assert.Equal(t, len(coderule.Presets), n)

	sys, err := svc.Generate(ctx, GenerateCodeRequest{RuleCode: "MATERIAL_CODE"})
	require.NoError(t, err)
	assert.Equal(t, "WL000001", sys.Code)

	err = svc.Delete(ctx, seeded[0].UUID)
	assert.Equal(t, apperr.Authorization, apperr.KindOf(err))
}
